// Package db holds the DuckDB connection and the DuckDB-backed query
// transport of the explorer.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/marcboeker/go-duckdb"
	"go.uber.org/zap"

	"github.com/joeblew999/plat-explore/internal/logging"
)

var (
	instance *sql.DB
	once     sync.Once
	initErr  error
)

// Config holds database configuration.
type Config struct {
	DataDir string
	DBName  string
	// InMemory opens a transient database instead of DataDir/duckdb/DBName.duckdb.
	InMemory bool
	// Extensions are installed and loaded on open; defaults to spatial and parquet.
	Extensions []string
	Logger     *zap.Logger
}

// Get returns the singleton DuckDB connection.
func Get(cfg Config) (*sql.DB, error) {
	once.Do(func() {
		instance, initErr = Open(cfg)
	})
	return instance, initErr
}

// Open opens a new DuckDB connection and loads the configured extensions.
func Open(cfg Config) (*sql.DB, error) {
	log := logging.OrNop(cfg.Logger).Named("duckdb")

	dsn := ""
	if !cfg.InMemory {
		duckdbDir := filepath.Join(cfg.DataDir, "duckdb")
		if err := os.MkdirAll(duckdbDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create duckdb directory: %w", err)
		}
		dsn = filepath.Join(duckdbDir, cfg.DBName+".duckdb")
	}

	conn, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening duckdb: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening duckdb: %w", err)
	}

	extensions := cfg.Extensions
	if extensions == nil {
		extensions = []string{"spatial", "parquet"}
	}
	for _, ext := range extensions {
		if _, err := conn.Exec(fmt.Sprintf("INSTALL %s; LOAD %s;", ext, ext)); err != nil {
			// Offline hosts may lack the extension; queries needing it fail later.
			log.Warn("DuckDB extension unavailable", zap.String("extension", ext), zap.Error(err))
		}
	}
	log.Info("DuckDB opened", zap.String("path", dsn), zap.Strings("extensions", extensions))
	return conn, nil
}

// Close closes the singleton connection.
func Close() error {
	if instance != nil {
		return instance.Close()
	}
	return nil
}
