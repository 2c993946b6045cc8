package service

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SourceFile is a sheet source file (parquet, csv, ...).
type SourceFile struct {
	Name     string `json:"name" doc:"File name" example:"hh.parquet"`
	Size     string `json:"size" doc:"Human-readable file size" example:"1.2 MB"`
	FileType string `json:"fileType" doc:"File type" example:"Parquet"`
}

// Supported source file extensions and their types.
var sourceTypes = map[string]string{
	".parquet": "Parquet",
	".csv":     "CSV",
	".json":    "JSON",
	".geojson": "GeoJSON",
}

// SourceService resolves the files backing sheets.
type SourceService struct {
	sourcesDir string
}

// NewSourceService creates a new source service.
func NewSourceService(dataDir string) *SourceService {
	return &SourceService{
		sourcesDir: filepath.Join(dataDir, "sources"),
	}
}

// List returns all available source files.
func (s *SourceService) List() ([]SourceFile, error) {
	entries, err := os.ReadDir(s.sourcesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []SourceFile{}, nil
		}
		return nil, err
	}

	var files []SourceFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fileType, ok := sourceTypes[strings.ToLower(filepath.Ext(entry.Name()))]
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, SourceFile{
			Name:     entry.Name(),
			Size:     formatSize(info.Size()),
			FileType: fileType,
		})
	}
	return files, nil
}

// IsFile reports whether a sheet source names a file rather than a table.
func IsFile(source string) bool {
	_, ok := sourceTypes[strings.ToLower(filepath.Ext(source))]
	return ok
}

// Resolve validates a source file name and returns its absolute path.
func (s *SourceService) Resolve(filename string) (string, error) {
	if strings.Contains(filename, "/") || strings.Contains(filename, "\\") || strings.Contains(filename, "..") {
		return "", fmt.Errorf("invalid filename %q", filename)
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := sourceTypes[ext]; !ok {
		return "", fmt.Errorf("unsupported file type: %s", ext)
	}

	path := filepath.Join(s.sourcesDir, filename)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return "", fmt.Errorf("file not found: %s", filename)
	}
	return filepath.Abs(path)
}

// SourcesDir returns the path to the sources directory.
func (s *SourceService) SourcesDir() string {
	return s.sourcesDir
}

// formatSize returns a human-readable file size.
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
