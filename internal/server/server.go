package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/text/language"

	"github.com/joeblew999/plat-explore/internal/api"
	"github.com/joeblew999/plat-explore/internal/db"
	"github.com/joeblew999/plat-explore/internal/explore"
	"github.com/joeblew999/plat-explore/internal/geo"
	"github.com/joeblew999/plat-explore/internal/humastar"
	"github.com/joeblew999/plat-explore/internal/logging"
	"github.com/joeblew999/plat-explore/internal/metrics"
	"github.com/joeblew999/plat-explore/internal/service"
)

// Config holds the server configuration.
type Config struct {
	Host    string
	Port    string
	DataDir string
	// Catalog is the catalog YAML file; defaults to DataDir/catalog.yaml.
	Catalog string
	DBName  string
	// InMemory keeps DuckDB out of DataDir.
	InMemory bool

	PageSize        int
	RequestTimeout  time.Duration
	AnimationPeriod time.Duration
	// AnimationThrottle drops a tick arriving sooner than this after the
	// previous frame; zero selects the explorer default.
	AnimationThrottle time.Duration
	Locale            string
	StartColor        string
	EndColor          string
	SpatialOnly       bool

	// AreasFile is a GeoJSON feature collection resolving spatial codes that
	// are neither statistical rectangles nor inline geometries.
	AreasFile string
	AreasKey  string

	Logger *zap.Logger
}

// Server is the explorer HTTP server.
type Server struct {
	config   Config
	log      *zap.Logger
	mux      *http.ServeMux
	humaAPI  huma.API
	db       *sql.DB
	services *api.Services
	explorer *explore.Explorer
	location *explore.MemoryLocation
	links    humastar.Links
}

// New creates the server: it loads the catalog, opens DuckDB and wires the
// explorer behind the Huma API. Call Start to apply the initial selection.
func New(cfg Config) (*Server, error) {
	log := logging.OrNop(cfg.Logger)
	if cfg.Catalog == "" {
		cfg.Catalog = cfg.DataDir + "/catalog.yaml"
	}
	if cfg.DBName == "" {
		cfg.DBName = "explore"
	}
	locale, err := language.Parse(cfg.Locale)
	if err != nil {
		locale = language.English
	}

	catalog := service.NewCatalogService(cfg.Catalog)
	if err := catalog.Reload(); err != nil {
		return nil, err
	}

	var conn *sql.DB
	if cfg.InMemory {
		conn, err = db.Open(db.Config{InMemory: true, Logger: log})
	} else {
		conn, err = db.Get(db.Config{DataDir: cfg.DataDir, DBName: cfg.DBName, Logger: log})
	}
	if err != nil {
		return nil, err
	}

	resolver := geo.NewResolver()
	if cfg.AreasFile != "" {
		n, err := resolver.LoadReference(cfg.AreasFile, cfg.AreasKey)
		if err != nil {
			return nil, fmt.Errorf("loading areas: %w", err)
		}
		log.Info("Areas loaded", zap.String("file", cfg.AreasFile), zap.Int("count", n))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sources := service.NewSourceService(cfg.DataDir)
	bus := service.NewEventBus()
	location := &explore.MemoryLocation{}
	explorer := explore.New(explore.Config{
		Transport:         db.NewTransport(conn, catalog, sources, resolver, log),
		Location:          location,
		Settings:          explore.StaticSettings{Tag: locale},
		Bus:               bus,
		Logger:            log,
		Metrics:           metrics.New(reg),
		PageSize:          cfg.PageSize,
		RequestTimeout:    cfg.RequestTimeout,
		StartColor:        cfg.StartColor,
		EndColor:          cfg.EndColor,
		AnimationPeriod:   cfg.AnimationPeriod,
		AnimationThrottle: cfg.AnimationThrottle,
		TypeFilter:        explore.TypeFilter{SpatialOnly: cfg.SpatialOnly},
	})

	s := &Server{
		config:   cfg,
		log:      log.Named("server"),
		mux:      http.NewServeMux(),
		db:       conn,
		explorer: explorer,
		location: location,
		services: &api.Services{
			Explorer: explorer,
			Catalog:  catalog,
			Source:   sources,
			Bus:      bus,
			DB:       conn,
		},
	}

	// Create Huma API with humago (pure stdlib) adapter
	humaConfig := huma.DefaultConfig("plat-explore API", "1.0.0")
	humaConfig.Info.Description = "Aggregated extraction explorer: dataset selection, paged map features, legend, tech chart and time animation."
	humaConfig.Servers = []*huma.Server{
		{URL: fmt.Sprintf("http://%s:%s", cfg.Host, cfg.Port), Description: "Local server"},
	}
	// Disable $schema property in responses (cleaner JSON)
	humaConfig.CreateHooks = []func(huma.Config) huma.Config{}
	// Links are generated once every route is registered.
	humaConfig.Transformers = append(humaConfig.Transformers, func(ctx huma.Context, status string, v any) (any, error) {
		return s.links.Transformer()(ctx, status, v)
	})
	s.humaAPI = humago.New(s.mux, humaConfig)

	s.routes(reg)
	return s, nil
}

// Start applies the initial selection.
func (s *Server) Start(ctx context.Context, loc explore.Location) error {
	if err := s.explorer.Start(ctx, loc); err != nil {
		return fmt.Errorf("starting explorer: %w", err)
	}
	sel := s.explorer.Selector().Current()
	s.log.Info("Explorer started",
		zap.String("type", sel.Type.Key()),
		zap.String("sheet", sel.Sheet),
		zap.String("strata", sel.Strata.ID))
	return nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// OpenAPI returns the OpenAPI spec of the server.
func (s *Server) OpenAPI() *huma.OpenAPI {
	return s.humaAPI.OpenAPI()
}

// Explorer returns the explorer behind the API.
func (s *Server) Explorer() *explore.Explorer {
	return s.explorer
}

// Location returns the last selection written back as URL state.
func (s *Server) Location() explore.Location {
	loc, _ := s.location.Location()
	return loc
}

// Close stops the explorer and closes the database.
func (s *Server) Close() error {
	s.explorer.Close()
	if s.config.InMemory {
		return s.db.Close()
	}
	return db.Close()
}

func (s *Server) routes(reg *prometheus.Registry) {
	api.RegisterRoutes(s.humaAPI, s.services)
	api.NewInfoHandler(s.config.DataDir, s.config.Catalog, s.explorer.Loader().PageSize(), s.db != nil).RegisterRoutes(s.humaAPI)
	s.links = humastar.AutoLinks(s.humaAPI)

	s.mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	s.mux.HandleFunc("/", s.handleRoot)
}

// handleRoot redirects to the API docs, carrying the entry point links.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	for _, link := range s.links[humastar.EntryPoint] {
		w.Header().Add("Link", link)
	}
	http.Redirect(w, r, "/docs", http.StatusFound)
}
