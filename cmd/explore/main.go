package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/joeblew999/plat-explore/internal/explore"
	"github.com/joeblew999/plat-explore/internal/logging"
	"github.com/joeblew999/plat-explore/internal/server"
	"github.com/joeblew999/plat-explore/internal/service"
)

// Options defines all CLI flags and env vars for the explorer server.
// Flags: --host, --port, --data-dir, --catalog, ...
// Env vars: SERVICE_HOST, SERVICE_PORT, SERVICE_DATA_DIR, SERVICE_CATALOG, ...
type Options struct {
	Host              string `doc:"Host to bind to" default:"0.0.0.0"`
	Port              int    `doc:"Port to listen on" short:"p" default:"8087"`
	DataDir           string `doc:"Directory holding sources/ and the DuckDB file" default:".data"`
	Catalog           string `doc:"Catalog YAML file, defaults to <data-dir>/catalog.yaml"`
	PageSize          int    `doc:"Features requested per page" default:"3000"`
	Timeout           string `doc:"Timeout of each transport request" default:"30s"`
	AnimationPeriod   string `doc:"Delay between animation frames" default:"500ms"`
	AnimationThrottle string `doc:"Minimum gap before the next frame may render" default:"450ms"`
	Locale            string `doc:"Locale of legend labels" default:"en"`
	StartColor        string `doc:"Color of the lowest legend bucket" default:"#ffffcc"`
	EndColor          string `doc:"Color at 90% of the legend range" default:"#e31a1c"`
	SpatialOnly       bool   `doc:"Only list spatial types"`
	Areas             string `doc:"GeoJSON file resolving area codes to geometries"`
	AreasKey          string `doc:"Property of the areas file holding the code" default:"code"`
	Location          string `doc:"Initial selection as a query string" example:"category=PRODUCT&label=rdb&sheet=HH&q=year%3D2020"`
	LogLevel          string `doc:"Log level (debug, info, warn, error)" default:"info"`
}

func newServer(opts *Options, logger *zap.Logger) (*server.Server, error) {
	cfg, err := serverConfig(opts)
	if err != nil {
		return nil, err
	}
	cfg.Logger = logger
	return server.New(cfg)
}

// serverConfig maps the CLI options onto the server configuration.
func serverConfig(opts *Options) (server.Config, error) {
	timeout, err := time.ParseDuration(opts.Timeout)
	if err != nil {
		return server.Config{}, fmt.Errorf("invalid timeout: %w", err)
	}
	period, err := time.ParseDuration(opts.AnimationPeriod)
	if err != nil {
		return server.Config{}, fmt.Errorf("invalid animation period: %w", err)
	}
	throttle, err := time.ParseDuration(opts.AnimationThrottle)
	if err != nil {
		return server.Config{}, fmt.Errorf("invalid animation throttle: %w", err)
	}
	return server.Config{
		Host:              opts.Host,
		Port:              fmt.Sprintf("%d", opts.Port),
		DataDir:           opts.DataDir,
		Catalog:           opts.Catalog,
		PageSize:          opts.PageSize,
		RequestTimeout:    timeout,
		AnimationPeriod:   period,
		AnimationThrottle: throttle,
		Locale:            opts.Locale,
		StartColor:        opts.StartColor,
		EndColor:          opts.EndColor,
		SpatialOnly:       opts.SpatialOnly,
		AreasFile:         opts.Areas,
		AreasKey:          opts.AreasKey,
	}, nil
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func main() {
	cli := humacli.New(func(hooks humacli.Hooks, opts *Options) {
		var (
			logger     *zap.Logger
			srv        *server.Server
			httpServer *http.Server
		)

		hooks.OnStart(func() {
			var err error
			logger, err = logging.New(opts.LogLevel, true)
			if err != nil {
				fatal("Invalid log level: %v", err)
			}
			srv, err = newServer(opts, logger)
			if err != nil {
				fatal("Error: %v", err)
			}

			q, err := url.ParseQuery(opts.Location)
			if err != nil {
				logger.Warn("Ignoring invalid location", zap.String("location", opts.Location), zap.Error(err))
			}
			if err := srv.Start(context.Background(), explore.ParseLocation(q)); err != nil {
				logger.Warn("Explorer not started", zap.Error(err))
			}

			displayHost := opts.Host
			if displayHost == "0.0.0.0" {
				displayHost = "localhost"
			}
			baseURL := fmt.Sprintf("http://%s:%d", displayHost, opts.Port)

			fmt.Println()
			fmt.Printf("plat-explore API server starting...\n")
			fmt.Printf("  Server:  %s\n", baseURL)
			fmt.Printf("  Data:    %s\n", opts.DataDir)
			fmt.Println()
			fmt.Printf("  Events:  %s/api/v1/events\n", baseURL)
			fmt.Printf("  Metrics: %s/metrics\n", baseURL)
			fmt.Printf("  Docs:    %s/docs\n", baseURL)
			fmt.Printf("  OpenAPI: %s/openapi.json\n", baseURL)
			fmt.Println()

			httpServer = &http.Server{
				Addr:    fmt.Sprintf("%s:%d", opts.Host, opts.Port),
				Handler: srv,
			}
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatal("Server error", zap.Error(err))
			}
		})

		hooks.OnStop(func() {
			if httpServer == nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			httpServer.Shutdown(ctx)
			srv.Close()
			logger.Sync()
		})
	})

	cli.Root().Use = "explore"
	cli.Root().Short = "Aggregated extraction explorer"
	cli.Root().Version = "0.1.0"

	// spec subcommand: export OpenAPI spec
	specCmd := &cobra.Command{
		Use:   "spec",
		Short: "Export OpenAPI spec (JSON by default, --yaml for YAML)",
		Run: humacli.WithOptions(func(cmd *cobra.Command, args []string, opts *Options) {
			srv, err := newServer(opts, nil)
			if err != nil {
				fatal("Error: %v", err)
			}
			defer srv.Close()
			spec := srv.OpenAPI()

			useYAML, _ := cmd.Flags().GetBool("yaml")

			var output []byte
			if useYAML {
				output, err = yaml.Marshal(spec)
			} else {
				output, err = json.MarshalIndent(spec, "", "  ")
			}
			if err != nil {
				fatal("Error marshaling spec: %v", err)
			}
			fmt.Println(string(output))
		}),
	}
	specCmd.Flags().BoolP("yaml", "y", false, "Output as YAML instead of JSON")
	cli.Root().AddCommand(specCmd)

	// catalog subcommand: validate and list the catalog
	catalogCmd := &cobra.Command{
		Use:   "catalog",
		Short: "Validate the catalog and list its types",
		Run: humacli.WithOptions(func(cmd *cobra.Command, args []string, opts *Options) {
			path := opts.Catalog
			if path == "" {
				path = opts.DataDir + "/catalog.yaml"
			}
			data, err := os.ReadFile(path)
			if err != nil {
				fatal("Error reading catalog: %v", err)
			}
			entries, err := service.ParseCatalog(data)
			if err != nil {
				fatal("Invalid catalog: %v", err)
			}
			sources := service.NewSourceService(opts.DataDir)
			for _, e := range entries {
				fmt.Printf("%-24s %-8s sheets=%s strata=%d\n",
					e.Key(), spatialLabel(e.IsSpatial), strings.Join(e.SheetNames, ","), len(e.Stratum))
				for _, sheet := range e.SheetNames {
					src := e.Sources[sheet]
					status := "ok"
					switch {
					case src == "":
						status = "missing source"
					case service.IsFile(src):
						if _, err := sources.Resolve(src); err != nil {
							status = err.Error()
						}
					}
					fmt.Printf("  %-6s %-32s %s\n", sheet, src, status)
				}
			}
			fmt.Printf("%d types\n", len(entries))
		}),
	}
	cli.Root().AddCommand(catalogCmd)

	cli.Run()
}

func spatialLabel(spatial bool) string {
	if spatial {
		return "spatial"
	}
	return "-"
}
