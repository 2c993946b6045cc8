package api

import (
	"context"

	"github.com/danielgtaylor/huma/v2"
)

type InfoHandler struct {
	dataDir  string
	catalog  string
	pageSize int
	dbOK     bool
}

func NewInfoHandler(dataDir, catalog string, pageSize int, dbOK bool) *InfoHandler {
	return &InfoHandler{dataDir: dataDir, catalog: catalog, pageSize: pageSize, dbOK: dbOK}
}

func (h *InfoHandler) RegisterRoutes(api huma.API) {
	huma.Get(api, "/api/v1/info", h.GetInfo, huma.OperationTags("health"))
}

type InfoBody struct {
	Name     string   `json:"name" doc:"Service name"`
	Version  string   `json:"version" doc:"Service version"`
	DataDir  string   `json:"data_dir" doc:"Data directory path"`
	Catalog  string   `json:"catalog" doc:"Catalog file path"`
	PageSize int      `json:"page_size" doc:"Features requested per page"`
	DB       bool     `json:"db" doc:"Whether database is available"`
	Features []string `json:"features" doc:"Available features"`
}

func (h *InfoHandler) GetInfo(ctx context.Context, input *struct{}) (*struct{ Body InfoBody }, error) {
	return &struct{ Body InfoBody }{Body: InfoBody{
		Name:     "plat-explore",
		Version:  "0.1.0",
		DataDir:  h.dataDir,
		Catalog:  h.catalog,
		PageSize: h.pageSize,
		DB:       h.dbOK,
		Features: []string{"duckdb", "geojson", "legend", "tech-chart", "animation", "datastar"},
	}}, nil
}
