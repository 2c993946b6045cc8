// Package api defines the Huma API routes and handlers.
package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/danielgtaylor/huma/v2"
	"github.com/paulmach/orb/geojson"

	"github.com/joeblew999/plat-explore/internal/explore"
	"github.com/joeblew999/plat-explore/internal/humastar"
	"github.com/joeblew999/plat-explore/internal/service"
)

// Services holds the service dependencies for API handlers.
type Services struct {
	Explorer *explore.Explorer
	Catalog  *service.CatalogService
	Source   *service.SourceService
	Bus      *service.EventBus
	DB       *sql.DB
}

// Feature page limits.
const (
	DefaultFeatureLimit = 100
	MaxFeatureLimit     = 10000
)

// Types

type MessageBody struct {
	Message string `json:"message" doc:"Result message"`
}

type HealthBody struct {
	Status  string `json:"status" doc:"Health status" example:"ok"`
	Version string `json:"version" doc:"API version" example:"1.0.0"`
}

type TypesInput struct {
	Category string `query:"category" enum:"LIVE,PRODUCT" doc:"Only list types of this category"`
}

// SelectionBody is the active selection and the status of its view.
type SelectionBody struct {
	State    string              `json:"state" enum:"uninitialized,type-selected,sheet-selected,strata-applied" doc:"Selector state"`
	Type     service.DatasetType `json:"type" doc:"Active type"`
	Sheet    string              `json:"sheet,omitempty" doc:"Active sheet"`
	Strata   service.Strata      `json:"strata" doc:"Active strata"`
	Filter   service.Filter      `json:"filter" doc:"Active filter"`
	Time     string              `json:"time,omitempty" doc:"Active time value"`
	Location explore.Location    `json:"location" doc:"URL state of the selection"`
	Status   string              `json:"status" enum:"idle,loading,ready,no-data,error" doc:"View status"`
	Error    string              `json:"error,omitempty" doc:"Error of the last load"`
	Total    int                 `json:"total" doc:"Number of loaded features"`
	MaxValue float64             `json:"maxValue" doc:"Largest aggregated value of the load"`
}

// Actions implements humastar.Actor.
func (b SelectionBody) Actions() []humastar.Action {
	actions := []humastar.Action{
		{Rel: "edit", Href: "/api/v1/selection", Method: "PUT", Title: "Change selection"},
	}
	if b.State == explore.StrataApplied.String() && b.Strata.TimeColumnName != "" {
		actions = append(actions, humastar.Action{Rel: "animate", Href: "/api/v1/animation", Method: "POST", Title: "Animate " + b.Strata.TimeColumnName})
	}
	return actions
}

type SelectionOutput struct {
	Body SelectionBody
}

type SelectionInput struct {
	Wait bool `query:"wait" doc:"Wait for the triggered load to finish"`
	Body struct {
		Category string  `json:"category" required:"true" doc:"Type category" example:"PRODUCT"`
		Label    string  `json:"label" required:"true" doc:"Type label" example:"rdb"`
		Sheet    string  `json:"sheet,omitempty" doc:"Sheet, defaults to the first sheet"`
		StrataID string  `json:"strataId,omitempty" doc:"Strata of the sheet, defaults to its default strata"`
		Q        *string `json:"q,omitempty" doc:"Encoded filter, replaces the current filter when present" example:"year=2020"`
		Time     string  `json:"time,omitempty" doc:"Value of the strata time column"`
	}
}

type ColumnsBody struct {
	Columns []service.Column     `json:"columns" doc:"Columns of the active sheet"`
	Groups  explore.ColumnGroups `json:"groups" doc:"Columns by semantic group"`
}

type FeaturesInput struct {
	Offset int `query:"offset" minimum:"0" default:"0" doc:"Index of the first feature"`
	Limit  int `query:"limit" minimum:"1" maximum:"10000" default:"100" doc:"Page size"`
}

type FeaturesOutput struct {
	Body humastar.PageBody[*geojson.Feature]
}

type LegendBody struct {
	Min        float64              `json:"min" doc:"Lower bound of the legend domain"`
	Max        float64              `json:"max" doc:"Upper bound of the legend domain"`
	Custom     bool                 `json:"custom" doc:"Whether the domain is pinned"`
	StartColor string               `json:"startColor" doc:"Color of the lowest bucket"`
	EndColor   string               `json:"endColor" doc:"Color at 90% of the range"`
	Items      []explore.LegendItem `json:"items" doc:"Buckets, lowest first"`
}

type LegendInput struct {
	Body struct {
		Min        *float64 `json:"min,omitempty" doc:"Pinned lower bound"`
		Max        *float64 `json:"max,omitempty" doc:"Pinned upper bound"`
		StartColor string   `json:"startColor,omitempty" doc:"Color of the lowest bucket" example:"#ffffcc"`
		EndColor   string   `json:"endColor,omitempty" doc:"Color at 90% of the range" example:"#e31a1c"`
	}
}

type TechBody struct {
	Column  string               `json:"column,omitempty" doc:"Tech column of the strata"`
	Chart   explore.TechChart    `json:"chart" doc:"Ordered series"`
	Options explore.ChartOptions `json:"options" doc:"Chart options"`
}

type AnimationBody struct {
	explore.AnimationState
}

// Actions implements humastar.Actor.
func (b AnimationBody) Actions() []humastar.Action {
	if b.Active {
		return []humastar.Action{{Rel: "stop", Href: "/api/v1/animation", Method: "DELETE", Title: "Stop animation"}}
	}
	return []humastar.Action{{Rel: "start", Href: "/api/v1/animation", Method: "POST", Title: "Start animation"}}
}

type AnimationOutput struct {
	Body AnimationBody
}

type AnimationInput struct {
	Body struct {
		Values []string `json:"values,omitempty" doc:"Time values to cycle, defaults to the known values of the time column" example:"[\"2019\",\"2020\"]"`
	}
}

// RegisterRoutes registers the REST, SSE and database routes on api.
func RegisterRoutes(api huma.API, svc *Services) {
	huma.AutoRegister(api, NewAPIHandler(svc))
	huma.AutoRegister(api, NewEventHandler(svc))
	var conn *sql.DB
	if svc != nil {
		conn = svc.DB
	}
	huma.AutoRegister(api, NewDBHandler(conn))
}

// APIHandler holds all REST API handlers. Methods named Register* are
// auto-discovered by huma.AutoRegister.
type APIHandler struct {
	svc *Services
}

func NewAPIHandler(svc *Services) *APIHandler {
	return &APIHandler{svc: svc}
}

// RegisterHealth registers health check routes.
func (h *APIHandler) RegisterHealth(api huma.API) {
	huma.Get(api, "/health", h.GetHealth, huma.OperationTags("health"))
}

// RegisterTypes registers catalog routes.
func (h *APIHandler) RegisterTypes(api huma.API) {
	huma.Get(api, "/api/v1/types", h.GetTypes, huma.OperationTags("catalog"))
	huma.Post(api, "/api/v1/types/reload", h.ReloadTypes, huma.OperationTags("catalog"))
}

// RegisterSelection registers the selection routes.
func (h *APIHandler) RegisterSelection(api huma.API) {
	huma.Get(api, "/api/v1/selection", h.GetSelection, huma.OperationTags("selection"))
	huma.Put(api, "/api/v1/selection", h.PutSelection, huma.OperationTags("selection"))
	huma.Get(api, "/api/v1/columns", h.GetColumns, huma.OperationTags("selection"))
}

// RegisterView registers the routes reading the loaded view.
func (h *APIHandler) RegisterView(api huma.API) {
	huma.Get(api, "/api/v1/features", h.GetFeatures, huma.OperationTags("view"))
	huma.Get(api, "/api/v1/legend", h.GetLegend, huma.OperationTags("view"))
	huma.Put(api, "/api/v1/legend", h.PutLegend, huma.OperationTags("view"))
	huma.Delete(api, "/api/v1/legend", h.DeleteLegend, huma.OperationTags("view"))
	huma.Get(api, "/api/v1/tech", h.GetTech, huma.OperationTags("view"))
}

// RegisterAnimation registers animation routes.
func (h *APIHandler) RegisterAnimation(api huma.API) {
	huma.Get(api, "/api/v1/animation", h.GetAnimation, huma.OperationTags("animation"))
	huma.Post(api, "/api/v1/animation", h.StartAnimation, huma.OperationTags("animation"))
	huma.Delete(api, "/api/v1/animation", h.StopAnimation, huma.OperationTags("animation"))
}

// RegisterSources registers source listing routes.
func (h *APIHandler) RegisterSources(api huma.API) {
	huma.Get(api, "/api/v1/sources", h.GetSources, huma.OperationTags("sources"))
}

// Handlers

func (h *APIHandler) GetHealth(ctx context.Context, input *struct{}) (*struct{ Body HealthBody }, error) {
	return &struct{ Body HealthBody }{Body: HealthBody{Status: "ok", Version: "1.0.0"}}, nil
}

func (h *APIHandler) GetTypes(ctx context.Context, input *TypesInput) (*struct{ Body []service.DatasetType }, error) {
	ex, err := h.explorer()
	if err != nil {
		return nil, err
	}
	types := []service.DatasetType{}
	for _, t := range ex.Selector().Catalog().Get() {
		if input.Category == "" || t.Category == input.Category {
			types = append(types, t)
		}
	}
	return &struct{ Body []service.DatasetType }{Body: types}, nil
}

func (h *APIHandler) ReloadTypes(ctx context.Context, input *struct{}) (*struct{ Body MessageBody }, error) {
	ex, err := h.explorer()
	if err != nil {
		return nil, err
	}
	if h.svc.Catalog != nil {
		if err := h.svc.Catalog.Reload(); err != nil {
			return nil, huma.Error400BadRequest("Catalog reload failed: " + err.Error())
		}
	}
	if err := ex.Selector().RefreshCatalog(ctx); err != nil {
		return nil, huma.Error502BadGateway("Listing types failed", err)
	}
	n := len(ex.Selector().Catalog().Get())
	return &struct{ Body MessageBody }{Body: MessageBody{Message: fmt.Sprintf("%d types loaded", n)}}, nil
}

func (h *APIHandler) GetSelection(ctx context.Context, input *struct{}) (*SelectionOutput, error) {
	ex, err := h.explorer()
	if err != nil {
		return nil, err
	}
	return &SelectionOutput{Body: selectionBody(ex)}, nil
}

func (h *APIHandler) PutSelection(ctx context.Context, input *SelectionInput) (*SelectionOutput, error) {
	ex, err := h.explorer()
	if err != nil {
		return nil, err
	}
	in := input.Body
	if err := applySelection(ctx, ex, in.Category, in.Label, in.Sheet, in.StrataID, in.Q, in.Time); err != nil {
		return nil, err
	}
	if input.Wait {
		// Load failures are reported in the body.
		if err := ex.Wait(ctx); err != nil && ctx.Err() != nil {
			return nil, huma.Error504GatewayTimeout("Load did not finish", err)
		}
	}
	return &SelectionOutput{Body: selectionBody(ex)}, nil
}

func (h *APIHandler) GetColumns(ctx context.Context, input *struct{}) (*struct{ Body ColumnsBody }, error) {
	ex, err := h.explorer()
	if err != nil {
		return nil, err
	}
	sel := ex.Selector().Current()
	if sel.ColumnsErr != nil {
		return nil, huma.Error502BadGateway("Loading columns failed", sel.ColumnsErr)
	}
	cols := sel.Columns
	if cols == nil {
		cols = []service.Column{}
	}
	return &struct{ Body ColumnsBody }{Body: ColumnsBody{Columns: cols, Groups: sel.Groups}}, nil
}

func (h *APIHandler) GetFeatures(ctx context.Context, input *FeaturesInput) (*FeaturesOutput, error) {
	ex, err := h.explorer()
	if err != nil {
		return nil, err
	}
	var features []*geojson.Feature
	if v := ex.View(); v.Features != nil {
		features = v.Features.Features
	}
	limit := input.Limit
	if limit <= 0 {
		limit = DefaultFeatureLimit
	}
	return &FeaturesOutput{Body: humastar.Page(features, input.Offset, min(limit, MaxFeatureLimit))}, nil
}

func (h *APIHandler) GetLegend(ctx context.Context, input *struct{}) (*struct{ Body LegendBody }, error) {
	ex, err := h.explorer()
	if err != nil {
		return nil, err
	}
	return &struct{ Body LegendBody }{Body: legendBody(ex)}, nil
}

func (h *APIHandler) PutLegend(ctx context.Context, input *LegendInput) (*struct{ Body LegendBody }, error) {
	ex, err := h.explorer()
	if err != nil {
		return nil, err
	}
	in := input.Body
	if in.StartColor != "" || in.EndColor != "" {
		start, end := ex.Colors()
		if in.StartColor != "" {
			start = in.StartColor
		}
		if in.EndColor != "" {
			end = in.EndColor
		}
		if err := ex.SetColors(start, end); err != nil {
			return nil, huma.Error400BadRequest(err.Error())
		}
	}
	if in.Min != nil || in.Max != nil {
		if in.Min == nil || in.Max == nil {
			return nil, huma.Error400BadRequest("Both min and max are required to pin the legend")
		}
		if *in.Max <= *in.Min {
			return nil, huma.Error400BadRequest("Legend max must be greater than min")
		}
		if err := ex.SetCustomLegend(&service.AggregationBounds{Min: *in.Min, Max: *in.Max}); err != nil {
			return nil, huma.Error400BadRequest(err.Error())
		}
	}
	return &struct{ Body LegendBody }{Body: legendBody(ex)}, nil
}

func (h *APIHandler) DeleteLegend(ctx context.Context, input *struct{}) (*struct{ Body LegendBody }, error) {
	ex, err := h.explorer()
	if err != nil {
		return nil, err
	}
	if err := ex.SetCustomLegend(nil); err != nil {
		return nil, huma.Error500InternalServerError("Restoring legend failed", err)
	}
	return &struct{ Body LegendBody }{Body: legendBody(ex)}, nil
}

func (h *APIHandler) GetTech(ctx context.Context, input *struct{}) (*struct{ Body TechBody }, error) {
	ex, err := h.explorer()
	if err != nil {
		return nil, err
	}
	v := ex.View()
	body := TechBody{
		Column:  ex.Selector().Current().Strata.TechColumnName,
		Chart:   explore.TechChart{Labels: []any{}, Data: []float64{}},
		Options: v.Chart,
	}
	if v.Tech != nil {
		body.Chart = *v.Tech
	}
	return &struct{ Body TechBody }{Body: body}, nil
}

func (h *APIHandler) GetAnimation(ctx context.Context, input *struct{}) (*AnimationOutput, error) {
	ex, err := h.explorer()
	if err != nil {
		return nil, err
	}
	return &AnimationOutput{Body: AnimationBody{ex.Animation()}}, nil
}

func (h *APIHandler) StartAnimation(ctx context.Context, input *AnimationInput) (*AnimationOutput, error) {
	ex, err := h.explorer()
	if err != nil {
		return nil, err
	}
	if err := ex.StartAnimation(input.Body.Values); err != nil {
		return nil, apiError(err)
	}
	return &AnimationOutput{Body: AnimationBody{ex.Animation()}}, nil
}

func (h *APIHandler) StopAnimation(ctx context.Context, input *struct{}) (*AnimationOutput, error) {
	ex, err := h.explorer()
	if err != nil {
		return nil, err
	}
	ex.StopAnimation()
	return &AnimationOutput{Body: AnimationBody{ex.Animation()}}, nil
}

func (h *APIHandler) GetSources(ctx context.Context, input *struct{}) (*struct{ Body []service.SourceFile }, error) {
	if h.svc == nil || h.svc.Source == nil {
		return &struct{ Body []service.SourceFile }{Body: []service.SourceFile{}}, nil
	}
	sources, err := h.svc.Source.List()
	if err != nil || sources == nil {
		return &struct{ Body []service.SourceFile }{Body: []service.SourceFile{}}, nil
	}
	return &struct{ Body []service.SourceFile }{Body: sources}, nil
}

// helpers

func (h *APIHandler) explorer() (*explore.Explorer, error) {
	if h.svc == nil || h.svc.Explorer == nil {
		return nil, huma.Error503ServiceUnavailable("Explorer not available")
	}
	return h.svc.Explorer, nil
}

// applySelection drives the selector through type, sheet, strata, filter and
// time, in that order. Each step emits its own change.
func applySelection(ctx context.Context, ex *explore.Explorer, category, label, sheet, strataID string, q *string, tm string) error {
	sel := ex.Selector()
	t, ok := sel.Resolve(service.DatasetType{Category: category, Label: label})
	if !ok {
		return huma.Error404NotFound(fmt.Sprintf("Type %s:%s not found", category, label))
	}
	if sheet != "" && !t.HasSheet(sheet) {
		return huma.Error400BadRequest(fmt.Sprintf("Type %s has no sheet %q", t.Key(), sheet))
	}
	sel.SetType(ctx, t, explore.SetTypeOptions{EmitChange: true, SheetName: sheet})

	if strataID != "" {
		if _, err := sel.SetStrataByID(strataID, true); err != nil {
			if errors.Is(err, explore.ErrNotReady) || errors.Is(err, explore.ErrSheetMismatch) {
				return apiError(err)
			}
			return huma.Error404NotFound(err.Error())
		}
	}
	if q != nil {
		f, err := explore.ParseQuery(*q, sel.Current().Sheet)
		if err != nil {
			return huma.Error400BadRequest("Invalid filter: " + err.Error())
		}
		if err := sel.SetFilter(f, true); err != nil {
			return apiError(err)
		}
	}
	if tm != "" {
		if err := sel.SetTime(tm, explore.TimeOptions{EmitChange: true}); err != nil {
			return apiError(err)
		}
	}
	return nil
}

func selectionBody(ex *explore.Explorer) SelectionBody {
	sel := ex.Selector().Current()
	v := ex.View()
	return SelectionBody{
		State:    sel.State.String(),
		Type:     sel.Type,
		Sheet:    sel.Sheet,
		Strata:   sel.Strata,
		Filter:   sel.Filter,
		Time:     sel.Time,
		Location: sel.Location(),
		Status:   string(v.Status),
		Error:    v.Error,
		Total:    v.Total,
		MaxValue: v.MaxValue,
	}
}

func legendBody(ex *explore.Explorer) LegendBody {
	v := ex.View()
	start, end := ex.Colors()
	body := LegendBody{
		Min:        v.Bounds.Min,
		Max:        v.Bounds.Max,
		Custom:     ex.CustomLegend() != nil,
		StartColor: start,
		EndColor:   end,
		Items:      []explore.LegendItem{},
	}
	if v.Scale != nil {
		body.Items = v.Scale.Legend
	}
	return body
}

// apiError maps engine errors to Huma errors.
func apiError(err error) error {
	switch {
	case errors.Is(err, service.ErrTypeNotFound):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, explore.ErrSheetMismatch):
		return huma.Error400BadRequest(err.Error())
	case errors.Is(err, explore.ErrNotReady):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return huma.Error504GatewayTimeout(err.Error())
	}
	return huma.Error422UnprocessableEntity(err.Error())
}
