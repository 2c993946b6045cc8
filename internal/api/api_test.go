package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/joeblew999/plat-explore/internal/explore"
	"github.com/joeblew999/plat-explore/internal/service"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubTransport serves a fixed catalog and three features per load.
type stubTransport struct {
	mu       sync.Mutex
	features []*geojson.Feature
}

func rdbType() service.DatasetType {
	return service.DatasetType{
		Category:   "PRODUCT",
		Label:      "rdb",
		SheetNames: []string{"HH", "SL"},
		IsSpatial:  true,
		Stratum: []service.Strata{
			{ID: "hh-year", SheetName: "HH", SpatialColumnName: "statistical_rectangle", TimeColumnName: "year",
				AggColumnName: "station_count", AggFunction: "SUM", TechColumnName: "gear_type", IsDefault: true},
			{ID: "sl-total", SheetName: "SL", SpatialColumnName: "statistical_rectangle",
				AggColumnName: "weight", AggFunction: "SUM", IsDefault: true},
		},
	}
}

func (s *stubTransport) ListTypes(_ context.Context, filter explore.TypeFilter) ([]service.DatasetType, error) {
	return []service.DatasetType{rdbType()}, nil
}

func (s *stubTransport) LoadColumns(_ context.Context, _ service.DatasetType, sheet string) ([]service.Column, error) {
	cols := []service.Column{
		{ColumnName: "year", Type: "integer", Values: []string{"2019", "2020"}},
		{ColumnName: "statistical_rectangle", Type: "string", RankOrder: 1},
		{ColumnName: "gear_type", Type: "string", RankOrder: 2, Values: []string{"OTB", "PTM"}},
		{ColumnName: "station_count", Type: "integer", RankOrder: 3},
	}
	if sheet == "SL" {
		cols[3] = service.Column{ColumnName: "weight", Type: "double", RankOrder: 3}
	}
	return cols, nil
}

func (s *stubTransport) LoadFeaturePage(_ context.Context, _ service.DatasetType, strata service.Strata, offset, size int, _ service.Filter) (*geojson.FeatureCollection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fc := geojson.NewFeatureCollection()
	for i := offset; i < len(s.features) && i < offset+size; i++ {
		src := s.features[i]
		f := geojson.NewFeature(src.Geometry)
		f.Properties[strata.SpatialColumnName] = src.Properties["code"]
		f.Properties[strata.AggColumnName] = src.Properties["value"]
		fc.Append(f)
	}
	return fc, nil
}

func (s *stubTransport) LoadAggregateByCategory(context.Context, service.DatasetType, service.Strata, service.Filter) (map[string]*float64, error) {
	otb, ptm := 5.0, 7.125
	return map[string]*float64{"OTB": &otb, "PTM": &ptm}, nil
}

func (s *stubTransport) LoadAggregateMinMax(context.Context, service.DatasetType, service.Strata, service.Filter) (service.AggregationBounds, error) {
	return service.AggregationBounds{Min: 1, Max: 12}, nil
}

func stubFeature(code string, value float64) *geojson.Feature {
	f := geojson.NewFeature(orb.Point{1, 51})
	f.Properties["code"] = code
	f.Properties["value"] = value
	return f
}

func newTestAPI(t *testing.T) (humatest.TestAPI, *explore.Explorer) {
	t.Helper()
	stub := &stubTransport{features: []*geojson.Feature{
		stubFeature("31F1", 4), stubFeature("31F2", 9), stubFeature("32F1", 2),
	}}
	ex := explore.New(explore.Config{
		Transport:       stub,
		Location:        &explore.MemoryLocation{},
		Bus:             service.NewEventBus(),
		PageSize:        2,
		RequestTimeout:  time.Second,
		AnimationPeriod: time.Hour,
		SyncDebounce:    time.Millisecond,
	})
	t.Cleanup(ex.Close)

	ctx := context.Background()
	require.NoError(t, ex.Start(ctx, explore.Location{}))
	require.NoError(t, ex.Wait(ctx))

	api := newHumaAPI(t)
	RegisterRoutes(api, &Services{Explorer: ex, Bus: service.NewEventBus()})
	return api, ex
}

// newHumaAPI wraps a humago API, which the Datastar handlers unwrap.
func newHumaAPI(t *testing.T) humatest.TestAPI {
	return humatest.Wrap(t, humago.New(http.NewServeMux(), huma.DefaultConfig("test", "1.0.0")))
}

func decode[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func TestHealth(t *testing.T) {
	api := newHumaAPI(t)
	RegisterRoutes(api, nil)

	resp := api.Get("/health")
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"status":"ok"`)

	resp = api.Get("/api/v1/selection")
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)

	resp = api.Get("/api/v1/sources")
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `[]`, resp.Body.String())

	resp = api.Get("/api/v1/tables")
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
}

func TestTypes(t *testing.T) {
	api, _ := newTestAPI(t)

	types := decode[[]service.DatasetType](t, api.Get("/api/v1/types").Body.String())
	require.Len(t, types, 1)
	assert.Equal(t, "rdb", types[0].Label)

	resp := api.Get("/api/v1/types?category=LIVE")
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `[]`, resp.Body.String())

	resp = api.Get("/api/v1/types?category=OTHER")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
}

func TestGetSelection(t *testing.T) {
	api, _ := newTestAPI(t)

	resp := api.Get("/api/v1/selection")
	require.Equal(t, http.StatusOK, resp.Code)
	sel := decode[SelectionBody](t, resp.Body.String())
	assert.Equal(t, "strata-applied", sel.State)
	assert.Equal(t, "HH", sel.Sheet)
	assert.Equal(t, "hh-year", sel.Strata.ID)
	assert.Equal(t, "ready", sel.Status)
	assert.Equal(t, 3, sel.Total)
	assert.Equal(t, 9.0, sel.MaxValue)
	assert.Equal(t, explore.Location{Category: "PRODUCT", Label: "rdb", Sheet: "HH"}, sel.Location)
}

func TestPutSelection(t *testing.T) {
	api, ex := newTestAPI(t)

	resp := api.Put("/api/v1/selection?wait=true", map[string]any{
		"category": "PRODUCT", "label": "rdb", "sheet": "SL",
	})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	sel := decode[SelectionBody](t, resp.Body.String())
	assert.Equal(t, "SL", sel.Sheet)
	assert.Equal(t, "sl-total", sel.Strata.ID)
	assert.Equal(t, "ready", sel.Status)

	resp = api.Put("/api/v1/selection?wait=true", map[string]any{
		"category": "PRODUCT", "label": "rdb", "sheet": "HH", "q": "year=2020",
	})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	sel = decode[SelectionBody](t, resp.Body.String())
	assert.Equal(t, "HH", sel.Sheet)
	assert.Equal(t, "2020", sel.Time)
	assert.Equal(t, "year=2020", sel.Location.Q)
	require.Len(t, sel.Filter.Criteria, 1)
	assert.Equal(t, "HH", sel.Filter.Criteria[0].SheetName)

	resp = api.Put("/api/v1/selection", map[string]any{
		"category": "PRODUCT", "label": "rdb", "time": "2019",
	})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, "2019", ex.Selector().Current().Time)
}

func TestPutSelectionErrors(t *testing.T) {
	api, _ := newTestAPI(t)

	tests := []struct {
		name string
		body map[string]any
		code int
	}{
		{"unknown type", map[string]any{"category": "LIVE", "label": "nope"}, http.StatusNotFound},
		{"unknown sheet", map[string]any{"category": "PRODUCT", "label": "rdb", "sheet": "XX"}, http.StatusBadRequest},
		{"unknown strata", map[string]any{"category": "PRODUCT", "label": "rdb", "strataId": "nope"}, http.StatusNotFound},
		{"invalid filter", map[string]any{"category": "PRODUCT", "label": "rdb", "q": "year"}, http.StatusBadRequest},
		{"missing label", map[string]any{"category": "PRODUCT"}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := api.Put("/api/v1/selection", tt.body)
			assert.Equal(t, tt.code, resp.Code, resp.Body.String())
		})
	}
}

func TestColumns(t *testing.T) {
	api, _ := newTestAPI(t)

	resp := api.Get("/api/v1/columns")
	require.Equal(t, http.StatusOK, resp.Code)
	body := decode[ColumnsBody](t, resp.Body.String())
	assert.Len(t, body.Columns, 4)
	require.Len(t, body.Groups.Time, 1)
	assert.Equal(t, "year", body.Groups.Time[0].ColumnName)
	require.Len(t, body.Groups.Aggregate, 1)
	assert.Equal(t, "station_count", body.Groups.Aggregate[0].ColumnName)
}

func TestFeatures(t *testing.T) {
	api, _ := newTestAPI(t)

	resp := api.Get("/api/v1/features?offset=0&limit=2")
	require.Equal(t, http.StatusOK, resp.Code)
	var page struct {
		Total  int               `json:"total"`
		Offset int               `json:"offset"`
		Limit  int               `json:"limit"`
		Data   []json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &page))
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.Limit)
	require.Len(t, page.Data, 2)

	f, err := geojson.UnmarshalFeature(page.Data[1])
	require.NoError(t, err)
	assert.Equal(t, "31F2", f.Properties["statistical_rectangle"])
	assert.NotEmpty(t, f.Properties[explore.PropertyFill])

	resp = api.Get("/api/v1/features?offset=2")
	require.Equal(t, http.StatusOK, resp.Code)
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &page))
	assert.Len(t, page.Data, 1)
	assert.Equal(t, DefaultFeatureLimit, page.Limit)

	resp = api.Get("/api/v1/features?limit=0")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
}

func TestLegend(t *testing.T) {
	api, _ := newTestAPI(t)

	legend := decode[LegendBody](t, api.Get("/api/v1/legend").Body.String())
	assert.Equal(t, 0.0, legend.Min)
	assert.Equal(t, 10.0, legend.Max)
	assert.False(t, legend.Custom)
	require.Len(t, legend.Items, explore.MaxBuckets)
	assert.Nil(t, legend.Items[len(legend.Items)-1].UpperBound)

	resp := api.Put("/api/v1/legend", map[string]any{"min": 0, "max": 20})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	legend = decode[LegendBody](t, resp.Body.String())
	assert.True(t, legend.Custom)
	assert.Equal(t, 20.0, legend.Max)

	resp = api.Put("/api/v1/legend", map[string]any{"startColor": "#000000"})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	legend = decode[LegendBody](t, resp.Body.String())
	assert.Equal(t, "#000000", legend.StartColor)
	assert.Equal(t, "#000000", legend.Items[0].Color)

	assert.Equal(t, http.StatusBadRequest, api.Put("/api/v1/legend", map[string]any{"min": 3}).Code)
	assert.Equal(t, http.StatusBadRequest, api.Put("/api/v1/legend", map[string]any{"min": 3, "max": 1}).Code)
	assert.Equal(t, http.StatusBadRequest, api.Put("/api/v1/legend", map[string]any{"endColor": "not-a-color"}).Code)

	resp = api.Delete("/api/v1/legend")
	require.Equal(t, http.StatusOK, resp.Code)
	legend = decode[LegendBody](t, resp.Body.String())
	assert.False(t, legend.Custom)
	assert.Equal(t, 10.0, legend.Max)
}

func TestTech(t *testing.T) {
	api, _ := newTestAPI(t)

	resp := api.Get("/api/v1/tech")
	require.Equal(t, http.StatusOK, resp.Code)
	body := decode[TechBody](t, resp.Body.String())
	assert.Equal(t, "gear_type", body.Column)
	assert.Equal(t, []any{"OTB", "PTM"}, body.Chart.Labels)
	assert.Equal(t, []float64{5, 7.13}, body.Chart.Data)
	assert.True(t, body.Options.SortByLabel)
}

func TestAnimation(t *testing.T) {
	api, _ := newTestAPI(t)

	resp := api.Post("/api/v1/animation", map[string]any{"values": []string{"2019", "2020"}})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	state := decode[explore.AnimationState](t, resp.Body.String())
	assert.True(t, state.Active)
	assert.Equal(t, []string{"2019", "2020"}, state.Values)

	assert.True(t, decode[explore.AnimationState](t, api.Get("/api/v1/animation").Body.String()).Active)

	resp = api.Delete("/api/v1/animation")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.False(t, decode[explore.AnimationState](t, resp.Body.String()).Active)

	resp = api.Post("/api/v1/animation", map[string]any{})
	require.Equal(t, http.StatusOK, resp.Code, "defaults to the known time values")
	assert.Equal(t, []string{"2019", "2020"}, decode[explore.AnimationState](t, resp.Body.String()).Values)
	api.Delete("/api/v1/animation")

	resp = api.Put("/api/v1/selection?wait=true", map[string]any{"category": "PRODUCT", "label": "rdb", "sheet": "SL"})
	require.Equal(t, http.StatusOK, resp.Code)
	resp = api.Post("/api/v1/animation", map[string]any{})
	assert.Equal(t, http.StatusConflict, resp.Code, "strata without time column")
}

func TestSelectionActions(t *testing.T) {
	body := SelectionBody{State: "strata-applied", Strata: service.Strata{TimeColumnName: "year"}}
	rels := []string{}
	for _, a := range body.Actions() {
		rels = append(rels, a.Rel)
	}
	assert.Equal(t, []string{"edit", "animate"}, rels)

	assert.Len(t, SelectionBody{State: "sheet-selected"}.Actions(), 1)
	assert.Equal(t, "stop", AnimationBody{explore.AnimationState{Active: true}}.Actions()[0].Rel)
}

func TestPostSignals(t *testing.T) {
	api, ex := newTestAPI(t)

	resp := api.Post("/api/v1/selection/signals",
		strings.NewReader(`{"category":"PRODUCT","label":"rdb","sheet":"SL"}`))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "datastar-patch-signals")
	assert.Contains(t, resp.Body.String(), `"sheet":"SL"`)
	assert.Equal(t, "SL", ex.Selector().Current().Sheet)
	require.NoError(t, ex.Wait(context.Background()))

	resp = api.Post("/api/v1/selection/signals",
		strings.NewReader(`{"category":"PRODUCT","label":"rdb","sheet":"HH","q":"year=2020","wait":true}`))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"status":"ready"`)
	assert.Contains(t, resp.Body.String(), `"time":"2020"`)

	resp = api.Post("/api/v1/selection/signals", strings.NewReader(`{"category":"LIVE","label":"nope"}`))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"error"`)

	resp = api.Post("/api/v1/selection/signals", strings.NewReader(`{`))
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestPostSignalsAnimate(t *testing.T) {
	api, ex := newTestAPI(t)

	resp := api.Post("/api/v1/selection/signals", strings.NewReader(`{"animate":["2019","2020"]}`))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"animating":true`)
	assert.Equal(t, []string{"2019", "2020"}, ex.Animation().Values)

	resp = api.Post("/api/v1/selection/signals", strings.NewReader(`{"animate":false}`))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"animating":false`)
	assert.False(t, ex.Animation().Active)

	resp = api.Post("/api/v1/selection/signals", strings.NewReader(`{"sheet":"SL","animate":true}`))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "no time column")
	require.NoError(t, ex.Wait(context.Background()))
}

func TestAPIError(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{service.ErrTypeNotFound, http.StatusNotFound},
		{explore.ErrSheetMismatch, http.StatusBadRequest},
		{explore.ErrNotReady, http.StatusConflict},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{assert.AnError, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		err := apiError(tt.err)
		se, ok := err.(interface{ GetStatus() int })
		require.True(t, ok)
		assert.Equal(t, tt.code, se.GetStatus(), tt.err.Error())
	}
}

func TestEventsStream(t *testing.T) {
	_, ex := newTestAPI(t)
	bus := service.NewEventBus()
	mux := http.NewServeMux()
	RegisterRoutes(humago.New(mux, huma.DefaultConfig("test", "1.0.0")), &Services{Explorer: ex, Bus: bus})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		mux.ServeHTTP(rec, req)
	}()

	for i := 0; i < 20; i++ {
		bus.Publish(service.Event{Kind: service.EventLoaded, Type: "PRODUCT:rdb", Status: "ready"})
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	body := rec.Body.String()
	assert.Contains(t, body, "datastar-patch-signals")
	assert.Contains(t, body, `"strataId":"hh-year"`)
	assert.Contains(t, body, "explore-changed")
}
