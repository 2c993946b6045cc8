package explore

import (
	"context"
	"sync"

	"github.com/paulmach/orb/geojson"
	"golang.org/x/text/language"

	"github.com/joeblew999/plat-explore/internal/service"
)

// TypeFilter narrows ListTypes.
type TypeFilter struct {
	Category    string
	SpatialOnly bool
}

// Transport is the query backend the explorer reads from. Aggregation is
// performed by the transport; the explorer only decides what to request.
type Transport interface {
	ListTypes(ctx context.Context, filter TypeFilter) ([]service.DatasetType, error)
	LoadColumns(ctx context.Context, t service.DatasetType, sheet string) ([]service.Column, error)
	LoadFeaturePage(ctx context.Context, t service.DatasetType, strata service.Strata, offset, size int, filter service.Filter) (*geojson.FeatureCollection, error)
	LoadAggregateByCategory(ctx context.Context, t service.DatasetType, strata service.Strata, filter service.Filter) (map[string]*float64, error)
	LoadAggregateMinMax(ctx context.Context, t service.DatasetType, strata service.Strata, filter service.Filter) (service.AggregationBounds, error)
}

// LocationSink receives the URL state after confirmed changes.
type LocationSink interface {
	SyncLocation(ctx context.Context, loc Location)
}

// Settings is the read-only local settings store.
type Settings interface {
	Locale() language.Tag
}

// StaticSettings is a Settings with a fixed locale.
type StaticSettings struct {
	Tag language.Tag
}

// Locale implements Settings.
func (s StaticSettings) Locale() language.Tag {
	return s.Tag
}

// MemoryLocation keeps the last synced location in memory.
type MemoryLocation struct {
	mu    sync.RWMutex
	loc   Location
	syncs int
}

// SyncLocation implements LocationSink.
func (m *MemoryLocation) SyncLocation(_ context.Context, loc Location) {
	m.mu.Lock()
	m.loc = loc
	m.syncs++
	m.mu.Unlock()
}

// Location returns the last synced location and how many syncs happened.
func (m *MemoryLocation) Location() (Location, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loc, m.syncs
}
