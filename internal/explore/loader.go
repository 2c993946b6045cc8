package explore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"github.com/joeblew999/plat-explore/internal/logging"
	"github.com/joeblew999/plat-explore/internal/metrics"
	"github.com/joeblew999/plat-explore/internal/service"
)

// Loader defaults.
const (
	DefaultPageSize       = 3000
	DefaultRequestTimeout = 30 * time.Second
)

var (
	// ErrStaleLoad reports a load superseded by a more recent one.
	ErrStaleLoad = errors.New("load superseded by a newer load")
	// ErrSheetMismatch reports a criterion or strata scoped to another sheet.
	ErrSheetMismatch = errors.New("sheet mismatch")
	// ErrNotReady reports an operation attempted before a strata is applied.
	ErrNotReady = errors.New("selection not ready")
)

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	// PageSize is the slice size; values <= 0 select DefaultPageSize.
	PageSize int
	// RequestTimeout bounds each page request; <= 0 selects DefaultRequestTimeout.
	RequestTimeout time.Duration
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

// LoadResult is the outcome of a complete paged load.
type LoadResult struct {
	Generation uint64
	Features   *geojson.FeatureCollection
	Total      int
	// MaxValue is the maximum of the strata aggregate column over all
	// features, or 0 when no feature carries a numeric value.
	MaxValue float64
	Pages    int
}

// Loader fetches features page by page. Loads are generation-numbered:
// only the most recently started load is current.
type Loader struct {
	transport Transport
	pageSize  int
	timeout   time.Duration
	log       *zap.Logger
	metrics   *metrics.Metrics

	generation atomic.Uint64
}

// NewLoader creates a loader over transport.
func NewLoader(transport Transport, cfg LoaderConfig) *Loader {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	return &Loader{
		transport: transport,
		pageSize:  cfg.PageSize,
		timeout:   cfg.RequestTimeout,
		log:       logging.OrNop(cfg.Logger).Named("loader"),
		metrics:   cfg.Metrics,
	}
}

// PageSize returns the slice size in use.
func (l *Loader) PageSize() int {
	return l.pageSize
}

// Begin starts a new generation, making every earlier load stale.
func (l *Loader) Begin() uint64 {
	return l.generation.Add(1)
}

// IsCurrent reports whether gen is the most recently started generation.
func (l *Loader) IsCurrent(gen uint64) bool {
	return l.generation.Load() == gen
}

// Load starts a new generation and fetches all features for it.
func (l *Loader) Load(ctx context.Context, t service.DatasetType, strata service.Strata, filter service.Filter) (*LoadResult, error) {
	return l.Fetch(ctx, l.Begin(), t, strata, filter)
}

// Fetch requests slices from offset 0 until a slice is empty or shorter than
// the page size. Slices are requested sequentially in increasing offset order.
// If gen stops being current the load returns ErrStaleLoad.
func (l *Loader) Fetch(ctx context.Context, gen uint64, t service.DatasetType, strata service.Strata, filter service.Filter) (*LoadResult, error) {
	start := time.Now()
	if err := checkFilter(filter, strata); err != nil {
		l.metrics.Load("error", 0)
		return nil, err
	}

	acc := newAccumulator(strata.AggColumnName)
	offset := 0
	pages := 0
	for {
		if !l.IsCurrent(gen) {
			l.metrics.Load("stale", 0)
			return nil, ErrStaleLoad
		}

		page, err := l.page(ctx, t, strata, offset, filter)
		if err != nil {
			l.metrics.Load("error", 0)
			return nil, fmt.Errorf("loading features at offset %d: %w", offset, err)
		}
		pages++

		n := 0
		if page != nil {
			n = len(page.Features)
			acc.add(page.Features)
		}
		l.metrics.Page(n)
		l.log.Debug("Feature page received",
			zap.Uint64("generation", gen),
			zap.Int("offset", offset),
			zap.Int("count", n))

		// A short page is the last one.
		if n < l.pageSize {
			break
		}
		offset += l.pageSize
	}

	if !l.IsCurrent(gen) {
		l.metrics.Load("stale", 0)
		return nil, ErrStaleLoad
	}

	res := &LoadResult{
		Generation: gen,
		Features:   acc.fc,
		Total:      len(acc.fc.Features),
		MaxValue:   acc.maxValue(),
		Pages:      pages,
	}
	result := "ok"
	if res.Total == 0 {
		result = "empty"
	}
	l.metrics.Load(result, time.Since(start))
	l.log.Info("Features loaded",
		zap.String("type", t.Key()),
		zap.String("strata", strata.ID),
		zap.Int("total", res.Total),
		zap.Int("pages", pages),
		zap.Float64("max", res.MaxValue))
	return res, nil
}

func (l *Loader) page(ctx context.Context, t service.DatasetType, strata service.Strata, offset int, filter service.Filter) (*geojson.FeatureCollection, error) {
	pctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return l.transport.LoadFeaturePage(pctx, t, strata, offset, l.pageSize, filter)
}

// checkFilter enforces that every criterion targets the strata's sheet.
func checkFilter(f service.Filter, strata service.Strata) error {
	sheet := f.SheetName
	if sheet == "" {
		sheet = strata.SheetName
	}
	if strata.SheetName != "" && sheet != strata.SheetName {
		return fmt.Errorf("%w: filter sheet %q, strata sheet %q", ErrSheetMismatch, sheet, strata.SheetName)
	}
	for _, c := range f.Criteria {
		if c.SheetName != "" && c.SheetName != sheet {
			return fmt.Errorf("%w: criterion %q targets sheet %q", ErrSheetMismatch, c.Name, c.SheetName)
		}
	}
	return nil
}

// accumulator holds the features of one load and the running maximum.
type accumulator struct {
	property string
	fc       *geojson.FeatureCollection
	max      float64
	seen     bool
}

func newAccumulator(property string) *accumulator {
	return &accumulator{property: property, fc: geojson.NewFeatureCollection(), max: math.Inf(-1)}
}

func (a *accumulator) add(features []*geojson.Feature) {
	for _, f := range features {
		if f == nil {
			continue
		}
		a.fc.Append(f)
		if v, ok := PropertyFloat(f.Properties, a.property); ok {
			a.max = math.Max(a.max, v)
			a.seen = true
		}
	}
}

func (a *accumulator) maxValue() float64 {
	if !a.seen {
		return 0
	}
	return a.max
}

// PropertyFloat reads a numeric feature property.
func PropertyFloat(props geojson.Properties, name string) (float64, bool) {
	if props == nil {
		return 0, false
	}
	switch v := props[name].(type) {
	case float64:
		return v, !math.IsNaN(v)
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}
