// Package explore is the aggregated extraction exploration engine: it
// resolves the active dataset type, sheet and strata, loads map features
// page by page, quantizes them into a color legend, orders the technical
// chart series and animates the time dimension.
package explore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"

	"github.com/joeblew999/plat-explore/internal/logging"
	"github.com/joeblew999/plat-explore/internal/metrics"
	"github.com/joeblew999/plat-explore/internal/service"
)

// Status of the published view.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusNoData  Status = "no-data"
	StatusError   Status = "error"
)

// Feature properties written by the styling pass.
const (
	PropertyFill   = "fill"
	PropertyBucket = "bucket"
)

// View is the published, render-ready state. A failed load sets exactly one
// of Error (StatusError) or StatusNoData.
type View struct {
	Status     Status
	Loading    bool
	HasData    bool
	Error      string
	Generation uint64
	Features   *geojson.FeatureCollection
	Total      int
	MaxValue   float64
	Bounds     service.AggregationBounds
	Scale      *Scale
	Tech       *TechChart
	Chart      ChartOptions
}

// Config configures an Explorer.
type Config struct {
	Transport Transport
	Location  LocationSink
	Settings  Settings
	Bus       *service.EventBus
	Logger    *zap.Logger
	Metrics   *metrics.Metrics

	PageSize          int
	RequestTimeout    time.Duration
	StartColor        string
	EndColor          string
	AnimationPeriod   time.Duration
	AnimationThrottle time.Duration
	SyncDebounce      time.Duration
	TypeFilter        TypeFilter
}

type loadHandle struct {
	done chan struct{}
	err  error
}

// Explorer composes the selector, loader, scale, tech transform and
// animation. Selection changes trigger a load whose results are published
// on the view cell; only the most recently started load is ever applied.
type Explorer struct {
	cfg      Config
	log      *zap.Logger
	selector *Selector
	loader   *Loader
	anim     *Animation
	view     *Cell[View]
	unsub    func()

	mu         sync.Mutex
	ctx        context.Context
	stop       context.CancelFunc
	custom     *service.AggregationBounds
	startColor string
	endColor   string
	inflight   *loadHandle
	cancelLoad context.CancelFunc
}

// New creates an explorer. Call Start to load the catalog and apply a location.
func New(cfg Config) *Explorer {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.StartColor == "" {
		cfg.StartColor = DefaultStartColor
	}
	if cfg.EndColor == "" {
		cfg.EndColor = DefaultEndColor
	}
	log := logging.OrNop(cfg.Logger)

	ctx, stop := context.WithCancel(context.Background())
	e := &Explorer{
		cfg:        cfg,
		log:        log.Named("explorer"),
		view:       NewCell(View{Status: StatusIdle}),
		ctx:        ctx,
		stop:       stop,
		startColor: cfg.StartColor,
		endColor:   cfg.EndColor,
	}
	e.selector = NewSelector(SelectorConfig{
		Transport:     cfg.Transport,
		Location:      cfg.Location,
		Logger:        log,
		SyncDebounce:  cfg.SyncDebounce,
		TypeFilter:    cfg.TypeFilter,
		ColumnTimeout: cfg.RequestTimeout,
	})
	e.loader = NewLoader(cfg.Transport, LoaderConfig{
		PageSize:       cfg.PageSize,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         log,
		Metrics:        cfg.Metrics,
	})
	e.anim = NewAnimation(AnimationConfig{
		Period:       cfg.AnimationPeriod,
		Throttle:     cfg.AnimationThrottle,
		Frame:        e.showFrame,
		Bounds:       e.axisOverrides,
		OnFrameError: e.clearChart,
		OnStop:       e.enableUI,
		Logger:       log,
		Metrics:      cfg.Metrics,
	})
	e.unsub = e.selector.Changes().Subscribe(e.onChange)
	return e
}

// Start loads the catalog and restores the selection from loc.
func (e *Explorer) Start(ctx context.Context, loc Location) error {
	if err := e.selector.RefreshCatalog(ctx); err != nil {
		return err
	}
	if len(e.selector.Catalog().Get()) == 0 {
		e.log.Warn("Catalog is empty")
		return nil
	}
	return e.selector.ApplyLocation(ctx, loc)
}

// Close stops the animation, cancels in-flight loads and pending syncs.
func (e *Explorer) Close() {
	e.anim.Stop()
	e.selector.Close()
	e.unsub()
	e.stop()
}

// Selector returns the selection owner.
func (e *Explorer) Selector() *Selector {
	return e.selector
}

// Loader returns the paged feature loader.
func (e *Explorer) Loader() *Loader {
	return e.loader
}

// View returns the current view.
func (e *Explorer) View() View {
	return e.view.Get()
}

// Views returns the view cell. Subscribers run while the explorer applies a
// load and must not call back into the explorer's setters.
func (e *Explorer) Views() *Cell[View] {
	return e.view
}

// Animation returns the animation state.
func (e *Explorer) Animation() AnimationState {
	return e.anim.State()
}

// Refresh reloads the current selection and waits for the load to finish.
func (e *Explorer) Refresh(ctx context.Context) error {
	h := e.reload(e.selector.Current())
	return e.wait(ctx, h)
}

// Wait blocks until the most recently started load finishes and returns its
// error.
func (e *Explorer) Wait(ctx context.Context) error {
	e.mu.Lock()
	h := e.inflight
	e.mu.Unlock()
	if h == nil {
		return nil
	}
	return e.wait(ctx, h)
}

// CustomLegend returns the pinned legend domain, if any.
func (e *Explorer) CustomLegend() *service.AggregationBounds {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.custom == nil {
		return nil
	}
	b := *e.custom
	return &b
}

// Colors returns the legend endpoint colors.
func (e *Explorer) Colors() (start, end string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startColor, e.endColor
}

// SetCustomLegend pins the legend domain; nil restores the computed one.
func (e *Explorer) SetCustomLegend(b *service.AggregationBounds) error {
	e.mu.Lock()
	if b != nil {
		pinned := *b
		e.custom = &pinned
	} else {
		e.custom = nil
	}
	e.mu.Unlock()
	return e.restyle()
}

// SetColors changes the legend endpoint colors.
func (e *Explorer) SetColors(start, end string) error {
	if _, err := BuildScale(0, MinLegendMax, start, end, ScaleOptions{}); err != nil {
		return err
	}
	e.mu.Lock()
	e.startColor, e.endColor = start, end
	e.mu.Unlock()
	return e.restyle()
}

// StartAnimation animates the strata time column over values. Without
// values, the enumerated values of the time column are used.
func (e *Explorer) StartAnimation(values []string) error {
	sel := e.selector.Current()
	if !sel.CanLoad() {
		return fmt.Errorf("%w: no strata applied", ErrNotReady)
	}
	tc := sel.Strata.TimeColumnName
	if tc == "" {
		return fmt.Errorf("%w: strata %q has no time column", ErrNotReady, sel.Strata.ID)
	}
	if len(values) == 0 {
		if c, ok := sel.Groups.Find(tc); ok {
			values = c.Values
		}
	}
	if len(values) == 0 {
		return fmt.Errorf("no values known for time column %q", tc)
	}
	if err := e.anim.Start(e.ctx, values); err != nil {
		return err
	}
	e.publish(service.EventAnimation, sel, "started")
	return nil
}

// StopAnimation stops a running animation.
func (e *Explorer) StopAnimation() {
	if !e.anim.Running() {
		return
	}
	e.anim.Stop()
	e.publish(service.EventAnimation, e.selector.Current(), "stopped")
}

func (e *Explorer) onChange(ch Change) {
	switch ch.Kind {
	case service.EventType, service.EventSheet:
		e.anim.Stop()
		// Per-sheet derived state goes before the next load starts.
		e.mu.Lock()
		e.view.Update(func(v View) View {
			v.Bounds = service.AggregationBounds{}
			v.Scale = nil
			v.Tech = nil
			return v
		})
		e.mu.Unlock()
	case EventTime:
		if !ch.FromAnimation {
			e.anim.Stop()
		}
	case service.EventFilter, service.EventStrata:
		e.anim.Stop()
	case "":
		return
	}

	if err := ch.Selection.ColumnsErr; err != nil {
		// The failed selection still supersedes any load in flight.
		gen := e.supersede()
		e.apply(gen, func(v View) View {
			v.Status = StatusError
			v.Error = err.Error()
			v.Loading = false
			v.Generation = gen
			return v
		})
		e.publish(ch.Kind, ch.Selection, err.Error())
		return
	}
	e.publish(ch.Kind, ch.Selection, ch.Selection.Time)
	e.reload(ch.Selection)
}

// supersede cancels the load in flight and starts a generation that loads
// nothing.
func (e *Explorer) supersede() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelLoad != nil {
		e.cancelLoad()
		e.cancelLoad = nil
	}
	h := &loadHandle{done: make(chan struct{})}
	close(h.done)
	e.inflight = h
	return e.loader.Begin()
}

// reload starts a new generation for sel, cancelling the previous load.
func (e *Explorer) reload(sel Selection) *loadHandle {
	e.mu.Lock()
	if e.cancelLoad != nil {
		e.cancelLoad()
	}
	gen := e.loader.Begin()
	ctx, cancel := context.WithCancel(e.ctx)
	h := &loadHandle{done: make(chan struct{})}
	e.inflight = h
	e.cancelLoad = cancel
	e.mu.Unlock()

	go func() {
		defer close(h.done)
		defer cancel()
		h.err = e.runLoad(ctx, gen, sel)
	}()
	return h
}

func (e *Explorer) wait(ctx context.Context, h *loadHandle) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Explorer) runLoad(ctx context.Context, gen uint64, sel Selection) error {
	if !sel.CanLoad() || !sel.Strata.Complete() {
		e.apply(gen, func(View) View { return View{Status: StatusNoData, Generation: gen} })
		return nil
	}

	e.apply(gen, func(v View) View {
		v.Loading = true
		v.Status = StatusLoading
		return v
	})
	defer e.apply(gen, func(v View) View {
		v.Loading = false
		return v
	})

	res, err := e.loader.Fetch(ctx, gen, sel.Type, sel.Strata, sel.Filter)
	if errors.Is(err, ErrStaleLoad) || !e.loader.IsCurrent(gen) {
		return ErrStaleLoad
	}
	if err != nil {
		e.log.Error("Feature load failed", zap.String("type", sel.Type.Key()), zap.Error(err))
		// Partial geographic data is worse than none: the layer is cleared.
		e.apply(gen, func(View) View {
			return View{Status: StatusError, Error: err.Error(), Generation: gen}
		})
		e.publish(service.EventLoaded, sel, err.Error())
		return err
	}
	if res.Total == 0 {
		e.apply(gen, func(View) View {
			return View{Status: StatusNoData, Generation: gen}
		})
		e.publish(service.EventLoaded, sel, "no data")
		return nil
	}

	e.mu.Lock()
	bounds := LegendBounds(res.MaxValue, e.custom)
	startColor, endColor := e.startColor, e.endColor
	e.mu.Unlock()
	scale, err := BuildScale(bounds.Min, bounds.Max, startColor, endColor, ScaleOptions{Locale: e.locale()})
	if err != nil {
		e.apply(gen, func(View) View {
			return View{Status: StatusError, Error: err.Error(), Generation: gen}
		})
		return err
	}

	tech, chart, techErr := e.loadTech(ctx, sel)
	if !e.loader.IsCurrent(gen) {
		return ErrStaleLoad
	}

	next := View{
		Status:     StatusReady,
		HasData:    true,
		Generation: gen,
		Features:   styleFeatures(res.Features, sel.Strata.AggColumnName, scale),
		Total:      res.Total,
		MaxValue:   res.MaxValue,
		Bounds:     bounds,
		Scale:      scale,
		Tech:       tech,
		Chart:      chart,
	}
	if techErr != nil {
		e.log.Error("Tech aggregate load failed", zap.String("type", sel.Type.Key()), zap.Error(techErr))
		next.Status = StatusError
		next.Error = techErr.Error()
	}
	e.apply(gen, func(View) View { return next })
	e.publish(service.EventLoaded, sel, string(next.Status))
	return techErr
}

// apply updates the view only if gen is still the current generation.
func (e *Explorer) apply(gen uint64, fn func(View) View) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.loader.IsCurrent(gen) {
		return
	}
	e.view.Update(fn)
}

func (e *Explorer) loadTech(ctx context.Context, sel Selection) (*TechChart, ChartOptions, error) {
	opts := ChartOptions{}
	tc := sel.Strata.TechColumnName
	if tc == "" {
		return nil, opts, nil
	}
	if c, ok := sel.Groups.Find(tc); ok && len(c.Values) > 0 {
		opts.SortByLabel = true
	}
	if e.anim.Running() {
		ov, err := e.anim.Overrides(ctx)
		if err != nil {
			return nil, opts, fmt.Errorf("computing axis overrides: %w", err)
		}
		opts = opts.Merge(ov)
	}

	tctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()
	values, err := e.cfg.Transport.LoadAggregateByCategory(tctx, sel.Type, sel.Strata, sel.Filter)
	if err != nil {
		return nil, opts, fmt.Errorf("loading %s aggregates: %w", tc, err)
	}
	if len(values) == 0 && !opts.AxisFixed {
		return nil, opts, nil
	}
	chart := TransformTech(values, opts.TechOptions())
	return &chart, opts, nil
}

// axisOverrides computes the global bounds of an animation run, ignoring the
// time criterion so that they cover every time value.
func (e *Explorer) axisOverrides(ctx context.Context) (*AxisOverrides, error) {
	sel := e.selector.Current()
	filter := sel.Filter.Without(sel.Strata.TimeColumnName)
	ov := &AxisOverrides{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tctx, cancel := context.WithTimeout(gctx, e.cfg.RequestTimeout)
		defer cancel()
		b, err := e.cfg.Transport.LoadAggregateMinMax(tctx, sel.Type, sel.Strata, filter)
		if err != nil {
			return fmt.Errorf("loading min/max: %w", err)
		}
		ov.Min, ov.Max = b.Min, b.Max
		return nil
	})
	if sel.Strata.TechColumnName != "" {
		g.Go(func() error {
			tctx, cancel := context.WithTimeout(gctx, e.cfg.RequestTimeout)
			defer cancel()
			values, err := e.cfg.Transport.LoadAggregateByCategory(tctx, sel.Type, sel.Strata, filter)
			if err != nil {
				return fmt.Errorf("loading categories: %w", err)
			}
			labels := make([]string, 0, len(values))
			for k := range values {
				labels = append(labels, k)
			}
			sort.Strings(labels)
			ov.Labels = labels
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ov, nil
}

// showFrame sets the animated time value and waits for its load.
func (e *Explorer) showFrame(ctx context.Context, value string) error {
	if err := e.selector.SetTimeContext(ctx, value, TimeOptions{EmitChange: true, SuspendAnimationStop: true}); err != nil {
		return err
	}
	e.mu.Lock()
	h := e.inflight
	e.mu.Unlock()
	if h == nil {
		return nil
	}
	return e.wait(ctx, h)
}

func (e *Explorer) clearChart(string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.view.Update(func(v View) View {
		v.Tech = nil
		return v
	})
}

func (e *Explorer) enableUI() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.view.Update(func(v View) View {
		v.Loading = false
		if v.Status == StatusLoading {
			v.Status = StatusIdle
		}
		return v
	})
}

// restyle recomputes the legend of the current view without reloading.
func (e *Explorer) restyle() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := e.view.Get()
	if !v.HasData || v.Features == nil {
		return nil
	}
	bounds := LegendBounds(v.MaxValue, e.custom)
	scale, err := BuildScale(bounds.Min, bounds.Max, e.startColor, e.endColor, ScaleOptions{Locale: e.locale()})
	if err != nil {
		return err
	}
	agg := e.selector.Current().Strata.AggColumnName
	v.Features = styleFeatures(v.Features, agg, scale)
	v.Bounds = bounds
	v.Scale = scale
	e.view.Set(v)
	return nil
}

func (e *Explorer) locale() language.Tag {
	if e.cfg.Settings == nil {
		return language.English
	}
	return e.cfg.Settings.Locale()
}

func (e *Explorer) publish(kind string, sel Selection, detail string) {
	if e.cfg.Bus == nil {
		return
	}
	e.cfg.Bus.Publish(service.Event{
		Kind:   kind,
		Type:   sel.Type.Key(),
		Sheet:  sel.Sheet,
		Status: string(e.view.Get().Status),
		Detail: detail,
	})
}

// styleFeatures returns a copy of fc whose features carry their legend color.
// The input collection is left untouched.
func styleFeatures(fc *geojson.FeatureCollection, property string, scale *Scale) *geojson.FeatureCollection {
	out := geojson.NewFeatureCollection()
	for _, f := range fc.Features {
		nf := *f
		nf.Properties = f.Properties.Clone()
		if nf.Properties == nil {
			nf.Properties = geojson.Properties{}
		}
		if v, ok := PropertyFloat(f.Properties, property); ok {
			b := scale.Bucket(v)
			nf.Properties[PropertyBucket] = b
			nf.Properties[PropertyFill] = scale.Colors[b]
		}
		out.Append(&nf)
	}
	return out
}
