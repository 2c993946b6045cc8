package explore

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/joeblew999/plat-explore/internal/logging"
	"github.com/joeblew999/plat-explore/internal/metrics"
)

// Animation timings.
const (
	DefaultAnimationPeriod   = 500 * time.Millisecond
	DefaultAnimationThrottle = 450 * time.Millisecond
)

// AxisOverrides are the chart bounds shared by every frame of an animation run.
type AxisOverrides struct {
	Min    float64  `json:"min" doc:"Global minimum across all time values"`
	Max    float64  `json:"max" doc:"Global maximum across all time values"`
	Labels []string `json:"labels,omitempty" doc:"Every category seen across all time values"`
}

// ChartOptions configure the tech chart. Values are immutable snapshots:
// Merge returns a new value and never modifies the receiver.
type ChartOptions struct {
	SortByLabel bool     `json:"sortByLabel"`
	AxisFixed   bool     `json:"axisFixed"`
	YMin        *float64 `json:"yMin,omitempty"`
	YMax        *float64 `json:"yMax,omitempty"`
	KnownLabels []string `json:"knownLabels,omitempty"`
}

// Merge returns o with the animation overrides applied.
func (o ChartOptions) Merge(ov *AxisOverrides) ChartOptions {
	if ov == nil {
		return o
	}
	minV, maxV := ov.Min, ov.Max
	o.YMin = &minV
	o.YMax = &maxV
	o.AxisFixed = true
	o.KnownLabels = slices.Clone(ov.Labels)
	return o
}

// TechOptions returns the transform options of the chart.
func (o ChartOptions) TechOptions() TechOptions {
	return TechOptions{SortByLabel: o.SortByLabel, AxisFixed: o.AxisFixed, KnownLabels: o.KnownLabels}
}

// FrameFunc shows one animation frame; it returns once the frame is rendered.
type FrameFunc func(ctx context.Context, value string) error

// BoundsFunc computes the axis overrides of a run.
type BoundsFunc func(ctx context.Context) (*AxisOverrides, error)

// AnimationConfig configures an Animation.
type AnimationConfig struct {
	Period   time.Duration
	Throttle time.Duration
	Frame    FrameFunc
	Bounds   BoundsFunc
	// OnFrameError clears the chart of a failed frame.
	OnFrameError func(value string, err error)
	// OnStop re-enables the UI after a run ends.
	OnStop  func()
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// AnimationState is a snapshot of a running animation.
type AnimationState struct {
	Active       bool     `json:"active"`
	CurrentIndex int      `json:"currentIndex"`
	Values       []string `json:"values,omitempty"`
}

type run struct {
	id        uint64
	values    []string
	index     int
	ticker    *Ticker
	cancel    context.CancelFunc
	ctx       context.Context
	overrides *AxisOverrides
	lastStart time.Time
	lastDone  time.Time
}

// Animation cycles the active time value on a fixed period. It exclusively
// owns the animation state and the cached axis overrides.
type Animation struct {
	cfg AnimationConfig
	log *zap.Logger

	mu     sync.Mutex
	cur    *run
	nextID uint64
}

// NewAnimation creates a stopped animation.
func NewAnimation(cfg AnimationConfig) *Animation {
	if cfg.Period <= 0 {
		cfg.Period = DefaultAnimationPeriod
	}
	if cfg.Throttle <= 0 || cfg.Throttle > cfg.Period {
		cfg.Throttle = DefaultAnimationThrottle
		if cfg.Period != DefaultAnimationPeriod {
			cfg.Throttle = cfg.Period * 9 / 10
		}
	}
	return &Animation{cfg: cfg, log: logging.OrNop(cfg.Logger).Named("animation")}
}

// Start begins cycling through values. A running animation is stopped first,
// so at most one timer is ever active.
func (a *Animation) Start(ctx context.Context, values []string) error {
	if len(values) == 0 {
		return errors.New("animation needs at least one value")
	}
	a.Stop()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	rctx, cancel := context.WithCancel(ctx)
	r := &run{
		id:     a.nextID,
		values: slices.Clone(values),
		index:  -1,
		ctx:    rctx,
		cancel: cancel,
	}
	r.ticker = StartTicker(a.cfg.Period, func(at time.Time) { a.tick(r, at) })
	a.cur = r
	a.log.Info("Animation started", zap.Strings("values", values))
	return nil
}

// Stop cancels the timer, clears the cached overrides and re-enables the UI.
// It is a no-op when the animation is not running.
func (a *Animation) Stop() {
	a.mu.Lock()
	r := a.cur
	a.cur = nil
	a.mu.Unlock()
	if r == nil {
		return
	}

	r.ticker.Stop()
	r.cancel()
	a.log.Info("Animation stopped", zap.Int("index", r.index))
	if a.cfg.OnStop != nil {
		a.cfg.OnStop()
	}
}

// Running reports whether an animation is active.
func (a *Animation) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cur != nil
}

// State returns a snapshot of the animation state.
func (a *Animation) State() AnimationState {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cur == nil {
		return AnimationState{}
	}
	return AnimationState{Active: true, CurrentIndex: a.cur.index, Values: slices.Clone(a.cur.values)}
}

// Overrides returns the axis overrides of the running animation, computing
// them on first use and caching them for the rest of the run. It returns nil
// when no animation is running.
func (a *Animation) Overrides(ctx context.Context) (*AxisOverrides, error) {
	a.mu.Lock()
	r := a.cur
	if r == nil {
		a.mu.Unlock()
		return nil, nil
	}
	if r.overrides != nil {
		ov := r.overrides
		a.mu.Unlock()
		return ov, nil
	}
	a.mu.Unlock()

	if a.cfg.Bounds == nil {
		return nil, nil
	}
	ov, err := a.cfg.Bounds(ctx)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cur != r {
		// Run ended while computing.
		return nil, nil
	}
	if r.overrides == nil {
		r.overrides = ov
		a.log.Debug("Axis overrides computed", zap.Float64("min", ov.Min), zap.Float64("max", ov.Max))
	}
	return r.overrides, nil
}

// tick drops ticks that arrive while the previous frame was still in flight
// or within the throttle window of the previous frame, then shows the next value.
func (a *Animation) tick(r *run, at time.Time) {
	a.mu.Lock()
	if a.cur != r {
		a.mu.Unlock()
		return
	}
	if at.Before(r.lastDone) || (!r.lastStart.IsZero() && at.Sub(r.lastStart) < a.cfg.Throttle) {
		a.mu.Unlock()
		a.cfg.Metrics.Frame("dropped")
		return
	}
	r.index = (r.index + 1) % len(r.values)
	value := r.values[r.index]
	r.lastStart = at
	a.mu.Unlock()

	a.frame(r, value)
}

func (a *Animation) frame(r *run, value string) {
	err := a.cfg.Frame(r.ctx, value)

	a.mu.Lock()
	r.lastDone = time.Now()
	a.mu.Unlock()

	if err != nil {
		if r.ctx.Err() != nil {
			return
		}
		a.cfg.Metrics.Frame("failed")
		a.log.Warn("Animation frame failed", zap.String("value", value), zap.Error(err))
		if a.cfg.OnFrameError != nil {
			a.cfg.OnFrameError(value, err)
		}
		return
	}
	a.cfg.Metrics.Frame("shown")
}
