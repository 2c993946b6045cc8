package explore

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/joeblew999/plat-explore/internal/logging"
	"github.com/joeblew999/plat-explore/internal/service"
)

// SelectorState is the position of the selector in its state machine.
type SelectorState int

const (
	Uninitialized SelectorState = iota
	TypeSelected
	SheetSelected
	StrataApplied
)

func (s SelectorState) String() string {
	switch s {
	case TypeSelected:
		return "type-selected"
	case SheetSelected:
		return "sheet-selected"
	case StrataApplied:
		return "strata-applied"
	default:
		return "uninitialized"
	}
}

// Change kinds emitted by the selector, on top of the service.Event* kinds.
const EventTime = "time"

// Selection is the active (type, sheet, strata) triple with its derived
// per-sheet state. Values are snapshots; slices are never mutated in place.
type Selection struct {
	State      SelectorState
	Type       service.DatasetType
	Sheet      string
	Strata     service.Strata
	Filter     service.Filter
	Time       string
	Columns    []service.Column
	Groups     ColumnGroups
	ColumnsErr error
}

// CanLoad reports whether a feature load may start from this selection.
func (s Selection) CanLoad() bool {
	return s.State == StrataApplied
}

// Location returns the URL state for the selection.
func (s Selection) Location() Location {
	if s.State == Uninitialized {
		return Location{}
	}
	return Location{
		Category: s.Type.Category,
		Label:    s.Type.Label,
		Sheet:    s.Sheet,
		Q:        EncodeQuery(s.Filter),
	}
}

// Change is a selector notification.
type Change struct {
	Kind          string
	Selection     Selection
	FromAnimation bool
}

// SetTypeOptions tune SetType.
type SetTypeOptions struct {
	EmitChange       bool
	SkipLocationSync bool
	SheetName        string
	// ForceRefresh reloads columns and default strata even when the type is
	// already active.
	ForceRefresh bool
}

// SetSheetOptions tune SetSheetName.
type SetSheetOptions struct {
	EmitChange       bool
	SkipLocationSync bool
	// ResetStrata applies the sheet's default strata.
	ResetStrata bool
}

// TimeOptions tune SetTime.
type TimeOptions struct {
	EmitChange bool
	// SuspendAnimationStop marks a change made by the animation scheduler,
	// which must not stop the running animation.
	SuspendAnimationStop bool
}

// SelectorConfig configures a Selector.
type SelectorConfig struct {
	Transport     Transport
	Location      LocationSink
	Logger        *zap.Logger
	SyncDebounce  time.Duration
	TypeFilter    TypeFilter
	ColumnTimeout time.Duration
}

// Selector exclusively owns the active selection. All writes go through its
// setters, which are serialized.
type Selector struct {
	transport Transport
	location  LocationSink
	log       *zap.Logger
	filter    TypeFilter
	timeout   time.Duration
	sync      *Debouncer

	op      sync.Mutex
	catalog *Cell[[]service.DatasetType]
	current *Cell[Selection]
	changes *Cell[Change]
}

// NewSelector creates a selector in the Uninitialized state.
func NewSelector(cfg SelectorConfig) *Selector {
	if cfg.SyncDebounce <= 0 {
		cfg.SyncDebounce = 500 * time.Millisecond
	}
	if cfg.ColumnTimeout <= 0 {
		cfg.ColumnTimeout = DefaultRequestTimeout
	}
	return &Selector{
		transport: cfg.Transport,
		location:  cfg.Location,
		log:       logging.OrNop(cfg.Logger).Named("selector"),
		filter:    cfg.TypeFilter,
		timeout:   cfg.ColumnTimeout,
		sync:      NewDebouncer(cfg.SyncDebounce),
		catalog:   NewCell[[]service.DatasetType](nil),
		current:   NewCell(Selection{}),
		changes:   NewCell(Change{}),
	}
}

// Current returns the active selection.
func (s *Selector) Current() Selection {
	return s.current.Get()
}

// Catalog returns the catalog cell.
func (s *Selector) Catalog() *Cell[[]service.DatasetType] {
	return s.catalog
}

// Changes returns the cell change notifications are published on.
func (s *Selector) Changes() *Cell[Change] {
	return s.changes
}

// RefreshCatalog replaces the catalog with the transport's type list.
func (s *Selector) RefreshCatalog(ctx context.Context) error {
	types, err := s.transport.ListTypes(ctx, s.filter)
	if err != nil {
		return fmt.Errorf("listing types: %w", err)
	}
	s.catalog.Set(types)
	s.log.Debug("Catalog refreshed", zap.Int("types", len(types)))
	return nil
}

// SetCatalog replaces the catalog wholesale.
func (s *Selector) SetCatalog(types []service.DatasetType) {
	s.catalog.Set(types)
}

// Resolve finds the catalog entity matching the candidate's category and label.
func (s *Selector) Resolve(candidate service.DatasetType) (service.DatasetType, bool) {
	for _, t := range s.catalog.Get() {
		if t.Same(candidate) {
			return t, true
		}
	}
	return service.DatasetType{}, false
}

// SetType makes candidate the active type. The candidate may be a partial
// {category, label} echo of URL parameters. It returns whether the type
// actually changed; an unresolvable candidate is logged and returns false.
func (s *Selector) SetType(ctx context.Context, candidate service.DatasetType, opts SetTypeOptions) bool {
	s.op.Lock()
	defer s.op.Unlock()

	cur := s.current.Get()
	if cur.State != Uninitialized && cur.Type.Same(candidate) {
		if opts.SheetName != "" && opts.SheetName != cur.Sheet {
			s.setSheetLocked(ctx, opts.SheetName, SetSheetOptions{
				EmitChange:       opts.EmitChange,
				SkipLocationSync: opts.SkipLocationSync,
				ResetStrata:      true,
			})
			return false
		}
		if opts.ForceRefresh {
			next := s.withColumns(ctx, cur)
			if st, ok := next.Type.DefaultStrata(next.Sheet); ok {
				next.Strata = st
				next.State = StrataApplied
			}
			s.current.Store(next)
			if opts.EmitChange {
				s.emit(service.EventType, next, false)
			}
		}
		return false
	}

	t, ok := s.Resolve(candidate)
	if !ok {
		s.log.Warn("Type not found in catalog",
			zap.String("category", candidate.Category),
			zap.String("label", candidate.Label))
		return false
	}

	s.current.Store(Selection{State: TypeSelected, Type: t})
	sheet := opts.SheetName
	if sheet == "" {
		sheet = t.DefaultSheet()
	}
	s.setSheetLocked(ctx, sheet, SetSheetOptions{SkipLocationSync: true, ResetStrata: true})

	s.log.Info("Type selected", zap.String("type", t.Key()), zap.String("sheet", s.current.Get().Sheet))
	if opts.EmitChange {
		s.emit(service.EventType, s.current.Get(), false)
	}
	if !opts.SkipLocationSync {
		s.scheduleSync()
	}
	return true
}

// SetSheetName switches the active sheet. It returns whether the sheet changed.
func (s *Selector) SetSheetName(ctx context.Context, name string, opts SetSheetOptions) bool {
	s.op.Lock()
	defer s.op.Unlock()
	return s.setSheetLocked(ctx, name, opts)
}

func (s *Selector) setSheetLocked(ctx context.Context, name string, opts SetSheetOptions) bool {
	cur := s.current.Get()
	if cur.State == Uninitialized {
		return false
	}
	if cur.State >= SheetSelected && name == cur.Sheet {
		return false
	}
	if len(cur.Type.SheetNames) > 0 && !cur.Type.HasSheet(name) {
		fallback := cur.Type.DefaultSheet()
		s.log.Warn("Sheet not found, using first sheet",
			zap.String("type", cur.Type.Key()),
			zap.String("sheet", name),
			zap.String("fallback", fallback))
		name = fallback
		if cur.State >= SheetSelected && name == cur.Sheet {
			return false
		}
	}

	// Per-sheet state is cleared before anything is fetched for the new sheet.
	next := Selection{
		State:  SheetSelected,
		Type:   cur.Type,
		Sheet:  name,
		Filter: scopeFilter(cur.Filter, name),
	}
	if opts.ResetStrata {
		if st, ok := next.Type.DefaultStrata(name); ok {
			next.Strata = st
			next.State = StrataApplied
		}
	}
	s.current.Store(next)

	next = s.withColumns(ctx, next)
	s.current.Store(next)

	if opts.EmitChange {
		s.emit(service.EventSheet, next, false)
	}
	if !opts.SkipLocationSync {
		s.scheduleSync()
	}
	return true
}

// SetStrata applies a strata of the active sheet. It returns whether the
// strata changed.
func (s *Selector) SetStrata(strata service.Strata, emitChange bool) (bool, error) {
	s.op.Lock()
	defer s.op.Unlock()

	cur := s.current.Get()
	if cur.State < SheetSelected {
		return false, fmt.Errorf("%w: no sheet selected", ErrNotReady)
	}
	if strata.SheetName == "" {
		strata.SheetName = cur.Sheet
	}
	if strata.SheetName != cur.Sheet {
		return false, fmt.Errorf("%w: strata sheet %q, active sheet %q", ErrSheetMismatch, strata.SheetName, cur.Sheet)
	}
	if cur.State == StrataApplied && cur.Strata == strata {
		return false, nil
	}

	cur.Strata = strata
	cur.State = StrataApplied
	if strata.TimeColumnName != "" && cur.Time != "" {
		cur.Filter = cur.Filter.With(strata.TimeColumnName, cur.Time)
	}
	s.current.Store(cur)
	if emitChange {
		s.emit(service.EventStrata, cur, false)
	}
	return true, nil
}

// SetStrataByID applies the strata with the given id on the active sheet.
func (s *Selector) SetStrataByID(id string, emitChange bool) (bool, error) {
	cur := s.current.Get()
	for _, st := range cur.Type.StrataFor(cur.Sheet) {
		if st.ID == id {
			return s.SetStrata(st, emitChange)
		}
	}
	return false, fmt.Errorf("strata %q not found on sheet %q", id, cur.Sheet)
}

// SetFilter replaces the filter. Criteria are scoped to the active sheet.
func (s *Selector) SetFilter(f service.Filter, emitChange bool) error {
	return s.setFilter(f, emitChange, true)
}

func (s *Selector) setFilter(f service.Filter, emitChange, syncLocation bool) error {
	s.op.Lock()
	defer s.op.Unlock()

	cur := s.current.Get()
	if cur.State < SheetSelected {
		return fmt.Errorf("%w: no sheet selected", ErrNotReady)
	}
	for _, c := range f.Criteria {
		if c.SheetName != "" && c.SheetName != cur.Sheet {
			return fmt.Errorf("%w: criterion %q targets sheet %q", ErrSheetMismatch, c.Name, c.SheetName)
		}
	}
	f.SheetName = cur.Sheet
	f.Criteria = slices.Clone(f.Criteria)
	for i := range f.Criteria {
		f.Criteria[i].SheetName = cur.Sheet
	}
	cur.Filter = f
	cur.Time = ""
	if tc := cur.Strata.TimeColumnName; tc != "" {
		cur.Time, _ = f.Value(tc)
	}
	s.current.Store(cur)
	if emitChange {
		s.emit(service.EventFilter, cur, false)
	}
	if syncLocation {
		s.scheduleSync()
	}
	return nil
}

// SetTime sets the strata time column to value. With EmitChange the change
// is always emitted, even when value equals the current time.
func (s *Selector) SetTime(value string, opts TimeOptions) error {
	return s.SetTimeContext(context.Background(), value, opts)
}

// SetTimeContext is SetTime, abandoned if ctx is done once the selector
// lock is held.
func (s *Selector) SetTimeContext(ctx context.Context, value string, opts TimeOptions) error {
	s.op.Lock()
	defer s.op.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	cur := s.current.Get()
	if !cur.CanLoad() || cur.Strata.TimeColumnName == "" {
		return fmt.Errorf("%w: no time column", ErrNotReady)
	}
	cur.Time = value
	cur.Filter = cur.Filter.With(cur.Strata.TimeColumnName, value)
	s.current.Store(cur)
	if opts.EmitChange {
		s.emit(EventTime, cur, opts.SuspendAnimationStop)
	}
	if !opts.SuspendAnimationStop {
		s.scheduleSync()
	}
	return nil
}

// ApplyLocation restores the selection from URL state without writing it back.
// It falls back to the first catalog type when the location does not resolve.
func (s *Selector) ApplyLocation(ctx context.Context, loc Location) error {
	candidate := service.DatasetType{Category: loc.Category, Label: loc.Label}
	opts := SetTypeOptions{EmitChange: false, SkipLocationSync: true, SheetName: loc.Sheet}
	if _, ok := s.Resolve(candidate); !ok {
		types := s.catalog.Get()
		if len(types) == 0 {
			return fmt.Errorf("%w: empty catalog", service.ErrTypeNotFound)
		}
		if loc.Category != "" || loc.Label != "" {
			s.log.Warn("Location type not found, using first type", zap.String("type", candidate.Key()))
		}
		candidate = types[0]
		opts.SheetName = ""
	}
	s.SetType(ctx, candidate, opts)

	cur := s.current.Get()
	if loc.Q != "" {
		f, err := ParseQuery(loc.Q, cur.Sheet)
		if err != nil {
			s.log.Warn("Ignoring invalid filter query", zap.String("q", loc.Q), zap.Error(err))
		} else if err := s.setFilter(f, false, false); err != nil {
			return err
		}
	}
	s.emit(service.EventType, s.current.Get(), false)
	return nil
}

// Close cancels the pending location sync.
func (s *Selector) Close() {
	s.sync.Cancel()
}

func (s *Selector) emit(kind string, sel Selection, fromAnimation bool) {
	s.changes.Set(Change{Kind: kind, Selection: sel, FromAnimation: fromAnimation})
}

func (s *Selector) scheduleSync() {
	if s.location == nil {
		return
	}
	s.sync.Trigger(func() {
		loc := s.current.Get().Location()
		s.location.SyncLocation(context.Background(), loc)
		s.log.Debug("Location synced", zap.String("q", loc.Q))
	})
}

func (s *Selector) withColumns(ctx context.Context, sel Selection) Selection {
	sel.Columns, sel.Groups, sel.ColumnsErr = nil, ColumnGroups{}, nil
	if s.transport == nil {
		return sel
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	columns, err := s.transport.LoadColumns(cctx, sel.Type, sel.Sheet)
	if err != nil {
		s.log.Error("Loading columns failed",
			zap.String("type", sel.Type.Key()),
			zap.String("sheet", sel.Sheet),
			zap.Error(err))
		sel.ColumnsErr = err
		return sel
	}
	sel.Columns = columns
	sel.Groups = ClassifyColumns(columns)
	return sel
}

// scopeFilter keeps the criteria that apply to sheet.
func scopeFilter(f service.Filter, sheet string) service.Filter {
	out := service.Filter{SheetName: sheet, SearchText: f.SearchText}
	for _, c := range f.Criteria {
		if c.SheetName == "" || c.SheetName == sheet {
			c.SheetName = sheet
			out.Criteria = append(out.Criteria, c)
		}
	}
	return out
}
