package explore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeblew999/plat-explore/internal/service"
)

type changeLog struct {
	mu      sync.Mutex
	changes []Change
}

func (c *changeLog) add(ch Change) {
	c.mu.Lock()
	c.changes = append(c.changes, ch)
	c.mu.Unlock()
}

func (c *changeLog) kinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.changes))
	for _, ch := range c.changes {
		out = append(out, ch.Kind)
	}
	return out
}

func newTestSelector(t *testing.T, f *fakeTransport, loc LocationSink) (*Selector, *changeLog) {
	t.Helper()
	s := NewSelector(SelectorConfig{Transport: f, Location: loc, SyncDebounce: 10 * time.Millisecond})
	s.SetCatalog(f.types)
	log := &changeLog{}
	s.Changes().Subscribe(log.add)
	t.Cleanup(s.Close)
	return s, log
}

var rdb = service.DatasetType{Category: "PRODUCT", Label: "rdb"}

func TestSelectorUninitialized(t *testing.T) {
	s, _ := newTestSelector(t, newFake(), nil)

	assert.Equal(t, Uninitialized, s.Current().State)
	assert.False(t, s.Current().CanLoad())
	assert.False(t, s.SetSheetName(context.Background(), "HH", SetSheetOptions{}))

	_, err := s.SetStrata(hhStrata(), true)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, s.SetTime("2020", TimeOptions{}), ErrNotReady)
	assert.ErrorIs(t, s.SetFilter(service.Filter{}, false), ErrNotReady)
	assert.Equal(t, Location{}, s.Current().Location())
}

func TestSelectorSetTypeAppliesDefaults(t *testing.T) {
	f := newFake()
	s, log := newTestSelector(t, f, nil)

	changed := s.SetType(context.Background(), rdb, SetTypeOptions{EmitChange: true})
	require.True(t, changed)

	sel := s.Current()
	assert.Equal(t, StrataApplied, sel.State)
	assert.Equal(t, "RDB", sel.Type.Name, "the catalog entity replaces the partial candidate")
	assert.Equal(t, "HH", sel.Sheet)
	assert.Equal(t, "hh-year", sel.Strata.ID)
	assert.Len(t, sel.Columns, 4)
	assert.Equal(t, "year", sel.Groups.Time[0].ColumnName)
	assert.NoError(t, sel.ColumnsErr)
	assert.True(t, sel.CanLoad())
	assert.Equal(t, []string{service.EventType}, log.kinds())
}

func TestSelectorUnknownTypeIsIgnored(t *testing.T) {
	s, log := newTestSelector(t, newFake(), nil)
	require.True(t, s.SetType(context.Background(), rdb, SetTypeOptions{}))

	changed := s.SetType(context.Background(), service.DatasetType{Category: "PRODUCT", Label: "nope"}, SetTypeOptions{EmitChange: true})

	assert.False(t, changed)
	assert.Equal(t, "rdb", s.Current().Type.Label)
	assert.Empty(t, log.kinds())
}

func TestSelectorSameTypeIsNoop(t *testing.T) {
	f := newFake()
	s, _ := newTestSelector(t, f, nil)
	require.True(t, s.SetType(context.Background(), rdb, SetTypeOptions{}))
	cols, _, _ := f.counts()

	assert.False(t, s.SetType(context.Background(), rdb, SetTypeOptions{EmitChange: true}))
	after, _, _ := f.counts()
	assert.Equal(t, cols, after, "no refetch for the active type")

	assert.False(t, s.SetType(context.Background(), rdb, SetTypeOptions{ForceRefresh: true}))
	after, _, _ = f.counts()
	assert.Equal(t, cols+1, after)
}

func TestSelectorSameTypeOtherSheet(t *testing.T) {
	s, log := newTestSelector(t, newFake(), nil)
	require.True(t, s.SetType(context.Background(), rdb, SetTypeOptions{}))

	s.SetType(context.Background(), rdb, SetTypeOptions{EmitChange: true, SheetName: "SL"})

	sel := s.Current()
	assert.Equal(t, "SL", sel.Sheet)
	assert.Equal(t, "sl-year", sel.Strata.ID)
	assert.Equal(t, []string{service.EventSheet}, log.kinds())
}

func TestSelectorSheetFallback(t *testing.T) {
	s, _ := newTestSelector(t, newFake(), nil)
	require.True(t, s.SetType(context.Background(), rdb, SetTypeOptions{SheetName: "SL"}))
	require.Equal(t, "SL", s.Current().Sheet)

	changed := s.SetSheetName(context.Background(), "XX", SetSheetOptions{ResetStrata: true})

	assert.True(t, changed)
	assert.Equal(t, "HH", s.Current().Sheet, "an unknown sheet falls back to the first one")
	assert.False(t, s.SetSheetName(context.Background(), "XX", SetSheetOptions{}))
}

func TestSelectorSheetChangeResetsPerSheetState(t *testing.T) {
	s, log := newTestSelector(t, newFake(), nil)
	require.True(t, s.SetType(context.Background(), rdb, SetTypeOptions{}))
	require.NoError(t, s.SetFilter(service.Filter{Criteria: []service.Criterion{
		{Name: "year", Operator: "=", Value: "2020"},
		{Name: "gear_type", Operator: "=", Value: "OTB"},
	}}, false))
	require.Equal(t, "2020", s.Current().Time)

	require.True(t, s.SetSheetName(context.Background(), "SL", SetSheetOptions{EmitChange: true}))

	sel := s.Current()
	assert.Equal(t, SheetSelected, sel.State, "no strata until one is applied")
	assert.Empty(t, sel.Filter.Criteria, "criteria of the previous sheet are dropped")
	assert.Empty(t, sel.Time)
	assert.Len(t, sel.Columns, 2)
	assert.False(t, sel.CanLoad())
	assert.Equal(t, []string{service.EventSheet}, log.kinds())

	changed, err := s.SetStrataByID("sl-year", true)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, s.Current().CanLoad())
}

func TestSelectorSetStrata(t *testing.T) {
	s, log := newTestSelector(t, newFake(), nil)
	require.True(t, s.SetType(context.Background(), rdb, SetTypeOptions{}))

	changed, err := s.SetStrataByID("hh-month", true)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "month", s.Current().Strata.TimeColumnName)

	changed, err = s.SetStrataByID("hh-month", true)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = s.SetStrataByID("sl-year", true)
	assert.Error(t, err, "strata of another sheet is not listed")

	_, err = s.SetStrata(testTypes()[0].Stratum[2], true)
	assert.ErrorIs(t, err, ErrSheetMismatch)
	assert.Equal(t, []string{service.EventStrata}, log.kinds())
}

func TestSelectorSetFilter(t *testing.T) {
	s, log := newTestSelector(t, newFake(), nil)
	require.True(t, s.SetType(context.Background(), rdb, SetTypeOptions{}))

	err := s.SetFilter(service.Filter{Criteria: []service.Criterion{
		{Name: "year", Operator: "=", Value: "2020", SheetName: "SL"},
	}}, true)
	assert.ErrorIs(t, err, ErrSheetMismatch)

	criteria := []service.Criterion{{Name: "year", Operator: "=", Value: "2021"}}
	require.NoError(t, s.SetFilter(service.Filter{Criteria: criteria}, true))
	assert.Empty(t, criteria[0].SheetName, "the caller's criteria are left untouched")
	sel := s.Current()
	assert.Equal(t, "2021", sel.Time)
	assert.Equal(t, "HH", sel.Filter.SheetName)
	assert.Equal(t, "HH", sel.Filter.Criteria[0].SheetName)
	assert.Equal(t, []string{service.EventFilter}, log.kinds())
}

func TestSelectorSetTimeAlwaysEmits(t *testing.T) {
	s, log := newTestSelector(t, newFake(), nil)
	require.True(t, s.SetType(context.Background(), rdb, SetTypeOptions{}))

	require.NoError(t, s.SetTime("2020", TimeOptions{EmitChange: true}))
	require.NoError(t, s.SetTime("2020", TimeOptions{EmitChange: true, SuspendAnimationStop: true}))
	require.NoError(t, s.SetTime("2021", TimeOptions{}))

	assert.Equal(t, []string{EventTime, EventTime}, log.kinds())
	log.mu.Lock()
	assert.False(t, log.changes[0].FromAnimation)
	assert.True(t, log.changes[1].FromAnimation)
	log.mu.Unlock()

	sel := s.Current()
	assert.Equal(t, "2021", sel.Time)
	v, ok := sel.Filter.Value("year")
	assert.True(t, ok)
	assert.Equal(t, "2021", v)
	assert.Len(t, sel.Filter.Criteria, 1, "the time criterion is replaced, not appended")
}

func TestSelectorSetTimeContextCancelled(t *testing.T) {
	s, log := newTestSelector(t, newFake(), nil)
	require.True(t, s.SetType(context.Background(), rdb, SetTypeOptions{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.SetTimeContext(ctx, "2020", TimeOptions{EmitChange: true}), context.Canceled)
	assert.Empty(t, s.Current().Time)
	assert.Empty(t, log.kinds())
}

func TestSelectorSyncsLocationDebounced(t *testing.T) {
	loc := &MemoryLocation{}
	s, _ := newTestSelector(t, newFake(), loc)

	require.True(t, s.SetType(context.Background(), rdb, SetTypeOptions{}))
	require.NoError(t, s.SetFilter(service.Filter{Criteria: []service.Criterion{
		{Name: "year", Operator: "=", Value: "2020"},
	}}, false))

	require.Eventually(t, func() bool {
		_, n := loc.Location()
		return n > 0
	}, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	got, n := loc.Location()
	assert.Equal(t, 1, n, "rapid changes coalesce into one sync")
	assert.Equal(t, Location{Category: "PRODUCT", Label: "rdb", Sheet: "HH", Q: "year=2020"}, got)
}

func TestSelectorApplyLocation(t *testing.T) {
	loc := &MemoryLocation{}
	s, log := newTestSelector(t, newFake(), loc)

	err := s.ApplyLocation(context.Background(), Location{Category: "PRODUCT", Label: "rdb", Sheet: "SL", Q: "year=2019"})
	require.NoError(t, err)

	sel := s.Current()
	assert.Equal(t, "SL", sel.Sheet)
	assert.Equal(t, "sl-year", sel.Strata.ID)
	assert.Equal(t, "2019", sel.Time)
	assert.Equal(t, []string{service.EventType}, log.kinds())

	time.Sleep(40 * time.Millisecond)
	_, n := loc.Location()
	assert.Zero(t, n, "a restored location is not written back")
}

func TestSelectorApplyLocationFallback(t *testing.T) {
	s, log := newTestSelector(t, newFake(), nil)

	require.NoError(t, s.ApplyLocation(context.Background(), Location{Category: "NOPE", Label: "x", Sheet: "ST"}))

	sel := s.Current()
	assert.Equal(t, "rdb", sel.Type.Label, "the first catalog type is used")
	assert.Equal(t, "HH", sel.Sheet)
	assert.Equal(t, []string{service.EventType}, log.kinds())
}

func TestSelectorApplyLocationEmptyCatalog(t *testing.T) {
	f := newFake()
	f.types = nil
	s, _ := newTestSelector(t, f, nil)
	assert.ErrorIs(t, s.ApplyLocation(context.Background(), Location{}), service.ErrTypeNotFound)
}

func TestSelectorColumnFailure(t *testing.T) {
	f := newFake()
	delete(f.columns, "HH")
	s, _ := newTestSelector(t, f, nil)

	require.True(t, s.SetType(context.Background(), rdb, SetTypeOptions{}))

	sel := s.Current()
	assert.Error(t, sel.ColumnsErr)
	assert.Empty(t, sel.Columns)
	assert.Equal(t, StrataApplied, sel.State)
}

func TestSelectorRefreshCatalog(t *testing.T) {
	f := newFake()
	s := NewSelector(SelectorConfig{Transport: f, TypeFilter: TypeFilter{Category: "LIVE"}})
	defer s.Close()

	require.NoError(t, s.RefreshCatalog(context.Background()))
	types := s.Catalog().Get()
	require.Len(t, types, 1)
	assert.Equal(t, "survivals", types[0].Label)
}
