package explore

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/joeblew999/plat-explore/internal/service"
)

func names(cols []service.Column) []string {
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		out = append(out, c.ColumnName)
	}
	return out
}

func TestClassifyColumns(t *testing.T) {
	cols := []service.Column{
		{ColumnName: "fishing_time", Type: "double", RankOrder: 6},
		{ColumnName: "record_type", Type: "string", RankOrder: 0},
		{ColumnName: "year", Type: "integer", RankOrder: 1},
		{ColumnName: "Statistical_Rectangle", Type: "string", RankOrder: 3},
		{ColumnName: "quarter", Type: "integer", RankOrder: 2},
		{ColumnName: "gear_type", Type: "string", RankOrder: 4},
		{ColumnName: "length_class", Type: "integer", RankOrder: 5},
		{ColumnName: "station_count", Type: "integer", RankOrder: 7},
		{ColumnName: "landing_weight", Type: "double", RankOrder: 8},
		{ColumnName: "trip_code", Type: "integer", RankOrder: 9},
		{ColumnName: "weight", Type: "string", RankOrder: 10},
	}

	g := ClassifyColumns(cols)

	assert.Equal(t, []string{"year", "quarter"}, names(g.Time))
	assert.Equal(t, []string{"Statistical_Rectangle"}, names(g.Spatial))
	assert.Equal(t, []string{"fishing_time", "station_count", "landing_weight"}, names(g.Aggregate),
		"numeric columns matching the aggregate suffixes, ordered by rank")
	assert.Equal(t, []string{"gear_type", "length_class", "weight"}, names(g.Tech))
	assert.Equal(t,
		[]string{"gear_type", "length_class", "fishing_time", "station_count", "landing_weight", "trip_code", "weight"},
		names(g.Filterable))
	assert.NotContains(t, names(g.Filterable), "record_type")
}

func TestClassifyColumnsKeepsInput(t *testing.T) {
	cols := []service.Column{
		{ColumnName: "b", Type: "string", RankOrder: 2},
		{ColumnName: "a", Type: "string", RankOrder: 1},
	}
	ClassifyColumns(cols)
	assert.Equal(t, "b", cols[0].ColumnName)
}

func TestClassifyColumnsEmpty(t *testing.T) {
	g := ClassifyColumns(nil)
	assert.Empty(t, g.Time)
	assert.Empty(t, g.Filterable)
}

func TestColumnGroupsFind(t *testing.T) {
	g := ClassifyColumns(testColumns()["HH"])

	c, ok := g.Find("year")
	assert.True(t, ok)
	assert.Equal(t, []string{"2019", "2020", "2021"}, c.Values)

	_, ok = g.Find("statistical_rectangle")
	assert.True(t, ok)
	_, ok = g.Find("missing")
	assert.False(t, ok)
}
