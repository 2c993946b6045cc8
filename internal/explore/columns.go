package explore

import (
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/joeblew999/plat-explore/internal/service"
)

// Fixed column vocabularies.
var (
	TimeColumnNames    = []string{service.TimeYear, service.TimeQuarter, service.TimeMonth}
	SpatialColumnNames = []string{"area", "rect", "statistical_rectangle", "sub_polygon", "square", "geometry", "ices_division", "fishing_area", "location"}
	IgnoredColumnNames = []string{"record_type"}
)

var (
	numericTypes   = []string{"integer", "double", "float", "number", "long", "decimal"}
	aggregateName  = regexp.MustCompile(`(_count|_count_by_[a-z0-9_]+|_time|weight|_length|_value)$`)
	classifierName = regexp.MustCompile(`_class$`)
)

// ColumnGroups is the semantic partition of a sheet's columns.
type ColumnGroups struct {
	Time       []service.Column `json:"time" doc:"Time columns"`
	Spatial    []service.Column `json:"spatial" doc:"Spatial columns"`
	Aggregate  []service.Column `json:"aggregate" doc:"Numeric columns that can be aggregated"`
	Tech       []service.Column `json:"tech" doc:"Categorical columns usable by the tech chart"`
	Filterable []service.Column `json:"filterable" doc:"Columns a criterion may target"`
}

// ClassifyColumns splits columns into time, spatial, aggregate, tech and
// filterable groups. Within each group columns are ordered by rank.
func ClassifyColumns(columns []service.Column) ColumnGroups {
	sorted := slices.Clone(columns)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].RankOrder < sorted[j].RankOrder })

	var g ColumnGroups
	for _, c := range sorted {
		name := strings.ToLower(c.ColumnName)
		typ := strings.ToLower(c.Type)

		switch {
		case slices.Contains(TimeColumnNames, name):
			g.Time = append(g.Time, c)
			continue
		case slices.Contains(SpatialColumnNames, name):
			g.Spatial = append(g.Spatial, c)
			continue
		case slices.Contains(IgnoredColumnNames, name):
			continue
		}

		if slices.Contains(numericTypes, typ) && aggregateName.MatchString(name) {
			g.Aggregate = append(g.Aggregate, c)
		}
		if typ == "string" || classifierName.MatchString(name) {
			g.Tech = append(g.Tech, c)
		}
		g.Filterable = append(g.Filterable, c)
	}
	return g
}

// Find returns the column named name.
func (g ColumnGroups) Find(name string) (service.Column, bool) {
	for _, set := range [][]service.Column{g.Time, g.Spatial, g.Filterable} {
		for _, c := range set {
			if c.ColumnName == name {
				return c, true
			}
		}
	}
	return service.Column{}, false
}
