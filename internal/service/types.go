// Package service contains the domain model of the extraction explorer:
// dataset types, sheets, strata, columns and filters, plus the catalog that
// holds them.
package service

import (
	"fmt"
	"slices"
)

// Time column names a strata may aggregate on.
const (
	TimeYear    = "year"
	TimeQuarter = "quarter"
	TimeMonth   = "month"
)

// DatasetType is a named extraction or aggregation product.
// Identity is the (Category, Label) pair. Huma reads the tags for OpenAPI.
type DatasetType struct {
	Category   string   `json:"category" yaml:"category" required:"true" enum:"LIVE,PRODUCT" doc:"Type category" example:"PRODUCT"`
	Label      string   `json:"label" yaml:"label" required:"true" minLength:"1" doc:"Type label, unique within the category" example:"rdb-landings"`
	Name       string   `json:"name,omitempty" yaml:"name" doc:"Display name" example:"RDB landings"`
	SheetNames []string `json:"sheetNames,omitempty" yaml:"sheets" doc:"Worksheets of the type, in display order" example:"[\"HH\",\"SL\"]"`
	IsSpatial  bool     `json:"isSpatial" yaml:"spatial" doc:"Whether the type can be rendered on a map"`
	Stratum    []Strata `json:"stratum,omitempty" yaml:"stratum" doc:"Aggregation strata, per sheet"`
}

// Key returns the identity of the type as "category:label".
func (t DatasetType) Key() string {
	return t.Category + ":" + t.Label
}

// Same reports whether t and o designate the same type.
func (t DatasetType) Same(o DatasetType) bool {
	return t.Category == o.Category && t.Label == o.Label
}

// HasSheet reports whether name is one of the type's sheets.
func (t DatasetType) HasSheet(name string) bool {
	return slices.Contains(t.SheetNames, name)
}

// DefaultSheet returns the first sheet, or "" if the type declares none.
func (t DatasetType) DefaultSheet() string {
	if len(t.SheetNames) == 0 {
		return ""
	}
	return t.SheetNames[0]
}

// StrataFor returns the strata defined for a sheet, in declaration order.
func (t DatasetType) StrataFor(sheet string) []Strata {
	var out []Strata
	for _, s := range t.Stratum {
		if s.SheetName == sheet {
			out = append(out, s)
		}
	}
	return out
}

// DefaultStrata returns the default strata of a sheet. A sheet without an
// explicit default falls back to its first strata.
func (t DatasetType) DefaultStrata(sheet string) (Strata, bool) {
	stratum := t.StrataFor(sheet)
	if len(stratum) == 0 {
		return Strata{}, false
	}
	for _, s := range stratum {
		if s.IsDefault {
			return s, true
		}
	}
	return stratum[0], true
}

// Validate checks the per-sheet invariants of the type.
func (t DatasetType) Validate() error {
	if t.Category == "" || t.Label == "" {
		return fmt.Errorf("type %q: category and label are required", t.Key())
	}
	defaults := map[string]int{}
	for _, s := range t.Stratum {
		if s.SheetName != "" && !t.HasSheet(s.SheetName) {
			return fmt.Errorf("type %q: strata %q references unknown sheet %q", t.Key(), s.ID, s.SheetName)
		}
		if s.IsDefault {
			defaults[s.SheetName]++
			if defaults[s.SheetName] > 1 {
				return fmt.Errorf("type %q: sheet %q has more than one default strata", t.Key(), s.SheetName)
			}
		}
		switch s.TimeColumnName {
		case "", TimeYear, TimeQuarter, TimeMonth:
		default:
			return fmt.Errorf("type %q: strata %q has invalid time column %q", t.Key(), s.ID, s.TimeColumnName)
		}
	}
	return nil
}

// Strata is the spatial/temporal/aggregate configuration used to aggregate
// one sheet's rows into map features.
type Strata struct {
	ID                string `json:"id" yaml:"id" doc:"Strata identifier" example:"hh-rect-year"`
	SheetName         string `json:"sheetName" yaml:"sheet" doc:"Sheet the strata belongs to" example:"HH"`
	SpatialColumnName string `json:"spatialColumnName" yaml:"spatial" doc:"Spatial column" example:"statistical_rectangle"`
	TimeColumnName    string `json:"timeColumnName" yaml:"time" enum:"year,quarter,month" doc:"Time column" example:"year"`
	AggColumnName     string `json:"aggColumnName" yaml:"agg" doc:"Aggregated column" example:"station_count"`
	AggFunction       string `json:"aggFunction" yaml:"function" default:"SUM" doc:"Aggregate function" example:"SUM"`
	TechColumnName    string `json:"techColumnName,omitempty" yaml:"tech" doc:"Technical (categorical) column" example:"gear_type"`
	IsDefault         bool   `json:"isDefault" yaml:"default" doc:"Default strata of its sheet"`
}

// Complete reports whether the strata carries the fields a load requires.
func (s Strata) Complete() bool {
	return s.SpatialColumnName != "" && s.AggColumnName != ""
}

// Column describes one column of a sheet.
type Column struct {
	Label      string   `json:"label" doc:"Display label"`
	ColumnName string   `json:"columnName" doc:"Technical column identifier" example:"station_count"`
	Type       string   `json:"type" enum:"integer,double,float,number,string,date,boolean,geometry" doc:"Declared type"`
	RankOrder  int      `json:"rankOrder" doc:"Display rank"`
	Values     []string `json:"values,omitempty" doc:"Enumerated values, when known"`
}

// Criterion is one filter condition.
type Criterion struct {
	Name      string `json:"name" required:"true" doc:"Column name" example:"year"`
	Operator  string `json:"operator" required:"true" enum:"=,!=,>,>=,<,<=,IN,BETWEEN,NULL,NOT NULL" doc:"Comparison operator"`
	Value     string `json:"value,omitempty" doc:"Value, comma separated for IN" example:"2020"`
	EndValue  string `json:"endValue,omitempty" doc:"Upper bound for BETWEEN"`
	SheetName string `json:"sheetName,omitempty" doc:"Sheet the criterion applies to"`
}

// Filter is an ordered list of criteria scoped to the active sheet.
type Filter struct {
	SheetName  string      `json:"sheetName,omitempty" doc:"Active sheet"`
	Criteria   []Criterion `json:"criteria,omitempty" doc:"Filter criteria"`
	SearchText string      `json:"searchText,omitempty" doc:"Free text search"`
}

// Without returns a copy of the filter without criteria on column name.
func (f Filter) Without(name string) Filter {
	out := Filter{SheetName: f.SheetName, SearchText: f.SearchText}
	for _, c := range f.Criteria {
		if c.Name != name {
			out.Criteria = append(out.Criteria, c)
		}
	}
	return out
}

// With returns a copy of the filter where the criteria on name are replaced
// by a single equality criterion.
func (f Filter) With(name, value string) Filter {
	out := f.Without(name)
	out.Criteria = append(out.Criteria, Criterion{Name: name, Operator: "=", Value: value, SheetName: f.SheetName})
	return out
}

// Value returns the value of the first equality criterion on name.
func (f Filter) Value(name string) (string, bool) {
	for _, c := range f.Criteria {
		if c.Name == name && c.Operator == "=" {
			return c.Value, true
		}
	}
	return "", false
}

// AggregationBounds is the min/max of an aggregate column.
type AggregationBounds struct {
	Min float64 `json:"min" doc:"Minimum aggregated value"`
	Max float64 `json:"max" doc:"Maximum aggregated value"`
}
