package explore

import (
	"math"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// rangeLabel matches numeric range labels such as "10-20", ">=40", "<5" or "80+".
var rangeLabel = regexp.MustCompile(`^\s*(?:[<>]=?|=)?\s*-?\d+(?:[.,]\d+)?\s*(?:(?:-|<|<=|>|>=)\s*-?\d+(?:[.,]\d+)?)?\s*\+?\s*$`)

// leadingNumber extracts the first number once comparison symbols are stripped.
var leadingNumber = regexp.MustCompile(`^-?\d+(?:[.,]\d+)?`)

// TechOptions tune TransformTech.
type TechOptions struct {
	// SortByLabel orders non-numeric labels lexicographically instead of by value.
	SortByLabel bool
	// AxisFixed injects every KnownLabels entry missing from the map with a
	// zero value, so the category axis stays constant across animation frames.
	AxisFixed   bool
	KnownLabels []string
}

// TechChart is an ordered label/value series. Labels are float64 when every
// key is a plain number, strings otherwise.
type TechChart struct {
	Labels []any     `json:"labels" doc:"Ordered category labels"`
	Data   []float64 `json:"data" doc:"Values, rounded to 2 decimals"`
}

// Empty reports whether the chart has no category.
func (c TechChart) Empty() bool {
	return len(c.Labels) == 0
}

type techEntry struct {
	label string
	num   float64
	rank  float64
	side  int
	value float64
}

// TransformTech orders a label to value map for chart rendering:
// numeric keys ascend numerically; numeric range keys ascend by their leading
// number; otherwise labels sort lexicographically when SortByLabel is set, or
// by descending value. Nil values become 0 and values are rounded to 2 decimals.
func TransformTech(values map[string]*float64, opts TechOptions) TechChart {
	merged := make(map[string]*float64, len(values)+len(opts.KnownLabels))
	for k, v := range values {
		merged[k] = v
	}
	if opts.AxisFixed {
		for _, k := range opts.KnownLabels {
			if _, ok := merged[k]; !ok {
				merged[k] = nil
			}
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	// Deterministic base order so ties are stable across calls.
	sort.Strings(keys)

	entries := make([]techEntry, len(keys))
	allNumeric, allRanges := true, true
	for i, k := range keys {
		e := techEntry{label: k}
		if v := merged[k]; v != nil && !math.IsNaN(*v) {
			e.value = math.Round(*v*100) / 100
		}
		if n, ok := finite(k); ok {
			e.num = n
		} else {
			allNumeric = false
		}
		if r, side, ok := rangeRank(k); ok {
			e.rank, e.side = r, side
		} else {
			allRanges = false
		}
		entries[i] = e
	}

	chart := TechChart{
		Labels: make([]any, 0, len(entries)),
		Data:   make([]float64, 0, len(entries)),
	}
	switch {
	case len(entries) == 0:
		return chart
	case allNumeric:
		slices.SortStableFunc(entries, func(a, b techEntry) int { return cmpFloat(a.num, b.num) })
		for _, e := range entries {
			chart.Labels = append(chart.Labels, e.num)
			chart.Data = append(chart.Data, e.value)
		}
		return chart
	case allRanges:
		slices.SortStableFunc(entries, func(a, b techEntry) int {
			if c := cmpFloat(a.rank, b.rank); c != 0 {
				return c
			}
			return a.side - b.side
		})
	case opts.SortByLabel:
		// keys are already sorted lexicographically
	default:
		slices.SortStableFunc(entries, func(a, b techEntry) int { return cmpFloat(b.value, a.value) })
	}
	for _, e := range entries {
		chart.Labels = append(chart.Labels, e.label)
		chart.Data = append(chart.Data, e.value)
	}
	return chart
}

// rangeRank returns the sort rank of a numeric range label. side breaks ties
// on the same number: "<n" sorts before "n-m", which sorts before ">n".
func rangeRank(label string) (rank float64, side int, ok bool) {
	if !rangeLabel.MatchString(label) {
		return 0, 0, false
	}
	trimmed := strings.TrimSpace(label)
	switch {
	case strings.HasPrefix(trimmed, "<"):
		side = -1
	case strings.HasPrefix(trimmed, ">"):
		side = 1
	}
	m := leadingNumber.FindString(strings.TrimLeft(trimmed, "<>= "))
	if m == "" {
		return 0, 0, false
	}
	r, err := strconv.ParseFloat(strings.Replace(m, ",", ".", 1), 64)
	if err != nil {
		return 0, 0, false
	}
	return r, side, true
}

// finite parses a numeric label. "NaN" and "Inf" spellings are labels, not
// numbers.
func finite(label string) (float64, bool) {
	n, err := strconv.ParseFloat(strings.TrimSpace(label), 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
