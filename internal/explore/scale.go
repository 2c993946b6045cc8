package explore

import (
	"fmt"
	"math"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/joeblew999/plat-explore/internal/service"
)

// Scale limits.
const (
	MinBuckets = 2
	MaxBuckets = 10
	// MinLegendMax is the floor of a computed legend maximum.
	MinLegendMax = 10
	// midStop is where the end color sits on the bucket index range; past it
	// the gradient runs to black.
	midStop = 0.9
)

// Default endpoint colors.
const (
	DefaultStartColor = "#ffffcc"
	DefaultEndColor   = "#e31a1c"
)

// LegendItem is one bucket of the legend, rendered verbatim on screen.
type LegendItem struct {
	LowerBound float64  `json:"lowerBound" doc:"Inclusive lower bound"`
	UpperBound *float64 `json:"upperBound,omitempty" doc:"Exclusive upper bound, absent on the open-ended last bucket"`
	Label      string   `json:"label" doc:"Legend label"`
	Color      string   `json:"color" doc:"Bucket color (CSS hex)"`
}

// Scale is a quantized value to color mapping.
type Scale struct {
	Min    float64      `json:"min"`
	Max    float64      `json:"max"`
	Colors []string     `json:"colors"`
	Legend []LegendItem `json:"legend"`
	step   float64
}

// ScaleOptions tune BuildScale.
type ScaleOptions struct {
	// Locale formats legend numbers; defaults to English.
	Locale language.Tag
}

// BucketCount returns clamp(round(maxV), MinBuckets, MaxBuckets).
func BucketCount(maxV float64) int {
	n := int(math.Round(math.Min(maxV, MaxBuckets)))
	return min(max(n, MinBuckets), MaxBuckets)
}

// BuildScale quantizes [min, max] into BucketCount(max) buckets colored from
// startColor through endColor (at 90% of the range) to black.
func BuildScale(minV, maxV float64, startColor, endColor string, opts ScaleOptions) (*Scale, error) {
	if math.IsNaN(minV) || math.IsNaN(maxV) {
		return nil, fmt.Errorf("invalid scale domain [%v, %v]", minV, maxV)
	}
	if maxV < minV {
		minV, maxV = maxV, minV
	}
	start, err := parseColor(startColor, DefaultStartColor)
	if err != nil {
		return nil, err
	}
	end, err := parseColor(endColor, DefaultEndColor)
	if err != nil {
		return nil, err
	}

	n := BucketCount(maxV)
	s := &Scale{
		Min:    minV,
		Max:    maxV,
		Colors: make([]string, n),
		Legend: make([]LegendItem, n),
		step:   (maxV - minV) / float64(n),
	}

	black := colorful.Color{}
	for i := range n {
		p := float64(i) / float64(n-1)
		var c colorful.Color
		if p <= midStop {
			c = start.BlendRgb(end, p/midStop)
		} else {
			c = end.BlendRgb(black, (p-midStop)/(1-midStop))
		}
		s.Colors[i] = c.Clamped().Hex()
	}

	if opts.Locale == language.Und {
		opts.Locale = language.English
	}
	printer := message.NewPrinter(opts.Locale)
	for i := range n {
		lower := minV + float64(i)*s.step
		upper := minV + float64(i+1)*s.step
		item := LegendItem{LowerBound: lower, Color: s.Colors[i]}
		if i == n-1 {
			item.Label = printer.Sprintf("%v and above", number.Decimal(lower, number.MaxFractionDigits(2)))
		} else {
			item.UpperBound = &upper
			item.Label = printer.Sprintf("%v - %v",
				number.Decimal(lower, number.MaxFractionDigits(2)),
				number.Decimal(upper, number.MaxFractionDigits(2)))
		}
		s.Legend[i] = item
	}
	return s, nil
}

// BucketCount returns the number of buckets of the scale.
func (s *Scale) BucketCount() int {
	return len(s.Colors)
}

// Bucket returns the bucket index of value, clamped to the scale.
func (s *Scale) Bucket(value float64) int {
	n := len(s.Colors)
	switch {
	case value <= s.Min || s.step == 0:
		return 0
	case value >= s.Max:
		return n - 1
	}
	i := int((value - s.Min) / s.step)
	return min(i, n-1)
}

// ValueColor returns the color of value. Values outside [Min, Max] take the
// first or last bucket color.
func (s *Scale) ValueColor(value float64) string {
	return s.Colors[s.Bucket(value)]
}

// LegendBounds returns the legend domain. A pinned custom legend wins;
// otherwise the maximum is max(10, round(observedMax + 0.5)) and the minimum 0.
func LegendBounds(observedMax float64, custom *service.AggregationBounds) service.AggregationBounds {
	if custom != nil {
		return *custom
	}
	return service.AggregationBounds{
		Min: 0,
		Max: math.Max(MinLegendMax, math.Round(observedMax+0.5)),
	}
}

var namedColors = map[string]string{
	"black":  "#000000",
	"white":  "#ffffff",
	"red":    "#ff0000",
	"green":  "#008000",
	"blue":   "#0000ff",
	"yellow": "#ffff00",
	"orange": "#ffa500",
}

func parseColor(s, fallback string) (colorful.Color, error) {
	if s == "" {
		s = fallback
	}
	if hex, ok := namedColors[strings.ToLower(s)]; ok {
		s = hex
	}
	c, err := colorful.Hex(s)
	if err != nil {
		return colorful.Color{}, fmt.Errorf("invalid color %q: %w", s, err)
	}
	return c, nil
}
