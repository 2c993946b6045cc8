// Package geo resolves the spatial codes of aggregated rows into geometries.
//
// Statistical rectangles are computed from their code. Columns holding
// geometries are decoded from WKT or GeoJSON. Any other code (areas,
// divisions, squares) is looked up in an optional reference collection.
package geo

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
)

// ErrUnknownCode reports a spatial code that cannot be turned into a geometry.
var ErrUnknownCode = errors.New("unknown spatial code")

// Rectangle grid of the ICES statistical rectangles.
const (
	rectLatOrigin = 36.0
	rectLatStep   = 0.5
	rectLonStep   = 1.0
)

// rectLetters are the longitude bands B to M; I is not used.
const rectLetters = "BCDEFGHJKLM"

// Rectangle returns the polygon of a statistical rectangle code such as
// "31F1": two digits for the latitude row, then a letter and a digit for the
// longitude column.
func Rectangle(code string) (orb.Polygon, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 4 {
		return nil, fmt.Errorf("%w: rectangle %q", ErrUnknownCode, code)
	}
	row, err := strconv.Atoi(code[:2])
	if err != nil || row < 1 || row > 99 {
		return nil, fmt.Errorf("%w: rectangle %q", ErrUnknownCode, code)
	}
	digit := int(code[3] - '0')
	if digit < 0 || digit > 9 {
		return nil, fmt.Errorf("%w: rectangle %q", ErrUnknownCode, code)
	}

	var west float64
	switch letter := code[2]; {
	case letter == 'A':
		if digit > 3 {
			return nil, fmt.Errorf("%w: rectangle %q", ErrUnknownCode, code)
		}
		west = -44 + float64(digit)
	case strings.IndexByte(rectLetters, letter) >= 0:
		k := strings.IndexByte(rectLetters, letter)
		west = -40 + float64(k)*10 + float64(digit)
	default:
		return nil, fmt.Errorf("%w: rectangle %q", ErrUnknownCode, code)
	}

	south := rectLatOrigin + float64(row-1)*rectLatStep
	return orb.Bound{
		Min: orb.Point{west, south},
		Max: orb.Point{west + rectLonStep, south + rectLatStep},
	}.ToPolygon(), nil
}

// Parse decodes a geometry written as WKT or as a GeoJSON geometry object.
func Parse(s string) (orb.Geometry, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty geometry", ErrUnknownCode)
	}
	if strings.HasPrefix(s, "{") {
		g, err := geojson.UnmarshalGeometry([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("parsing geojson geometry: %w", err)
		}
		return g.Geometry(), nil
	}
	g, err := wkt.Unmarshal(s)
	if err != nil {
		return nil, fmt.Errorf("parsing wkt: %w", err)
	}
	return g, nil
}

// Resolver maps (column, code) pairs to geometries.
type Resolver struct {
	mu   sync.RWMutex
	refs map[string]orb.Geometry
}

// NewResolver returns a resolver without reference geometries.
func NewResolver() *Resolver {
	return &Resolver{refs: map[string]orb.Geometry{}}
}

// LoadReference reads a GeoJSON feature collection and registers each
// feature's geometry under the value of its key property.
func (r *Resolver) LoadReference(path, keyProperty string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, f := range fc.Features {
		key := f.Properties.MustString(keyProperty, "")
		if key == "" || f.Geometry == nil {
			continue
		}
		r.refs[strings.ToUpper(key)] = f.Geometry
		n++
	}
	return n, nil
}

// Register adds a reference geometry for code.
func (r *Resolver) Register(code string, g orb.Geometry) {
	r.mu.Lock()
	r.refs[strings.ToUpper(code)] = g
	r.mu.Unlock()
}

// Resolve returns the geometry of value read from column. Values that cannot
// be resolved yield an empty collection and ErrUnknownCode, so callers may
// keep the feature without a shape.
func (r *Resolver) Resolve(column string, value any) (orb.Geometry, error) {
	code := ""
	switch v := value.(type) {
	case nil:
		return orb.Collection{}, fmt.Errorf("%w: null %s", ErrUnknownCode, column)
	case string:
		code = v
	case []byte:
		code = string(v)
	default:
		code = fmt.Sprint(v)
	}

	switch strings.ToLower(column) {
	case "statistical_rectangle", "rect":
		if p, err := Rectangle(code); err == nil {
			return p, nil
		}
	case "geometry", "location":
		if g, err := Parse(code); err == nil {
			return g, nil
		}
	}

	r.mu.RLock()
	g, ok := r.refs[strings.ToUpper(strings.TrimSpace(code))]
	r.mu.RUnlock()
	if ok {
		return g, nil
	}
	return orb.Collection{}, fmt.Errorf("%w: %s=%q", ErrUnknownCode, column, code)
}
