package explore

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/joeblew999/plat-explore/internal/service"
)

// Operators in the q parameter, longest first so that ">=" wins over ">".
var queryOperators = []string{"!=", ">=", "<=", "=", ">", "<"}

var (
	queryEscaper   = strings.NewReplacer("%", "%25", ";", "%3B", ":", "%3A", ",", "%2C")
	queryUnescaper = strings.NewReplacer("%3B", ";", "%3A", ":", "%2C", ",", "%25", "%")
)

// EncodeQuery renders filter criteria as name<op><value>[:<endValue>]
// segments joined by ";". IN values keep their comma separated list, while a
// comma inside a single value is escaped; NULL and NOT NULL are written with
// an empty value.
func EncodeQuery(f service.Filter) string {
	parts := make([]string, 0, len(f.Criteria))
	for _, c := range f.Criteria {
		op := c.Operator
		value := queryEscaper.Replace(c.Value)
		switch c.Operator {
		case "IN":
			op = "="
			items := strings.Split(c.Value, ",")
			for i, v := range items {
				items[i] = queryEscaper.Replace(strings.TrimSpace(v))
			}
			value = strings.Join(items, ",")
		case "BETWEEN":
			op = "="
			value += ":" + queryEscaper.Replace(c.EndValue)
		case "NULL":
			op, value = "=", ""
		case "NOT NULL":
			op, value = "!=", ""
		}
		parts = append(parts, c.Name+op+value)
	}
	return strings.Join(parts, ";")
}

// ParseQuery decodes a q parameter into a filter scoped to sheet.
func ParseQuery(q, sheet string) (service.Filter, error) {
	f := service.Filter{SheetName: sheet}
	if strings.TrimSpace(q) == "" {
		return f, nil
	}
	for _, seg := range strings.Split(q, ";") {
		if seg == "" {
			continue
		}
		c, err := parseCriterion(seg)
		if err != nil {
			return service.Filter{}, err
		}
		c.SheetName = sheet
		f.Criteria = append(f.Criteria, c)
	}
	return f, nil
}

func parseCriterion(seg string) (service.Criterion, error) {
	idx := strings.IndexAny(seg, "!<>=")
	if idx <= 0 {
		return service.Criterion{}, fmt.Errorf("invalid criterion %q", seg)
	}
	name, rest := seg[:idx], seg[idx:]
	var op string
	for _, o := range queryOperators {
		if strings.HasPrefix(rest, o) {
			op = o
			break
		}
	}
	if op == "" {
		return service.Criterion{}, fmt.Errorf("invalid operator in %q", seg)
	}
	raw := rest[len(op):]

	c := service.Criterion{Name: strings.TrimSpace(name), Operator: op}
	value, end, between := strings.Cut(raw, ":")
	c.Value = queryUnescaper.Replace(value)
	switch {
	case between:
		if op != "=" {
			return service.Criterion{}, fmt.Errorf("range criterion %q must use =", seg)
		}
		c.Operator = "BETWEEN"
		c.EndValue = queryUnescaper.Replace(end)
	case raw == "" && op == "=":
		c.Operator = "NULL"
	case raw == "" && op == "!=":
		c.Operator = "NOT NULL"
	case op == "=" && strings.Contains(value, ","):
		c.Operator = "IN"
	}
	return c, nil
}

// Location is the URL state of the explorer.
type Location struct {
	Category string `json:"category,omitempty" doc:"Type category"`
	Label    string `json:"label,omitempty" doc:"Type label"`
	Sheet    string `json:"sheet,omitempty" doc:"Active sheet"`
	Q        string `json:"q,omitempty" doc:"Encoded filter criteria"`
}

// ParseLocation reads the explorer query parameters.
func ParseLocation(v url.Values) Location {
	return Location{
		Category: v.Get("category"),
		Label:    v.Get("label"),
		Sheet:    v.Get("sheet"),
		Q:        v.Get("q"),
	}
}

// Values renders the location as query parameters, omitting empty ones.
func (l Location) Values() url.Values {
	v := url.Values{}
	for k, s := range map[string]string{"category": l.Category, "label": l.Label, "sheet": l.Sheet, "q": l.Q} {
		if s != "" {
			v.Set(k, s)
		}
	}
	return v
}
