package db

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joeblew999/plat-explore/internal/service"
)

// aggFunctions whitelists the aggregate functions a strata may name.
var aggFunctions = map[string]string{
	"SUM":   "SUM",
	"AVG":   "AVG",
	"MEAN":  "AVG",
	"COUNT": "COUNT",
	"MIN":   "MIN",
	"MAX":   "MAX",
}

// stmt is a parameterized statement.
type stmt struct {
	SQL  string
	Args []any
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return `'` + strings.ReplaceAll(s, `'`, `''`) + `'`
}

// relation renders a catalog source as a FROM target: files go through the
// matching DuckDB reader, anything else is a (schema qualified) table name.
func relation(source string, resolve func(string) (string, error)) (string, error) {
	if !service.IsFile(source) {
		parts := strings.Split(source, ".")
		for i, p := range parts {
			if p == "" {
				return "", fmt.Errorf("invalid table name %q", source)
			}
			parts[i] = quoteIdent(p)
		}
		return strings.Join(parts, "."), nil
	}

	path, err := resolve(source)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(filepath.Ext(source)) {
	case ".parquet":
		return "read_parquet(" + quoteLiteral(path) + ")", nil
	case ".csv":
		return "read_csv_auto(" + quoteLiteral(path) + ")", nil
	case ".json":
		return "read_json_auto(" + quoteLiteral(path) + ")", nil
	case ".geojson":
		return "ST_Read(" + quoteLiteral(path) + ")", nil
	}
	return "", fmt.Errorf("unsupported source %q", source)
}

// aggExpr returns the aggregate of the strata column as a DOUBLE.
func aggExpr(strata service.Strata) (string, error) {
	fn := strings.ToUpper(strings.TrimSpace(strata.AggFunction))
	if fn == "" {
		fn = "SUM"
	}
	sqlFn, ok := aggFunctions[fn]
	if !ok {
		return "", fmt.Errorf("unsupported aggregate function %q", strata.AggFunction)
	}
	if strata.AggColumnName == "" {
		return "", fmt.Errorf("strata %q has no aggregate column", strata.ID)
	}
	return fmt.Sprintf("CAST(%s(%s) AS DOUBLE)", sqlFn, quoteIdent(strata.AggColumnName)), nil
}

func asText(col string) string {
	return "CAST(" + quoteIdent(col) + " AS VARCHAR)"
}

// whereClause renders the filter criteria joined with AND. The search text
// is not part of the aggregation query.
func whereClause(f service.Filter) (string, []any, error) {
	var conds []string
	var args []any
	for _, c := range f.Criteria {
		col := quoteIdent(c.Name)
		switch c.Operator {
		case "=", "!=":
			op := c.Operator
			if op == "!=" {
				op = "<>"
			}
			conds = append(conds, asText(c.Name)+" "+op+" ?")
			args = append(args, c.Value)
		case ">", ">=", "<", "<=":
			if n, err := strconv.ParseFloat(c.Value, 64); err == nil {
				conds = append(conds, col+" "+c.Operator+" ?")
				args = append(args, n)
			} else {
				conds = append(conds, asText(c.Name)+" "+c.Operator+" ?")
				args = append(args, c.Value)
			}
		case "IN":
			values := strings.Split(c.Value, ",")
			marks := make([]string, len(values))
			for i, v := range values {
				marks[i] = "?"
				args = append(args, strings.TrimSpace(v))
			}
			conds = append(conds, asText(c.Name)+" IN ("+strings.Join(marks, ", ")+")")
		case "BETWEEN":
			lo, errLo := strconv.ParseFloat(c.Value, 64)
			hi, errHi := strconv.ParseFloat(c.EndValue, 64)
			if errLo == nil && errHi == nil {
				conds = append(conds, col+" BETWEEN ? AND ?")
				args = append(args, lo, hi)
			} else {
				conds = append(conds, asText(c.Name)+" BETWEEN ? AND ?")
				args = append(args, c.Value, c.EndValue)
			}
		case "NULL":
			conds = append(conds, col+" IS NULL")
		case "NOT NULL":
			conds = append(conds, col+" IS NOT NULL")
		default:
			return "", nil, fmt.Errorf("unsupported operator %q on %q", c.Operator, c.Name)
		}
	}
	if len(conds) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

// featurePageStmt aggregates one page of features, one per spatial code and
// time value, in a stable order.
func featurePageStmt(rel string, strata service.Strata, f service.Filter, offset, size int) (stmt, error) {
	agg, err := aggExpr(strata)
	if err != nil {
		return stmt{}, err
	}
	where, args, err := whereClause(f)
	if err != nil {
		return stmt{}, err
	}

	cols := asText(strata.SpatialColumnName) + " AS code"
	group := "1"
	if strata.TimeColumnName != "" {
		cols += ", " + asText(strata.TimeColumnName) + " AS time"
		group = "1, 2"
	} else {
		cols += ", NULL AS time"
	}
	q := fmt.Sprintf("SELECT %s, %s AS value FROM %s%s GROUP BY %s ORDER BY %s LIMIT ? OFFSET ?",
		cols, agg, rel, where, group, group)
	return stmt{SQL: q, Args: append(args, size, offset)}, nil
}

// categoryStmt aggregates the strata column by tech category.
func categoryStmt(rel string, strata service.Strata, f service.Filter) (stmt, error) {
	if strata.TechColumnName == "" {
		return stmt{}, fmt.Errorf("strata %q has no tech column", strata.ID)
	}
	agg, err := aggExpr(strata)
	if err != nil {
		return stmt{}, err
	}
	where, args, err := whereClause(f)
	if err != nil {
		return stmt{}, err
	}
	q := fmt.Sprintf("SELECT %s AS label, %s AS value FROM %s%s GROUP BY 1 ORDER BY 1",
		asText(strata.TechColumnName), agg, rel, where)
	return stmt{SQL: q, Args: args}, nil
}

// minMaxStmt returns the range of the aggregate over the groups the chart
// shows: tech category (or spatial code without one) and time value.
func minMaxStmt(rel string, strata service.Strata, f service.Filter) (stmt, error) {
	agg, err := aggExpr(strata)
	if err != nil {
		return stmt{}, err
	}
	where, args, err := whereClause(f)
	if err != nil {
		return stmt{}, err
	}
	groups := []string{}
	if strata.TechColumnName != "" {
		groups = append(groups, quoteIdent(strata.TechColumnName))
	} else {
		groups = append(groups, quoteIdent(strata.SpatialColumnName))
	}
	if strata.TimeColumnName != "" {
		groups = append(groups, quoteIdent(strata.TimeColumnName))
	}
	q := fmt.Sprintf("SELECT MIN(value), MAX(value) FROM (SELECT %s AS value FROM %s%s GROUP BY %s)",
		agg, rel, where, strings.Join(groups, ", "))
	return stmt{SQL: q, Args: args}, nil
}

func describeStmt(rel string) stmt {
	return stmt{SQL: "DESCRIBE SELECT * FROM " + rel}
}

// distinctStmt lists up to limit+1 distinct values, so callers can tell
// whether the column was truncated.
func distinctStmt(rel, column string, limit int) stmt {
	return stmt{
		SQL: fmt.Sprintf("SELECT DISTINCT %s FROM %s WHERE %s IS NOT NULL ORDER BY 1 LIMIT %d",
			asText(column), rel, quoteIdent(column), limit+1),
	}
}

// normalizeType maps a DuckDB column type to the explorer vocabulary.
func normalizeType(duckType string) string {
	t := strings.ToUpper(strings.TrimSpace(duckType))
	switch {
	case strings.Contains(t, "INT"):
		return "integer"
	case strings.HasPrefix(t, "DOUBLE"), strings.HasPrefix(t, "FLOAT"), strings.HasPrefix(t, "REAL"),
		strings.HasPrefix(t, "DECIMAL"), strings.HasPrefix(t, "NUMERIC"):
		return "double"
	case strings.HasPrefix(t, "VARCHAR"), t == "TEXT", t == "STRING", strings.HasPrefix(t, "ENUM"):
		return "string"
	case strings.HasPrefix(t, "DATE"), strings.HasPrefix(t, "TIMESTAMP"):
		return "date"
	case t == "BOOLEAN", t == "BOOL":
		return "boolean"
	case t == "GEOMETRY":
		return "geometry"
	}
	return strings.ToLower(t)
}
