package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"github.com/joeblew999/plat-explore/internal/explore"
	"github.com/joeblew999/plat-explore/internal/geo"
	"github.com/joeblew999/plat-explore/internal/logging"
	"github.com/joeblew999/plat-explore/internal/service"
)

// MaxColumnValues caps the enumerated values of a time or string column.
const MaxColumnValues = 100

// Transport answers explorer queries by aggregating catalog sources with DuckDB.
type Transport struct {
	db       *sql.DB
	catalog  *service.CatalogService
	sources  *service.SourceService
	resolver *geo.Resolver
	log      *zap.Logger
}

var _ explore.Transport = (*Transport)(nil)

// NewTransport creates a transport. A nil resolver only resolves rectangles
// and inline geometries.
func NewTransport(conn *sql.DB, catalog *service.CatalogService, sources *service.SourceService, resolver *geo.Resolver, logger *zap.Logger) *Transport {
	if resolver == nil {
		resolver = geo.NewResolver()
	}
	return &Transport{
		db:       conn,
		catalog:  catalog,
		sources:  sources,
		resolver: resolver,
		log:      logging.OrNop(logger).Named("transport"),
	}
}

// ListTypes implements explore.Transport.
func (t *Transport) ListTypes(_ context.Context, filter explore.TypeFilter) ([]service.DatasetType, error) {
	types := t.catalog.List(filter.Category)
	if filter.SpatialOnly {
		types = slices.DeleteFunc(types, func(dt service.DatasetType) bool { return !dt.IsSpatial })
	}
	return types, nil
}

// LoadColumns implements explore.Transport.
func (t *Transport) LoadColumns(ctx context.Context, dt service.DatasetType, sheet string) ([]service.Column, error) {
	rel, err := t.relation(dt, sheet)
	if err != nil {
		return nil, err
	}
	q := describeStmt(rel)
	rows, err := t.db.QueryContext(ctx, q.SQL)
	if err != nil {
		return nil, fmt.Errorf("describing %s/%s: %w", dt.Key(), sheet, err)
	}
	defer rows.Close()

	var columns []service.Column
	for rows.Next() {
		var name, typ string
		var null, key, def, extra sql.NullString
		if err := rows.Scan(&name, &typ, &null, &key, &def, &extra); err != nil {
			return nil, fmt.Errorf("scanning column: %w", err)
		}
		columns = append(columns, service.Column{
			Label:      name,
			ColumnName: name,
			Type:       normalizeType(typ),
			RankOrder:  len(columns),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, c := range columns {
		if c.Type != "string" && !slices.Contains(explore.TimeColumnNames, c.ColumnName) {
			continue
		}
		values, err := t.distinct(ctx, rel, c.ColumnName)
		if err != nil {
			return nil, err
		}
		columns[i].Values = values
	}
	t.log.Debug("Columns loaded", zap.String("type", dt.Key()), zap.String("sheet", sheet), zap.Int("count", len(columns)))
	return columns, nil
}

func (t *Transport) distinct(ctx context.Context, rel, column string) ([]string, error) {
	q := distinctStmt(rel, column, MaxColumnValues)
	rows, err := t.db.QueryContext(ctx, q.SQL)
	if err != nil {
		return nil, fmt.Errorf("listing values of %s: %w", column, err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(values) > MaxColumnValues {
		// Too many to enumerate.
		return nil, nil
	}
	return values, nil
}

// LoadFeaturePage implements explore.Transport.
func (t *Transport) LoadFeaturePage(ctx context.Context, dt service.DatasetType, strata service.Strata, offset, size int, filter service.Filter) (*geojson.FeatureCollection, error) {
	rel, err := t.relation(dt, strata.SheetName)
	if err != nil {
		return nil, err
	}
	q, err := featurePageStmt(rel, strata, filter, offset, size)
	if err != nil {
		return nil, err
	}
	rows, err := t.db.QueryContext(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, fmt.Errorf("querying features: %w", err)
	}
	defer rows.Close()

	fc := geojson.NewFeatureCollection()
	unresolved := 0
	for rows.Next() {
		var code, tm sql.NullString
		var value sql.NullFloat64
		if err := rows.Scan(&code, &tm, &value); err != nil {
			return nil, fmt.Errorf("scanning feature: %w", err)
		}
		g, err := t.resolver.Resolve(strata.SpatialColumnName, code.String)
		if errors.Is(err, geo.ErrUnknownCode) {
			unresolved++
		}
		f := geojson.NewFeature(g)
		f.Properties[strata.SpatialColumnName] = code.String
		if strata.TimeColumnName != "" && tm.Valid {
			f.Properties[strata.TimeColumnName] = tm.String
		}
		if value.Valid {
			f.Properties[strata.AggColumnName] = value.Float64
		} else {
			f.Properties[strata.AggColumnName] = nil
		}
		fc.Append(f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if unresolved > 0 {
		t.log.Debug("Features without geometry",
			zap.String("column", strata.SpatialColumnName),
			zap.Int("count", unresolved))
	}
	return fc, nil
}

// LoadAggregateByCategory implements explore.Transport.
func (t *Transport) LoadAggregateByCategory(ctx context.Context, dt service.DatasetType, strata service.Strata, filter service.Filter) (map[string]*float64, error) {
	rel, err := t.relation(dt, strata.SheetName)
	if err != nil {
		return nil, err
	}
	q, err := categoryStmt(rel, strata, filter)
	if err != nil {
		return nil, err
	}
	rows, err := t.db.QueryContext(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, fmt.Errorf("querying categories: %w", err)
	}
	defer rows.Close()

	out := map[string]*float64{}
	for rows.Next() {
		var label sql.NullString
		var value sql.NullFloat64
		if err := rows.Scan(&label, &value); err != nil {
			return nil, err
		}
		if !label.Valid {
			continue
		}
		if value.Valid {
			v := value.Float64
			out[label.String] = &v
		} else {
			out[label.String] = nil
		}
	}
	return out, rows.Err()
}

// LoadAggregateMinMax implements explore.Transport.
func (t *Transport) LoadAggregateMinMax(ctx context.Context, dt service.DatasetType, strata service.Strata, filter service.Filter) (service.AggregationBounds, error) {
	rel, err := t.relation(dt, strata.SheetName)
	if err != nil {
		return service.AggregationBounds{}, err
	}
	q, err := minMaxStmt(rel, strata, filter)
	if err != nil {
		return service.AggregationBounds{}, err
	}
	var lo, hi sql.NullFloat64
	if err := t.db.QueryRowContext(ctx, q.SQL, q.Args...).Scan(&lo, &hi); err != nil {
		return service.AggregationBounds{}, fmt.Errorf("querying min/max: %w", err)
	}
	return service.AggregationBounds{Min: lo.Float64, Max: hi.Float64}, nil
}

func (t *Transport) relation(dt service.DatasetType, sheet string) (string, error) {
	src, err := t.catalog.Source(dt, sheet)
	if err != nil {
		return "", err
	}
	return relation(src, t.sources.Resolve)
}
