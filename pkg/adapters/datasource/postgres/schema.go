package postgres

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/ekaya-inc/purview-connector/pkg/adapters/datasource"
	"github.com/ekaya-inc/purview-connector/pkg/apperrors"
	"github.com/ekaya-inc/purview-connector/pkg/models"
)

const listSchemasQuery = `
		SELECT DISTINCT table_schema
		FROM information_schema.tables
		WHERE table_schema NOT IN ('pg_catalog', 'information_schema')
		  AND table_schema NOT LIKE 'pg_%'
		  AND table_type IN ('BASE TABLE', 'VIEW')
		ORDER BY table_schema
	`

const listObjectsQuery = `
		SELECT table_name, table_type
		FROM information_schema.tables
		WHERE table_schema = $1
		  AND table_type IN ('BASE TABLE', 'VIEW')
		ORDER BY table_name
		LIMIT $2 OFFSET $3
	`

const columnsQuery = `
		SELECT
			c.column_name,
			c.data_type,
			c.is_nullable = 'YES' as is_nullable,
			COALESCE(pk.is_pk, false) as is_primary_key,
			c.ordinal_position
		FROM information_schema.columns c
		LEFT JOIN (
			-- pg_index.indisprimary also detects PKs created as unique indexes
			SELECT a.attname as column_name, true as is_pk
			FROM pg_index ix
			JOIN pg_class t ON t.oid = ix.indrelid
			JOIN pg_namespace n ON n.oid = t.relnamespace
			JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
			WHERE ix.indisprimary = true
			  AND n.nspname = $1
			  AND t.relname = $2
		) pk ON c.column_name = pk.column_name
		WHERE c.table_schema = $1 AND c.table_name = $2
		ORDER BY c.ordinal_position
	`

// rowEstimateQuery reads the planner's row estimate; exact counts would scan the table.
const rowEstimateQuery = `
		SELECT GREATEST(c.reltuples, 0)::bigint
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relname = $2
	`

// ListScopes returns user schemas containing tables or views.
func (s *Source) ListScopes(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, listSchemasQuery)
	if err != nil {
		return nil, datasource.ClassifyError("list schemas", fmt.Errorf("query schemas: %w", err))
	}
	defer rows.Close()

	var schemas []string
	for rows.Next() {
		var schema string
		if err := rows.Scan(&schema); err != nil {
			return nil, datasource.ClassifyError("list schemas", fmt.Errorf("scan schema: %w", err))
		}
		if len(s.config.Schemas) > 0 && !slices.Contains(s.config.Schemas, schema) {
			continue
		}
		schemas = append(schemas, schema)
	}

	if err := rows.Err(); err != nil {
		return nil, datasource.ClassifyError("list schemas", fmt.Errorf("iterate schemas: %w", err))
	}

	return schemas, nil
}

// ListObjects returns one page of tables and views in a schema.
// PostgreSQL keeps no DDL modification timestamp, so descriptors carry no
// marker and incremental runs always include them.
func (s *Source) ListObjects(ctx context.Context, scope, pageToken string) (*datasource.ObjectPage, error) {
	offset, err := datasource.ParseOffsetToken(pageToken)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, listObjectsQuery, scope, s.pageSize+1, offset)
	if err != nil {
		return nil, datasource.ClassifyError("list tables in "+scope, fmt.Errorf("query tables: %w", err))
	}
	defer rows.Close()

	page := &datasource.ObjectPage{}
	for rows.Next() {
		var name, tableType string
		if err := rows.Scan(&name, &tableType); err != nil {
			return nil, datasource.ClassifyError("list tables in "+scope, fmt.Errorf("scan table: %w", err))
		}
		if len(page.Objects) == s.pageSize {
			page.NextPageToken = datasource.OffsetToken(offset + s.pageSize)
			break
		}

		kind := models.RecordKindTable
		if tableType == "VIEW" {
			kind = models.RecordKindView
		}
		page.Objects = append(page.Objects, datasource.ObjectDescriptor{
			Scope: scope,
			Kind:  kind,
			Locator: map[string]string{
				models.LocatorHost:     s.host,
				models.LocatorDatabase: s.config.Database,
				models.LocatorSchema:   scope,
				models.LocatorTable:    name,
			},
		})
	}

	if err := rows.Err(); err != nil {
		return nil, datasource.ClassifyError("list tables in "+scope, fmt.Errorf("iterate tables: %w", err))
	}

	return page, nil
}

// ReadObjectDetail returns the columns and estimated row count of a table or view.
func (s *Source) ReadObjectDetail(ctx context.Context, obj datasource.ObjectDescriptor) (*datasource.ObjectDetail, error) {
	schema := obj.Locator[models.LocatorSchema]
	table := obj.Locator[models.LocatorTable]
	where := fmt.Sprintf("read %s.%s", schema, table)

	rows, err := s.pool.Query(ctx, columnsQuery, schema, table)
	if err != nil {
		return nil, apperrors.PartialScan(where, fmt.Errorf("query columns: %w", err))
	}
	defer rows.Close()

	var columns []models.RawColumn
	for rows.Next() {
		var c models.RawColumn
		if err := rows.Scan(&c.Name, &c.DataType, &c.IsNullable, &c.IsPrimaryKey, &c.OrdinalPosition); err != nil {
			return nil, apperrors.PartialScan(where, fmt.Errorf("scan column: %w", err))
		}
		columns = append(columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.PartialScan(where, fmt.Errorf("iterate columns: %w", err))
	}

	attributes := map[string]any{
		"objectType": string(obj.Kind),
	}
	if obj.Kind == models.RecordKindTable {
		var estimate int64
		if err := s.pool.QueryRow(ctx, rowEstimateQuery, schema, table).Scan(&estimate); err != nil {
			s.logger.Warn("Failed to read row estimate",
				zap.String("schema", schema),
				zap.String("table", table),
				zap.Error(err))
		} else {
			attributes["rowCount"] = estimate
		}
	}

	return &datasource.ObjectDetail{
		Attributes: attributes,
		Columns:    columns,
	}, nil
}
