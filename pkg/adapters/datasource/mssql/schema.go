package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/purview-connector/pkg/adapters/datasource"
	"github.com/ekaya-inc/purview-connector/pkg/apperrors"
	"github.com/ekaya-inc/purview-connector/pkg/models"
)

const listSchemasQuery = `
	SET NOCOUNT ON;
	SELECT DISTINCT SCHEMA_NAME(o.schema_id) AS schema_name
	FROM sys.objects o
	WHERE o.type IN ('U', 'V')
	  AND o.is_ms_shipped = 0
	ORDER BY schema_name
	`

// listObjectsQuery pages one schema's tables and views by name.
// modify_date changes on any DDL against the object. It is stored in server
// local time, so it is shifted to UTC by the server's current offset before
// it is compared with the watermark.
const listObjectsQuery = `
	SET NOCOUNT ON;
	SELECT
	    o.name AS object_name,
	    o.type AS object_type,
	    SWITCHOFFSET(TODATETIMEOFFSET(o.modify_date, DATEPART(TZOFFSET, SYSDATETIMEOFFSET())), '+00:00') AS modify_date_utc
	FROM sys.objects o
	WHERE o.type IN ('U', 'V')
	  AND o.is_ms_shipped = 0
	  AND SCHEMA_NAME(o.schema_id) = @schema
	ORDER BY o.name
	OFFSET @offset ROWS FETCH NEXT @limit ROWS ONLY
	`

const columnsQuery = `
	SET NOCOUNT ON;
	SELECT
	    c.name AS column_name,
	    tp.name AS data_type,
	    CASE WHEN c.is_nullable = 1 THEN 1 ELSE 0 END AS is_nullable,
	    c.column_id AS ordinal_position,
	    CASE WHEN pk.column_id IS NOT NULL THEN 1 ELSE 0 END AS is_primary_key
	FROM sys.columns c
	INNER JOIN sys.types tp ON c.user_type_id = tp.user_type_id
	LEFT JOIN (
	    SELECT ic.object_id, ic.column_id
	    FROM sys.index_columns ic
	    INNER JOIN sys.indexes i ON ic.object_id = i.object_id AND ic.index_id = i.index_id
	    WHERE i.is_primary_key = 1
	) pk ON c.object_id = pk.object_id AND c.column_id = pk.column_id
	WHERE c.object_id = OBJECT_ID(QUOTENAME(@schema) + N'.' + QUOTENAME(@table))
	ORDER BY c.column_id
	`

const rowCountQuery = `
	SET NOCOUNT ON;
	SELECT COALESCE(SUM(p.rows), 0) AS row_count
	FROM sys.partitions p
	WHERE p.object_id = OBJECT_ID(QUOTENAME(@schema) + N'.' + QUOTENAME(@table))
	  AND p.index_id IN (0, 1)  -- Heap or clustered index
	`

// ListScopes returns the schemas that contain user tables or views.
func (s *Source) ListScopes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, listSchemasQuery)
	if err != nil {
		return nil, datasource.ClassifyError("list schemas", fmt.Errorf("query schemas: %w", err))
	}
	defer rows.Close()

	var schemas []string
	for rows.Next() {
		var schema string
		if err := rows.Scan(&schema); err != nil {
			return nil, datasource.ClassifyError("list schemas", fmt.Errorf("scan schema row: %w", err))
		}
		schemas = append(schemas, schema)
	}

	if err := rows.Err(); err != nil {
		return nil, datasource.ClassifyError("list schemas", fmt.Errorf("iterate schema rows: %w", err))
	}

	return schemas, nil
}

// ListObjects returns one page of tables and views in a schema.
func (s *Source) ListObjects(ctx context.Context, scope, pageToken string) (*datasource.ObjectPage, error) {
	offset, err := datasource.ParseOffsetToken(pageToken)
	if err != nil {
		return nil, err
	}

	// Fetch one extra row to learn whether another page exists.
	rows, err := s.db.QueryContext(ctx, listObjectsQuery,
		sql.Named("schema", scope),
		sql.Named("offset", offset),
		sql.Named("limit", s.pageSize+1),
	)
	if err != nil {
		return nil, datasource.ClassifyError("list tables in "+scope, fmt.Errorf("query tables: %w", err))
	}
	defer rows.Close()

	page := &datasource.ObjectPage{}
	for rows.Next() {
		var name, objectType string
		var modified time.Time
		if err := rows.Scan(&name, &objectType, &modified); err != nil {
			return nil, datasource.ClassifyError("list tables in "+scope, fmt.Errorf("scan table row: %w", err))
		}
		if len(page.Objects) == s.pageSize {
			page.NextPageToken = datasource.OffsetToken(offset + s.pageSize)
			break
		}

		kind := models.RecordKindTable
		if strings.TrimSpace(objectType) == "V" {
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
			ModifiedAt: modified.UTC(),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, datasource.ClassifyError("list tables in "+scope, fmt.Errorf("iterate table rows: %w", err))
	}

	return page, nil
}

// ReadObjectDetail returns the columns and row count of a table or view.
// Failures are reported as partial-scan errors for that object only.
func (s *Source) ReadObjectDetail(ctx context.Context, obj datasource.ObjectDescriptor) (*datasource.ObjectDetail, error) {
	schema := obj.Locator[models.LocatorSchema]
	table := obj.Locator[models.LocatorTable]
	where := fmt.Sprintf("read %s.%s", schema, table)

	rows, err := s.db.QueryContext(ctx, columnsQuery,
		sql.Named("schema", schema),
		sql.Named("table", table),
	)
	if err != nil {
		return nil, apperrors.PartialScan(where, fmt.Errorf("query columns: %w", err))
	}
	defer rows.Close()

	var columns []models.RawColumn
	for rows.Next() {
		var col models.RawColumn
		var isNullable, isPrimary int
		if err := rows.Scan(&col.Name, &col.DataType, &isNullable, &col.OrdinalPosition, &isPrimary); err != nil {
			return nil, apperrors.PartialScan(where, fmt.Errorf("scan column row: %w", err))
		}
		col.IsNullable = isNullable == 1
		col.IsPrimaryKey = isPrimary == 1
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.PartialScan(where, fmt.Errorf("iterate column rows: %w", err))
	}

	attributes := map[string]any{
		"objectType": string(obj.Kind),
	}

	if obj.Kind == models.RecordKindTable {
		var rowCount int64
		err := s.db.QueryRowContext(ctx, rowCountQuery,
			sql.Named("schema", schema),
			sql.Named("table", table),
		).Scan(&rowCount)
		if err != nil {
			// Row count is informational; keep the columns.
			s.logger.Warn("Failed to read row count",
				zap.String("schema", schema),
				zap.String("table", table),
				zap.Error(err))
		} else {
			attributes["rowCount"] = rowCount
		}
	}

	return &datasource.ObjectDetail{
		Attributes: attributes,
		Columns:    columns,
	}, nil
}
