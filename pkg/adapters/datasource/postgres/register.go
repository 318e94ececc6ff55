package postgres

import (
	"context"

	"github.com/ekaya-inc/purview-connector/pkg/adapters/datasource"
)

func init() {
	datasource.Register(datasource.SourceRegistration{
		Info: datasource.SourceInfo{
			Type:        "postgres",
			DisplayName: "PostgreSQL",
			Description: "PostgreSQL 12+, Azure Database for PostgreSQL",
		},
		Factory: func(ctx context.Context, params datasource.SourceParams) (datasource.MetadataSource, error) {
			cfg, err := FromMap(params.Connection)
			if err != nil {
				return nil, err
			}
			return NewSource(ctx, cfg, params)
		},
	})
}
