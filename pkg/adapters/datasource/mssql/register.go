package mssql

import (
	"context"

	"github.com/ekaya-inc/purview-connector/pkg/adapters/datasource"
)

func init() {
	datasource.Register(datasource.SourceRegistration{
		Info: datasource.SourceInfo{
			Type:        "mssql",
			DisplayName: "Microsoft SQL Server",
			Description: "SQL Server 2019+, Azure SQL Database, Fabric SQL endpoints",
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
