package restapi

import (
	"context"

	"github.com/ekaya-inc/purview-connector/pkg/adapters/datasource"
)

func init() {
	datasource.Register(datasource.SourceRegistration{
		Info: datasource.SourceInfo{
			Type:        "api",
			DisplayName: "REST API",
			Description: "HTTP APIs described by an OpenAPI 3 or Swagger 2 document",
		},
		Factory: func(ctx context.Context, params datasource.SourceParams) (datasource.MetadataSource, error) {
			cfg, err := FromMap(params.Connection)
			if err != nil {
				return nil, err
			}
			src := NewSource(cfg, nil, params)
			if err := src.TestConnection(ctx); err != nil {
				return nil, err
			}
			return src, nil
		},
	})
}
