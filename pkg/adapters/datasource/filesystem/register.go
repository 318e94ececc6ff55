package filesystem

import (
	"context"

	"github.com/spf13/afero"

	"github.com/ekaya-inc/purview-connector/pkg/adapters/datasource"
)

func init() {
	datasource.Register(datasource.SourceRegistration{
		Info: datasource.SourceInfo{
			Type:        "filesystem",
			DisplayName: "File System",
			Description: "Local directories and mounted shares (SMB, NFS, OneLake mounts)",
		},
		Factory: func(ctx context.Context, params datasource.SourceParams) (datasource.MetadataSource, error) {
			cfg, err := FromMap(params.Connection)
			if err != nil {
				return nil, err
			}
			src := NewSource(afero.NewReadOnlyFs(afero.NewOsFs()), cfg, params)
			if err := src.TestConnection(ctx); err != nil {
				return nil, err
			}
			return src, nil
		},
	})
}
