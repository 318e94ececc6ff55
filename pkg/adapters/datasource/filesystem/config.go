package filesystem

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ekaya-inc/purview-connector/pkg/adapters/datasource"
)

// Config contains filesystem source options.
type Config struct {
	// Root is the absolute directory scanned. Qualified names are built from it.
	Root string
	// Host identifies the machine or share in qualified names.
	Host string
	// FollowHidden includes dot-files and dot-directories.
	FollowHidden bool
}

// FromMap creates a Config from a connection parameter map.
func FromMap(config map[string]any) (*Config, error) {
	root, ok := datasource.StringParam(config, "root", "path")
	if !ok {
		return nil, fmt.Errorf("root is required")
	}

	// A relative root would make qualified names depend on the working directory.
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %q: %w", root, err)
	}
	cfg := &Config{Root: abs}

	if host, ok := datasource.StringParam(config, "host"); ok {
		cfg.Host = host
	} else if hostname, err := os.Hostname(); err == nil && hostname != "" {
		cfg.Host = hostname
	} else {
		cfg.Host = "localhost"
	}

	if hidden, ok := datasource.BoolParam(config, "include_hidden"); ok {
		cfg.FollowHidden = hidden
	}

	return cfg, nil
}
