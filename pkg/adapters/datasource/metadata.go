package datasource

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// DefaultPageSize is used when SourceParams.PageSize is not positive.
const DefaultPageSize = 500

// SourceParams carries everything an adapter factory needs to open a source.
type SourceParams struct {
	SourceID string
	// Connection holds type-specific parameters with secrets already resolved.
	Connection map[string]any
	PageSize   int

	// FileExtensions limits filesystem sources to matching files (case-insensitive,
	// leading dot optional). Empty means all files.
	FileExtensions []string
	Recursive      bool

	// HostAlias replaces the host coordinate reported in locators.
	HostAlias string

	Logger *zap.Logger
}

// EffectivePageSize returns PageSize or DefaultPageSize.
func (p SourceParams) EffectivePageSize() int {
	if p.PageSize <= 0 {
		return DefaultPageSize
	}
	return p.PageSize
}

// EffectiveLogger returns Logger or a no-op logger.
func (p SourceParams) EffectiveLogger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

// HostOr returns HostAlias when set, otherwise host.
func (p SourceParams) HostOr(host string) string {
	if p.HostAlias != "" {
		return p.HostAlias
	}
	return host
}

// StringParam returns the first non-empty string value among keys.
func StringParam(config map[string]any, keys ...string) (string, bool) {
	for _, key := range keys {
		if v, ok := config[key].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// IntParam reads an integer that may have been decoded from YAML (int) or JSON (float64)
// or supplied as a string.
func IntParam(config map[string]any, key string) (int, bool, error) {
	switch v := config[key].(type) {
	case nil:
		return 0, false, nil
	case int:
		return v, true, nil
	case int64:
		return int(v), true, nil
	case float64:
		return int(v), true, nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false, fmt.Errorf("%s must be an integer: %w", key, err)
		}
		return n, true, nil
	default:
		return 0, false, fmt.Errorf("%s must be an integer, got %T", key, v)
	}
}

// BoolParam reads a boolean supplied as a bool or a string.
func BoolParam(config map[string]any, key string) (bool, bool) {
	switch v := config[key].(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, false
		}
		return b, true
	default:
		return false, false
	}
}

// NormalizeExtensions lower-cases extensions and ensures a leading dot.
func NormalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out = append(out, ext)
	}
	return out
}
