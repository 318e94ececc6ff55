package filesystem

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/ekaya-inc/purview-connector/pkg/adapters/datasource"
	"github.com/ekaya-inc/purview-connector/pkg/apperrors"
	"github.com/ekaya-inc/purview-connector/pkg/models"
)

// RootScope is the scope holding the root directory and its immediate files.
const RootScope = "."

// Source reads file and directory metadata from an afero filesystem.
type Source struct {
	fs         afero.Fs
	config     *Config
	host       string
	extensions []string
	recursive  bool
	pageSize   int
	logger     *zap.Logger

	mu     sync.Mutex
	walked map[string][]datasource.ObjectDescriptor
}

// NewSource creates a filesystem source over fsys. Connectivity is checked by TestConnection.
func NewSource(fsys afero.Fs, cfg *Config, params datasource.SourceParams) *Source {
	return &Source{
		fs:         fsys,
		config:     cfg,
		host:       params.HostOr(cfg.Host),
		extensions: datasource.NormalizeExtensions(params.FileExtensions),
		recursive:  params.Recursive,
		pageSize:   params.EffectivePageSize(),
		logger:     params.EffectiveLogger().Named("filesystem"),
		walked:     make(map[string][]datasource.ObjectDescriptor),
	}
}

// TestConnection verifies the root exists and is a directory.
func (s *Source) TestConnection(ctx context.Context) error {
	info, err := s.fs.Stat(s.config.Root)
	if err != nil {
		return datasource.ClassifyError("stat root", err)
	}
	if !info.IsDir() {
		return apperrors.SourceUnreachable("stat root", fmt.Errorf("%s is not a directory", s.config.Root))
	}
	return nil
}

// Close is a no-op; afero filesystems hold no connection.
func (s *Source) Close() error {
	return nil
}

// ListScopes returns the root scope and, when recursive, each immediate sub-directory.
func (s *Source) ListScopes(ctx context.Context) ([]string, error) {
	scopes := []string{RootScope}
	if !s.recursive {
		return scopes, nil
	}

	entries, err := afero.ReadDir(s.fs, s.config.Root)
	if err != nil {
		return nil, datasource.ClassifyError("list root", err)
	}
	for _, entry := range entries {
		if entry.IsDir() && s.visible(entry.Name()) {
			scopes = append(scopes, entry.Name())
		}
	}
	return scopes, nil
}

// ListObjects returns one page of a scope's objects. The first page walks the
// scope and caches the result; later pages slice the cached walk so ordering
// is stable for the rest of the run.
func (s *Source) ListObjects(ctx context.Context, scope, pageToken string) (*datasource.ObjectPage, error) {
	objects, err := s.scopeObjects(ctx, scope, pageToken == "")
	if err != nil {
		return nil, err
	}

	items, next, err := datasource.PageSlice(objects, pageToken, s.pageSize)
	if err != nil {
		return nil, err
	}
	return &datasource.ObjectPage{Objects: items, NextPageToken: next}, nil
}

func (s *Source) scopeObjects(ctx context.Context, scope string, refresh bool) ([]datasource.ObjectDescriptor, error) {
	s.mu.Lock()
	cached, ok := s.walked[scope]
	s.mu.Unlock()
	if ok && !refresh {
		return cached, nil
	}

	var objects []datasource.ObjectDescriptor
	var err error
	if scope == RootScope {
		objects, err = s.listRoot()
	} else {
		objects, err = s.walkScope(ctx, scope)
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.walked[scope] = objects
	s.mu.Unlock()
	return objects, nil
}

// listRoot returns the root directory itself plus its files.
func (s *Source) listRoot() ([]datasource.ObjectDescriptor, error) {
	info, err := s.fs.Stat(s.config.Root)
	if err != nil {
		return nil, datasource.ClassifyError("list root", err)
	}
	objects := []datasource.ObjectDescriptor{s.descriptor(RootScope, RootScope, info)}

	entries, err := afero.ReadDir(s.fs, s.config.Root)
	if err != nil {
		return nil, datasource.ClassifyError("list root", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !s.visible(entry.Name()) || !s.matchesExtension(entry.Name()) {
			continue
		}
		objects = append(objects, s.descriptor(RootScope, entry.Name(), entry))
	}
	return objects, nil
}

// walkScope walks one top-level sub-directory in lexical order.
func (s *Source) walkScope(ctx context.Context, scope string) ([]datasource.ObjectDescriptor, error) {
	start := filepath.Join(s.config.Root, scope)
	var objects []datasource.ObjectDescriptor

	err := afero.Walk(s.fs, start, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			// Unreadable sub-trees are skipped, not fatal.
			s.logger.Warn("Skipping unreadable path", zap.String("path", p), zap.Error(err))
			if info != nil && info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !s.visible(info.Name()) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.IsDir() && !s.matchesExtension(info.Name()) {
			return nil
		}

		rel, relErr := filepath.Rel(s.config.Root, p)
		if relErr != nil {
			return relErr
		}
		objects = append(objects, s.descriptor(scope, filepath.ToSlash(rel), info))
		return nil
	})
	if err != nil {
		return nil, datasource.ClassifyError("walk "+scope, err)
	}
	return objects, nil
}

func (s *Source) descriptor(scope, rel string, info fs.FileInfo) datasource.ObjectDescriptor {
	kind := models.RecordKindFile
	if info.IsDir() {
		kind = models.RecordKindDirectory
	}
	return datasource.ObjectDescriptor{
		Scope: scope,
		Kind:  kind,
		Locator: map[string]string{
			models.LocatorHost: s.host,
			models.LocatorRoot: filepath.ToSlash(s.config.Root),
			models.LocatorPath: rel,
		},
		ModifiedAt: info.ModTime().UTC(),
	}
}

// ReadObjectDetail stats the object again and reports its size, extension and mode.
func (s *Source) ReadObjectDetail(ctx context.Context, obj datasource.ObjectDescriptor) (*datasource.ObjectDetail, error) {
	rel := obj.Locator[models.LocatorPath]
	full := filepath.Join(s.config.Root, filepath.FromSlash(rel))

	info, err := s.fs.Stat(full)
	if err != nil {
		return nil, apperrors.PartialScan("stat "+rel, err)
	}

	attributes := map[string]any{
		"path":         filepath.ToSlash(full),
		"modifiedTime": info.ModTime().UTC().UnixMilli(),
		"mode":         info.Mode().String(),
	}
	if !info.IsDir() {
		attributes["fileSize"] = info.Size()
		attributes["fileExtension"] = strings.ToLower(path.Ext(info.Name()))
	}

	return &datasource.ObjectDetail{Attributes: attributes}, nil
}

func (s *Source) visible(name string) bool {
	return s.config.FollowHidden || !strings.HasPrefix(name, ".")
}

func (s *Source) matchesExtension(name string) bool {
	if len(s.extensions) == 0 {
		return true
	}
	return slices.Contains(s.extensions, strings.ToLower(path.Ext(name)))
}

// Ensure Source implements MetadataSource at compile time.
var _ datasource.MetadataSource = (*Source)(nil)
