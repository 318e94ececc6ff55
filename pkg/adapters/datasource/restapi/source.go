package restapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/ekaya-inc/purview-connector/pkg/adapters/datasource"
	"github.com/ekaya-inc/purview-connector/pkg/apperrors"
	"github.com/ekaya-inc/purview-connector/pkg/config"
	"github.com/ekaya-inc/purview-connector/pkg/models"
)

// DefaultScope holds operations without tags.
const DefaultScope = "default"

// maxDocumentSize bounds the OpenAPI document read into memory.
const maxDocumentSize = 32 << 20

var httpMethods = []string{"get", "put", "post", "delete", "options", "head", "patch", "trace"}

// Source reads endpoint metadata from an OpenAPI document.
type Source struct {
	config   *Config
	client   *http.Client
	pageSize int
	logger   *zap.Logger

	mu      sync.Mutex
	doc     []byte
	byScope map[string][]datasource.ObjectDescriptor
}

// NewSource creates an API source. client may be nil.
func NewSource(cfg *Config, client *http.Client, params datasource.SourceParams) *Source {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Source{
		config:   cfg,
		client:   client,
		pageSize: params.EffectivePageSize(),
		logger:   params.EffectiveLogger().Named("restapi"),
	}
}

// TestConnection fetches the document and checks it is an OpenAPI or Swagger document.
func (s *Source) TestConnection(ctx context.Context) error {
	return s.load(ctx)
}

// Close releases idle HTTP connections.
func (s *Source) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// load fetches and indexes the document. The Last-Modified header becomes the
// modification marker of every operation.
func (s *Source) load(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, config.ResolveURLForDocker(s.config.SpecURL), nil)
	if err != nil {
		return apperrors.SourceUnreachable("fetch openapi document", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.config.APIKey != "" {
		req.Header.Set(s.config.APIKeyHeader, s.config.APIKey)
	}
	if s.config.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.BearerToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return datasource.ClassifyError("fetch openapi document", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperrors.AuthenticationFailed("fetch openapi document", fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return apperrors.SourceUnreachable("fetch openapi document", fmt.Errorf("status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return apperrors.SourceUnreachable("read openapi document", err)
	}
	if !gjson.ValidBytes(body) {
		return apperrors.SourceUnreachable("parse openapi document", fmt.Errorf("response is not valid JSON"))
	}
	if !gjson.GetBytes(body, "openapi").Exists() && !gjson.GetBytes(body, "swagger").Exists() {
		return apperrors.SourceUnreachable("parse openapi document", fmt.Errorf("missing openapi or swagger version field"))
	}

	var marker time.Time
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			marker = t.UTC()
		} else {
			s.logger.Warn("Ignoring unparseable Last-Modified header", zap.String("value", lm))
		}
	}

	baseURL := s.config.BaseURL
	if baseURL == "" {
		baseURL = strings.TrimRight(documentBaseURL(body), "/")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = body
	s.byScope = indexOperations(body, baseURL, marker)
	return nil
}

// documentBaseURL returns servers[0].url (OpenAPI 3) or scheme://host/basePath (Swagger 2).
func documentBaseURL(doc []byte) string {
	if server := gjson.GetBytes(doc, "servers.0.url"); server.Exists() {
		return server.String()
	}
	host := gjson.GetBytes(doc, "host").String()
	if host == "" {
		return ""
	}
	scheme := gjson.GetBytes(doc, "schemes.0").String()
	if scheme == "" {
		scheme = "https"
	}
	return scheme + "://" + host + gjson.GetBytes(doc, "basePath").String()
}

// indexOperations groups operations by their first tag, sorted by path then method.
func indexOperations(doc []byte, baseURL string, marker time.Time) map[string][]datasource.ObjectDescriptor {
	byScope := make(map[string][]datasource.ObjectDescriptor)

	var paths []string
	gjson.GetBytes(doc, "paths").ForEach(func(key, _ gjson.Result) bool {
		paths = append(paths, key.String())
		return true
	})
	slices.Sort(paths)

	for _, p := range paths {
		item := pathItem(doc, p)
		for _, method := range httpMethods {
			op := item.Get(method)
			if !op.Exists() {
				continue
			}
			scope := op.Get("tags.0").String()
			if scope == "" {
				scope = DefaultScope
			}
			byScope[scope] = append(byScope[scope], datasource.ObjectDescriptor{
				Scope: scope,
				Kind:  models.RecordKindAPIEndpoint,
				Locator: map[string]string{
					models.LocatorBaseURL: baseURL,
					models.LocatorPath:    p,
					models.LocatorMethod:  strings.ToUpper(method),
				},
				ModifiedAt: marker,
			})
		}
	}
	return byScope
}

// pathItem finds a path item by exact key; path keys contain characters that
// are special in gjson paths.
func pathItem(doc []byte, path string) gjson.Result {
	var found gjson.Result
	gjson.GetBytes(doc, "paths").ForEach(func(key, value gjson.Result) bool {
		if key.String() == path {
			found = value
			return false
		}
		return true
	})
	return found
}

func (s *Source) indexed(ctx context.Context) (map[string][]datasource.ObjectDescriptor, error) {
	s.mu.Lock()
	byScope := s.byScope
	s.mu.Unlock()
	if byScope != nil {
		return byScope, nil
	}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byScope, nil
}

// ListScopes refreshes the document and returns operation tags in sorted order.
func (s *Source) ListScopes(ctx context.Context) ([]string, error) {
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	scopes := make([]string, 0, len(s.byScope))
	for scope := range s.byScope {
		scopes = append(scopes, scope)
	}
	slices.Sort(scopes)
	return scopes, nil
}

// ListObjects returns one page of the operations tagged with scope.
func (s *Source) ListObjects(ctx context.Context, scope, pageToken string) (*datasource.ObjectPage, error) {
	byScope, err := s.indexed(ctx)
	if err != nil {
		return nil, err
	}
	items, next, err := datasource.PageSlice(byScope[scope], pageToken, s.pageSize)
	if err != nil {
		return nil, err
	}
	return &datasource.ObjectPage{Objects: items, NextPageToken: next}, nil
}

// ReadObjectDetail returns the operation's id, summary, parameters and response codes.
func (s *Source) ReadObjectDetail(ctx context.Context, obj datasource.ObjectDescriptor) (*datasource.ObjectDetail, error) {
	if _, err := s.indexed(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	doc := s.doc
	s.mu.Unlock()

	path := obj.Locator[models.LocatorPath]
	method := strings.ToLower(obj.Locator[models.LocatorMethod])
	op := pathItem(doc, path).Get(method)
	if !op.Exists() {
		return nil, apperrors.PartialScan(obj.Locator[models.LocatorMethod]+" "+path, fmt.Errorf("operation no longer in document"))
	}

	attributes := map[string]any{
		"method": strings.ToUpper(method),
		"path":   path,
	}
	if v := op.Get("operationId").String(); v != "" {
		attributes["operationId"] = v
	}
	if v := op.Get("summary").String(); v != "" {
		attributes["summary"] = v
	}
	if v := op.Get("description").String(); v != "" {
		attributes["description"] = v
	}
	if op.Get("deprecated").Bool() {
		attributes["deprecated"] = true
	}

	var params []string
	for _, p := range append(pathItem(doc, path).Get("parameters").Array(), op.Get("parameters").Array()...) {
		if name := p.Get("name").String(); name != "" {
			params = append(params, p.Get("in").String()+":"+name)
		}
	}
	if len(params) > 0 {
		attributes["parameters"] = params
	}

	var codes []string
	op.Get("responses").ForEach(func(key, _ gjson.Result) bool {
		codes = append(codes, key.String())
		return true
	})
	if len(codes) > 0 {
		slices.Sort(codes)
		attributes["responseCodes"] = codes
	}

	return &datasource.ObjectDetail{Attributes: attributes}, nil
}

// Ensure Source implements MetadataSource at compile time.
var _ datasource.MetadataSource = (*Source)(nil)
