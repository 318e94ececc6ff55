package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ekaya-inc/purview-connector/pkg/adapters/datasource"
	"github.com/ekaya-inc/purview-connector/pkg/catalog"
	"github.com/ekaya-inc/purview-connector/pkg/models"
	"github.com/ekaya-inc/purview-connector/pkg/retry"
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// noSleepPolicy retries immediately so tests never wait on backoff.
func noSleepPolicy(attempts int, slept *[]time.Duration) *retry.Policy {
	var mu sync.Mutex
	return &retry.Policy{
		MaxAttempts: attempts,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		Multiplier:  2,
		Sleep: func(ctx context.Context, d time.Duration) error {
			if slept != nil {
				mu.Lock()
				*slept = append(*slept, d)
				mu.Unlock()
			}
			return ctx.Err()
		},
	}
}

// fakeSource is an in-memory relational source. Objects are listed per scope
// in the order they were added.
type fakeSource struct {
	mu       sync.Mutex
	pageSize int
	scopes   []string
	objects  map[string][]datasource.ObjectDescriptor
	columns  map[string][]models.RawColumn

	listErr   error
	scopesErr error
	// detailErr fails ReadObjectDetail for the named table.
	detailErr map[string]error
	// listFailures fails the first n ListObjects calls with listFailErr.
	listFailures int
	listFailErr  error
	// onDetail runs before each detail read.
	onDetail func(ctx context.Context, obj datasource.ObjectDescriptor)

	listCalls int
	closed    bool
}

func newFakeSource(pageSize int) *fakeSource {
	return &fakeSource{
		pageSize:  pageSize,
		objects:   make(map[string][]datasource.ObjectDescriptor),
		columns:   make(map[string][]models.RawColumn),
		detailErr: make(map[string]error),
	}
}

// addTable registers schema.table with the given modification time and columns.
func (s *fakeSource) addTable(schema, table string, modified time.Time, cols ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[schema]; !ok {
		s.scopes = append(s.scopes, schema)
	}
	s.objects[schema] = append(s.objects[schema], datasource.ObjectDescriptor{
		Scope: schema,
		Kind:  models.RecordKindTable,
		Locator: map[string]string{
			models.LocatorHost:     "db.example.com",
			models.LocatorDatabase: "sales",
			models.LocatorSchema:   schema,
			models.LocatorTable:    table,
		},
		ModifiedAt: modified,
	})
	var rc []models.RawColumn
	for i, c := range cols {
		rc = append(rc, models.RawColumn{Name: c, DataType: "int", OrdinalPosition: i + 1})
	}
	s.columns[schema+"."+table] = rc
}

// touch moves the modification time of schema.table.
func (s *fakeSource) touch(schema, table string, modified time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, o := range s.objects[schema] {
		if o.Locator[models.LocatorTable] == table {
			s.objects[schema][i].ModifiedAt = modified
		}
	}
}

func (s *fakeSource) TestConnection(ctx context.Context) error { return nil }

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSource) ListScopes(ctx context.Context) ([]string, error) {
	if s.scopesErr != nil {
		return nil, s.scopesErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.scopes...), nil
}

func (s *fakeSource) ListObjects(ctx context.Context, scope, token string) (*datasource.ObjectPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.listCalls++
	if s.listFailures > 0 {
		s.listFailures--
		s.mu.Unlock()
		return nil, s.listFailErr
	}
	objs := append([]datasource.ObjectDescriptor(nil), s.objects[scope]...)
	s.mu.Unlock()

	if s.listErr != nil {
		return nil, s.listErr
	}
	page, next, err := datasource.PageSlice(objs, token, s.pageSize)
	if err != nil {
		return nil, err
	}
	return &datasource.ObjectPage{Objects: page, NextPageToken: next}, nil
}

func (s *fakeSource) ReadObjectDetail(ctx context.Context, obj datasource.ObjectDescriptor) (*datasource.ObjectDetail, error) {
	if s.onDetail != nil {
		s.onDetail(ctx, obj)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := obj.Locator[models.LocatorSchema] + "." + obj.Locator[models.LocatorTable]
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.detailErr[obj.Locator[models.LocatorTable]]; err != nil {
		return nil, err
	}
	return &datasource.ObjectDetail{
		Attributes: map[string]any{"rowCount": int64(10)},
		Columns:    s.columns[key],
	}, nil
}

// fakeFactory hands out one prepared source.
type fakeFactory struct {
	source  datasource.MetadataSource
	err     error
	params  datasource.SourceParams
	created int
}

func (f *fakeFactory) NewSource(ctx context.Context, sourceType string, params datasource.SourceParams) (datasource.MetadataSource, error) {
	f.params = params
	if f.err != nil {
		return nil, f.err
	}
	f.created++
	return f.source, nil
}

func (f *fakeFactory) ListTypes() []datasource.SourceInfo { return nil }

// memoryStore is a checkpoint store for tests.
type memoryStore struct {
	mu        sync.Mutex
	marks     map[string]time.Time
	commits   int
	loadErr   error
	commitErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{marks: make(map[string]time.Time)}
}

func (s *memoryStore) Load(ctx context.Context, sourceID string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	ts, ok := s.marks[sourceID]
	if !ok {
		return nil, nil
	}
	return &ts, nil
}

func (s *memoryStore) Commit(ctx context.Context, sourceID string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		return s.commitErr
	}
	s.commits++
	if prev, ok := s.marks[sourceID]; ok && ts.Before(prev) {
		return nil
	}
	s.marks[sourceID] = ts
	return nil
}

func (s *memoryStore) Reset(ctx context.Context, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.marks, sourceID)
	return nil
}

func (s *memoryStore) List(ctx context.Context) ([]models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Checkpoint
	for id, ts := range s.marks {
		out = append(out, models.Checkpoint{SourceID: id, LastScanTimestamp: ts})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out, nil
}

func (s *memoryStore) get(sourceID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.marks[sourceID]
	return ts, ok
}

// scriptedCatalog wraps a MemoryCatalog and fails calls according to a script.
type scriptedCatalog struct {
	*catalog.MemoryCatalog

	mu sync.Mutex
	// upsertErrs is consumed one entry per BulkUpsert call; nil entries pass through.
	upsertErrs []error
	// failQN fails every batch containing the qualified name.
	failQN   map[string]error
	typeErr  error
	block    chan struct{}
	batches  [][]string
	typeHits int
}

func newScriptedCatalog() *scriptedCatalog {
	return &scriptedCatalog{MemoryCatalog: catalog.NewMemoryCatalog(), failQN: map[string]error{}}
}

func (c *scriptedCatalog) BulkUpsert(ctx context.Context, entities []models.Entity) ([]catalog.EntityResult, error) {
	c.mu.Lock()
	names := make([]string, len(entities))
	for i, e := range entities {
		names[i] = e.QualifiedName
	}
	c.batches = append(c.batches, names)
	var err error
	if len(c.upsertErrs) > 0 {
		err, c.upsertErrs = c.upsertErrs[0], c.upsertErrs[1:]
	}
	for _, e := range entities {
		if qnErr, ok := c.failQN[e.QualifiedName]; ok && err == nil {
			err = qnErr
		}
	}
	block := c.block
	c.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return c.MemoryCatalog.BulkUpsert(ctx, entities)
}

func (c *scriptedCatalog) TypeExists(ctx context.Context, typeName string) (bool, error) {
	c.mu.Lock()
	c.typeHits++
	err := c.typeErr
	c.mu.Unlock()
	if err != nil {
		return false, err
	}
	return c.MemoryCatalog.TypeExists(ctx, typeName)
}

func (c *scriptedCatalog) batchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

// tableEntities builds n valid table entities.
func tableEntities(n int) []models.Entity {
	out := make([]models.Entity, n)
	for i := range out {
		name := fmt.Sprintf("t%d", i+1)
		out[i] = models.Entity{
			TypeName:      models.EntityTypeTable,
			QualifiedName: "sqlserver://db.example.com/sales/dbo/" + name,
			Attributes:    map[string]any{models.AttrName: name},
		}
	}
	return out
}

var errBoom = errors.New("boom")
