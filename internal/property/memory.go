package property

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety. Used for
// single-instance deployments and tests; multi-node deployments use the
// Postgres store.
type InMemory struct {
	mu   sync.RWMutex
	recs map[string]*Record
	now  func() time.Time
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		recs: make(map[string]*Record),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemory) Get(ctx context.Context, caseNo string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[caseNo]
	if !ok {
		return Record{}, ErrNotFound
	}
	return copyRecord(rec), nil
}

func (s *InMemory) SetField(ctx context.Context, caseNo, field, value string) (string, error) {
	if strings.TrimSpace(field) == "" {
		return "", ErrInvalidField
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[caseNo]
	if !ok {
		return "", ErrNotFound
	}
	old := rec.Fields[field]
	if rec.Fields == nil {
		rec.Fields = make(map[string]string)
	}
	rec.Fields[field] = value
	rec.UpdatedAt = s.now()
	return old, nil
}

func (s *InMemory) Put(ctx context.Context, rec Record) error {
	if strings.TrimSpace(rec.CaseNo) == "" {
		return ErrInvalidField
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	stored := copyRecord(&rec)
	if existing, ok := s.recs[rec.CaseNo]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.recs[rec.CaseNo] = &stored
	return nil
}

func (s *InMemory) List(ctx context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.recs))
	for _, rec := range s.recs {
		out = append(out, copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CaseNo < out[j].CaseNo })
	return out, nil
}

func copyRecord(rec *Record) Record {
	out := *rec
	out.Fields = make(map[string]string, len(rec.Fields))
	for k, v := range rec.Fields {
		out.Fields[k] = v
	}
	return out
}
