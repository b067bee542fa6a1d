// Package memory is an in-process implementation of the repository ports.
// It backs unit tests and cost-free local runs; all state is lost on exit.
package memory

import (
	"context"
	"sync"

	"chat-insights-batch/internal/domain/model"
	"chat-insights-batch/internal/domain/ports/repository"

	"github.com/jackc/pgx/v4"
)

// Store holds every table behind one mutex. A transaction holds the mutex for
// its whole duration and restores a snapshot when fn fails.
type Store struct {
	mu       sync.Mutex
	requests map[string]*model.ProcessingRequest
	batches  map[string]*model.BatchJob
	sessions map[string]*model.ChatSession
	tenants  map[string]*model.Tenant
}

func NewStore() *Store {
	return &Store{
		requests: make(map[string]*model.ProcessingRequest),
		batches:  make(map[string]*model.BatchJob),
		sessions: make(map[string]*model.ChatSession),
		tenants:  make(map[string]*model.Tenant),
	}
}

// memTx marks a call made inside WithTx; the store lock is already held.
type memTx struct{ s *Store }

func (s *Store) lock(tx repository.Tx) func() {
	if t, ok := tx.(*memTx); ok && t.s == s {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

var _ repository.TransactionManager = (*Store)(nil)

// WithTx runs fn atomically. Isolation is serializable: concurrent callers wait.
func (s *Store) WithTx(ctx context.Context, _ pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(ctx, &memTx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type snapshot struct {
	requests map[string]*model.ProcessingRequest
	batches  map[string]*model.BatchJob
	sessions map[string]*model.ChatSession
	tenants  map[string]*model.Tenant
}

func (s *Store) snapshot() snapshot {
	snap := snapshot{
		requests: make(map[string]*model.ProcessingRequest, len(s.requests)),
		batches:  make(map[string]*model.BatchJob, len(s.batches)),
		sessions: make(map[string]*model.ChatSession, len(s.sessions)),
		tenants:  make(map[string]*model.Tenant, len(s.tenants)),
	}
	for k, v := range s.requests {
		snap.requests[k] = cloneRequest(v)
	}
	for k, v := range s.batches {
		snap.batches[k] = cloneBatch(v)
	}
	for k, v := range s.sessions {
		snap.sessions[k] = cloneSession(v)
	}
	for k, v := range s.tenants {
		t := *v
		snap.tenants[k] = &t
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.requests = snap.requests
	s.batches = snap.batches
	s.sessions = snap.sessions
	s.tenants = snap.tenants
}

// Repositories returned below share the store.

func (s *Store) Requests() *RequestRepo { return &RequestRepo{s: s} }
func (s *Store) Batches() *BatchRepo    { return &BatchRepo{s: s} }
func (s *Store) Sessions() *SessionRepo { return &SessionRepo{s: s} }
func (s *Store) Tenants() *TenantRepo   { return &TenantRepo{s: s} }

func strPtr(v string) *string { return &v }

func cloneRequest(r *model.ProcessingRequest) *model.ProcessingRequest {
	c := *r
	if r.BatchID != nil {
		c.BatchID = strPtr(*r.BatchID)
	}
	if r.Usage != nil {
		u := *r.Usage
		c.Usage = &u
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	if r.ClaimedAt != nil {
		t := *r.ClaimedAt
		c.ClaimedAt = &t
	}
	return &c
}

func cloneBatch(b *model.BatchJob) *model.BatchJob {
	c := *b
	if b.OutputFileID != nil {
		c.OutputFileID = strPtr(*b.OutputFileID)
	}
	if b.ErrorFileID != nil {
		c.ErrorFileID = strPtr(*b.ErrorFileID)
	}
	if b.CompletedAt != nil {
		t := *b.CompletedAt
		c.CompletedAt = &t
	}
	if b.ProcessedAt != nil {
		t := *b.ProcessedAt
		c.ProcessedAt = &t
	}
	c.RequestIDs = append([]string(nil), b.RequestIDs...)
	return &c
}

func cloneSession(s *model.ChatSession) *model.ChatSession {
	c := *s
	c.Messages = append([]model.ChatMessage(nil), s.Messages...)
	if s.Analysis != nil {
		a := *s.Analysis
		a.Questions = append([]string(nil), s.Analysis.Questions...)
		c.Analysis = &a
	}
	if s.AnalyzedAt != nil {
		t := *s.AnalyzedAt
		c.AnalyzedAt = &t
	}
	return &c
}
