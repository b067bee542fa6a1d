package resilience

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Operation names with their own breaker.
const (
	OpUpload     = "upload"
	OpCreation   = "creation"
	OpStatus     = "status"
	OpDownload   = "download"
	OpIndividual = "individual"
)

var ProviderOperations = []string{OpUpload, OpCreation, OpStatus, OpDownload, OpIndividual}

// Registry owns one breaker per operation name and the shared retrier.
// Each call is composed as retry(breaker(op)).
type Registry struct {
	cfg     BreakerConfig
	log     *zerolog.Logger
	retrier *Retrier
	now     func() time.Time
	hook    func(name string, s State)

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

func NewRegistry(bcfg BreakerConfig, retrier *Retrier, logger *zerolog.Logger) *Registry {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if retrier == nil {
		retrier = NewRetrier(DefaultRetryConfig(), logger)
	}
	return &Registry{
		cfg:      bcfg,
		log:      logger,
		retrier:  retrier,
		now:      time.Now,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// WithClock sets the time source for breakers created after the call.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// OnStateChange is attached to every breaker, current and future.
func (r *Registry) OnStateChange(fn func(name string, s State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = fn
	for _, b := range r.breakers {
		b.OnStateChange(fn)
	}
}

func (r *Registry) Breaker(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewCircuitBreaker(name, r.cfg, r.log).WithClock(r.now)
	if r.hook != nil {
		b.OnStateChange(r.hook)
	}
	r.breakers[name] = b
	return b
}

// Call runs op through the retrier with each attempt guarded by the named breaker.
func (r *Registry) Call(ctx context.Context, name string, op func(ctx context.Context) error) error {
	b := r.Breaker(name)
	return r.retrier.Do(ctx, name, func(ctx context.Context) error {
		return b.Execute(ctx, op)
	})
}

// Snapshots lists every known breaker ordered by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	bs := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		bs = append(bs, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
