package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chat-insights-batch/internal/domain"
	"chat-insights-batch/internal/domain/ports/adapter"
	"chat-insights-batch/internal/infra/metrics"
	"chat-insights-batch/internal/infra/resilience"
	"chat-insights-batch/internal/usecase"

	"github.com/rs/zerolog"
)

// Runner executes one tick of a named cadence.
type Runner interface {
	RunCadence(ctx context.Context, cadence string) error
}

type BreakerSource interface {
	Snapshots() []resilience.Snapshot
}

type StaleCounter interface {
	StaleBatches(ctx context.Context) (int, error)
}

type CadenceSpec struct {
	Name     string
	Interval time.Duration
}

type Config struct {
	Cadences             []CadenceSpec
	MaxConsecutiveErrors int
	ErrorPause           time.Duration
	TickTimeout          time.Duration
}

type Deps struct {
	Runner   Runner
	Breakers BreakerSource
	Stale    StaleCounter
	Creator  usecase.BatchCreatorUseCase
	Alerter  adapter.Alerter
	Clock    Clock
}

type CadenceStatus struct {
	Name        string     `json:"name"`
	Interval    string     `json:"interval"`
	Running     bool       `json:"running"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	Runs        int        `json:"runs"`
	Failures    int        `json:"failures"`
}

type Status struct {
	Started           bool                  `json:"started"`
	Paused            bool                  `json:"paused"`
	PausedUntil       *time.Time            `json:"paused_until,omitempty"`
	ConsecutiveErrors int                   `json:"consecutive_errors"`
	Cadences          []CadenceStatus       `json:"cadences"`
	Breakers          []resilience.Snapshot `json:"breakers"`
	StaleBatches      int                   `json:"stale_batches"`
}

type cadenceState struct {
	spec        CadenceSpec
	running     bool
	lastRun     time.Time
	lastSuccess time.Time
	lastError   string
	runs        int
	failures    int
}

// state is everything the scheduler knows between ticks. It is process-local
// and guarded by Scheduler.mu.
type state struct {
	consecutive int
	pausedUntil time.Time
	cadences    map[string]*cadenceState
	order       []string
}

// Scheduler fires each cadence on its own ticker. Failures are counted across
// all cadences; too many in a row pause every cadence for a while.
type Scheduler struct {
	cfg  Config
	deps Deps
	log  *zerolog.Logger

	mu sync.Mutex
	st state

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, deps Deps, logger *zerolog.Logger) *Scheduler {
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = 5
	}
	if cfg.ErrorPause <= 0 {
		cfg.ErrorPause = 15 * time.Minute
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = 10 * time.Minute
	}
	if deps.Clock == nil {
		deps.Clock = RealClock()
	}
	schedLog := logger.With().Str("component", "Scheduler").Logger()
	s := &Scheduler{
		cfg:  cfg,
		deps: deps,
		log:  &schedLog,
		st:   state{cadences: make(map[string]*cadenceState, len(cfg.Cadences))},
	}
	for _, c := range cfg.Cadences {
		if c.Interval <= 0 {
			c.Interval = time.Minute
		}
		s.st.cadences[c.Name] = &cadenceState{spec: c}
		s.st.order = append(s.st.order, c.Name)
	}
	return s
}

// Start launches one loop per cadence. Calling Start twice has no effect.
func (s *Scheduler) Start(parent context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	specs := make([]CadenceSpec, 0, len(s.st.order))
	for _, name := range s.st.order {
		specs = append(specs, s.st.cadences[name].spec)
	}
	s.mu.Unlock()

	for _, spec := range specs {
		s.wg.Add(1)
		go s.loop(ctx, spec)
	}
	s.log.Info().Int("cadences", len(specs)).Msg("scheduler started")
}

func (s *Scheduler) loop(ctx context.Context, spec CadenceSpec) {
	defer s.wg.Done()
	t := s.deps.Clock.NewTicker(spec.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			_ = s.Tick(ctx, spec.Name)
		}
	}
}

// Stop cancels the loops and waits for in-flight ticks to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.log.Info().Msg("scheduler stopped")
}

// Tick runs one invocation of cadence now. It returns ErrSchedulerPaused while
// paused and nil without running when the previous tick is still busy.
func (s *Scheduler) Tick(ctx context.Context, cadence string) error {
	now := s.deps.Clock.Now()

	s.mu.Lock()
	cs, ok := s.st.cadences[cadence]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: unknown cadence %q", domain.ErrInvalidArgument, cadence)
	}
	if !s.st.pausedUntil.IsZero() {
		if now.Before(s.st.pausedUntil) {
			s.mu.Unlock()
			metrics.IncCadenceRun(cadence, "skipped", 0)
			return domain.ErrSchedulerPaused
		}
		s.liftLocked()
		s.log.Info().Msg("scheduler pause expired; cadences resumed")
	}
	if cs.running {
		s.mu.Unlock()
		metrics.IncCadenceRun(cadence, "skipped", 0)
		s.log.Debug().Str("cadence", cadence).Msg("previous tick still running")
		return nil
	}
	cs.running = true
	cs.lastRun = now
	s.mu.Unlock()

	start := time.Now()
	tctx, cancel := context.WithTimeout(ctx, s.cfg.TickTimeout)
	err := s.deps.Runner.RunCadence(tctx, cadence)
	cancel()
	elapsed := time.Since(start)

	s.mu.Lock()
	cs.running = false
	cs.runs++
	paused := false
	if err == nil {
		cs.lastSuccess = now
		cs.lastError = ""
		s.st.consecutive = 0
	} else {
		cs.failures++
		cs.lastError = err.Error()
		s.st.consecutive++
		if s.st.consecutive >= s.cfg.MaxConsecutiveErrors && s.st.pausedUntil.IsZero() {
			s.st.pausedUntil = s.deps.Clock.Now().Add(s.cfg.ErrorPause)
			paused = true
		}
	}
	consecutive := s.st.consecutive
	until := s.st.pausedUntil
	s.mu.Unlock()

	metrics.SetConsecutiveErrors(consecutive)
	if err == nil {
		metrics.IncCadenceRun(cadence, "success", elapsed.Seconds())
		return nil
	}
	metrics.IncCadenceRun(cadence, "failure", elapsed.Seconds())
	s.log.Error().Err(err).Str("cadence", cadence).Int("consecutive_errors", consecutive).Msg("cadence tick failed")

	if paused {
		metrics.SetSchedulerPaused(true)
		s.log.Warn().Time("until", until).Int("consecutive_errors", consecutive).Msg("scheduler paused after repeated failures")
		if s.deps.Alerter != nil {
			msg := fmt.Sprintf("Scheduler paused until %s after %d consecutive cadence failures. Last: %s: %v",
				until.Format(time.RFC3339), consecutive, cadence, err)
			if aerr := s.deps.Alerter.Alert(ctx, msg); aerr != nil {
				s.log.Warn().Err(aerr).Msg("alert delivery failed")
			}
		}
	}
	return err
}

func (s *Scheduler) liftLocked() {
	s.st.pausedUntil = time.Time{}
	s.st.consecutive = 0
	metrics.SetSchedulerPaused(false)
	metrics.SetConsecutiveErrors(0)
}

// ForceResume clears the pause and the error counter. It reports whether the
// scheduler was paused.
func (s *Scheduler) ForceResume() bool {
	s.mu.Lock()
	was := !s.st.pausedUntil.IsZero()
	s.liftLocked()
	s.mu.Unlock()
	s.log.Info().Bool("was_paused", was).Msg("scheduler force-resumed")
	return was
}

// ForceCreateBatch builds a batch for one tenant now, skipping the batching
// policy. It runs even while paused.
func (s *Scheduler) ForceCreateBatch(ctx context.Context, tenantID string) (*usecase.CreateResult, error) {
	if s.deps.Creator == nil {
		return nil, fmt.Errorf("%w: batch creation not wired", domain.ErrInvalidArgument)
	}
	res, err := s.deps.Creator.ForceCreate(ctx, tenantID)
	if err != nil {
		s.log.Warn().Err(err).Str("tenant_id", tenantID).Msg("forced batch creation failed")
		return res, err
	}
	s.log.Info().Str("tenant_id", tenantID).Str("batch_id", res.BatchID).Int("requests", res.Requests).Msg("forced batch created")
	return res, nil
}

func (s *Scheduler) Status(ctx context.Context) Status {
	now := s.deps.Clock.Now()

	s.mu.Lock()
	out := Status{
		Started:           s.cancel != nil,
		ConsecutiveErrors: s.st.consecutive,
		Cadences:          make([]CadenceStatus, 0, len(s.st.order)),
	}
	if !s.st.pausedUntil.IsZero() && now.Before(s.st.pausedUntil) {
		until := s.st.pausedUntil
		out.Paused = true
		out.PausedUntil = &until
	}
	for _, name := range s.st.order {
		cs := s.st.cadences[name]
		c := CadenceStatus{
			Name:      name,
			Interval:  cs.spec.Interval.String(),
			Running:   cs.running,
			LastError: cs.lastError,
			Runs:      cs.runs,
			Failures:  cs.failures,
		}
		if !cs.lastRun.IsZero() {
			t := cs.lastRun
			c.LastRun = &t
		}
		if !cs.lastSuccess.IsZero() {
			t := cs.lastSuccess
			c.LastSuccess = &t
		}
		out.Cadences = append(out.Cadences, c)
	}
	s.mu.Unlock()

	if s.deps.Breakers != nil {
		out.Breakers = s.deps.Breakers.Snapshots()
	}
	if s.deps.Stale != nil {
		n, err := s.deps.Stale.StaleBatches(ctx)
		if err != nil {
			s.log.Warn().Err(err).Msg("stale batch count failed")
		}
		out.StaleBatches = n
	}
	return out
}
