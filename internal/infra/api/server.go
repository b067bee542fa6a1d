package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"chat-insights-batch/internal/domain"
	"chat-insights-batch/internal/domain/model"
	"chat-insights-batch/internal/infra/logging"
	red "chat-insights-batch/internal/infra/redis"
	"chat-insights-batch/internal/infra/scheduler"
	"chat-insights-batch/internal/usecase"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// SchedulerControl is the operator surface of the scheduler.
type SchedulerControl interface {
	Status(ctx context.Context) scheduler.Status
	ForceResume() bool
	ForceCreateBatch(ctx context.Context, tenantID string) (*usecase.CreateResult, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

type Options struct {
	Issuer *TokenIssuer
	// Limiter caps manual force-batch calls per tenant; nil disables the cap.
	Limiter          RateLimiter
	ForceBatchLimit  int
	ForceBatchWindow time.Duration
	RequestTimeout   time.Duration
}

type Server struct {
	sched    SchedulerControl
	tenants  usecase.TenantAdminUseCase
	retry    usecase.IndividualRetryUseCase
	intake   usecase.IntakeUseCase
	opts     Options
	validate *validator.Validate
	log      *zerolog.Logger
}

func NewServer(
	sched SchedulerControl,
	tenants usecase.TenantAdminUseCase,
	retry usecase.IndividualRetryUseCase,
	intake usecase.IntakeUseCase,
	opts Options,
	logger *zerolog.Logger,
) *Server {
	if opts.ForceBatchLimit <= 0 {
		opts.ForceBatchLimit = 6
	}
	if opts.ForceBatchWindow <= 0 {
		opts.ForceBatchWindow = time.Hour
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 2 * time.Minute
	}
	return &Server{
		sched:    sched,
		tenants:  tenants,
		retry:    retry,
		intake:   intake,
		opts:     opts,
		validate: validator.New(),
		log:      logging.Component(logger, "OpsAPI"),
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(TraceID(), Recover(s.log), RequestLog(s.log), Timeout(s.opts.RequestTimeout))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(OperatorAuth(s.opts.Issuer, s.log))
		r.Get("/scheduler/status", s.handleStatus)
		r.Post("/scheduler/resume", s.handleResume)
		r.Post("/tenants", s.handleRegisterTenant)
		r.Get("/tenants/{tenantID}", s.handleGetTenant)
		r.Post("/tenants/{tenantID}/activate", s.handleTenantStatus(true))
		r.Post("/tenants/{tenantID}/suspend", s.handleTenantStatus(false))
		r.Post("/tenants/{tenantID}/batches", s.handleForceBatch)
		r.Post("/tenants/{tenantID}/sessions", s.handleSubmitSession)
		r.Post("/requests/requeue", s.handleRequeue)
	})
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Status(r.Context()))
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	was := s.sched.ForceResume()
	logging.With(r.Context(), s.log).Info().Str("operator", Operator(r.Context())).Bool("was_paused", was).Msg("scheduler resumed by operator")
	writeJSON(w, http.StatusOK, map[string]bool{"was_paused": was})
}

type registerTenantRequest struct {
	ID   string `json:"id" validate:"required,max=64,excludesall=/"`
	Name string `json:"name" validate:"max=200"`
}

type tenantResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toTenantResponse(t *model.Tenant) tenantResponse {
	return tenantResponse{ID: t.ID, Name: t.Name, Status: string(t.Status), CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt}
}

func (s *Server) handleRegisterTenant(w http.ResponseWriter, r *http.Request) {
	var in registerTenantRequest
	if !s.decode(w, r, &in) {
		return
	}
	t, err := s.tenants.Register(r.Context(), in.ID, in.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTenantResponse(t))
}

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	t, err := s.tenants.Get(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTenantResponse(t))
}

func (s *Server) handleTenantStatus(activate bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "tenantID")
		var err error
		if activate {
			err = s.tenants.Activate(r.Context(), id)
		} else {
			err = s.tenants.Suspend(r.Context(), id)
		}
		if err != nil {
			s.fail(w, r, err)
			return
		}
		status := model.TenantSuspended
		if activate {
			status = model.TenantActive
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(status)})
	}
}

func (s *Server) handleForceBatch(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	ctx := logging.WithTenantID(r.Context(), tenantID)
	if s.opts.Limiter != nil {
		ok, err := s.opts.Limiter.Allow(ctx, red.ForceBatchKey(tenantID), s.opts.ForceBatchLimit, s.opts.ForceBatchWindow)
		if err != nil {
			logging.With(ctx, s.log).Warn().Err(err).Msg("force-batch rate limiter unavailable")
		} else if !ok {
			writeError(w, http.StatusTooManyRequests, "force-batch limit reached for tenant")
			return
		}
	}
	res, err := s.sched.ForceCreateBatch(ctx, tenantID)
	if err != nil {
		s.fail(w, r.WithContext(ctx), err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type messageRequest struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content"`
}

type submitSessionRequest struct {
	ID       string           `json:"id" validate:"required,max=128"`
	Messages []messageRequest `json:"messages" validate:"required,min=1,dive"`
}

func (s *Server) handleSubmitSession(w http.ResponseWriter, r *http.Request) {
	var in submitSessionRequest
	if !s.decode(w, r, &in) {
		return
	}
	sess := model.NewChatSession(in.ID, chi.URLParam(r, "tenantID"))
	for _, m := range in.Messages {
		sess.AddMessage(m.Role, m.Content)
	}
	req, err := s.intake.Submit(r.Context(), sess)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"request_id": req.ID, "status": string(req.Status)})
}

type requeueRequest struct {
	IDs []string `json:"ids" validate:"required,min=1,max=500,dive,required"`
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	var in requeueRequest
	if !s.decode(w, r, &in) {
		return
	}
	n, err := s.retry.RequeueExhausted(r.Context(), in.IDs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= 500 {
		logging.With(r.Context(), s.log).Error().Err(err).Msg("request failed")
	}
	writeError(w, code, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNoPendingRequests), errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrTenantInactive):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrLockHeld):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
