package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/flowpbx/wakeup/internal/api/middleware"
	"github.com/flowpbx/wakeup/internal/config"
	"github.com/flowpbx/wakeup/internal/database"
	"github.com/flowpbx/wakeup/internal/dialplan"
	"github.com/flowpbx/wakeup/internal/pbx"
	"github.com/flowpbx/wakeup/internal/scheduler"
	"github.com/flowpbx/wakeup/internal/wakeup"
)

// SchedulerStatus exposes the scheduler loop state.
type SchedulerStatus interface {
	Stats() scheduler.Stats
}

// SignalPublisher accepts a keypress reported by an external integration.
type SignalPublisher interface {
	Publish(ctx context.Context, callID, digit string) error
}

// Deps are the components the API serves. Signals and Metrics may be nil.
type Deps struct {
	Config    *config.Config
	Store     *database.Store
	Service   *wakeup.Service
	PBX       *pbx.PBX
	Dialplan  *dialplan.Installer
	Scheduler SchedulerStatus
	Signals   SignalPublisher
	Metrics   http.Handler
	Limiter   *middleware.ClientRateLimiter
	Secret    []byte // HS256 key for operator bearer tokens
	Logger    *slog.Logger
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router    *chi.Mux
	cfg       *config.Config
	store     *database.Store
	service   *wakeup.Service
	pbx       *pbx.PBX
	dialplan  *dialplan.Installer
	scheduler SchedulerStatus
	signals   SignalPublisher
	metrics   http.Handler
	limiter   *middleware.ClientRateLimiter
	secret    []byte
	logger    *slog.Logger
	startedAt time.Time
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(d Deps) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		cfg:       d.Config,
		store:     d.Store,
		service:   d.Service,
		pbx:       d.PBX,
		dialplan:  d.Dialplan,
		scheduler: d.Scheduler,
		signals:   d.Signals,
		metrics:   d.Metrics,
		limiter:   d.Limiter,
		secret:    d.Secret,
		logger:    d.Logger.With("subsystem", "api"),
		startedAt: time.Now(),
	}
	if s.limiter == nil {
		s.limiter = middleware.NewClientRateLimiter(middleware.DefaultRateLimitConfig(), d.Logger)
	}

	s.routes(d.Logger)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes(logger *slog.Logger) {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(middleware.ParseCORSOrigins(s.cfg.CORSOrigins)))

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(s.limiter))
			r.Use(middleware.RequireToken(s.secret, logger))

			r.Route("/alarms", func(r chi.Router) {
				r.Get("/", s.handleListAlarms)
				r.Post("/", s.handleCreateAlarm)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetAlarm)
					r.Post("/snooze", s.handleSnoozeAlarm)
					r.Post("/cancel", s.handleCancelAlarm)
				})
			})

			r.Route("/calls", func(r chi.Router) {
				r.Get("/", s.handleListCalls)
				r.Post("/{ext}/hangup", s.handleHangupCall)
			})

			r.Route("/rooms", func(r chi.Router) {
				r.Get("/", s.handleListRooms)
				r.Post("/", s.handleCreateRoom)
				r.Post("/import", s.handleImportRooms)
				r.Put("/{id}", s.handleUpdateRoom)
			})

			r.Route("/audio-messages", func(r chi.Router) {
				r.Get("/", s.handleListAudioMessages)
				r.Post("/", s.handleCreateAudioMessage)
				r.Delete("/{id}", s.handleDeleteAudioMessage)
			})

			r.Get("/call-logs", s.handleListCallLogs)

			r.Route("/pbx", func(r chi.Router) {
				r.Get("/status", s.handlePBXStatus)
				r.Post("/test", s.handlePBXTest)
				r.Get("/peers", s.handleListPeers)
				r.Get("/extensions/{ext}/status", s.handleExtensionStatus)
				r.Post("/dialplan/install", s.handleInstallDialplan)
				r.Get("/dialplan/verify", s.handleVerifyDialplan)
			})

			r.Post("/signals/{callID}", s.handlePublishSignal)
		})
	})
}

type healthResponse struct {
	Status           string `json:"status"`
	PBXConnected     bool   `json:"pbx_connected"`
	SchedulerRunning bool   `json:"scheduler_running"`
	ActiveCalls      int    `json:"active_calls"`
	UptimeSec        int64  `json:"uptime_sec"`
}

// handleHealth is unauthenticated so load balancers can probe it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:       "ok",
		PBXConnected: s.pbx.Channel().IsConnected(),
		ActiveCalls:  len(s.service.ActiveCalls()),
		UptimeSec:    int64(time.Since(s.startedAt).Seconds()),
	}
	if s.scheduler != nil {
		resp.SchedulerRunning = s.scheduler.Stats().Running
	}
	writeJSON(w, http.StatusOK, resp)
}
