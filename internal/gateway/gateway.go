// Package gateway serves the board over HTTP: the REST surface, the
// websocket push channel and the operational endpoints.
package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskboard/internal/auth"
	"github.com/basket/taskboard/internal/board"
	"github.com/basket/taskboard/internal/bus"
	"github.com/basket/taskboard/internal/config"
	"github.com/basket/taskboard/internal/metrics"
	otelPkg "github.com/basket/taskboard/internal/otel"
	"github.com/basket/taskboard/internal/persistence"
	"github.com/basket/taskboard/internal/policy"
	"github.com/basket/taskboard/internal/schema"
	"github.com/basket/taskboard/internal/settings"
	"github.com/basket/taskboard/internal/shared"
	"github.com/basket/taskboard/internal/stats"
)

// AgentHeader names the acting agent on complete, block and handoff.
const AgentHeader = "X-Agent-Id"

const requestTimeout = 60 * time.Second

type Config struct {
	Engine   *board.Engine
	Store    *persistence.Store
	Auth     *auth.Service
	Settings *settings.Service
	Stats    *stats.Service
	Policy   policy.Checker
	Bus      *bus.Bus
	Logger   *slog.Logger
	Tracer   trace.Tracer
	// Metrics is optional.
	Metrics *otelPkg.Metrics

	// AllowOrigins controls accepted Origin headers for browser websocket
	// connections. Empty means same-origin only.
	AllowOrigins []string

	CORS         config.CORSConfig
	RateLimit    *RateLimiter
	MaxBodyBytes int64

	// Now defaults to time.Now.
	Now func() time.Time
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time

	clientsMu sync.RWMutex
	clients   map[*client]struct{}

	busSub *bus.Subscription
	done   chan struct{}
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		tracer:  tracer,
		now:     now,
		clients: map[*client]struct{}{},
		done:    make(chan struct{}),
	}
	if cfg.Bus != nil {
		s.busSub = cfg.Bus.Subscribe(bus.BoardPrefix)
		go s.forwardBoardEvents()
	} else {
		close(s.done)
	}
	return s
}

// Close stops forwarding board events and disconnects push clients.
func (s *Server) Close() {
	if s.busSub != nil {
		s.cfg.Bus.Unsubscribe(s.busSub)
		<-s.done
	}
	s.closeClients()
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.traceRequests)
	r.Use(NewCORSMiddleware(s.cfg.CORS))
	if s.cfg.RateLimit != nil {
		r.Use(s.cfg.RateLimit.Wrap)
	}
	r.Use(RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/health", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	authn := NewAuthMiddleware(s.cfg.Auth)
	can := func(capability string) func(http.Handler) http.Handler {
		return RequireCapability(s.cfg.Policy, capability)
	}

	// Long-lived streams sit outside the request timeout.
	r.Group(func(r chi.Router) {
		r.Use(authn.Streaming().Wrap)
		r.Use(can(policy.CapTasksRead))
		r.Get("/ws", s.handleWS)
		r.Get("/events", s.handleEventStream)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Route("/auth", func(r chi.Router) {
			r.Get("/status", s.handleSetupStatus)
			r.Get("/setup-status", s.handleSetupStatus)
			r.Post("/setup", s.handleSetup)
			r.Post("/login", s.handleLogin)
			r.Post("/refresh", s.handleRefresh)
			r.With(authn.Wrap).Post("/logout", s.handleLogout)
			r.With(authn.Wrap).Get("/me", s.handleMe)
		})

		r.Group(func(r chi.Router) {
			r.Use(authn.Wrap)

			r.Route("/tasks", func(r chi.Router) {
				r.With(can(policy.CapTasksRead)).Get("/", s.handleListTasks)
				r.With(can(policy.CapTasksWrite)).Post("/", s.handleCreateTask)
				r.With(can(policy.CapTasksArchive)).Post("/archive-column", s.handleArchiveColumn)
				r.Route("/{id}", func(r chi.Router) {
					r.With(can(policy.CapTasksRead)).Get("/", s.handleGetTask)
					r.With(can(policy.CapTasksWrite)).Patch("/", s.handleUpdateTask)
					r.With(can(policy.CapTasksWrite)).Delete("/", s.handleDeleteTask)
					r.Group(func(r chi.Router) {
						r.Use(can(policy.CapTasksLifecycle))
						r.Post("/claim", s.handleClaim)
						r.Post("/complete", s.handleComplete)
						r.Post("/block", s.handleBlock)
						r.Post("/handoff", s.handleHandoff)
					})
				})
			})

			r.With(can(policy.CapActivitiesRead)).Get("/activities", s.handleListActivities)
			r.With(can(policy.CapStatsRead)).Get("/stats/usage", s.handleUsageStats)
			r.With(can(policy.CapStatsRead)).Get("/agents/{id}/usage", s.handleAgentUsage)

			r.Route("/settings", func(r chi.Router) {
				r.With(can(policy.CapSettingsRead)).Get("/models", s.handleListModels)
				r.With(can(policy.CapSettingsRead)).Get("/agents", s.handleListAgentSettings)
				r.With(can(policy.CapSettingsRead)).Get("/agents/{id}", s.handleGetAgentSettings)
				r.With(can(policy.CapSettingsWrite)).Put("/agents/{id}", s.handlePutAgentSettings)
				r.With(can(policy.CapSettingsWrite)).Delete("/agents/{id}", s.handleDeleteAgentSettings)
			})

			r.Route("/users", func(r chi.Router) {
				r.Use(can(policy.CapUsersManage))
				r.Get("/", s.handleListUsers)
				r.Post("/", s.handleCreateUser)
				r.Get("/{id}", s.handleGetUser)
				r.Patch("/{id}", s.handleUpdateUser)
				r.Delete("/{id}", s.handleDeleteUser)
			})
		})
	})

	return r
}

// traceRequests assigns a trace id, opens a server span and records the
// request by route pattern once the router has matched it.
func (s *Server) traceRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := shared.NewTraceID()
		w.Header().Set("X-Trace-Id", traceID)
		ctx := shared.WithTraceID(r.Context(), traceID)
		ctx, span := otelPkg.StartServerSpan(ctx, s.tracer, r.Method,
			attribute.String("http.request.method", r.Method),
			attribute.String("taskboard.trace_id", traceID),
		)
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := s.now()
		next.ServeHTTP(ww, r.WithContext(ctx))
		elapsed := s.now().Sub(start)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		span.SetName(r.Method + " " + route)
		span.SetAttributes(otelPkg.AttrRoute.String(route), attribute.Int("http.response.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}

		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
				otelPkg.AttrRoute.String(route),
				attribute.Int("http.response.status_code", status),
			))
		}
		s.logger.Debug("http request",
			"trace_id", traceID,
			"method", r.Method,
			"route", route,
			"status", status,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := s.cfg.Store == nil || s.cfg.Store.Ping(r.Context()) == nil
	policyVersion := ""
	if s.cfg.Policy != nil {
		policyVersion = s.cfg.Policy.PolicyVersion()
	}
	payload := map[string]any{
		"status":         "ok",
		"timestamp":      s.now().UTC().Format(time.RFC3339Nano),
		"db_ok":          dbOK,
		"policy_version": policyVersion,
		"ws_clients":     s.ClientCount(),
	}
	status := http.StatusOK
	if !dbOK {
		payload["status"] = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes {"error": msg}.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeInternal logs err and answers 500 without leaking details.
func (s *Server) writeInternal(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.Error(op+": failed", "trace_id", shared.TraceID(r.Context()), "error", err)
	writeError(w, http.StatusInternalServerError, "Internal server error")
}

// readBody returns the request body. It answers the request itself and
// returns false when the body cannot be read.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "Unreadable request body")
		return nil, false
	}
	return raw, true
}

// writeDecodeError answers a failed Decode* call. Validation failures are
// 400s carrying the validator's message.
func (s *Server) writeDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *schema.Error
	if errors.As(err, &verr) {
		writeError(w, http.StatusBadRequest, verr.Message)
		return
	}
	s.writeInternal(w, r, "decode request", err)
}

func queryInt(r *http.Request, key string, def, lo, hi int) (int, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < lo || (hi > 0 && n > hi) {
		return 0, false
	}
	return n, true
}

func queryTime(r *http.Request, key string) (*time.Time, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, false
	}
	t = t.UTC()
	return &t, true
}
