package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"hotspotd/services/engine"
)

const requestTimeout = 30 * time.Second

// Engine is the subset of the access session engine served over HTTP.
type Engine interface {
	GetSessionStatus(ctx context.Context, mac string) (engine.SessionStatus, error)
	Connect(ctx context.Context, req engine.ConnectRequest) (engine.ConnectResult, error)
	Pause(ctx context.Context, mac string) (engine.CommandResult, error)
	Resume(ctx context.Context, mac, ip string) (engine.CommandResult, error)

	SlotStatus(ctx context.Context, deviceID string) (engine.SlotView, error)
	ClaimSlot(ctx context.Context, deviceID string) (engine.SlotResult, error)
	ReleaseSlot(ctx context.Context, deviceID string) (engine.SlotResult, error)
	UpdateSlotTimer(ctx context.Context, deviceID string, remaining int, action engine.TimerAction) (engine.SlotResult, error)
	InsertCoin(ctx context.Context, deviceID string, denomination int) (engine.CoinResult, error)
	InsertPulses(ctx context.Context, deviceID string, pulses int) (engine.CoinResult, error)

	RedeemVoucher(ctx context.Context, code, mac, ip string) (engine.VoucherResult, error)
	IssueVoucher(ctx context.Context, deviceID string) (engine.VoucherResult, error)

	Apply(ctx context.Context, cmd engine.Command) (engine.CommandResult, error)
	Sweep(ctx context.Context) (engine.SweepReport, error)
}

var _ Engine = (*engine.Engine)(nil)

// Config controls runtime behaviour for the API handlers.
type Config struct {
	AllowedOrigins []string
	// PortalRateLimit caps coin and voucher requests per client IP per minute; zero disables it.
	PortalRateLimit int
	// Gatherer serves /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	// Ready reports readiness of the backing services. Nil is always ready.
	Ready func(ctx context.Context) error
	// Middleware wraps every request, typically tracing and access logging.
	Middleware func(http.Handler) http.Handler
	// Devices resolves portal callers to their MAC. Nil trusts the MAC a request names.
	Devices DeviceResolver
	// AdminToken guards /v1/admin as a bearer token. Empty leaves the admin routes unmounted.
	AdminToken string
	// TrustProxy takes the client address from X-Forwarded-For and X-Real-IP.
	TrustProxy bool
	Logger     zerolog.Logger
	Now        func() time.Time
}

// API wires the engine and configuration for HTTP handlers.
type API struct {
	engine Engine
	config Config
	logger zerolog.Logger
}

func New(e Engine, cfg Config) (*API, error) {
	if e == nil {
		return nil, errors.New("engine is required")
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &API{engine: e, config: cfg, logger: cfg.Logger}, nil
}

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if a.config.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	if a.config.Middleware != nil {
		r.Use(a.config.Middleware)
	}
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.config.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         int((10 * time.Minute).Seconds()),
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.config.Gatherer, promhttp.HandlerOpts{}))

	limited := func(r chi.Router) {
		if a.config.PortalRateLimit > 0 {
			r.Use(httprate.LimitByIP(a.config.PortalRateLimit, time.Minute))
		}
	}

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if a.config.Devices != nil {
				r.Use(a.resolveDevice)
			}

			r.Route("/sessions/{mac}", func(r chi.Router) {
				r.Get("/", a.handleSessionStatus)
				r.Post("/connect", a.handleConnect)
				r.Post("/pause", a.handlePause)
				r.Post("/resume", a.handleResume)
			})

			r.Route("/slot", func(r chi.Router) {
				r.Get("/", a.handleSlotStatus)
				r.Post("/claim", a.handleClaimSlot)
				r.Post("/release", a.handleReleaseSlot)
				r.Post("/timer", a.handleSlotTimer)
				r.Group(func(r chi.Router) {
					limited(r)
					r.Post("/coins", a.handleInsertCoin)
				})
			})

			r.Route("/vouchers", func(r chi.Router) {
				limited(r)
				r.Post("/", a.handleIssueVoucher)
				r.Post("/redeem", a.handleRedeemVoucher)
			})
		})

		if a.config.AdminToken != "" {
			r.Route("/admin", func(r chi.Router) {
				r.Use(a.requireAdmin)
				r.Post("/commands", a.handleCommand)
				r.Post("/sweep", a.handleSweep)
			})
		}
	})

	return r, nil
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.config.Ready != nil {
		ctx, cancel := withTimeout(r.Context())
		defer cancel()
		if err := a.config.Ready(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
