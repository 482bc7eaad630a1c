package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"merchantd/config"
	"merchantd/instance"
	"merchantd/order"
	"merchantd/pay"
	"merchantd/refund"
	"merchantd/storage"
	"merchantd/taler"
	"merchantd/tip"
)

const shutdownGrace = 5 * time.Second

// Config carries the HTTP-facing settings of the merchant backend.
type Config struct {
	ListenAddress string
	Currency      string
	BearerToken   string
	RateLimit     RateLimitConfig
}

// Engines groups the domain engines the handlers dispatch to.
type Engines struct {
	Orders   *order.Engine
	Payments *pay.Engine
	Tips     *tip.Engine
	Refunds  *refund.Engine
}

// Server exposes the public wallet endpoints and the private management
// endpoints over one listener.
type Server struct {
	cfg       Config
	instances *instance.Registry
	store     *storage.Storage
	engines   Engines
	logger    *slog.Logger
	auth      *Authenticator
	limiter   *RateLimiter
	metrics   *Metrics
	router    http.Handler
}

// New wires the engines into a router. The server owns no engine lifecycle;
// callers shut the engines down after Run returns.
func New(cfg Config, instances *instance.Registry, store *storage.Storage, engines Engines, logger *slog.Logger) (*Server, error) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		return nil, fmt.Errorf("server: listen address required")
	}
	if instances == nil {
		return nil, fmt.Errorf("server: instance registry required")
	}
	if store == nil {
		return nil, fmt.Errorf("server: storage required")
	}
	if engines.Orders == nil || engines.Payments == nil || engines.Tips == nil || engines.Refunds == nil {
		return nil, fmt.Errorf("server: all engines required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		instances: instances,
		store:     store,
		engines:   engines,
		logger:    logger.With(slog.String("component", "server")),
		limiter:   NewRateLimiter(cfg.RateLimit),
		metrics:   NewMetrics(),
	}
	s.auth = NewAuthenticator(cfg.BearerToken, s.logger)
	s.router = s.buildRouter()
	return s, nil
}

// Handler returns the fully assembled router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http shutdown", "error", err)
		}
	}()
	s.logger.Info("merchant backend listening", "addr", s.cfg.ListenAddress)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.metrics.Middleware)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/config", s.handleConfig)

	// Wallet-facing endpoints: rate limited, database checked up front.
	r.Group(func(pub chi.Router) {
		pub.Use(s.limiter.Middleware)
		pub.Use(s.preflight)
		pub.Get("/public/proposal", s.handleProposal)
		pub.Post("/public/pay", s.handlePay)
		pub.Get("/public/poll-payment", s.handlePollPayment)
		pub.Post("/tip-pickup", s.handleTipPickup)
		pub.Get("/tip-pickup", s.handleTipStatus)
		pub.Get("/refund", s.handleRefundLookup)
	})

	// Management endpoints: bearer token required.
	r.Group(func(priv chi.Router) {
		priv.Use(s.auth.Middleware)
		priv.Handle("/metrics", s.metrics.Handler())
		priv.Group(func(db chi.Router) {
			db.Use(s.preflight)
			db.Post("/orders", s.handleCreateOrder)
			db.Post("/tip-authorize", s.handleTipAuthorize)
			db.Get("/tip-query", s.handleTipQuery)
			db.Post("/refund", s.handleRefundIncrease)
		})
	})

	return otelhttp.NewHandler(r, "merchantd.http")
}

// preflight refuses work when the database is unreachable so requests fail
// fast instead of timing out inside a handler.
func (s *Server) preflight(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.Preflight(r.Context()); err != nil {
			if storage.IsSoft(err) {
				writeTalerError(w, taler.NewError(taler.CodeDBSoftFailure, http.StatusServiceUnavailable,
					"database temporarily unavailable, try again"))
			} else {
				s.logger.Error("database preflight failed", "error", err)
				writeTalerError(w, taler.NewError(taler.CodeDBHardFailure, http.StatusInternalServerError,
					"database failure"))
			}
			return
		}
		next.ServeHTTP(w, r)
	})
}

// resolveInstance maps an instance id to its identity, falling back to the
// default instance when the id is empty.
func (s *Server) resolveInstance(id string) (*instance.Instance, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = config.DefaultInstanceID
	}
	inst, ok := s.instances.Lookup(id)
	if !ok {
		return nil, taler.Errorf(taler.CodeInstanceUnknown, http.StatusNotFound,
			"instance %q is not configured", id)
	}
	return inst, nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Preflight(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type configInstance struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MerchantPub string `json:"merchant_pub"`
}

// handleConfig advertises the currency, the protocol version and the
// configured instances so wallets and frontends can discover them.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	ids := s.instances.IDs()
	list := make([]configInstance, 0, len(ids))
	for _, id := range ids {
		inst, ok := s.instances.Lookup(id)
		if !ok {
			continue
		}
		list = append(list, configInstance{
			ID:          inst.ID,
			Name:        inst.Name,
			MerchantPub: inst.Pub.String(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"currency":  s.cfg.Currency,
		"version":   taler.ProtocolVersion,
		"instances": list,
	})
}

// requestBaseURL reconstructs the base URL the client used, honouring the
// forwarded protocol header when a reverse proxy terminates TLS.
func requestBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}
