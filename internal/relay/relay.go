// Package relay is the main orchestrator that ties all relay components
// together.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/beacon-remote/beacon/internal/api"
	"github.com/beacon-remote/beacon/internal/auth"
	"github.com/beacon-remote/beacon/internal/config"
	"github.com/beacon-remote/beacon/internal/heartbeat"
	"github.com/beacon-remote/beacon/internal/hub"
	"github.com/beacon-remote/beacon/internal/queue"
	"github.com/beacon-remote/beacon/internal/ratelimit"
	"github.com/beacon-remote/beacon/internal/sink"
	"github.com/beacon-remote/beacon/internal/store"
)

// Relay is the main relay process.
type Relay struct {
	cfg      *config.Config
	store    store.Store
	limiter  *ratelimit.Limiter
	hub      *hub.Hub
	api      *api.Server
	natsSink *sink.NATSSink
	logger   *slog.Logger
}

// New creates a new relay from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Relay, error) {
	// Initialize storage.
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	// Audit records go to the log and the store. Unsolicited agent events go
	// to the log, plus NATS when configured — stream frames can be large and
	// frequent, so they stay out of the audit table.
	auditSink := sink.Fanout{sink.NewLogSink(logger), sink.NewStoreSink(db)}
	eventSinks := sink.Fanout{sink.NewLogSink(logger)}

	var natsSink *sink.NATSSink
	if cfg.Events.NATSURL != "" {
		natsSink, err = sink.NewNATSSink(cfg.Events.NATSURL, cfg.Events.SubjectPrefix)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init nats sink: %w", err)
		}
		eventSinks = append(eventSinks, natsSink)
	}

	tokens := auth.NewService(cfg.Auth.AgentTokenSecret, auth.Options{
		Validity: time.Duration(cfg.Auth.TokenValidityDays) * 24 * time.Hour,
	})

	clientHashes := make(map[string]string, len(cfg.Auth.Clients))
	for _, c := range cfg.Auth.Clients {
		clientHashes[c.ID] = c.SecretHash
	}
	clients := auth.NewClientAuth(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiry.Duration, clientHashes)

	limiter := ratelimit.New(cfg.Relay.RateLimitRequests, cfg.Relay.RateLimitWindow.Duration)

	h := hub.New(tokens,
		limiter,
		queue.New(cfg.Relay.QueueMaxSize, cfg.Relay.QueueTTL.Duration),
		heartbeat.New(cfg.Relay.HeartbeatTimeout.Duration),
		auditSink, eventSinks, logger,
		hub.Options{
			AuthTimeout:     cfg.Relay.AuthTimeout.Duration,
			DispatchTimeout: cfg.Relay.DispatchTimeout.Duration,
			MaxMessageBytes: cfg.Relay.MaxAgentFrameBytes,
			AllowedOrigins:  cfg.Server.AllowedOrigins,
		})

	apiSrv := api.NewServer(db, tokens, clients, h, cfg, logger)

	r := &Relay{
		cfg:      cfg,
		store:    db,
		limiter:  limiter,
		hub:      h,
		api:      apiSrv,
		natsSink: natsSink,
		logger:   logger.With("component", "relay"),
	}

	if len(cfg.Auth.Clients) == 0 {
		logger.Warn("no API clients configured — the dispatch API will reject every login")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("allowed_origins contains wildcard '*' — restrict to specific origins in production")
			break
		}
	}

	return r, nil
}

// Run starts the relay HTTP server and blocks until the context is canceled.
func (r *Relay) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    r.cfg.Server.Addr,
		Handler: r.api.Handler(),
	}

	// Start background maintenance.
	r.hub.StartHeartbeatReaper(ctx, r.cfg.Relay.HeartbeatSweep.Duration)
	r.limiter.StartCleanup(ctx, r.cfg.Relay.RateLimitWindow.Duration)
	r.api.StartBackgroundTasks(ctx)
	if r.cfg.Relay.AuditRetention.Duration > 0 {
		go r.runRetentionPurger(ctx, r.cfg.Relay.AuditRetention.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		r.logger.Info("relay listening", "addr", r.cfg.Server.Addr)
		if r.cfg.Server.TLSCert != "" && r.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(r.cfg.Server.TLSCert, r.cfg.Server.TLSKey)
		} else {
			r.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		r.logger.Info("shutting down relay gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			r.logger.Info("http server stopped gracefully")
		}

		r.close()
		r.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		r.close()
		return err
	}
}

func (r *Relay) close() {
	if r.natsSink != nil {
		r.natsSink.Close()
	}
	r.logger.Info("closing store")
	_ = r.store.Close()
}

func (r *Relay) runRetentionPurger(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			if n, err := r.store.PurgeOldAuditEvents(ctx, cutoff); err != nil {
				r.logger.Warn("retention purge failed", "error", err)
			} else if n > 0 {
				r.logger.Info("retention purge: deleted old audit events", "count", n)
			}
		}
	}
}
