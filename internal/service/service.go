// SPDX-License-Identifier: MIT

// Package service wires the protocol engine, ownership registry, and
// session directory behind the HTTP surface: the WebSocket endpoints,
// the auth endpoints, and the operational routes.
package service

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/claimgate/claimgate/internal/auth"
	"github.com/claimgate/claimgate/internal/config"
	"github.com/claimgate/claimgate/internal/log"
	"github.com/claimgate/claimgate/internal/ownership"
	"github.com/claimgate/claimgate/internal/session"
	"github.com/claimgate/claimgate/internal/store"
	"github.com/claimgate/claimgate/internal/wire"
)

// Service owns the process-wide protocol state.
type Service struct {
	cfg    config.Config
	store  *store.Store
	auth   *auth.Service
	dir    *session.Directory
	reg    *ownership.Registry
	logger zerolog.Logger

	graceMu     sync.Mutex
	graceTimers map[string]*time.Timer
}

// New assembles a Service over an opened store.
func New(cfg config.Config, st *store.Store) *Service {
	return &Service{
		cfg:         cfg,
		store:       st,
		auth:        auth.New(st, cfg.Auth, nil),
		dir:         session.NewDirectory(),
		reg:         ownership.NewRegistry(),
		logger:      log.WithComponent("service"),
		graceTimers: make(map[string]*time.Timer),
	}
}

// Auth exposes the auth collaborator (used by the daemon for seeding).
func (s *Service) Auth() *auth.Service { return s.auth }

// Directory exposes the session directory.
func (s *Service) Directory() *session.Directory { return s.dir }

// Registry exposes the ownership registry.
func (s *Service) Registry() *ownership.Registry { return s.reg }

// Router builds the HTTP surface.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/auth", func(r chi.Router) {
		r.Use(httprate.LimitByIP(20, time.Minute))
		r.Post("/register", s.handleRegister)
		r.Post("/login", s.handleLogin)
		r.Post("/refresh", s.handleRefresh)
	})

	r.Get("/ws", s.handleWS(false))
	r.Get("/ws/autopilot", s.handleWS(true))

	return r
}

func (s *Service) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Shutdown force-closes every live session with GoingAway and waits.
func (s *Service) Shutdown(ctx context.Context) error {
	s.graceMu.Lock()
	for id, timer := range s.graceTimers {
		timer.Stop()
		delete(s.graceTimers, id)
	}
	s.graceMu.Unlock()

	var firstErr error
	for _, sess := range s.dir.Sessions() {
		if err := s.dir.CloseAll(ctx, sess.ID, wire.CloseGoingAway, "server shutting down"); err != nil && firstErr == nil {
			firstErr = err
		}
		s.dir.Unregister(sess.ID)
	}
	return firstErr
}

// RunExpirySweep periodically prunes expired tokens and force-closes
// sessions whose access token has lapsed (close code 4000). Blocks until
// ctx is cancelled.
func (s *Service) RunExpirySweep(ctx context.Context, interval time.Duration) {
	logger := log.WithComponent("expiry")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			if pruned, err := s.store.DeleteExpiredTokens(ctx, now); err != nil {
				logger.Error().Err(err).Msg("token prune failed")
			} else if pruned > 0 {
				logger.Info().Int64("pruned", pruned).Msg("expired tokens pruned")
			}

			for _, sess := range s.dir.Sessions() {
				if now.Before(sess.ExpiresAt) {
					continue
				}
				logger.Info().Str("session_id", sess.ID).Msg("session token expired")
				if err := s.dir.CloseAll(ctx, sess.ID, wire.CloseTokenExpired, "token expired"); err != nil {
					logger.Error().Err(err).Str("session_id", sess.ID).Msg("forced close failed")
				}
				s.teardownSession(ctx, sess.ID)
			}
		}
	}
}

// teardownSession releases the session's claim, drops its persistent row,
// and removes it from the directory.
func (s *Service) teardownSession(ctx context.Context, sessionID string) {
	if res, ok := s.reg.ResourceOf(sessionID); ok {
		if err := s.reg.Release(sessionID, res); err == nil {
			if err := s.store.SetResourceOwner(ctx, res, ""); err != nil {
				s.logger.Error().Err(err).Str("resource", res.String()).Msg("owner clear failed")
			}
		}
	}
	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("session row delete failed")
	}
	s.dir.Unregister(sessionID)
}

// scheduleGrace arms the resource-grace timer for a session that lost its
// last connection. A reconnect within the grace window cancels it.
func (s *Service) scheduleGrace(sessionID string) {
	grace := s.cfg.Resource.Grace.Duration
	if grace <= 0 {
		s.teardownSession(context.Background(), sessionID)
		return
	}

	s.graceMu.Lock()
	defer s.graceMu.Unlock()
	if timer, ok := s.graceTimers[sessionID]; ok {
		timer.Stop()
	}
	s.graceTimers[sessionID] = time.AfterFunc(grace, func() {
		s.graceMu.Lock()
		delete(s.graceTimers, sessionID)
		s.graceMu.Unlock()

		if len(s.dir.Connections(sessionID)) > 0 {
			return
		}
		s.logger.Info().Str("session_id", sessionID).Msg("grace elapsed, tearing session down")
		s.teardownSession(context.Background(), sessionID)
	})
}

// cancelGrace cancels a pending grace timer on reconnect.
func (s *Service) cancelGrace(sessionID string) {
	s.graceMu.Lock()
	defer s.graceMu.Unlock()
	if timer, ok := s.graceTimers[sessionID]; ok {
		timer.Stop()
		delete(s.graceTimers, sessionID)
	}
}
