// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/claimgate/claimgate/internal/auth"
	"github.com/claimgate/claimgate/internal/log"
	"github.com/claimgate/claimgate/internal/ownership"
	"github.com/claimgate/claimgate/internal/protocol"
	"github.com/claimgate/claimgate/internal/session"
	"github.com/claimgate/claimgate/internal/transport"
	"github.com/claimgate/claimgate/internal/wire"
)

// bearerToken extracts the access token from the Authorization header or,
// for browser clients that cannot set headers on WebSocket dials, the
// token query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// handleWS authenticates the handshake, upgrades the socket, and runs the
// connection's protocol loop until it closes. Autopilot endpoints demand
// the autopilot flag on the user.
func (s *Service) handleWS(autopilot bool) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		key := bearerToken(r)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}

		user, tok, err := s.auth.Validate(r.Context(), key)
		switch {
		case errors.Is(err, auth.ErrTokenExpired):
			writeError(w, http.StatusUnauthorized, "token expired")
			return
		case errors.Is(err, auth.ErrTokenInvalid):
			writeError(w, http.StatusUnauthorized, "token invalid")
			return
		case err != nil:
			writeError(w, http.StatusInternalServerError, "auth failed")
			return
		}
		if autopilot != user.Autopilot {
			writeError(w, http.StatusForbidden, "wrong role for endpoint")
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error.
			return
		}

		role := "user"
		if autopilot {
			role = "autopilot"
		}

		// One session per access token; every tab/device presenting the
		// same token joins the same session.
		sessionID := tok.Key
		sess := session.Session{
			ID:        sessionID,
			UserID:    user.ID,
			Autopilot: user.Autopilot,
			CreatedAt: time.Now(),
			ExpiresAt: tok.ExpiresAt,
		}
		s.dir.Register(sess)
		s.cancelGrace(sessionID)
		if err := s.store.UpsertSession(r.Context(), sess); err != nil {
			s.logger.Error().Err(err).Str("session_id", sessionID).Msg("session persist failed")
		}

		tr := transport.NewWSConn(conn, transport.Options{
			Heartbeat:      s.cfg.WS.Heartbeat.Duration,
			MaxMessageSize: s.cfg.WS.MaxMessageSize,
		})
		eng := protocol.New(uuid.NewString(), tr, protocol.Config{
			MessageLimit:    s.cfg.WS.MessageLimit,
			MessageInterval: s.cfg.WS.MessageInterval.Duration,
			AckTimeout:      s.cfg.WS.AckTimeout.Duration,
			Role:            role,
		})
		s.dir.AddConnection(sessionID, eng)

		ctx := log.ContextWithSessionID(r.Context(), sessionID)
		ctx = log.ContextWithConnectionID(ctx, eng.ID())
		s.serveConnection(ctx, sessionID, eng)

		if empty := s.dir.RemoveConnection(sessionID, eng.ID()); empty {
			s.scheduleGrace(sessionID)
		}
	}
}

// serveConnection pumps events off one engine until it closes. A panic in
// dispatch is confined to this connection and reported as 4999.
func (s *Service) serveConnection(ctx context.Context, sessionID string, eng *protocol.Engine) {
	logger := log.WithComponentFromContext(ctx, "service")

	// No exit path may leave the engine open: a failed ack write or a
	// cancelled context must still release the socket, the ack timers,
	// and the open-connections gauge. Registered before the recover so
	// the panic path keeps its 4999.
	defer func() {
		_ = eng.Close(wire.CloseGoingAway, "connection handler finished")
	}()
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Any("panic", r).Msg("handler panicked")
			_ = eng.Close(wire.CloseInternalError, "internal error")
		}
	}()

	for {
		ev, err := eng.Next(ctx)
		if err != nil {
			var closed *protocol.ClosedError
			if errors.As(err, &closed) {
				logger.Debug().Int("code", int(closed.Code)).Msg("connection finished")
			} else {
				logger.Debug().Err(err).Msg("connection loop cancelled")
			}
			return
		}

		if err := eng.SendAck(ctx, ev.ID()); err != nil {
			logger.Warn().Err(err).Str("event_id", ev.ID()).Msg("ack write failed")
			return
		}

		s.dispatch(ctx, sessionID, eng, ev)

		if eng.State() != protocol.StateOpen {
			return
		}
	}
}

// dispatch routes one validated inbound event. Ownership conflicts are
// recoverable and reported as error-status events; fatal and unknown
// events terminate the connection per the close-code table.
func (s *Service) dispatch(ctx context.Context, sessionID string, eng *protocol.Engine, ev *wire.Event) {
	logger := log.WithComponentFromContext(ctx, "service")

	switch ev.Status() {
	case wire.StatusFatal:
		logger.Warn().Str("reason", ev.Reason()).Msg("fatal event received")
		_ = eng.Close(wire.CloseFatalEvent, "fatal event")
		return
	case wire.StatusError:
		logger.Info().Str("reason", ev.Reason()).Msg("error event received")
		return
	}

	kind, _ := ev.Payload()["kind"].(string)
	switch kind {
	case "claim":
		s.handleClaim(ctx, sessionID, eng, ev)
	case "release":
		s.handleRelease(ctx, sessionID, eng, ev)
	case "ping":
		extra := map[string]any{}
		if nonce, ok := ev.Payload()["nonce"]; ok {
			extra["nonce"] = nonce
		}
		s.sendResult(ctx, eng, "pong", extra)
	default:
		logger.Warn().Str("kind", kind).Msg("unroutable event kind")
		_ = eng.Close(wire.CloseUnknownEvent, "unknown event kind")
	}
}

// resourceFromPayload extracts the (type, id) pair of a claim/release.
func resourceFromPayload(payload map[string]any) (session.Resource, bool) {
	rtype, ok := payload["resource_type"].(string)
	if !ok || rtype == "" {
		return session.Resource{}, false
	}
	rid, ok := payload["resource_id"].(float64)
	if !ok {
		return session.Resource{}, false
	}
	return session.Resource{Type: rtype, ID: int64(rid)}, true
}

func (s *Service) handleClaim(ctx context.Context, sessionID string, eng *protocol.Engine, ev *wire.Event) {
	logger := log.WithComponentFromContext(ctx, "service")

	res, ok := resourceFromPayload(ev.Payload())
	if !ok {
		s.sendRejection(ctx, eng, "claim_rejected", "invalid resource reference", nil)
		return
	}

	if err := s.reg.Claim(sessionID, res); err != nil {
		var conflict *ownership.ConflictError
		if errors.As(err, &conflict) {
			logger.Info().Str("resource", res.String()).Str("conflict", string(conflict.Kind)).Msg("claim rejected")
			s.sendRejection(ctx, eng, "claim_rejected", conflict.Error(), map[string]any{
				"conflict":      string(conflict.Kind),
				"resource_type": res.Type,
				"resource_id":   res.ID,
			})
			return
		}
		s.sendRejection(ctx, eng, "claim_rejected", "claim failed", nil)
		return
	}

	if err := s.store.EnsureResource(ctx, res); err != nil {
		logger.Error().Err(err).Str("resource", res.String()).Msg("resource persist failed")
	} else if err := s.store.SetResourceOwner(ctx, res, sessionID); err != nil {
		logger.Error().Err(err).Str("resource", res.String()).Msg("owner persist failed")
	}

	logger.Info().Str("resource", res.String()).Msg("resource claimed")
	s.sendResult(ctx, eng, "claim_granted", map[string]any{
		"resource_type": res.Type,
		"resource_id":   res.ID,
	})
}

func (s *Service) handleRelease(ctx context.Context, sessionID string, eng *protocol.Engine, ev *wire.Event) {
	logger := log.WithComponentFromContext(ctx, "service")

	res, ok := resourceFromPayload(ev.Payload())
	if !ok {
		s.sendRejection(ctx, eng, "release_rejected", "invalid resource reference", nil)
		return
	}

	if err := s.reg.Release(sessionID, res); err != nil {
		var conflict *ownership.ConflictError
		if errors.As(err, &conflict) {
			logger.Info().Str("resource", res.String()).Str("conflict", string(conflict.Kind)).Msg("release rejected")
			s.sendRejection(ctx, eng, "release_rejected", conflict.Error(), map[string]any{
				"conflict":      string(conflict.Kind),
				"resource_type": res.Type,
				"resource_id":   res.ID,
			})
			return
		}
		s.sendRejection(ctx, eng, "release_rejected", "release failed", nil)
		return
	}

	if err := s.store.SetResourceOwner(ctx, res, ""); err != nil {
		logger.Error().Err(err).Str("resource", res.String()).Msg("owner clear failed")
	}

	logger.Info().Str("resource", res.String()).Msg("resource released")
	s.sendResult(ctx, eng, "release_granted", map[string]any{
		"resource_type": res.Type,
		"resource_id":   res.ID,
	})
}

func (s *Service) sendResult(ctx context.Context, eng *protocol.Engine, kind string, extra map[string]any) {
	payload := map[string]any{"kind": kind}
	for k, v := range extra {
		payload[k] = v
	}
	if _, err := eng.SendEvent(ctx, wire.StatusNormal, "", payload); err != nil {
		logger := log.WithComponentFromContext(ctx, "service")
		logger.Warn().Err(err).Str("kind", kind).Msg("result send failed")
	}
}

func (s *Service) sendRejection(ctx context.Context, eng *protocol.Engine, kind, reason string, extra map[string]any) {
	payload := map[string]any{"kind": kind}
	for k, v := range extra {
		payload[k] = v
	}
	if _, err := eng.SendEvent(ctx, wire.StatusError, reason, payload); err != nil {
		logger := log.WithComponentFromContext(ctx, "service")
		logger.Warn().Err(err).Str("kind", kind).Msg("rejection send failed")
	}
}
