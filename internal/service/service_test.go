// SPDX-License-Identifier: MIT

package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimgate/claimgate/internal/config"
	"github.com/claimgate/claimgate/internal/protocol"
	"github.com/claimgate/claimgate/internal/store"
	"github.com/claimgate/claimgate/internal/transport"
	"github.com/claimgate/claimgate/internal/wire"
)

func startServer(t *testing.T, mutate func(*config.Config)) (*Service, *httptest.Server) {
	t.Helper()

	cfg := config.Default()
	cfg.Storage.DBPath = filepath.Join(t.TempDir(), "claimgate.db")
	cfg.Resource.Grace = config.Duration{Duration: 50 * time.Millisecond}
	if mutate != nil {
		mutate(&cfg)
	}

	st, err := store.New(cfg.Storage.DBPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	svc := New(cfg, st)
	srv := httptest.NewServer(svc.Router())
	t.Cleanup(func() {
		_ = svc.Shutdown(context.Background())
		srv.Close()
	})
	return svc, srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func registerAndLogin(t *testing.T, baseURL, name string, autopilot bool) string {
	t.Helper()

	resp := postJSON(t, baseURL+"/auth/register", map[string]any{
		"username": name, "password": "hunter22", "autopilot": autopilot,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return login(t, baseURL, name)
}

func login(t *testing.T, baseURL, name string) string {
	t.Helper()

	resp := postJSON(t, baseURL+"/auth/login", map[string]any{
		"username": name, "password": "hunter22",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tokens struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tokens))
	require.NotEmpty(t, tokens.AccessToken)
	return tokens.AccessToken
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func dialClient(t *testing.T, srv *httptest.Server, token, path string) *protocol.Engine {
	t.Helper()

	tr, _, err := transport.Dial(context.Background(), wsURL(srv, path), token, transport.Options{})
	require.NoError(t, err)
	eng := protocol.New("client-"+t.Name(), tr, protocol.Config{Role: "client"})
	t.Cleanup(func() { _ = eng.Close(wire.CloseGoingAway, "test done") })
	return eng
}

// recvAcked pulls the next event and acknowledges it so the server's ack
// tracking stays clean.
func recvAcked(t *testing.T, eng *protocol.Engine) *wire.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := eng.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, eng.SendAck(ctx, ev.ID()))
	return ev
}

func claimPayload(kind, resourceType string, resourceID int) map[string]any {
	return map[string]any{"kind": kind, "resource_type": resourceType, "resource_id": resourceID}
}

// peerCloseReason digs the close-frame text out of a connection torn down
// by the server side.
func peerCloseReason(t *testing.T, err error) string {
	t.Helper()
	var closed *protocol.ClosedError
	require.ErrorAs(t, err, &closed)
	return closed.Reason
}

func TestAuthEndpoints(t *testing.T) {
	_, srv := startServer(t, nil)

	resp := postJSON(t, srv.URL+"/auth/register", map[string]any{
		"username": "mara", "password": "hunter22",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	dup := postJSON(t, srv.URL+"/auth/register", map[string]any{
		"username": "mara", "password": "hunter22",
	})
	assert.Equal(t, http.StatusConflict, dup.StatusCode)

	bad := postJSON(t, srv.URL+"/auth/login", map[string]any{
		"username": "mara", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, bad.StatusCode)

	ok := postJSON(t, srv.URL+"/auth/login", map[string]any{
		"username": "mara", "password": "hunter22",
	})
	require.Equal(t, http.StatusOK, ok.StatusCode)

	var tokens struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	require.NoError(t, json.NewDecoder(ok.Body).Decode(&tokens))
	require.NotEmpty(t, tokens.RefreshToken)

	refreshed := postJSON(t, srv.URL+"/auth/refresh", map[string]any{
		"refresh_token": tokens.RefreshToken,
	})
	assert.Equal(t, http.StatusOK, refreshed.StatusCode)

	stale := postJSON(t, srv.URL+"/auth/refresh", map[string]any{
		"refresh_token": "no-such-token",
	})
	assert.Equal(t, http.StatusUnauthorized, stale.StatusCode)
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	_, srv := startServer(t, nil)

	_, resp, err := transport.Dial(context.Background(), wsURL(srv, "/ws"), "bogus", transport.Options{})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAutopilotEndpointRequiresFlag(t *testing.T) {
	_, srv := startServer(t, nil)
	token := registerAndLogin(t, srv.URL, "mara", false)

	_, resp, err := transport.Dial(context.Background(), wsURL(srv, "/ws/autopilot"), token, transport.Options{})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	eng := dialClient(t, srv, token, "/ws")
	assert.Equal(t, protocol.StateOpen, eng.State())
}

func TestClaimRoundTrip(t *testing.T) {
	svc, srv := startServer(t, nil)
	token := registerAndLogin(t, srv.URL, "mara", false)
	eng := dialClient(t, srv, token, "/ws")

	ctx := context.Background()
	_, err := eng.SendEvent(ctx, wire.StatusNormal, "", claimPayload("claim", "channel", 7))
	require.NoError(t, err)

	granted := recvAcked(t, eng)
	assert.Equal(t, wire.StatusNormal, granted.Status())
	assert.Equal(t, "claim_granted", granted.Payload()["kind"])
	assert.Equal(t, "channel", granted.Payload()["resource_type"])
	assert.Equal(t, float64(7), granted.Payload()["resource_id"])

	// The server acked our claim event; nothing should linger unacked.
	require.Eventually(t, func() bool {
		return len(eng.Unacked()) == 0
	}, 2*time.Second, 10*time.Millisecond)

	bound, ok := svc.Registry().ResourceOf(token)
	require.True(t, ok)
	owner, ok := svc.Registry().OwnerOf(bound)
	require.True(t, ok)
	assert.Equal(t, token, owner)

	_, err = eng.SendEvent(ctx, wire.StatusNormal, "", claimPayload("release", "channel", 7))
	require.NoError(t, err)
	released := recvAcked(t, eng)
	assert.Equal(t, "release_granted", released.Payload()["kind"])
	_, ok = svc.Registry().ResourceOf(token)
	assert.False(t, ok)
}

func TestClaimConflictKeepsConnectionOpen(t *testing.T) {
	_, srv := startServer(t, nil)
	tokenA := registerAndLogin(t, srv.URL, "mara", false)
	tokenB := login(t, srv.URL, "mara")
	require.NotEqual(t, tokenA, tokenB)

	engA := dialClient(t, srv, tokenA, "/ws")
	engB := dialClient(t, srv, tokenB, "/ws")

	ctx := context.Background()
	_, err := engA.SendEvent(ctx, wire.StatusNormal, "", claimPayload("claim", "channel", 7))
	require.NoError(t, err)
	require.Equal(t, "claim_granted", recvAcked(t, engA).Payload()["kind"])

	_, err = engB.SendEvent(ctx, wire.StatusNormal, "", claimPayload("claim", "channel", 7))
	require.NoError(t, err)
	rejected := recvAcked(t, engB)
	assert.Equal(t, wire.StatusError, rejected.Status())
	assert.Equal(t, "claim_rejected", rejected.Payload()["kind"])
	assert.Equal(t, "resource_locked", rejected.Payload()["conflict"])

	// Conflicts are recoverable: the same connection can claim elsewhere.
	_, err = engB.SendEvent(ctx, wire.StatusNormal, "", claimPayload("claim", "channel", 8))
	require.NoError(t, err)
	assert.Equal(t, "claim_granted", recvAcked(t, engB).Payload()["kind"])
}

func TestSecondClaimSameSessionRejected(t *testing.T) {
	_, srv := startServer(t, nil)
	token := registerAndLogin(t, srv.URL, "mara", false)
	eng := dialClient(t, srv, token, "/ws")

	ctx := context.Background()
	_, err := eng.SendEvent(ctx, wire.StatusNormal, "", claimPayload("claim", "channel", 7))
	require.NoError(t, err)
	require.Equal(t, "claim_granted", recvAcked(t, eng).Payload()["kind"])

	// Re-claiming the held resource is idempotent.
	_, err = eng.SendEvent(ctx, wire.StatusNormal, "", claimPayload("claim", "channel", 7))
	require.NoError(t, err)
	assert.Equal(t, "claim_granted", recvAcked(t, eng).Payload()["kind"])

	// A different resource while one is held is a session_bound conflict.
	_, err = eng.SendEvent(ctx, wire.StatusNormal, "", claimPayload("claim", "channel", 8))
	require.NoError(t, err)
	rejected := recvAcked(t, eng)
	assert.Equal(t, wire.StatusError, rejected.Status())
	assert.Equal(t, "session_bound", rejected.Payload()["conflict"])
}

func TestReleaseNotOwnedRejected(t *testing.T) {
	_, srv := startServer(t, nil)
	token := registerAndLogin(t, srv.URL, "mara", false)
	eng := dialClient(t, srv, token, "/ws")

	_, err := eng.SendEvent(context.Background(), wire.StatusNormal, "", claimPayload("release", "channel", 7))
	require.NoError(t, err)
	rejected := recvAcked(t, eng)
	assert.Equal(t, wire.StatusError, rejected.Status())
	assert.Equal(t, "release_rejected", rejected.Payload()["kind"])
	assert.Equal(t, "resource_not_owned", rejected.Payload()["conflict"])
}

func TestFatalEventClosesConnection(t *testing.T) {
	_, srv := startServer(t, nil)
	token := registerAndLogin(t, srv.URL, "mara", false)
	eng := dialClient(t, srv, token, "/ws")

	ctx := context.Background()
	_, err := eng.SendEvent(ctx, wire.StatusFatal, "client giving up", nil)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = eng.Next(waitCtx)
	require.Error(t, err)
	assert.Contains(t, peerCloseReason(t, err), "4009")
}

func TestUnknownEventKindClosesConnection(t *testing.T) {
	_, srv := startServer(t, nil)
	token := registerAndLogin(t, srv.URL, "mara", false)
	eng := dialClient(t, srv, token, "/ws")

	ctx := context.Background()
	_, err := eng.SendEvent(ctx, wire.StatusNormal, "", map[string]any{"kind": "teleport"})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = eng.Next(waitCtx)
	require.Error(t, err)
	assert.Contains(t, peerCloseReason(t, err), "4008")
}

func TestPingPongEchoesNonce(t *testing.T) {
	_, srv := startServer(t, nil)
	token := registerAndLogin(t, srv.URL, "mara", false)
	eng := dialClient(t, srv, token, "/ws")

	_, err := eng.SendEvent(context.Background(), wire.StatusNormal, "", map[string]any{
		"kind": "ping", "nonce": "n-42",
	})
	require.NoError(t, err)
	pong := recvAcked(t, eng)
	assert.Equal(t, "pong", pong.Payload()["kind"])
	assert.Equal(t, "n-42", pong.Payload()["nonce"])
}

func TestMalformedPayloadRejectedNotFatal(t *testing.T) {
	_, srv := startServer(t, nil)
	token := registerAndLogin(t, srv.URL, "mara", false)
	eng := dialClient(t, srv, token, "/ws")

	ctx := context.Background()
	_, err := eng.SendEvent(ctx, wire.StatusNormal, "", map[string]any{
		"kind": "claim", "resource_type": "channel", "resource_id": "seven",
	})
	require.NoError(t, err)
	rejected := recvAcked(t, eng)
	assert.Equal(t, wire.StatusError, rejected.Status())
	assert.Equal(t, "claim_rejected", rejected.Payload()["kind"])
	assert.Equal(t, protocol.StateOpen, eng.State())
}

func TestGraceReleasesClaimAfterDisconnect(t *testing.T) {
	svc, srv := startServer(t, nil)
	token := registerAndLogin(t, srv.URL, "mara", false)
	eng := dialClient(t, srv, token, "/ws")

	ctx := context.Background()
	_, err := eng.SendEvent(ctx, wire.StatusNormal, "", claimPayload("claim", "channel", 7))
	require.NoError(t, err)
	require.Equal(t, "claim_granted", recvAcked(t, eng).Payload()["kind"])

	require.NoError(t, eng.Close(wire.CloseGoingAway, "client going away"))

	// The grace window elapses with no reconnect, freeing the resource.
	require.Eventually(t, func() bool {
		_, held := svc.Registry().ResourceOf(token)
		return !held
	}, 3*time.Second, 20*time.Millisecond)

	tokenB := login(t, srv.URL, "mara")
	engB := dialClient(t, srv, tokenB, "/ws")
	_, err = engB.SendEvent(ctx, wire.StatusNormal, "", claimPayload("claim", "channel", 7))
	require.NoError(t, err)
	assert.Equal(t, "claim_granted", recvAcked(t, engB).Payload()["kind"])
}

func TestReconnectWithinGraceKeepsClaim(t *testing.T) {
	svc, srv := startServer(t, func(cfg *config.Config) {
		cfg.Resource.Grace = config.Duration{Duration: 2 * time.Second}
	})
	token := registerAndLogin(t, srv.URL, "mara", false)
	eng := dialClient(t, srv, token, "/ws")

	ctx := context.Background()
	_, err := eng.SendEvent(ctx, wire.StatusNormal, "", claimPayload("claim", "channel", 7))
	require.NoError(t, err)
	require.Equal(t, "claim_granted", recvAcked(t, eng).Payload()["kind"])

	require.NoError(t, eng.Close(wire.CloseGoingAway, "dropping"))

	// Reconnect with the same token before the grace window expires.
	require.Eventually(t, func() bool {
		return len(svc.Directory().Connections(token)) == 0
	}, 2*time.Second, 10*time.Millisecond)
	eng2 := dialClient(t, srv, token, "/ws")

	// The claim survived; re-claiming it is idempotent.
	_, err = eng2.SendEvent(ctx, wire.StatusNormal, "", claimPayload("claim", "channel", 7))
	require.NoError(t, err)
	assert.Equal(t, "claim_granted", recvAcked(t, eng2).Payload()["kind"])

	_, held := svc.Registry().ResourceOf(token)
	assert.True(t, held)
}

// brokenSendTransport delivers queued frames but fails every write, like
// a peer whose socket died mid-session.
type brokenSendTransport struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func (b *brokenSendTransport) Receive(ctx context.Context) (int, []byte, error) {
	select {
	case data := <-b.frames:
		return wire.TextFrame, data, nil
	case <-b.done:
		return 0, nil, errors.New("transport closed")
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (b *brokenSendTransport) Send(context.Context, int, []byte) error {
	return errors.New("write: broken pipe")
}

func (b *brokenSendTransport) Close(wire.CloseCode, string) error {
	b.once.Do(func() { close(b.done) })
	return nil
}

func TestServeConnectionClosesEngineOnAckWriteFailure(t *testing.T) {
	svc, _ := startServer(t, nil)

	ev, err := wire.NewEvent("ev-1", wire.Now(), wire.StatusNormal, "", map[string]any{"kind": "ping"})
	require.NoError(t, err)
	data, err := wire.Encode(ev)
	require.NoError(t, err)

	tr := &brokenSendTransport{frames: make(chan []byte, 1), done: make(chan struct{})}
	tr.frames <- data

	eng := protocol.New("conn-broken", tr, protocol.Config{Role: "user"})
	svc.serveConnection(context.Background(), "sess-broken", eng)

	assert.Equal(t, protocol.StateClosed, eng.State())
}

func TestServeConnectionClosesEngineOnContextCancel(t *testing.T) {
	svc, _ := startServer(t, nil)

	tr := &brokenSendTransport{frames: make(chan []byte), done: make(chan struct{})}
	eng := protocol.New("conn-cancelled", tr, protocol.Config{Role: "user"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc.serveConnection(ctx, "sess-cancelled", eng)

	assert.Equal(t, protocol.StateClosed, eng.State())
}

func TestExpirySweepClosesSession(t *testing.T) {
	svc, srv := startServer(t, func(cfg *config.Config) {
		cfg.Auth.AccessTTL = config.Duration{Duration: 400 * time.Millisecond}
	})
	token := registerAndLogin(t, srv.URL, "mara", false)
	eng := dialClient(t, srv, token, "/ws")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.RunExpirySweep(ctx, 50*time.Millisecond)

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	_, err := eng.Next(waitCtx)
	require.Error(t, err)
	assert.Contains(t, peerCloseReason(t, err), "4000")
}
