package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"courier/cmd/identity"
	"courier/cmd/internal/apperr"
	"courier/cmd/internal/authz"
	"courier/cmd/internal/ratelimit"
	"courier/cmd/internal/web"
)

// Subprotocol is offered during the handshake. Clients may omit it.
const Subprotocol = "courier.feed.v1"

// Gateway is the websocket entrypoint of the owner feed. It authenticates
// the access token, admits Owners only and then streams the events that the
// Hub publishes for that owner.
type Gateway struct {
	log  *slog.Logger
	hub  *Hub
	auth authz.Authenticator
	rs   *web.Responder
	cfg  Config

	// Derived for websocket.Accept, which rejects cross-origin handshakes
	// unless the origin host matches one of these.
	patterns []string

	now func() time.Time
}

// NewGateway constructs a Gateway.
func NewGateway(log *slog.Logger, hub *Hub, auth authz.Authenticator, rs *web.Responder, cfg Config) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	if rs == nil {
		rs = web.NewResponder(log, false)
	}
	cfg = cfg.normalized()
	return &Gateway{
		log:      log,
		hub:      hub,
		auth:     auth,
		rs:       rs,
		cfg:      cfg,
		patterns: originPatterns(cfg.AllowedOrigins),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ServeHTTP upgrades the request and runs the connection until either side
// goes away or the access token expires.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "realtime.Gateway"

	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		g.rs.Error(w, r, apperr.New(op, apperr.ErrForbidden, "origin not allowed"))
		return
	}

	raw := web.BearerToken(r)
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	if raw == "" {
		g.rs.Error(w, r, apperr.New(op, apperr.ErrUnauthenticated, "missing access token"))
		return
	}
	claims, err := g.auth.Authenticate(r.Context(), raw)
	if err != nil {
		g.rs.Error(w, r, err)
		return
	}
	if err := authz.Authorize(&claims, []identity.Role{identity.RoleOwner}, ""); err != nil {
		g.rs.Error(w, r, err)
		return
	}

	// The server's body timeouts are sized for uploads; a feed connection
	// lives until the token expires.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{Subprotocol},
		OriginPatterns:     g.patterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	conn.SetReadLimit(maxFrameBytes)

	subID, err := NewSubscriptionID(g.now())
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	client := NewClient(claims.Subject, subID, g.cfg.SendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Unregister(client.OwnerID, client.ID)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	g.hub.Register(client)
	g.enqueue(client, TypeReady, readyPayload{SubscriptionID: subID, OwnerID: client.OwnerID})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				// Unsubscribed by the hub, usually because the queue overflowed.
				shutdown(websocket.StatusTryAgainLater, "too slow")
				return
			case ev := <-client.Send:
				if err := writeEvent(ctx, conn, ev, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "subscription_id", subID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.heartbeat(ctx, conn, client, shutdown)
	}()

	if !claims.ExpiresAt.IsZero() {
		expiry := time.AfterFunc(claims.ExpiresAt.Sub(g.now()), func() {
			shutdown(websocket.StatusPolicyViolation, "token expired")
		})
		defer expiry.Stop()
	}

	g.readLoop(ctx, conn, client, shutdown)

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
}

func (g *Gateway) heartbeat(ctx context.Context, conn *websocket.Conn, client *Client, shutdown func(websocket.StatusCode, string)) {
	t := time.NewTicker(g.cfg.HeartbeatEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				g.log.Info("ws.ping.fail", "subscription_id", client.ID, "failures", failures, "err", err)
				if failures >= maxPingFailures {
					shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// readLoop drains inbound frames. The feed is server-to-client; the only
// request a client can make is ping. Reading also lets the library process
// control frames, which heartbeats depend on.
func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, client *Client, shutdown func(websocket.StatusCode, string)) {
	rl := ratelimit.New(ratelimit.Config{Requests: g.cfg.RateEvents, Window: g.cfg.RateWindow, MaxKeys: 1})

	for {
		ev, err := readEvent(ctx, conn)
		badFrame := false
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				return
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				return
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				return
			case readErrBadJSON:
				badFrame = true
			default:
				g.log.Info("ws.read.fail", "subscription_id", client.ID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				return
			}
		}

		// Every frame the client sent counts, malformed ones included.
		if ok, _ := rl.Allow(client.ID, g.now()); !ok {
			g.enqueue(client, TypeError, errorPayload{Code: "rate_limited", Message: "too many frames"})
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			return
		}
		if badFrame {
			g.enqueue(client, TypeError, errorPayload{Code: "bad_json", Message: "invalid JSON"})
			continue
		}

		switch ev.Type {
		case TypePing:
			g.enqueue(client, TypePong, nil)
		default:
			g.enqueue(client, TypeError, errorPayload{Code: "unsupported", Message: fmt.Sprintf("unsupported type: %q", ev.Type)})
		}
	}
}

// enqueue queues a frame for this client only, dropping it if the queue is
// full.
func (g *Gateway) enqueue(client *Client, typ string, payload any) {
	ev, err := newEvent(typ, payload, g.now())
	if err != nil {
		g.log.Error("ws.encode.fail", "type", typ, "err", err)
		return
	}
	select {
	case <-client.Done():
	case client.Send <- ev:
	default:
	}
}

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	host := originHostOnly(origin)
	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
		case a == "*", origin == a:
			return nil
		case host != "" && host == originHostOnly(a):
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func readEvent(ctx context.Context, conn *websocket.Conn) (Event, error) {
	typ, data, err := conn.Read(ctx)
	if err != nil {
		return Event{}, err
	}
	if typ != websocket.MessageText {
		return Event{}, errBadFrame
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	return ev, nil
}

func writeEvent(parent context.Context, conn *websocket.Conn, ev Event, timeout time.Duration) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, b)
}

var errBadFrame = errors.New("bad frame")

type readErrKind int

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	switch {
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return readErrConnClosed
	case errors.Is(err, errBadFrame):
		return readErrBadJSON
	}
	return readErrUnknown
}
