package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"quickdraw/pkg/ratelimit"
	"quickdraw/pkg/session"
	"quickdraw/pkg/wire"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// handleWS upgrades the connection, resolves the caller's identity, and
// runs the read/write loops until either side goes away. One goroutine
// reads request frames and dispatches them; a second drains the
// connection's push queue.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn := session.New(s.ConnBuffer)
	ident, err := s.Resolver.Resolve(ctx, bearerToken(r))
	if err != nil {
		_ = wsjson.Write(ctx, ws, wire.Fail(0, wire.CodeUnauthorized, "invalid token"))
		_ = ws.Close(websocket.StatusPolicyViolation, "invalid token")
		return
	}
	conn.SetIdentity(ident)

	s.Metrics.AddConnections(1)
	defer func() {
		s.Registry.Disconnect(conn)
		conn.Close()
		s.Metrics.AddConnections(-1)
	}()

	if ident != nil {
		grants := map[string]string{}
		for svc, lvl := range ident.Grants {
			grants[svc] = lvl.String()
		}
		info := wire.NewPush(wire.EventAuthInfo, wire.AuthInfo{IdentityID: ident.ID, Grants: grants})
		_ = wsjson.Write(ctx, ws, info)
	}

	writeErr := make(chan error, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case push, ok := <-conn.C():
				if !ok {
					writeErr <- errors.New("connection closed")
					return
				}
				writeCtx, cancelWrite := context.WithTimeout(ctx, s.writeTimeout())
				err := wsjson.Write(writeCtx, ws, push)
				cancelWrite()
				if err != nil {
					writeErr <- err
					cancel()
					return
				}
			}
		}
	}()

	for {
		select {
		case err := <-writeErr:
			_ = ws.Close(websocket.StatusNormalClosure, "write failed")
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("ws %s: write: %v", conn.ID(), err)
			}
			return
		default:
		}
		var req wire.Request
		if err := wsjson.Read(ctx, ws, &req); err != nil {
			_ = ws.Close(websocket.StatusNormalClosure, "closed")
			return
		}
		if ack, limited := s.checkRate(conn, req); limited {
			_ = wsjson.Write(ctx, ws, ack)
			continue
		}
		ack := s.Registry.Dispatch(ctx, conn, req)
		writeCtx, cancelWrite := context.WithTimeout(ctx, s.writeTimeout())
		err := wsjson.Write(writeCtx, ws, ack)
		cancelWrite()
		if err != nil {
			_ = ws.Close(websocket.StatusNormalClosure, "write failed")
			return
		}
	}
}

func (s *Server) writeTimeout() time.Duration {
	if s.WriteTimeout > 0 {
		return s.WriteTimeout
	}
	return 5 * time.Second
}

// checkRate applies the per-connection fixed window. Budgets are keyed
// by service so one chatty service cannot starve the rest.
func (s *Server) checkRate(conn *session.Conn, req wire.Request) (wire.Ack, bool) {
	if !s.RateLimitEnabled || s.RateLimiter == nil {
		return wire.Ack{}, false
	}
	serviceName, _, ok := wire.SplitEvent(req.Event)
	if !ok {
		serviceName = ""
	}
	decision := s.RateLimiter.Allow(ratelimit.Key(conn.ID(), serviceName), s.RateLimitPerWindow)
	if decision.Allowed {
		return wire.Ack{}, false
	}
	return wire.Fail(req.ID, wire.CodeTooManyRequests, "rate limited"), true
}

func bearerToken(r *http.Request) string {
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); auth != "" {
		if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
			return strings.TrimSpace(auth[len("bearer "):])
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
