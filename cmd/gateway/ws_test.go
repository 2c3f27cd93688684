package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"quickdraw/pkg/identity"
	"quickdraw/pkg/store"
	"quickdraw/pkg/wire"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/jackc/pgx/v5"
)

type wsIdentityDB struct{}

func (wsIdentityDB) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	return identityRow{name: "Riley", grants: []byte(`{"chat":"read"}`)}
}

type identityRow struct {
	name   string
	grants []byte
}

func (r identityRow) Scan(dest ...any) error {
	*(dest[0].(*string)) = r.name
	*(dest[1].(*[]byte)) = r.grants
	return nil
}

func readFrame(ctx context.Context, t *testing.T, ws *websocket.Conn) map[string]interface{} {
	t.Helper()
	var frame map[string]interface{}
	if err := wsjson.Read(ctx, ws, &frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestWebSocketRoundTrip(t *testing.T) {
	s := newTestServer(t)
	s.Resolver = &identity.Resolver{
		DB:     wsIdentityDB{},
		Secret: "test-secret",
		Cache:  store.NewMemoryCache(),
	}

	srv := httptest.NewServer(http.HandlerFunc(s.handleWS))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	token := identity.SignHS256Token(identity.TokenClaims{
		Sub: "u1",
		Exp: time.Now().UTC().Add(time.Hour).Unix(),
	}, "test-secret")
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + token

	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "done")

	authInfo := readFrame(ctx, t, ws)
	if authInfo["event"] != wire.EventAuthInfo {
		t.Fatalf("expected auth info push first, got %v", authInfo)
	}

	payload, _ := json.Marshal(map[string]string{"title": "standup"})
	if err := wsjson.Write(ctx, ws, wire.Request{ID: 1, Event: "chat:create", Payload: payload}); err != nil {
		t.Fatalf("write create: %v", err)
	}
	createAck := readFrame(ctx, t, ws)
	if createAck["success"] != true {
		t.Fatalf("create failed: %v", createAck)
	}
	data, _ := createAck["data"].(map[string]interface{})
	chatID, _ := data["id"].(string)
	if chatID == "" {
		t.Fatalf("expected chat id in ack, got %v", createAck)
	}

	subPayload, _ := json.Marshal(wire.SubscribePayload{EntryID: chatID})
	if err := wsjson.Write(ctx, ws, wire.Request{ID: 2, Event: "chat:subscribe", Payload: subPayload}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	subAck := readFrame(ctx, t, ws)
	if subAck["success"] != true {
		t.Fatalf("subscribe failed: %v", subAck)
	}

	postPayload, _ := json.Marshal(map[string]string{"id": chatID, "body": "hello"})
	if err := wsjson.Write(ctx, ws, wire.Request{ID: 3, Event: "chat:post", Payload: postPayload}); err != nil {
		t.Fatalf("write post: %v", err)
	}

	// The post produces an ack and an update push; arrival order is not
	// fixed because pushes ride a separate writer.
	sawAck, sawPush := false, false
	for i := 0; i < 2; i++ {
		frame := readFrame(ctx, t, ws)
		if frame["success"] == true {
			sawAck = true
			continue
		}
		if frame["event"] == wire.UpdateEvent("chat", chatID) {
			sawPush = true
		}
	}
	if !sawAck || !sawPush {
		t.Fatalf("expected post ack and update push, ack=%v push=%v", sawAck, sawPush)
	}
}

func TestWebSocketRejectsInvalidToken(t *testing.T) {
	s := newTestServer(t)
	s.Resolver = &identity.Resolver{DB: wsIdentityDB{}, Secret: "test-secret"}

	srv := httptest.NewServer(http.HandlerFunc(s.handleWS))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=garbage"
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "done")

	frame := readFrame(ctx, t, ws)
	if frame["success"] == true {
		t.Fatalf("expected failure frame, got %v", frame)
	}
	if code, _ := frame["code"].(float64); int(code) != wire.CodeUnauthorized {
		t.Fatalf("expected 401 frame, got %v", frame)
	}
}

func TestWebSocketAnonymous(t *testing.T) {
	s := newTestServer(t)
	s.Resolver = &identity.Resolver{DB: wsIdentityDB{}, Secret: "test-secret"}

	srv := httptest.NewServer(http.HandlerFunc(s.handleWS))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "done")

	// No auth info push for anonymous connections; the first frame is
	// the ack for whatever we send.
	payload, _ := json.Marshal(map[string]string{"title": "nope"})
	if err := wsjson.Write(ctx, ws, wire.Request{ID: 1, Event: "chat:create", Payload: payload}); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := readFrame(ctx, t, ws)
	if frame["success"] == true {
		t.Fatalf("expected denial for anonymous create, got %v", frame)
	}
	if code, _ := frame["code"].(float64); int(code) != wire.CodeUnauthorized {
		t.Fatalf("expected 401, got %v", frame)
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=query-token", nil)
	if got := bearerToken(r); got != "query-token" {
		t.Fatalf("query token got %q", got)
	}
	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer header-token")
	if got := bearerToken(r); got != "header-token" {
		t.Fatalf("header token got %q", got)
	}
	r = httptest.NewRequest("GET", "/ws", nil)
	if got := bearerToken(r); got != "" {
		t.Fatalf("expected empty token, got %q", got)
	}
}
