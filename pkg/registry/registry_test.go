package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"quickdraw/pkg/access"
	"quickdraw/pkg/audit"
	"quickdraw/pkg/identity"
	"quickdraw/pkg/metrics"
	"quickdraw/pkg/service"
	"quickdraw/pkg/session"
	"quickdraw/pkg/store"
	"quickdraw/pkg/wire"
)

type recordingAuditor struct {
	mu      sync.Mutex
	denials []audit.Denial
}

func (a *recordingAuditor) Append(ctx context.Context, d audit.Denial) error {
	a.mu.Lock()
	a.denials = append(a.denials, d)
	a.mu.Unlock()
	return nil
}

func buildChat(t *testing.T) *service.Service {
	t.Helper()
	svc := service.New("chat", store.NewMemoryEntities(), service.WithACLLookup(
		func(ctx context.Context, entryID string) (access.ACL, error) {
			return access.ACL{{IdentityID: "member", Level: access.Read}}, nil
		}))
	if _, err := svc.Entities().Create(context.Background(), store.Entity{"id": "c1", "name": "general"}); err != nil {
		t.Fatal(err)
	}
	svc.Define("post", access.Read, wire.PayloadID, func(ctx context.Context, call *service.Call) (interface{}, error) {
		return map[string]interface{}{"posted": true, "entry": call.EntryID}, nil
	})
	svc.Define("rename", access.Moderate, wire.PayloadID, func(ctx context.Context, call *service.Call) (interface{}, error) {
		return map[string]interface{}{"renamed": true}, nil
	})
	svc.Define("boom", access.Read, nil, func(ctx context.Context, call *service.Call) (interface{}, error) {
		return nil, errors.New("kaboom")
	})
	svc.Define("panic", access.Read, nil, func(ctx context.Context, call *service.Call) (interface{}, error) {
		panic("handler bug")
	})
	return svc
}

func authedConn(id string, grants access.Grants) *session.Conn {
	c := session.New(16)
	c.SetIdentity(&identity.Identity{ID: id, Grants: grants})
	return c
}

func TestDispatchMalformedAndUnknown(t *testing.T) {
	r := New()
	if err := r.Register(buildChat(t)); err != nil {
		t.Fatal(err)
	}
	conn := authedConn("member", nil)
	if ack := r.Dispatch(context.Background(), conn, wire.Request{Event: "nocolon"}); ack.Success || ack.Code != wire.CodeBadRequest {
		t.Fatalf("malformed event ack: %+v", ack)
	}
	if ack := r.Dispatch(context.Background(), conn, wire.Request{Event: "ghost:post"}); ack.Success || ack.Code != wire.CodeNotFound {
		t.Fatalf("unknown service ack: %+v", ack)
	}
	if ack := r.Dispatch(context.Background(), conn, wire.Request{Event: "chat:ghost"}); ack.Success || ack.Code != wire.CodeNotFound {
		t.Fatalf("unknown method ack: %+v", ack)
	}
}

func TestDispatchAuthPrecheck(t *testing.T) {
	r := New()
	auditor := &recordingAuditor{}
	r.Audit = auditor
	if err := r.Register(buildChat(t)); err != nil {
		t.Fatal(err)
	}
	anon := session.New(0)
	ack := r.Dispatch(context.Background(), anon, wire.Request{ID: 1, Event: "chat:post", Payload: json.RawMessage(`{"id":"c1"}`)})
	if ack.Success || ack.Code != wire.CodeUnauthorized {
		t.Fatalf("anonymous non-public call: %+v", ack)
	}
	if len(auditor.denials) != 1 || auditor.denials[0].Reason != "AUTH_REQUIRED" {
		t.Fatalf("denial audit: %+v", auditor.denials)
	}
}

func TestDispatchAccessDenied(t *testing.T) {
	r := New()
	auditor := &recordingAuditor{}
	r.Audit = auditor
	if err := r.Register(buildChat(t)); err != nil {
		t.Fatal(err)
	}
	member := authedConn("member", nil)
	ack := r.Dispatch(context.Background(), member, wire.Request{ID: 2, Event: "chat:rename", Payload: json.RawMessage(`{"id":"c1"}`)})
	if ack.Success || ack.Code != wire.CodeForbidden {
		t.Fatalf("read-level member calling moderate method: %+v", ack)
	}
	if len(auditor.denials) != 1 || auditor.denials[0].EntryID != "c1" {
		t.Fatalf("denial audit: %+v", auditor.denials)
	}
}

func TestDispatchSuccess(t *testing.T) {
	r := New()
	r.Metrics = metrics.NewRegistry()
	if err := r.Register(buildChat(t)); err != nil {
		t.Fatal(err)
	}
	member := authedConn("member", nil)
	ack := r.Dispatch(context.Background(), member, wire.Request{ID: 3, Event: "chat:post", Payload: json.RawMessage(`{"id":"c1","body":"hi"}`)})
	if !ack.Success || ack.ID != 3 {
		t.Fatalf("ack: %+v", ack)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(ack.Data, &data); err != nil || data["entry"] != "c1" {
		t.Fatalf("data: %v err=%v", data, err)
	}
	if r.Metrics.Snapshot().Events["chat:post"] != 1 {
		t.Fatal("dispatch must count the event")
	}
}

func TestDispatchHandlerErrorBecomesAck(t *testing.T) {
	r := New()
	if err := r.Register(buildChat(t)); err != nil {
		t.Fatal(err)
	}
	member := authedConn("member", nil)
	ack := r.Dispatch(context.Background(), member, wire.Request{Event: "chat:boom"})
	if ack.Success || ack.Error != "kaboom" || ack.Code != wire.CodeInternal {
		t.Fatalf("ack: %+v", ack)
	}
}

func TestDispatchHandlerPanicIsolated(t *testing.T) {
	r := New()
	if err := r.Register(buildChat(t)); err != nil {
		t.Fatal(err)
	}
	member := authedConn("member", nil)
	ack := r.Dispatch(context.Background(), member, wire.Request{Event: "chat:panic"})
	if ack.Success || ack.Error != "internal error" {
		t.Fatalf("ack: %+v", ack)
	}
	// Dispatcher must still serve after a panicking handler.
	if ack := r.Dispatch(context.Background(), member, wire.Request{Event: "chat:post", Payload: json.RawMessage(`{"id":"c1"}`)}); !ack.Success {
		t.Fatalf("follow-up ack: %+v", ack)
	}
}

func TestSubscribeEvent(t *testing.T) {
	r := New()
	if err := r.Register(buildChat(t)); err != nil {
		t.Fatal(err)
	}
	member := authedConn("member", nil)
	ack := r.Dispatch(context.Background(), member, wire.Request{ID: 4, Event: "chat:subscribe", Payload: json.RawMessage(`{"entryId":"c1"}`)})
	if !ack.Success {
		t.Fatalf("subscribe ack: %+v", ack)
	}
	var snap map[string]interface{}
	if err := json.Unmarshal(ack.Data, &snap); err != nil || snap["name"] != "general" {
		t.Fatalf("snapshot: %v err=%v", snap, err)
	}

	outsider := authedConn("outsider", nil)
	ack = r.Dispatch(context.Background(), outsider, wire.Request{Event: "chat:subscribe", Payload: json.RawMessage(`{"entryId":"c1"}`)})
	if ack.Success || ack.Error != access.ErrNotFoundOrDenied.Error() {
		t.Fatalf("denied subscribe ack: %+v", ack)
	}

	ack = r.Dispatch(context.Background(), member, wire.Request{Event: "chat:subscribe", Payload: json.RawMessage(`{}`)})
	if ack.Success || ack.Code != wire.CodeBadRequest {
		t.Fatalf("missing entryId ack: %+v", ack)
	}

	ack = r.Dispatch(context.Background(), member, wire.Request{Event: "chat:subscribe", Payload: json.RawMessage(`{"entryId":"c1","requiredLevel":"owner"}`)})
	if ack.Success || ack.Code != wire.CodeBadRequest {
		t.Fatalf("bad level ack: %+v", ack)
	}
}

func TestSubscribeLevelCannotDropBelowRead(t *testing.T) {
	r := New()
	if err := r.Register(buildChat(t)); err != nil {
		t.Fatal(err)
	}

	// "public" in the payload must not turn a subscribe into a free
	// lookup; the Read floor still applies to anonymous connections.
	anon := session.New(0)
	ack := r.Dispatch(context.Background(), anon, wire.Request{Event: "chat:subscribe", Payload: json.RawMessage(`{"entryId":"c1","requiredLevel":"public"}`)})
	if ack.Success {
		t.Fatalf("anonymous public-level subscribe must fail: %+v", ack)
	}

	outsider := authedConn("outsider", nil)
	ack = r.Dispatch(context.Background(), outsider, wire.Request{Event: "chat:subscribe", Payload: json.RawMessage(`{"entryId":"c1","requiredLevel":"public"}`)})
	if ack.Success || ack.Error != access.ErrNotFoundOrDenied.Error() {
		t.Fatalf("non-member public-level subscribe must conflate to not found: %+v", ack)
	}

	// Raising the level is still allowed.
	member := authedConn("member", nil)
	ack = r.Dispatch(context.Background(), member, wire.Request{Event: "chat:subscribe", Payload: json.RawMessage(`{"entryId":"c1","requiredLevel":"moderate"}`)})
	if ack.Success {
		t.Fatalf("read member must not pass a moderate subscribe: %+v", ack)
	}
}

func TestUnsubscribeEvent(t *testing.T) {
	r := New()
	chat := buildChat(t)
	if err := r.Register(chat); err != nil {
		t.Fatal(err)
	}
	member := authedConn("member", nil)
	if ack := r.Dispatch(context.Background(), member, wire.Request{Event: "chat:subscribe", Payload: json.RawMessage(`{"entryId":"c1"}`)}); !ack.Success {
		t.Fatalf("subscribe: %+v", ack)
	}
	ack := r.Dispatch(context.Background(), member, wire.Request{ID: 5, Event: "chat:unsubscribe", Payload: json.RawMessage(`{"entryId":"c1"}`)})
	if !ack.Success {
		t.Fatalf("unsubscribe ack: %+v", ack)
	}
	var data map[string]interface{}
	_ = json.Unmarshal(ack.Data, &data)
	if data["unsubscribed"] != true || data["entryId"] != "c1" {
		t.Fatalf("unsubscribe data: %v", data)
	}
	if chat.Subscribed("c1", member) {
		t.Fatal("member should be unregistered")
	}
	// Unsubscribing again is a no-op, still acked.
	if ack := r.Dispatch(context.Background(), member, wire.Request{Event: "chat:unsubscribe", Payload: json.RawMessage(`{"entryId":"c1"}`)}); !ack.Success {
		t.Fatalf("repeat unsubscribe: %+v", ack)
	}
}

func TestDisconnectSweepsAllServices(t *testing.T) {
	r := New()
	chat := buildChat(t)
	docs := service.New("document", store.NewMemoryEntities(), service.WithCheckAccess(
		func(ident *identity.Identity, entryID string) bool { return true }))
	if _, err := docs.Entities().Create(context.Background(), store.Entity{"id": "d1"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(chat); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(docs); err != nil {
		t.Fatal(err)
	}
	member := authedConn("member", nil)
	if ack := r.Dispatch(context.Background(), member, wire.Request{Event: "chat:subscribe", Payload: json.RawMessage(`{"entryId":"c1"}`)}); !ack.Success {
		t.Fatalf("chat subscribe: %+v", ack)
	}
	if ack := r.Dispatch(context.Background(), member, wire.Request{Event: "document:subscribe", Payload: json.RawMessage(`{"entryId":"d1"}`)}); !ack.Success {
		t.Fatalf("document subscribe: %+v", ack)
	}
	r.Disconnect(member)
	if chat.Subscribed("c1", member) || docs.Subscribed("d1", member) {
		t.Fatal("disconnect must sweep every service")
	}
	// Safe for connections that never subscribed.
	r.Disconnect(session.New(0))
}

func TestRegisterDuplicate(t *testing.T) {
	r := New()
	if err := r.Register(buildChat(t)); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(buildChat(t)); err == nil {
		t.Fatal("duplicate registration must fail")
	}
}
