package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"quickdraw/pkg/access"
	"quickdraw/pkg/identity"
	"quickdraw/pkg/metrics"
	"quickdraw/pkg/session"
	"quickdraw/pkg/store"
)

func connFor(id string, grants access.Grants) *session.Conn {
	c := session.New(16)
	if id != "" {
		c.SetIdentity(&identity.Identity{ID: id, Grants: grants})
	}
	return c
}

func TestEnsureAccessPublicNeedsNoIdentity(t *testing.T) {
	s := New("chat", store.NewMemoryEntities())
	if err := s.EnsureAccess(context.Background(), access.Public, session.New(0), ""); err != nil {
		t.Fatalf("public must allow anonymous: %v", err)
	}
}

func TestEnsureAccessRequiresIdentity(t *testing.T) {
	s := New("chat", store.NewMemoryEntities())
	err := s.EnsureAccess(context.Background(), access.Read, session.New(0), "c1")
	if !errors.Is(err, access.ErrAuthenticationRequired) {
		t.Fatalf("got %v, want authentication required", err)
	}
}

func TestEnsureAccessServiceGrant(t *testing.T) {
	s := New("chat", store.NewMemoryEntities())
	conn := connFor("u1", access.Grants{"chat": access.Admin})
	if err := s.EnsureAccess(context.Background(), access.Admin, conn, "c1"); err != nil {
		t.Fatalf("admin grant must cover admin: %v", err)
	}
	weak := connFor("u2", access.Grants{"chat": access.Read})
	err := s.EnsureAccess(context.Background(), access.Moderate, weak, "c1")
	if !errors.Is(err, access.ErrInsufficientPermissions) {
		t.Fatalf("got %v, want insufficient permissions", err)
	}
}

func TestEnsureAccessGrantForOtherServiceDoesNotCount(t *testing.T) {
	s := New("chat", store.NewMemoryEntities())
	conn := connFor("u1", access.Grants{"document": access.Admin})
	err := s.EnsureAccess(context.Background(), access.Moderate, conn, "c1")
	if !errors.Is(err, access.ErrInsufficientPermissions) {
		t.Fatalf("got %v", err)
	}
}

func TestEnsureAccessUnscopedReadFloor(t *testing.T) {
	s := New("chat", store.NewMemoryEntities())
	conn := connFor("u1", nil)
	if err := s.EnsureAccess(context.Background(), access.Read, conn, ""); err != nil {
		t.Fatalf("unscoped read should allow any identity: %v", err)
	}
	err := s.EnsureAccess(context.Background(), access.Moderate, conn, "")
	if !errors.Is(err, access.ErrInsufficientPermissions) {
		t.Fatalf("unscoped moderate without grant: got %v", err)
	}
}

func TestEnsureAccessOwnershipCheck(t *testing.T) {
	s := New("user", store.NewMemoryEntities(), WithCheckAccess(func(ident *identity.Identity, entryID string) bool {
		return ident.ID == entryID
	}))
	self := connFor("u1", nil)
	if err := s.EnsureAccess(context.Background(), access.Admin, self, "u1"); err != nil {
		t.Fatalf("self check must allow: %v", err)
	}
	other := connFor("u2", nil)
	if err := s.EnsureAccess(context.Background(), access.Moderate, other, "u1"); !errors.Is(err, access.ErrInsufficientPermissions) {
		t.Fatalf("got %v", err)
	}
}

func TestEnsureAccessEntryACL(t *testing.T) {
	acl := access.ACL{{IdentityID: "u1", Level: access.Moderate}}
	s := New("chat", store.NewMemoryEntities(), WithACLLookup(func(ctx context.Context, entryID string) (access.ACL, error) {
		if entryID != "c1" {
			return nil, store.ErrNotFound
		}
		return acl, nil
	}))
	member := connFor("u1", nil)
	if err := s.EnsureAccess(context.Background(), access.Moderate, member, "c1"); err != nil {
		t.Fatalf("sufficient ACE must allow: %v", err)
	}
	if err := s.EnsureAccess(context.Background(), access.Admin, member, "c1"); !errors.Is(err, access.ErrInsufficientPermissions) {
		t.Fatalf("ACE below required must deny: %v", err)
	}
	outsider := connFor("u9", nil)
	if err := s.EnsureAccess(context.Background(), access.Read, outsider, "c1"); !errors.Is(err, access.ErrInsufficientPermissions) {
		t.Fatalf("missing ACE must deny: %v", err)
	}
	if err := s.EnsureAccess(context.Background(), access.Read, member, "missing"); !errors.Is(err, access.ErrInsufficientPermissions) {
		t.Fatalf("unknown entry must deny: %v", err)
	}
}

func TestEnsureAccessACLErrorFailsClosed(t *testing.T) {
	s := New("chat", store.NewMemoryEntities(), WithACLLookup(func(ctx context.Context, entryID string) (access.ACL, error) {
		return access.ACL{{IdentityID: "u1", Level: access.Admin}}, errors.New("store down")
	}))
	conn := connFor("u1", nil)
	err := s.EnsureAccess(context.Background(), access.Read, conn, "c1")
	if !errors.Is(err, access.ErrInsufficientPermissions) {
		t.Fatalf("store error must deny, got %v", err)
	}
}

func TestEnsureAccessACLLookupBounded(t *testing.T) {
	s := New("chat", store.NewMemoryEntities(),
		WithACLTimeout(20*time.Millisecond),
		WithACLLookup(func(ctx context.Context, entryID string) (access.ACL, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return access.ACL{{IdentityID: "u1", Level: access.Admin}}, nil
			}
		}))
	conn := connFor("u1", nil)
	start := time.Now()
	err := s.EnsureAccess(context.Background(), access.Read, conn, "c1")
	if !errors.Is(err, access.ErrInsufficientPermissions) {
		t.Fatalf("timeout must deny, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("lookup was not bounded by the ACL timeout")
	}
}

func TestEnsureAccessPrecedence(t *testing.T) {
	// Service grant wins before the ACL lookup ever runs.
	lookups := 0
	s := New("chat", store.NewMemoryEntities(), WithACLLookup(func(ctx context.Context, entryID string) (access.ACL, error) {
		lookups++
		return nil, errors.New("should not be called")
	}))
	conn := connFor("u1", access.Grants{"chat": access.Moderate})
	if err := s.EnsureAccess(context.Background(), access.Read, conn, "c1"); err != nil {
		t.Fatalf("grant must allow: %v", err)
	}
	if lookups != 0 {
		t.Fatal("ACL lookup must not run when the service grant suffices")
	}
}

func TestDenyCounted(t *testing.T) {
	m := metrics.NewRegistry()
	s := New("chat", store.NewMemoryEntities(), WithMetrics(m))
	_ = s.EnsureAccess(context.Background(), access.Read, session.New(0), "c1")
	if m.Snapshot().Denies["chat|AUTH_REQUIRED"] != 1 {
		t.Fatalf("denies: %v", m.Snapshot().Denies)
	}
}

func TestDefineRejectsReservedAndDuplicates(t *testing.T) {
	s := New("chat", store.NewMemoryEntities())
	mustPanic := func(fn func()) {
		t.Helper()
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic")
			}
		}()
		fn()
	}
	noop := func(ctx context.Context, call *Call) (interface{}, error) { return nil, nil }
	s.Define("post", access.Read, nil, noop)
	mustPanic(func() { s.Define("post", access.Read, nil, noop) })
	mustPanic(func() { s.Define("subscribe", access.Read, nil, noop) })
	mustPanic(func() { s.Define("", access.Read, nil, noop) })
	mustPanic(func() { s.Define("broken", access.Read, nil, nil) })
}

func TestCreatePropagatesStoreError(t *testing.T) {
	s := New("chat", store.NewMemoryEntities())
	if _, err := s.Create(context.Background(), store.Entity{"id": "c1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Create(context.Background(), store.Entity{"id": "c1"}); err == nil {
		t.Fatal("duplicate create must propagate")
	}
}

func TestUpdateSwallowsToNil(t *testing.T) {
	s := New("chat", store.NewMemoryEntities())
	if got := s.Update(context.Background(), "missing", store.Entity{"name": "x"}); got != nil {
		t.Fatalf("update of missing entity must be nil, got %v", got)
	}
	_, _ = s.Create(context.Background(), store.Entity{"id": "c1", "name": "a"})
	got := s.Update(context.Background(), "c1", store.Entity{"name": "b"})
	if got == nil || got["name"] != "b" {
		t.Fatalf("update result: %v", got)
	}
}

func TestDeleteSwallowsToBool(t *testing.T) {
	s := New("chat", store.NewMemoryEntities())
	if s.Delete(context.Background(), "missing") {
		t.Fatal("deleting a missing entity must report false")
	}
	_, _ = s.Create(context.Background(), store.Entity{"id": "c1"})
	if !s.Delete(context.Background(), "c1") {
		t.Fatal("delete must report true")
	}
}
