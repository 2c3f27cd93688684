package service

import (
	"context"
	"sync"

	"quickdraw/pkg/access"
	"quickdraw/pkg/session"
	"quickdraw/pkg/store"
	"quickdraw/pkg/wire"
)

// subscriberTable maps entry id to the live connections subscribed to
// it. All three mutators share one lock: subscribe, unsubscribe and
// emit all read-modify-write the same per-entry sets.
type subscriberTable struct {
	mu      sync.Mutex
	entries map[string]map[*session.Conn]struct{}
}

func newSubscriberTable() subscriberTable {
	return subscriberTable{entries: map[string]map[*session.Conn]struct{}{}}
}

func (t *subscriberTable) add(entryID string, conn *session.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.entries[entryID]
	if !ok {
		set = map[*session.Conn]struct{}{}
		t.entries[entryID] = set
	}
	set[conn] = struct{}{}
}

func (t *subscriberTable) remove(entryID string, conn *session.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.entries[entryID]
	if !ok {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(t.entries, entryID)
	}
}

func (t *subscriberTable) removeConn(conn *session.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for entryID, set := range t.entries {
		delete(set, conn)
		if len(set) == 0 {
			delete(t.entries, entryID)
		}
	}
}

// snapshot returns the subscriber set of one entry at call time.
func (t *subscriberTable) snapshot(entryID string) []*session.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.entries[entryID]
	if len(set) == 0 {
		return nil
	}
	out := make([]*session.Conn, 0, len(set))
	for conn := range set {
		out = append(out, conn)
	}
	return out
}

func (t *subscriberTable) count(entryID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries[entryID])
}

func (t *subscriberTable) total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, set := range t.entries {
		n += len(set)
	}
	return n
}

func (t *subscriberTable) entryCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *subscriberTable) contains(entryID string, conn *session.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[entryID][conn]
	return ok
}

// Subscribe runs the access pipeline at the required level (callers
// default it to Read), registers the connection and returns the current
// entity state. Denial and a missing entry are deliberately the same
// error so existence never leaks. A failed subscribe leaves the
// registration untouched.
func (s *Service) Subscribe(ctx context.Context, entryID string, conn *session.Conn, required access.Level) (store.Entity, error) {
	if entryID == "" {
		return nil, s.deny(access.ErrNotFoundOrDenied)
	}
	if err := s.EnsureAccess(ctx, required, conn, entryID); err != nil {
		return nil, s.conflate(err)
	}
	e, err := s.entities.FindByID(ctx, entryID)
	if err != nil {
		return nil, s.deny(access.ErrNotFoundOrDenied)
	}
	s.subs.add(entryID, conn)
	s.refreshGauge()
	if s.redact != nil {
		e = s.redact(e, conn.Identity())
	}
	return e, nil
}

// conflate folds any pipeline denial into the subscribe-only reason.
// The deny counter was already bumped with the specific reason.
func (s *Service) conflate(err error) error {
	if err == nil {
		return nil
	}
	return access.ErrNotFoundOrDenied
}

// Unsubscribe drops the connection from one entry. No-op for
// non-members.
func (s *Service) Unsubscribe(entryID string, conn *session.Conn) {
	s.subs.remove(entryID, conn)
	s.refreshGauge()
}

// UnsubscribeConn drops the connection from every entry. Safe for
// connections that never subscribed; used on disconnect.
func (s *Service) UnsubscribeConn(conn *session.Conn) {
	s.subs.removeConn(conn)
	s.refreshGauge()
}

// refreshGauge keeps the per-service gauge equal to the number of live
// registrations across all entries.
func (s *Service) refreshGauge() {
	if s.metrics != nil {
		s.metrics.SetSubscriptions(s.name, int64(s.subs.total()))
	}
}

// Subscribed reports whether conn is currently registered for entryID.
func (s *Service) Subscribed(entryID string, conn *session.Conn) bool {
	return s.subs.contains(entryID, conn)
}

// SubscriberCount returns the size of one entry's subscriber set.
func (s *Service) SubscriberCount(entryID string) int {
	return s.subs.count(entryID)
}

// Subscriptions returns the live registration count across all entries.
func (s *Service) Subscriptions() int {
	return s.subs.total()
}

// EmitUpdate pushes a patch to every connection subscribed to entryID
// at call time, and relays it to peer nodes when a broadcaster is
// configured. Delivery is fire-and-forget.
func (s *Service) EmitUpdate(entryID string, patch map[string]interface{}) {
	s.emit(entryID, patch)
	if s.bus != nil {
		s.bus.Broadcast(s.name, entryID, patch)
	}
}

// EmitLocal delivers a patch to local subscribers only. The bus
// consumer uses it for remote-originated updates; a relayed deletion
// sentinel clears the entry here just like a local delete.
func (s *Service) EmitLocal(entryID string, patch map[string]interface{}) {
	s.emit(entryID, patch)
	if wire.IsDeleted(patch) {
		s.clearEntry(entryID)
	}
}

// EmitDelete pushes the terminal deletion sentinel and clears the
// entry's subscriber set; there is nothing left to subscribe to.
func (s *Service) EmitDelete(entryID string) {
	s.EmitUpdate(entryID, wire.Deleted(entryID))
	s.clearEntry(entryID)
}

func (s *Service) clearEntry(entryID string) {
	s.subs.mu.Lock()
	delete(s.subs.entries, entryID)
	s.subs.mu.Unlock()
	s.refreshGauge()
}

func (s *Service) emit(entryID string, patch map[string]interface{}) {
	targets := s.subs.snapshot(entryID)
	if len(targets) == 0 {
		return
	}
	event := wire.UpdateEvent(s.name, entryID)
	for _, conn := range targets {
		out := patch
		if s.redact != nil && !wire.IsDeleted(patch) {
			out = map[string]interface{}(s.redact(store.Entity(patch), conn.Identity()))
		}
		delivered := conn.Send(wire.NewPush(event, out))
		if s.metrics != nil {
			s.metrics.IncPush(s.name, delivered)
		}
	}
}
