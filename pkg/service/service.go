// Package service implements the entity service abstraction: a declared
// method set with required access levels, the layered access-check
// pipeline, per-entry subscriptions, and the CRUD primitives that feed
// the update broadcast.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"quickdraw/pkg/access"
	"quickdraw/pkg/identity"
	"quickdraw/pkg/metrics"
	"quickdraw/pkg/session"
	"quickdraw/pkg/store"
)

// Call carries the caller context into a method handler.
type Call struct {
	Conn     *session.Conn
	Identity *identity.Identity
	EntryID  string
	Payload  json.RawMessage
}

type Handler func(ctx context.Context, call *Call) (interface{}, error)

// EntryIDResolver extracts the target entry id from a method payload.
// Every method declares one explicitly; wire.PayloadID is the opt-in
// convenience for payloads that carry a plain "id" field.
type EntryIDResolver func(payload json.RawMessage) string

// Method is one callable operation. The table is built at construction
// and immutable afterwards.
type Method struct {
	Name     string
	Required access.Level
	Resolver EntryIDResolver
	Handler  Handler
}

// CheckAccessFunc is the service's synchronous ownership/custom rule,
// e.g. "the caller is the entity itself". It must not block on I/O.
type CheckAccessFunc func(ident *identity.Identity, entryID string) bool

// ACLLookupFunc fetches the entry-level ACL for one entry. Lookup
// failures degrade to deny.
type ACLLookupFunc func(ctx context.Context, entryID string) (access.ACL, error)

// RedactFunc shapes an entity (or patch) for one viewer before it is
// returned from subscribe or pushed. It runs after access is granted.
type RedactFunc func(e store.Entity, viewer *identity.Identity) store.Entity

// Broadcaster relays emitted patches to other nodes.
type Broadcaster interface {
	Broadcast(service, entryID string, patch map[string]interface{})
}

const defaultACLTimeout = 2 * time.Second

type Service struct {
	name        string
	entities    store.Entities
	methods     map[string]Method
	checkAccess CheckAccessFunc
	aclLookup   ACLLookupFunc
	aclTimeout  time.Duration
	redact      RedactFunc
	bus         Broadcaster
	metrics     *metrics.Registry

	subs subscriberTable
}

type Option func(*Service)

// WithCheckAccess installs the ownership/custom rule (pipeline step 5).
func WithCheckAccess(fn CheckAccessFunc) Option {
	return func(s *Service) { s.checkAccess = fn }
}

// WithACLLookup declares that the service maintains entry-level ACLs
// (pipeline step 6).
func WithACLLookup(fn ACLLookupFunc) Option {
	return func(s *Service) { s.aclLookup = fn }
}

func WithACLTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.aclTimeout = d
		}
	}
}

func WithRedact(fn RedactFunc) Option {
	return func(s *Service) { s.redact = fn }
}

func WithBroadcaster(b Broadcaster) Option {
	return func(s *Service) { s.bus = b }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(s *Service) { s.metrics = m }
}

func New(name string, entities store.Entities, opts ...Option) *Service {
	s := &Service{
		name:       name,
		entities:   entities,
		methods:    map[string]Method{},
		aclTimeout: defaultACLTimeout,
		subs:       newSubscriberTable(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Name() string { return s.name }

// Entities exposes the backing-store delegate to the service's own
// handlers. Other components must not reach it.
func (s *Service) Entities() store.Entities { return s.entities }

// Define registers a method. Call only during service construction;
// "subscribe" and "unsubscribe" are reserved for the generic bindings.
func (s *Service) Define(name string, required access.Level, resolver EntryIDResolver, h Handler) {
	if name == "" || h == nil {
		panic("service: method needs a name and a handler")
	}
	if name == "subscribe" || name == "unsubscribe" {
		panic("service: " + name + " is a reserved method name")
	}
	if _, dup := s.methods[name]; dup {
		panic("service: duplicate method " + name)
	}
	s.methods[name] = Method{Name: name, Required: required, Resolver: resolver, Handler: h}
}

func (s *Service) Method(name string) (Method, bool) {
	m, ok := s.methods[name]
	return m, ok
}

// EnsureAccess decides whether conn may act at the required level,
// optionally scoped to one entry. Checks run cheapest first and
// short-circuit on the first sufficient grant; every store failure on
// the way degrades to deny.
func (s *Service) EnsureAccess(ctx context.Context, required access.Level, conn *session.Conn, entryID string) error {
	if required == access.Public {
		return nil
	}
	ident := conn.Identity()
	if ident == nil {
		return s.deny(access.ErrAuthenticationRequired)
	}
	if ident.Grants.Sufficient(s.name, required) {
		return nil
	}
	if entryID == "" {
		// Unscoped methods default to a Read floor for any
		// authenticated identity; anything stronger needs a grant.
		if access.Read.Sufficient(required) {
			return nil
		}
		return s.deny(access.ErrInsufficientPermissions)
	}
	if s.checkAccess != nil && s.checkAccess(ident, entryID) {
		return nil
	}
	if s.aclLookup != nil && s.entryACLSufficient(ctx, ident.ID, entryID, required) {
		return nil
	}
	return s.deny(access.ErrInsufficientPermissions)
}

// entryACLSufficient runs the store-backed ACL lookup under its own
// deadline. Errors and timeouts read as "no grant".
func (s *Service) entryACLSufficient(ctx context.Context, identityID, entryID string, required access.Level) bool {
	lookupCtx, cancel := context.WithTimeout(ctx, s.aclTimeout)
	defer cancel()
	acl, err := s.aclLookup(lookupCtx, entryID)
	if err != nil {
		log.Printf("service %s: entry acl lookup for %s failed closed: %v", s.name, entryID, err)
		return false
	}
	level, ok := acl.Level(identityID)
	return ok && level.Sufficient(required)
}

func (s *Service) deny(reason error) error {
	if s.metrics != nil {
		s.metrics.IncDeny(s.name, access.ReasonCode(reason))
	}
	return reason
}

// Create persists a new entity and emits its first update. Store
// failures propagate.
func (s *Service) Create(ctx context.Context, data store.Entity) (store.Entity, error) {
	e, err := s.entities.Create(ctx, data)
	if err != nil {
		return nil, err
	}
	s.EmitUpdate(e.ID(), map[string]interface{}(e))
	return e, nil
}

// Update merges a patch into an entity and emits it. Any store failure
// collapses to nil; handlers that need the cause must call the store
// delegate themselves.
func (s *Service) Update(ctx context.Context, id string, patch store.Entity) store.Entity {
	e, err := s.entities.Update(ctx, id, patch)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("service %s: update %s: %v", s.name, id, err)
		}
		return nil
	}
	out := patch.Clone()
	if out == nil {
		out = store.Entity{}
	}
	out["id"] = id
	s.EmitUpdate(id, map[string]interface{}(out))
	return e
}

// Delete removes an entity and pushes the terminal deletion sentinel.
func (s *Service) Delete(ctx context.Context, id string) bool {
	if err := s.entities.Delete(ctx, id); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("service %s: delete %s: %v", s.name, id, err)
		}
		return false
	}
	s.EmitDelete(id)
	return true
}
