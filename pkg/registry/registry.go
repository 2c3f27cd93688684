// Package registry binds entity services to inbound message events,
// runs the access check ahead of every handler, and converts results
// and failures into acknowledgements.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"quickdraw/pkg/access"
	"quickdraw/pkg/audit"
	"quickdraw/pkg/metrics"
	"quickdraw/pkg/service"
	"quickdraw/pkg/session"
	"quickdraw/pkg/wire"
)

// Auditor receives denial records. *audit.Writer satisfies it.
type Auditor interface {
	Append(ctx context.Context, d audit.Denial) error
}

type Registry struct {
	Metrics  *metrics.Registry
	Audit    Auditor
	services map[string]*service.Service
}

func New() *Registry {
	return &Registry{services: map[string]*service.Service{}}
}

// Register adds a service. Call during startup only; the table is read
// without a lock afterwards.
func (r *Registry) Register(svc *service.Service) error {
	name := svc.Name()
	if name == "" {
		return errors.New("registry: service needs a name")
	}
	if _, dup := r.services[name]; dup {
		return fmt.Errorf("registry: duplicate service %q", name)
	}
	r.services[name] = svc
	return nil
}

func (r *Registry) Service(name string) (*service.Service, bool) {
	svc, ok := r.services[name]
	return svc, ok
}

func (r *Registry) Services() []*service.Service {
	out := make([]*service.Service, 0, len(r.services))
	for _, svc := range r.services {
		out = append(out, svc)
	}
	return out
}

// Dispatch handles one inbound request frame and returns its single
// acknowledgement. Handler failures never escape: they become failure
// acks and the dispatcher keeps serving.
func (r *Registry) Dispatch(ctx context.Context, conn *session.Conn, req wire.Request) wire.Ack {
	serviceName, method, ok := wire.SplitEvent(req.Event)
	if !ok {
		return wire.Fail(req.ID, wire.CodeBadRequest, "malformed event")
	}
	svc, ok := r.services[serviceName]
	if !ok {
		return wire.Fail(req.ID, wire.CodeNotFound, "unknown service")
	}
	if r.Metrics != nil {
		r.Metrics.IncEvent(req.Event)
		start := time.Now()
		defer func() { r.Metrics.ObserveDispatch(req.Event, time.Since(start)) }()
	}
	switch method {
	case wire.EventSubscribe:
		return r.handleSubscribe(ctx, svc, conn, req)
	case wire.EventUnsubscribe:
		return r.handleUnsubscribe(svc, conn, req)
	}
	def, ok := svc.Method(method)
	if !ok {
		return wire.Fail(req.ID, wire.CodeNotFound, "unknown method")
	}
	if def.Required != access.Public && conn.Identity() == nil {
		r.recordDenial(ctx, conn, serviceName, method, "", access.ErrAuthenticationRequired)
		return wire.Fail(req.ID, wire.CodeUnauthorized, access.ErrAuthenticationRequired.Error())
	}
	entryID := ""
	if def.Resolver != nil {
		entryID = def.Resolver(req.Payload)
	}
	if err := svc.EnsureAccess(ctx, def.Required, conn, entryID); err != nil {
		r.recordDenial(ctx, conn, serviceName, method, entryID, err)
		return wire.Fail(req.ID, denyCode(err), err.Error())
	}
	call := &service.Call{
		Conn:     conn,
		Identity: conn.Identity(),
		EntryID:  entryID,
		Payload:  req.Payload,
	}
	result, err := r.invoke(ctx, def, call)
	if err != nil {
		msg := err.Error()
		if msg == "" {
			msg = "internal error"
		}
		return wire.Fail(req.ID, wire.CodeInternal, msg)
	}
	return wire.OK(req.ID, result)
}

// invoke runs the handler with panic isolation; a panicking handler
// must not take the dispatcher down with it.
func (r *Registry) invoke(ctx context.Context, def service.Method, call *service.Call) (result interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("registry: handler %s panic: %v", def.Name, p)
			result, err = nil, errors.New("internal error")
		}
	}()
	return def.Handler(ctx, call)
}

func (r *Registry) handleSubscribe(ctx context.Context, svc *service.Service, conn *session.Conn, req wire.Request) wire.Ack {
	var payload wire.SubscribePayload
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return wire.Fail(req.ID, wire.CodeBadRequest, "malformed subscribe payload")
		}
	}
	if payload.EntryID == "" {
		return wire.Fail(req.ID, wire.CodeBadRequest, "entryId required")
	}
	// A client-supplied level can raise the bar, never lower it below
	// the Read floor every snapshot requires.
	required := access.Read
	if payload.RequiredLevel != "" {
		parsed, err := access.ParseLevel(payload.RequiredLevel)
		if err != nil {
			return wire.Fail(req.ID, wire.CodeBadRequest, err.Error())
		}
		if parsed > required {
			required = parsed
		}
	}
	entity, err := svc.Subscribe(ctx, payload.EntryID, conn, required)
	if err != nil {
		r.recordDenial(ctx, conn, svc.Name(), wire.EventSubscribe, payload.EntryID, err)
		return wire.Fail(req.ID, wire.CodeNotFound, err.Error())
	}
	return wire.OK(req.ID, entity)
}

func (r *Registry) handleUnsubscribe(svc *service.Service, conn *session.Conn, req wire.Request) wire.Ack {
	var payload wire.SubscribePayload
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return wire.Fail(req.ID, wire.CodeBadRequest, "malformed unsubscribe payload")
		}
	}
	if payload.EntryID == "" {
		return wire.Fail(req.ID, wire.CodeBadRequest, "entryId required")
	}
	svc.Unsubscribe(payload.EntryID, conn)
	return wire.OK(req.ID, map[string]interface{}{"unsubscribed": true, "entryId": payload.EntryID})
}

// Disconnect removes the connection from every service's subscriber
// table. One service's failure never blocks cleanup in the rest.
func (r *Registry) Disconnect(conn *session.Conn) {
	for name, svc := range r.services {
		func() {
			defer func() {
				if p := recover(); p != nil {
					log.Printf("registry: disconnect cleanup for %s panic: %v", name, p)
				}
			}()
			svc.UnsubscribeConn(conn)
		}()
	}
}

func (r *Registry) recordDenial(ctx context.Context, conn *session.Conn, serviceName, method, entryID string, reason error) {
	if r.Audit == nil {
		return
	}
	identityID := ""
	if ident := conn.Identity(); ident != nil {
		identityID = ident.ID
	}
	if err := r.Audit.Append(ctx, audit.Denial{
		Service:    serviceName,
		Method:     method,
		IdentityID: identityID,
		EntryID:    entryID,
		Reason:     access.ReasonCode(reason),
	}); err != nil {
		log.Printf("registry: audit append: %v", err)
	}
}

func denyCode(err error) int {
	if errors.Is(err, access.ErrAuthenticationRequired) {
		return wire.CodeUnauthorized
	}
	return wire.CodeForbidden
}
