package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"quickdraw/pkg/access"
	"quickdraw/pkg/identity"
	"quickdraw/pkg/service"
	"quickdraw/pkg/store"
	"quickdraw/pkg/wire"
)

type profilePayload struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status,omitempty"`
	Email  string `json:"email,omitempty"`
}

// buildUserService wires the redaction variant: anyone with service
// read may watch a profile, but the email field only reaches its owner.
func (s *Server) buildUserService() (*service.Service, error) {
	entities := s.UserEntities
	if entities == nil {
		pg, err := store.NewPostgresEntities(s.DB, "users")
		if err != nil {
			return nil, err
		}
		entities = pg
	}

	opts := []service.Option{
		service.WithMetrics(s.Metrics),
		service.WithCheckAccess(func(ident *identity.Identity, entryID string) bool {
			return ident != nil && entryID != "" && ident.ID == entryID
		}),
		service.WithRedact(func(e store.Entity, viewer *identity.Identity) store.Entity {
			if viewer != nil && viewer.ID == e.ID() {
				return e
			}
			out := e.Clone()
			delete(out, "email")
			return out
		}),
	}
	if s.Bus != nil {
		opts = append(opts, service.WithBroadcaster(s.Bus))
	}
	svc := service.New("user", entities, opts...)

	svc.Define("setProfile", access.Read, wire.PayloadID, func(ctx context.Context, call *service.Call) (interface{}, error) {
		var p profilePayload
		if err := json.Unmarshal(call.Payload, &p); err != nil {
			return nil, errors.New("invalid payload")
		}
		patch := store.Entity{}
		if p.Name != "" {
			patch["name"] = p.Name
		}
		if p.Status != "" {
			patch["status"] = p.Status
		}
		if p.Email != "" {
			patch["email"] = p.Email
		}
		if len(patch) == 0 {
			return nil, errors.New("nothing to update")
		}
		patch["updatedAt"] = time.Now().UTC().Format(time.RFC3339Nano)
		// Without an explicit id the write targets the caller's own
		// profile; a random row id would escape the self scope.
		entryID := call.EntryID
		if entryID == "" {
			if call.Identity == nil {
				return nil, errors.New("id required")
			}
			entryID = call.Identity.ID
		}
		updated := svc.Update(ctx, entryID, patch)
		if updated == nil {
			// First write creates the profile row.
			seed := patch.Clone()
			seed["id"] = entryID
			created, err := svc.Create(ctx, seed)
			if err != nil {
				return nil, err
			}
			updated = created
		}
		return updated, nil
	})

	return svc, nil
}
