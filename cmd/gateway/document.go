package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"quickdraw/pkg/access"
	"quickdraw/pkg/service"
	"quickdraw/pkg/store"
	"quickdraw/pkg/wire"
)

type docCreatePayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type docEditPayload struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

type docSharePayload struct {
	ID         string `json:"id"`
	IdentityID string `json:"identityId"`
	Level      string `json:"level,omitempty"`
}

// buildDocumentService wires the embedded-ACL variant: each document
// row carries its own acl list, and the owner always resolves to admin
// regardless of what the list says.
func (s *Server) buildDocumentService() (*service.Service, error) {
	entities := s.DocEntities
	if entities == nil {
		pg, err := store.NewPostgresEntities(s.DB, "documents")
		if err != nil {
			return nil, err
		}
		entities = pg
	}

	opts := []service.Option{
		service.WithMetrics(s.Metrics),
		service.WithACLLookup(func(ctx context.Context, entryID string) (access.ACL, error) {
			doc, err := entities.FindByID(ctx, entryID)
			if err != nil {
				return nil, err
			}
			return docACL(doc), nil
		}),
	}
	if s.Bus != nil {
		opts = append(opts, service.WithBroadcaster(s.Bus))
	}
	svc := service.New("document", entities, opts...)

	svc.Define("create", access.Read, nil, func(ctx context.Context, call *service.Call) (interface{}, error) {
		var p docCreatePayload
		_ = json.Unmarshal(call.Payload, &p)
		if p.Title == "" {
			return nil, errors.New("title is required")
		}
		return svc.Create(ctx, store.Entity{
			"title":     p.Title,
			"body":      p.Body,
			"ownerId":   call.Identity.ID,
			"acl":       []interface{}{},
			"createdAt": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	svc.Define("edit", access.Read, wire.PayloadID, func(ctx context.Context, call *service.Call) (interface{}, error) {
		var p docEditPayload
		if err := json.Unmarshal(call.Payload, &p); err != nil {
			return nil, errors.New("invalid payload")
		}
		patch := store.Entity{}
		if p.Title != "" {
			patch["title"] = p.Title
		}
		if p.Body != "" {
			patch["body"] = p.Body
		}
		if len(patch) == 0 {
			return nil, errors.New("nothing to edit")
		}
		patch["editedAt"] = time.Now().UTC().Format(time.RFC3339Nano)
		updated := svc.Update(ctx, call.EntryID, patch)
		if updated == nil {
			return nil, errors.New("document not found")
		}
		return updated, nil
	})

	svc.Define("share", access.Moderate, wire.PayloadID, func(ctx context.Context, call *service.Call) (interface{}, error) {
		var p docSharePayload
		if err := json.Unmarshal(call.Payload, &p); err != nil || p.IdentityID == "" {
			return nil, errors.New("identityId is required")
		}
		level := access.Read
		if p.Level != "" {
			parsed, err := access.ParseLevel(p.Level)
			if err != nil {
				return nil, err
			}
			level = parsed
		}
		return s.rewriteDocACL(ctx, svc, call.EntryID, func(acl access.ACL) access.ACL {
			return acl.Grant(p.IdentityID, level)
		})
	})

	svc.Define("unshare", access.Moderate, wire.PayloadID, func(ctx context.Context, call *service.Call) (interface{}, error) {
		var p docSharePayload
		if err := json.Unmarshal(call.Payload, &p); err != nil || p.IdentityID == "" {
			return nil, errors.New("identityId is required")
		}
		return s.rewriteDocACL(ctx, svc, call.EntryID, func(acl access.ACL) access.ACL {
			return acl.Revoke(p.IdentityID)
		})
	})

	svc.Define("trash", access.Admin, wire.PayloadID, func(ctx context.Context, call *service.Call) (interface{}, error) {
		if !svc.Delete(ctx, call.EntryID) {
			return nil, errors.New("document not found")
		}
		return map[string]interface{}{"id": call.EntryID, "deleted": true}, nil
	})

	return svc, nil
}

func (s *Server) rewriteDocACL(ctx context.Context, svc *service.Service, docID string, mutate func(access.ACL) access.ACL) (interface{}, error) {
	doc, err := svc.Entities().FindByID(ctx, docID)
	if err != nil {
		return nil, err
	}
	acl := mutate(embeddedACL(doc))
	raw := make([]interface{}, 0, len(acl))
	for _, entry := range acl {
		raw = append(raw, map[string]interface{}{
			"identityId": entry.IdentityID,
			"level":      entry.Level.String(),
		})
	}
	updated := svc.Update(ctx, docID, store.Entity{"acl": raw})
	if updated == nil {
		return nil, errors.New("document not found")
	}
	return map[string]interface{}{"acl": raw}, nil
}

// embeddedACL parses the acl field as stored, without the owner entry.
func embeddedACL(doc store.Entity) access.ACL {
	rawList, _ := doc["acl"].([]interface{})
	var acl access.ACL
	for _, raw := range rawList {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		identityID, _ := entry["identityId"].(string)
		levelRaw, _ := entry["level"].(string)
		if identityID == "" {
			continue
		}
		level, err := access.ParseLevel(levelRaw)
		if err != nil {
			continue
		}
		acl = append(acl, access.Entry{IdentityID: identityID, Level: level})
	}
	return acl
}

// docACL is the effective entry ACL: the embedded list plus the owner
// pinned at admin.
func docACL(doc store.Entity) access.ACL {
	acl := embeddedACL(doc)
	if owner, _ := doc["ownerId"].(string); owner != "" {
		acl = acl.Grant(owner, access.Admin)
	}
	return acl
}
