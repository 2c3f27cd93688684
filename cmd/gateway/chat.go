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

	"github.com/google/uuid"
)

// memberStore holds per-chat membership. The chat service derives its
// entry ACLs from this table alone; the chat row itself carries no
// access data.
type memberStore interface {
	ACL(ctx context.Context, chatID string) (access.ACL, error)
	Grant(ctx context.Context, chatID, identityID string, level access.Level) error
	Revoke(ctx context.Context, chatID, identityID string) error
	PurgeChat(ctx context.Context, chatID string) error
}

type postgresMembers struct {
	db gatewayDB
}

func (m *postgresMembers) ACL(ctx context.Context, chatID string) (access.ACL, error) {
	rows, err := m.db.Query(ctx, `SELECT identity_id, level FROM chat_members WHERE chat_id=$1`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var acl access.ACL
	for rows.Next() {
		var identityID, levelRaw string
		if err := rows.Scan(&identityID, &levelRaw); err != nil {
			return nil, err
		}
		level, err := access.ParseLevel(levelRaw)
		if err != nil {
			return nil, err
		}
		acl = append(acl, access.Entry{IdentityID: identityID, Level: level})
	}
	return acl, rows.Err()
}

func (m *postgresMembers) Grant(ctx context.Context, chatID, identityID string, level access.Level) error {
	_, err := m.db.Exec(ctx, `
		INSERT INTO chat_members (chat_id, identity_id, level) VALUES ($1,$2,$3)
		ON CONFLICT (chat_id, identity_id) DO UPDATE SET level=EXCLUDED.level
	`, chatID, identityID, level.String())
	return err
}

func (m *postgresMembers) Revoke(ctx context.Context, chatID, identityID string) error {
	_, err := m.db.Exec(ctx, `DELETE FROM chat_members WHERE chat_id=$1 AND identity_id=$2`, chatID, identityID)
	return err
}

func (m *postgresMembers) PurgeChat(ctx context.Context, chatID string) error {
	_, err := m.db.Exec(ctx, `DELETE FROM chat_members WHERE chat_id=$1`, chatID)
	return err
}

type chatCreatePayload struct {
	Title string `json:"title"`
}

type chatPostPayload struct {
	ID   string `json:"id"`
	Body string `json:"body"`
}

type chatMemberPayload struct {
	ID         string `json:"id"`
	IdentityID string `json:"identityId"`
	Level      string `json:"level,omitempty"`
}

type chatRenamePayload struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// buildChatService wires the membership-table access variant: entry
// level comes from chat_members rows, mutations on the roster go
// through the member store and then fan out as a members patch.
func (s *Server) buildChatService() (*service.Service, error) {
	entities := s.ChatEntities
	if entities == nil {
		pg, err := store.NewPostgresEntities(s.DB, "chats")
		if err != nil {
			return nil, err
		}
		entities = pg
	}
	members := s.Members
	if members == nil {
		members = &postgresMembers{db: s.DB}
	}
	s.Members = members

	opts := []service.Option{
		service.WithMetrics(s.Metrics),
		service.WithACLLookup(func(ctx context.Context, entryID string) (access.ACL, error) {
			return members.ACL(ctx, entryID)
		}),
	}
	if s.Bus != nil {
		opts = append(opts, service.WithBroadcaster(s.Bus))
	}
	svc := service.New("chat", entities, opts...)

	svc.Define("create", access.Read, nil, func(ctx context.Context, call *service.Call) (interface{}, error) {
		var p chatCreatePayload
		_ = json.Unmarshal(call.Payload, &p)
		if p.Title == "" {
			return nil, errors.New("title is required")
		}
		chat, err := svc.Create(ctx, store.Entity{
			"title":     p.Title,
			"ownerId":   call.Identity.ID,
			"messages":  []interface{}{},
			"createdAt": time.Now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return nil, err
		}
		if err := members.Grant(ctx, chat.ID(), call.Identity.ID, access.Admin); err != nil {
			return nil, err
		}
		return chat, nil
	})

	svc.Define("post", access.Read, wire.PayloadID, func(ctx context.Context, call *service.Call) (interface{}, error) {
		var p chatPostPayload
		if err := json.Unmarshal(call.Payload, &p); err != nil {
			return nil, errors.New("invalid payload")
		}
		if p.Body == "" {
			return nil, errors.New("body is required")
		}
		chat, err := svc.Entities().FindByID(ctx, call.EntryID)
		if err != nil {
			return nil, err
		}
		msg := map[string]interface{}{
			"id":       uuid.NewString(),
			"authorId": call.Identity.ID,
			"body":     p.Body,
			"at":       time.Now().UTC().Format(time.RFC3339Nano),
		}
		messages, _ := chat["messages"].([]interface{})
		messages = append(messages, msg)
		svc.Update(ctx, call.EntryID, store.Entity{"messages": messages})
		return msg, nil
	})

	svc.Define("rename", access.Moderate, wire.PayloadID, func(ctx context.Context, call *service.Call) (interface{}, error) {
		var p chatRenamePayload
		if err := json.Unmarshal(call.Payload, &p); err != nil || p.Title == "" {
			return nil, errors.New("title is required")
		}
		updated := svc.Update(ctx, call.EntryID, store.Entity{"title": p.Title})
		if updated == nil {
			return nil, errors.New("chat not found")
		}
		return updated, nil
	})

	svc.Define("invite", access.Moderate, wire.PayloadID, func(ctx context.Context, call *service.Call) (interface{}, error) {
		var p chatMemberPayload
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
		if err := members.Grant(ctx, call.EntryID, p.IdentityID, level); err != nil {
			return nil, err
		}
		return s.emitMembers(ctx, svc, members, call.EntryID)
	})

	svc.Define("remove", access.Moderate, wire.PayloadID, func(ctx context.Context, call *service.Call) (interface{}, error) {
		var p chatMemberPayload
		if err := json.Unmarshal(call.Payload, &p); err != nil || p.IdentityID == "" {
			return nil, errors.New("identityId is required")
		}
		if err := members.Revoke(ctx, call.EntryID, p.IdentityID); err != nil {
			return nil, err
		}
		return s.emitMembers(ctx, svc, members, call.EntryID)
	})

	svc.Define("purge", access.Admin, wire.PayloadID, func(ctx context.Context, call *service.Call) (interface{}, error) {
		if !svc.Delete(ctx, call.EntryID) {
			return nil, errors.New("chat not found")
		}
		if err := members.PurgeChat(ctx, call.EntryID); err != nil {
			return nil, err
		}
		return map[string]interface{}{"id": call.EntryID, "deleted": true}, nil
	})

	return svc, nil
}

// emitMembers pushes the current roster to subscribers after a
// membership mutation and returns it as the ack payload.
func (s *Server) emitMembers(ctx context.Context, svc *service.Service, members memberStore, chatID string) (interface{}, error) {
	acl, err := members.ACL(ctx, chatID)
	if err != nil {
		return nil, err
	}
	roster := make([]map[string]interface{}, 0, len(acl))
	for _, entry := range acl {
		roster = append(roster, map[string]interface{}{
			"identityId": entry.IdentityID,
			"level":      entry.Level.String(),
		})
	}
	svc.EmitUpdate(chatID, map[string]interface{}{"id": chatID, "members": roster})
	return map[string]interface{}{"members": roster}, nil
}
