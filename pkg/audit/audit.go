// Package audit records access denials for diagnosability. The access
// pipeline fails closed and deliberately tells callers nothing; this
// trail is where operators see why.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Denial is one rejected call.
type Denial struct {
	Service    string
	Method     string
	IdentityID string
	EntryID    string
	Reason     string
	CreatedAt  time.Time
}

// Writer appends denials to the access_denials table. With Redact set,
// identity ids are salted-hashed before they touch the table.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

func (w *Writer) Append(ctx context.Context, d Denial) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	identityID := d.IdentityID
	if w.Redact && identityID != "" {
		identityID = hashString(identityID, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO access_denials (service, method, identity_id, entry_id, reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, d.Service, d.Method, identityID, d.EntryID, d.Reason, d.CreatedAt)
	return err
}

// CountSince reports denials for one service since a point in time.
func (w *Writer) CountSince(ctx context.Context, service string, since time.Time) (int64, error) {
	var n int64
	row := w.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM access_denials WHERE service=$1 AND created_at >= $2
	`, service, since)
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// EnsureSchema creates the denial table if missing.
func (w *Writer) EnsureSchema(ctx context.Context) error {
	_, err := w.DB.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS access_denials (
			service TEXT NOT NULL,
			method TEXT NOT NULL,
			identity_id TEXT NOT NULL DEFAULT '',
			entry_id TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`)
	return err
}

func hashString(value string, salt []byte) string {
	h := sha256.New()
	_, _ = h.Write(salt)
	_, _ = h.Write([]byte(value))
	return hex.EncodeToString(h.Sum(nil))
}
