package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Entity is one persisted record. Every entity carries a stable string
// "id" assigned at creation.
type Entity map[string]interface{}

func (e Entity) ID() string {
	id, _ := e["id"].(string)
	return id
}

func (e Entity) Clone() Entity {
	if e == nil {
		return nil
	}
	out := make(Entity, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

var ErrNotFound = errors.New("entity not found")

// Entities is the backing-store delegate an entity service owns. Callers
// never reach the rows of another service's type.
type Entities interface {
	FindByID(ctx context.Context, id string) (Entity, error)
	Create(ctx context.Context, data Entity) (Entity, error)
	Update(ctx context.Context, id string, patch Entity) (Entity, error)
	Delete(ctx context.Context, id string) error
}

type entityDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var tableNameRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// PostgresEntities stores one entity type as (id text primary key,
// data jsonb) rows. Updates are shallow jsonb merges.
type PostgresEntities struct {
	db    entityDB
	table string
}

func NewPostgresEntities(db entityDB, table string) (*PostgresEntities, error) {
	if !tableNameRe.MatchString(table) {
		return nil, fmt.Errorf("invalid entity table name %q", table)
	}
	return &PostgresEntities{db: db, table: table}, nil
}

// EnsureSchema creates the entity table if missing.
func (p *PostgresEntities) EnsureSchema(ctx context.Context) error {
	_, err := p.db.Exec(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, data JSONB NOT NULL)`, p.table))
	return err
}

func (p *PostgresEntities) FindByID(ctx context.Context, id string) (Entity, error) {
	var raw []byte
	row := p.db.QueryRow(ctx, fmt.Sprintf(`SELECT data FROM %s WHERE id=$1`, p.table), id)
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var e Entity
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	return e, nil
}

func (p *PostgresEntities) Create(ctx context.Context, data Entity) (Entity, error) {
	e := data.Clone()
	if e == nil {
		e = Entity{}
	}
	if e.ID() == "" {
		e["id"] = uuid.NewString()
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	if _, err := p.db.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, data) VALUES ($1, $2)`, p.table), e.ID(), raw); err != nil {
		return nil, err
	}
	return e, nil
}

func (p *PostgresEntities) Update(ctx context.Context, id string, patch Entity) (Entity, error) {
	patch = patch.Clone()
	if patch == nil {
		patch = Entity{}
	}
	// The id is immutable; never let a patch rewrite it.
	delete(patch, "id")
	raw, err := json.Marshal(patch)
	if err != nil {
		return nil, err
	}
	var merged []byte
	row := p.db.QueryRow(ctx, fmt.Sprintf(
		`UPDATE %s SET data = data || $2 WHERE id=$1 RETURNING data`, p.table), id, raw)
	if err := row.Scan(&merged); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var e Entity
	if err := json.Unmarshal(merged, &e); err != nil {
		return nil, err
	}
	return e, nil
}

func (p *PostgresEntities) Delete(ctx context.Context, id string) error {
	tag, err := p.db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id=$1`, p.table), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MemoryEntities keeps entities in a map. Used in tests and when no
// database is configured.
type MemoryEntities struct {
	mu    sync.Mutex
	items map[string]Entity
}

func NewMemoryEntities() *MemoryEntities {
	return &MemoryEntities{items: map[string]Entity{}}
}

func (m *MemoryEntities) FindByID(ctx context.Context, id string) (Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (m *MemoryEntities) Create(ctx context.Context, data Entity) (Entity, error) {
	e := data.Clone()
	if e == nil {
		e = Entity{}
	}
	if e.ID() == "" {
		e["id"] = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[e.ID()]; ok {
		return nil, fmt.Errorf("duplicate entity id %q", e.ID())
	}
	m.items[e.ID()] = e.Clone()
	return e, nil
}

func (m *MemoryEntities) Update(ctx context.Context, id string, patch Entity) (Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	merged := e.Clone()
	for k, v := range patch {
		if k == "id" {
			continue
		}
		merged[k] = v
	}
	m.items[id] = merged
	return merged.Clone(), nil
}

func (m *MemoryEntities) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return ErrNotFound
	}
	delete(m.items, id)
	return nil
}
