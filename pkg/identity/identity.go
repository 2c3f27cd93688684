package identity

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"quickdraw/pkg/access"
	"quickdraw/pkg/store"

	"github.com/jackc/pgx/v5"
)

// Identity is the authenticated principal bound to a connection.
// Grants carry the service-wide levels loaded at authentication time;
// services treat them as read-only for the life of the connection.
type Identity struct {
	ID     string
	Name   string
	Grants access.Grants
}

type contextKey string

const identityContextKey contextKey = "quickdraw.identity"

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

func FromContext(ctx context.Context) (*Identity, bool) {
	v := ctx.Value(identityContextKey)
	if v == nil {
		return nil, false
	}
	id, ok := v.(*Identity)
	return id, ok && id != nil
}

// TokenClaims is the JWT payload shape this system issues.
type TokenClaims struct {
	Sub string `json:"sub"`
	Exp int64  `json:"exp"`
	Nbf int64  `json:"nbf,omitempty"`
	Iat int64  `json:"iat,omitempty"`
}

// VerifyHS256Token validates a compact HS256 JWT and returns its claims.
func VerifyHS256Token(token, secret string, now time.Time) (TokenClaims, error) {
	if secret == "" {
		return TokenClaims{}, errors.New("secret is required")
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return TokenClaims{}, errors.New("invalid token format")
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return TokenClaims{}, err
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return TokenClaims{}, err
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return TokenClaims{}, err
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return TokenClaims{}, err
	}
	if strings.ToUpper(header.Alg) != "HS256" {
		return TokenClaims{}, errors.New("unsupported alg")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return TokenClaims{}, errors.New("signature mismatch")
	}
	var claims TokenClaims
	if err := json.Unmarshal(payloadRaw, &claims); err != nil {
		return TokenClaims{}, err
	}
	if claims.Sub == "" {
		return TokenClaims{}, errors.New("missing sub")
	}
	if claims.Exp == 0 || now.Unix() >= claims.Exp {
		return TokenClaims{}, errors.New("token expired")
	}
	if claims.Nbf != 0 && now.Unix() < claims.Nbf {
		return TokenClaims{}, errors.New("token not yet valid")
	}
	return claims, nil
}

// SignHS256Token mints a compact HS256 JWT. Used by tests and the login
// collaborator; the core only verifies.
func SignHS256Token(claims TokenClaims, secret string) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payloadBytes, _ := json.Marshal(claims)
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(header + "." + payload))
	return header + "." + payload + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

type identityDB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Resolver turns a bearer token into an Identity with its persisted
// service grants. Grants are cached to keep connects off the hot path;
// a cache miss falls through to the identities table.
type Resolver struct {
	DB       identityDB
	Secret   string
	Cache    store.Cache
	CacheTTL time.Duration
}

const grantCachePrefix = "identity:grants:"

// Resolve returns the identity for token, or nil for an empty token
// (anonymous connection). Invalid tokens are an error, not anonymous.
func (r *Resolver) Resolve(ctx context.Context, token string) (*Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	claims, err := VerifyHS256Token(token, r.Secret, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return r.Load(ctx, claims.Sub)
}

// Load fetches an identity record and its grants by id.
func (r *Resolver) Load(ctx context.Context, identityID string) (*Identity, error) {
	if cached, ok := r.cachedGrants(ctx, identityID); ok {
		return cached, nil
	}
	var name string
	var grantsRaw []byte
	row := r.DB.QueryRow(ctx, `SELECT name, grants FROM identities WHERE id=$1`, identityID)
	if err := row.Scan(&name, &grantsRaw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.New("unknown identity")
		}
		return nil, err
	}
	grants := access.Grants{}
	if len(grantsRaw) > 0 {
		if err := json.Unmarshal(grantsRaw, &grants); err != nil {
			return nil, err
		}
	}
	id := &Identity{ID: identityID, Name: name, Grants: grants}
	r.cacheGrants(ctx, id)
	return id, nil
}

func (r *Resolver) cachedGrants(ctx context.Context, identityID string) (*Identity, bool) {
	if r.Cache == nil {
		return nil, false
	}
	raw, err := r.Cache.Get(ctx, grantCachePrefix+identityID)
	if err != nil || raw == "" {
		return nil, false
	}
	var cached struct {
		Name   string        `json:"name"`
		Grants access.Grants `json:"grants"`
	}
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		return nil, false
	}
	return &Identity{ID: identityID, Name: cached.Name, Grants: cached.Grants}, true
}

func (r *Resolver) cacheGrants(ctx context.Context, id *Identity) {
	if r.Cache == nil || id == nil {
		return
	}
	ttl := r.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	b, err := json.Marshal(map[string]interface{}{"name": id.Name, "grants": id.Grants})
	if err != nil {
		return
	}
	_ = r.Cache.Set(ctx, grantCachePrefix+id.ID, string(b), ttl)
}

// Invalidate drops the cached grants for one identity, e.g. after an
// admin changes them.
func (r *Resolver) Invalidate(ctx context.Context, identityID string) {
	if r.Cache == nil {
		return
	}
	_ = r.Cache.Del(ctx, grantCachePrefix+identityID)
}
