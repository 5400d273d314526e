package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"slices"
	"strings"

	"github.com/basket/hostbridge/internal/audit"
	"github.com/basket/hostbridge/internal/config"
	"github.com/basket/hostbridge/internal/protocol"
	"github.com/basket/hostbridge/internal/shared"
)

// Scopes a key may be limited to. A key without scopes may use every route.
const (
	ScopeCommand = "command"
	ScopeEvents  = "events"
	scopeAll     = "*"
)

const (
	missingKeyMessage = "missing API key"
	invalidKeyMessage = "invalid API key"
)

type principalKey struct{}

type keyDigest struct {
	sum   [sha256.Size]byte
	entry config.APIKeyEntry
}

// Authenticator checks API keys on the HTTP listener. Keys are kept as
// SHA-256 digests and every candidate is compared against all of them.
type Authenticator struct {
	enabled bool
	keys    []keyDigest
}

func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	a := &Authenticator{enabled: cfg.Enabled}
	for _, k := range cfg.Keys {
		if k.Key == "" {
			continue
		}
		a.keys = append(a.keys, keyDigest{sum: sha256.Sum256([]byte(k.Key)), entry: k})
	}
	return a
}

// Verify returns the entry whose key equals candidate.
func (a *Authenticator) Verify(candidate string) (config.APIKeyEntry, bool) {
	sum := sha256.Sum256([]byte(candidate))
	match := -1
	for i := range a.keys {
		if subtle.ConstantTimeCompare(sum[:], a.keys[i].sum[:]) == 1 && match < 0 {
			match = i
		}
	}
	if match < 0 {
		return config.APIKeyEntry{}, false
	}
	return a.keys[match].entry, true
}

// Middleware rejects requests without a known key using the command
// Response shape, and records each rejection in the audit trail.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	if !a.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		candidate := ExtractAPIKey(r)
		if candidate == "" {
			a.reject(w, r, http.StatusUnauthorized, missingKeyMessage)
			return
		}
		entry, ok := a.Verify(candidate)
		if !ok {
			a.reject(w, r, http.StatusForbidden, invalidKeyMessage)
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, entry)
		ctx = shared.WithPrincipal(ctx, entry.Name)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) reject(w http.ResponseWriter, r *http.Request, status int, msg string) {
	ctx := shared.WithTransport(r.Context(), "http")
	audit.Record(ctx, audit.DecisionDeny, "auth "+r.URL.Path, msg+" from "+remoteHost(r.RemoteAddr), "")
	writeResponse(w, status, protocol.Fail(msg))
}

// ExtractAPIKey reads, in order: Authorization: Bearer <key>, the X-API-Key
// header, the api_key query param.
func ExtractAPIKey(r *http.Request) string {
	if scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && strings.EqualFold(scheme, "bearer") {
		return strings.TrimSpace(token)
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	// Browsers cannot set headers on a websocket upgrade.
	return r.URL.Query().Get("api_key")
}

// KeyEntryFromContext returns the key that authenticated the request, or nil
// when auth is off.
func KeyEntryFromContext(ctx context.Context) *config.APIKeyEntry {
	if entry, ok := ctx.Value(principalKey{}).(config.APIKeyEntry); ok {
		return &entry
	}
	return nil
}

// HasScope reports whether the request's key grants scope. Without auth
// every scope is granted.
func HasScope(ctx context.Context, scope string) bool {
	entry := KeyEntryFromContext(ctx)
	if entry == nil || len(entry.Scopes) == 0 {
		return true
	}
	return slices.Contains(entry.Scopes, scope) || slices.Contains(entry.Scopes, scopeAll)
}
