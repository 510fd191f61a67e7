package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"RangeLedger/internal/auth"
	"RangeLedger/internal/config"
	"RangeLedger/internal/pkg/apperrors"
)

const (
	HeaderLedgerKey     = "X-Ledger-Key"
	ContextPrincipalKey = "principal"
)

// Principal is the resolved caller of a request.
type Principal struct {
	ID    uuid.UUID
	Name  string
	Roles []auth.Role
}

// PrincipalStore maps API keys to principals. Built once at startup from
// config; read-only afterwards.
type PrincipalStore struct {
	byKey map[string]*Principal
}

func NewPrincipalStore(entries []config.PrincipalConfig) (*PrincipalStore, error) {
	store := &PrincipalStore{byKey: make(map[string]*Principal, len(entries))}
	for _, e := range entries {
		id, err := uuid.Parse(e.ID)
		if err != nil {
			return nil, apperrors.Newf(apperrors.KindConfigurationOutOfRange,
				"principal %q: invalid id: %v", e.Name, err)
		}
		p := &Principal{ID: id, Name: e.Name}
		for _, r := range e.Roles {
			p.Roles = append(p.Roles, auth.Role(r))
		}
		store.byKey[e.APIKey] = p
	}
	return store, nil
}

func (s *PrincipalStore) Lookup(key string) (*Principal, bool) {
	p, ok := s.byKey[key]
	return p, ok
}

// All returns every configured principal, for role seeding at startup.
func (s *PrincipalStore) All() []*Principal {
	out := make([]*Principal, 0, len(s.byKey))
	for _, p := range s.byKey {
		out = append(out, p)
	}
	return out
}

// AuthMiddleware resolves the X-Ledger-Key header to a principal and stores
// it on the request context. Requests without a known key are rejected.
func AuthMiddleware(store *PrincipalStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(HeaderLedgerKey)
		if key == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing API key"})
			c.Abort()
			return
		}

		principal, ok := store.Lookup(key)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			c.Abort()
			return
		}

		c.Set(ContextPrincipalKey, principal)
		c.Next()
	}
}

// ErrorHandler converts AppErrors attached by handlers into JSON responses
// with the status code of the error's kind.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err
		kind := apperrors.KindOf(err)
		c.JSON(apperrors.HTTPStatus(kind), gin.H{
			"kind":  string(kind),
			"error": err.Error(),
		})
	}
}

func principalFrom(c *gin.Context) *Principal {
	return c.MustGet(ContextPrincipalKey).(*Principal)
}
