package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"orgmesh.org/internal/apitoken"
	"orgmesh.org/internal/identity"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "

	tokenTTL = 12 * time.Hour
)

var publicPaths = []string{
	"/v1/auth/token",
	"/metrics",
	"/healthz",
	"/readyz",
	"/",
}

// handleToken issues a bearer token for the node identity. The endpoint is
// only reachable from the local host by deployment convention; remote access
// control is the job of whatever fronts this API.
func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	me := a.id.Current()
	token, err := apitoken.Generate(me.DID, me.DisplayName, tokenTTL)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "token issuing unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"did":        me.DID,
		"expires_in": int(tokenTTL.Seconds()),
	})
}

func (a *API) withAuth(next http.Handler) http.Handler {
	if !a.tokenAuth {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := apitoken.ParseAndValidate(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := identity.ContextWithActor(r.Context(), claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
