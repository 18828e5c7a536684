package middleware

import (
	"net/http"
	"strings"

	"github.com/baharkarakas/fxcard-wallet/internal/api/httpx"
	"github.com/baharkarakas/fxcard-wallet/internal/auth"
)

type AuthMiddleware struct {
	TM     *auth.TokenManager
	AppEnv string
}

func NewAuthMiddleware(tm *auth.TokenManager, appEnv string) *AuthMiddleware {
	return &AuthMiddleware{TM: tm, AppEnv: appEnv}
}

// Auth resolves the caller's user id.
// DEV: Bearer dev-<uid> | PROD/DEV: Bearer <JWT(access)>
// Websocket clients that cannot set headers pass ?access_token=.
func (m *AuthMiddleware) Auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearer(r)
		if token == "" {
			httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token", nil)
			return
		}

		if m.AppEnv == "dev" && strings.HasPrefix(token, "dev-") {
			uid := strings.TrimPrefix(token, "dev-")
			if uid == "" {
				httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "empty dev user", nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), UserCtx{UserID: uid, Method: "dev"})))
			return
		}

		claims, err := m.TM.Parse(token)
		if err != nil {
			httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid access token", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), UserCtx{UserID: claims.UserID, Method: "jwt"})))
	})
}

func bearer(r *http.Request) string {
	ah := r.Header.Get("Authorization")
	if len(ah) > 7 && strings.EqualFold(ah[:7], "bearer ") {
		return strings.TrimSpace(ah[7:])
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}
