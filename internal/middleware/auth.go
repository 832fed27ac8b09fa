package middleware

import (
	"crypto/subtle"
	"net/http"

	"banyco-be/internal/auth"
	"banyco-be/internal/logger"
	"banyco-be/internal/utils"

	"go.uber.org/zap"
)

const internalAuthHeader = "X-Service-Auth"

// AuthMiddleware resolves the caller from a JWT. Requests without a token
// pass through anonymously; a token that fails to verify is rejected.
func AuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := auth.ExtractAccessToken(r)
			if tokenStr == "" {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := auth.ParseJWT(secret, tokenStr)
			if err != nil {
				logger.FromCtx(r.Context()).Info("rejected access token", zap.Error(err))
				utils.WriteJSONError(w, "invalid token", http.StatusUnauthorized)
				return
			}

			ctx := utils.SetUserContext(r.Context(), claims.UserID, claims.Email, claims.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// InternalMiddleware marks requests carrying the shared service key.
// An empty key disables the internal channel.
func InternalMiddleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(internalAuthHeader)
			if key != "" && got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(key)) == 1 {
				r = r.WithContext(utils.WithInternalRequest(r.Context()))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireRole admits users with the given role and trusted internal callers.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if utils.IsInternalRequest(ctx) {
				next.ServeHTTP(w, r)
				return
			}
			if _, ok := utils.GetUserIDFromContext(ctx); !ok {
				utils.WriteJSONError(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if utils.GetUserRoleFromContext(ctx) != role {
				logger.Security(ctx).Warn("role check failed",
					zap.String("required", role),
					zap.String("email", utils.GetUserEmailFromContext(ctx)),
					zap.String("path", r.URL.Path),
				)
				utils.WriteJSONError(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
