package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"key-custody-service/internal/domain"
	"key-custody-service/pkg/httputil"
)

// RateLimiter は再構築の試行回数制限の判定。
type RateLimiter interface {
	EnsureCanReconstruct(ctx context.Context, userID string) error
}

// UserIDFunc はリクエストから対象ユーザーIDを取り出す。
type UserIDFunc func(r *http.Request) string

// UserIDFromPath はchiのURLパラメータ user_id を返す。
func UserIDFromPath(r *http.Request) string {
	return chi.URLParam(r, "user_id")
}

// ReconstructionGuard は試行回数が上限に達したユーザーの再構築リクエストを429で拒否する。
func ReconstructionGuard(limiter RateLimiter, userID UserIDFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := userID(r)
			if id == "" {
				httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "user_id is required")
				return
			}

			err := limiter.EnsureCanReconstruct(r.Context(), id)
			switch {
			case err == nil:
				next.ServeHTTP(w, r)
			case errors.Is(err, domain.ErrRateLimitExceeded):
				slog.WarnContext(r.Context(), "reconstruction rate limit exceeded",
					"operation", "reconstruction_guard",
					"user_uuid", id,
				)
				httputil.Error(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "too many reconstruction attempts")
			default:
				slog.ErrorContext(r.Context(), "failed to check reconstruction rate limit",
					"operation", "reconstruction_guard",
					"user_uuid", id,
					"error", err,
				)
				httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
			}
		})
	}
}
