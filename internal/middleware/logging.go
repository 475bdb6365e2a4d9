// Package middleware はHTTPミドルウェアと監査ログ出力を提供する。
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// WriteAuditLog は鍵管理操作の監査ログを出力する。
func WriteAuditLog(ctx context.Context, operation string, userID string, keyVersion string, result string) {
	slog.InfoContext(ctx, "custody operation completed",
		"operation", operation,
		"user_uuid", userID,
		"key_version", keyVersion,
		"result", result,
		"timestamp", time.Now().UTC().Format(time.RFC3339),
	)
}

// AccessLog はリクエストごとにステータスと所要時間を記録する。
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		slog.InfoContext(r.Context(), "http request",
			"operation", "http_access",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", chimiddleware.GetReqID(r.Context()),
		)
	})
}
