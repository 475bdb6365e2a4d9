package middleware

import (
	"net"
	"net/http"

	"key-custody-service/internal/domain"
)

// DeviceIDHeader は端末IDを受け取るヘッダー名。
const DeviceIDHeader = "X-Device-Id"

// RequestContext は監査ログ用のリクエスト情報をcontextに格納する。
// RealIPの後段に置くとプロキシ越しのクライアントIPが記録される。
func RequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := domain.RequestContext{
			IPAddress: clientIP(r.RemoteAddr),
			UserAgent: r.UserAgent(),
			DeviceID:  r.Header.Get(DeviceIDHeader),
		}
		next.ServeHTTP(w, r.WithContext(domain.WithRequestContext(r.Context(), rc)))
	})
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
