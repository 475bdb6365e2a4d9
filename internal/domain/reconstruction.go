package domain

import (
	"context"
	"time"
)

// 再構築の用途ラベル。
const (
	PurposeTransactionSigning = "transaction_signing"
	PurposeDeviceRecovery     = "device_recovery"
)

// DefaultReconstructedKeyTTL は再構築した鍵の既定有効期間。
const DefaultReconstructedKeyTTL = 300 * time.Second

// KeyReconstructionLog は鍵再構築の監査ログ（追記のみ）。
type KeyReconstructionLog struct {
	ID            string
	UserUUID      string
	KeyVersion    string
	ShardsUsed    []string
	Purpose       string
	IPAddress     string
	UserAgent     string
	DeviceID      string
	Success       bool
	FailureReason *string
	CreatedAt     time.Time
}

// ReconstructedKey はメモリ上にのみ存在する再構築済みの秘密鍵。
// 期限切れ後の利用は呼び出し側で無効として扱うこと。
type ReconstructedKey struct {
	PrivateKey      []byte
	UserID          string
	ReconstructedAt time.Time
	TTL             time.Duration
}

// ExpiresAt は有効期限を返す。
func (k *ReconstructedKey) ExpiresAt() time.Time {
	return k.ReconstructedAt.Add(k.TTL)
}

// IsExpired は現在時刻で期限切れかどうかを返す。
func (k *ReconstructedKey) IsExpired() bool {
	return k.IsExpiredAt(time.Now())
}

// IsExpiredAt は指定時刻で期限切れかどうかを返す。
func (k *ReconstructedKey) IsExpiredAt(t time.Time) bool {
	return !t.Before(k.ExpiresAt())
}

// Wipe は秘密鍵のバイト列をゼロで上書きする。
func (k *ReconstructedKey) Wipe() {
	for i := range k.PrivateKey {
		k.PrivateKey[i] = 0
	}
}

// RequestContext は監査ログに記録するリクエスト情報。
type RequestContext struct {
	IPAddress    string
	UserAgent    string
	DeviceID     string
	SessionToken string
}

type requestContextKey struct{}

// WithRequestContext はリクエスト情報をcontextに格納する。
func WithRequestContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom はcontextからリクエスト情報を取り出す。未設定の場合はゼロ値を返す。
func RequestContextFrom(ctx context.Context) RequestContext {
	rc, _ := ctx.Value(requestContextKey{}).(RequestContext)
	return rc
}
