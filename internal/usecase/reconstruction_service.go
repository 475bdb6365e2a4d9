package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"key-custody-service/internal/domain"
)

const (
	// DefaultMaxAttempts は直近1時間に許可する再構築試行回数の既定値。
	DefaultMaxAttempts = 10
	// DefaultRecentLogLimit は監査ログ取得件数の既定値。
	DefaultRecentLogLimit = 10

	rateLimitWindow = 60 * time.Minute
)

// ReconstructionLogRepository は再構築監査ログのデータアクセスのインターフェース。
type ReconstructionLogRepository interface {
	Create(ctx context.Context, log *domain.KeyReconstructionLog) error
	CountSince(ctx context.Context, userUUID string, since time.Time) (int64, error)
	FindRecentByUser(ctx context.Context, userUUID string, limit int) ([]*domain.KeyReconstructionLog, error)
}

// KeyReconstructionService はシャードからの鍵再構築と監査、レート制限を提供する。
type KeyReconstructionService struct {
	shamir      *ShamirService
	shards      ShardRecordRepository
	logs        ReconstructionLogRepository
	hsm         SecretStore
	events      EventSink
	tx          TxManager
	maxAttempts int
	now         func() time.Time
}

// NewKeyReconstructionService は新しいKeyReconstructionServiceを生成する。
func NewKeyReconstructionService(
	shamir *ShamirService,
	shards ShardRecordRepository,
	logs ReconstructionLogRepository,
	hsm SecretStore,
	events EventSink,
	tx TxManager,
) *KeyReconstructionService {
	return &KeyReconstructionService{
		shamir:      shamir,
		shards:      shards,
		logs:        logs,
		hsm:         hsm,
		events:      events,
		tx:          tx,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
	}
}

// WithMaxAttempts はEnsureCanReconstructで使う上限回数を設定する。
func (s *KeyReconstructionService) WithMaxAttempts(maxAttempts int) *KeyReconstructionService {
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
	return s
}

// ReconstructWithAuth は端末シャードとHSMのAUTHシャードから鍵を再構築する（取引署名用）。
// sessionTokenの検証はこの層では行わない。
func (s *KeyReconstructionService) ReconstructWithAuth(ctx context.Context, userID string, deviceShardData []byte, sessionToken string) (*domain.ReconstructedKey, error) {
	record, err := s.shards.FindActiveByType(ctx, userID, domain.ShardTypeAuth)
	if err != nil {
		return nil, fmt.Errorf("finding auth shard: %w", err)
	}
	if record == nil {
		return nil, domain.ErrShardNotFound
	}

	authData := s.authMaterial(ctx, record)

	rc := domain.RequestContextFrom(ctx)
	rc.SessionToken = sessionToken
	ctx = domain.WithRequestContext(ctx, rc)

	shards := []domain.KeyShard{
		domain.NewKeyShard(domain.ShardTypeDevice, deviceShardData, domain.EncryptedForDevice, userID, domain.DeviceShardIndex),
		domain.NewKeyShard(domain.ShardTypeAuth, authData, domain.EncryptedForHSM, userID, domain.AuthShardIndex),
	}
	return s.reconstruct(ctx, userID, shards, domain.PurposeTransactionSigning, record.KeyVersion)
}

// ReconstructWithRecovery は端末シャードと呼び出し側が提示したリカバリシャードから鍵を再構築する。
func (s *KeyReconstructionService) ReconstructWithRecovery(ctx context.Context, userID string, deviceShardData, recoveryShardData []byte) (*domain.ReconstructedKey, error) {
	shards := []domain.KeyShard{
		domain.NewKeyShard(domain.ShardTypeDevice, deviceShardData, domain.EncryptedForDevice, userID, domain.DeviceShardIndex),
		domain.NewKeyShard(domain.ShardTypeRecovery, recoveryShardData, domain.EncryptedForRecovery, userID, domain.RecoveryShardIndex),
	}
	return s.Reconstruct(ctx, userID, shards, domain.PurposeDeviceRecovery)
}

// Reconstruct は2つのシャードから鍵を再構築し、結果を監査ログに記録する。
// 再構築に失敗した場合は失敗ログを記録した上で元のエラーをそのまま返す。
func (s *KeyReconstructionService) Reconstruct(ctx context.Context, userID string, shards []domain.KeyShard, purpose string) (*domain.ReconstructedKey, error) {
	if len(shards) != 2 {
		return nil, domain.ErrShardCount
	}

	keyVersion, err := s.currentKeyVersion(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.reconstruct(ctx, userID, shards, purpose, keyVersion)
}

// CanReconstruct は直近60分の試行回数がmaxAttempts未満かどうかを返す。成功・失敗は問わない。
// 判定と試行の間に排他はないため、同時実行時は上限を超え得る。
func (s *KeyReconstructionService) CanReconstruct(ctx context.Context, userID string, maxAttempts int) (bool, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	since := s.now().UTC().Add(-rateLimitWindow)
	count, err := s.logs.CountSince(ctx, userID, since)
	if err != nil {
		return false, fmt.Errorf("counting reconstruction attempts: %w", err)
	}
	return count < int64(maxAttempts), nil
}

// EnsureCanReconstruct は試行回数が上限に達している場合 domain.ErrRateLimitExceeded を返す。
func (s *KeyReconstructionService) EnsureCanReconstruct(ctx context.Context, userID string) error {
	ok, err := s.CanReconstruct(ctx, userID, s.maxAttempts)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrRateLimitExceeded
	}
	return nil
}

// GetRecentLogs はユーザーの監査ログを新しい順に最大limit件返す。
func (s *KeyReconstructionService) GetRecentLogs(ctx context.Context, userID string, limit int) ([]*domain.KeyReconstructionLog, error) {
	if limit <= 0 {
		limit = DefaultRecentLogLimit
	}
	logs, err := s.logs.FindRecentByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("finding reconstruction logs: %w", err)
	}
	if logs == nil {
		logs = []*domain.KeyReconstructionLog{}
	}
	return logs, nil
}

func (s *KeyReconstructionService) reconstruct(ctx context.Context, userID string, shards []domain.KeyShard, purpose, keyVersion string) (*domain.ReconstructedKey, error) {
	if len(shards) != 2 {
		return nil, domain.ErrShardCount
	}
	for _, shard := range shards {
		if shard.UserID != userID {
			return nil, fmt.Errorf("%w: shard belongs to another user", domain.ErrInvalidShard)
		}
	}

	rc := domain.RequestContextFrom(ctx)
	entry := &domain.KeyReconstructionLog{
		UserUUID:   userID,
		KeyVersion: keyVersion,
		ShardsUsed: shardLabels(shards),
		Purpose:    purpose,
		IPAddress:  rc.IPAddress,
		UserAgent:  rc.UserAgent,
		DeviceID:   rc.DeviceID,
		CreatedAt:  s.now().UTC(),
	}

	key, reconstructErr := s.shamir.ReconstructKey(shards[0], shards[1])
	if reconstructErr != nil {
		s.recordFailure(ctx, entry, reconstructErr, rc)
		return nil, reconstructErr
	}

	entry.Success = true
	err := s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := s.logs.Create(ctx, entry); err != nil {
			return fmt.Errorf("recording reconstruction: %w", err)
		}
		return s.markServerShardsAccessed(ctx, userID, shards)
	})
	if err != nil {
		key.Wipe()
		return nil, err
	}

	slog.InfoContext(ctx, "key reconstructed",
		"operation", "reconstruct",
		"user_uuid", userID,
		"key_version", keyVersion,
		"purpose", purpose,
		"shards_used", entry.ShardsUsed,
		"session_ref", sessionRef(rc.SessionToken),
	)
	s.events.Publish(ctx, domain.KeyReconstructed{
		UserUUID:   userID,
		Purpose:    purpose,
		ShardsUsed: entry.ShardsUsed,
	})
	return key, nil
}

// recordFailure は失敗ログを記録する。ログの書き込み失敗は元のエラーより優先しない。
func (s *KeyReconstructionService) recordFailure(ctx context.Context, entry *domain.KeyReconstructionLog, cause error, rc domain.RequestContext) {
	reason := cause.Error()
	entry.Success = false
	entry.FailureReason = &reason

	if err := s.logs.Create(ctx, entry); err != nil {
		slog.ErrorContext(ctx, "failed to record failed reconstruction",
			"operation", "reconstruct",
			"user_uuid", entry.UserUUID,
			"error", err,
		)
	}

	slog.WarnContext(ctx, "key reconstruction failed",
		"operation", "reconstruct",
		"user_uuid", entry.UserUUID,
		"key_version", entry.KeyVersion,
		"purpose", entry.Purpose,
		"shards_used", entry.ShardsUsed,
		"session_ref", sessionRef(rc.SessionToken),
		"reason", reason,
	)
	s.events.Publish(ctx, domain.KeyReconstructionFailed{UserUUID: entry.UserUUID, Reason: reason})
}

// markServerShardsAccessed はサーバー保管のAUTHシャードの最終アクセス日時を更新する。
// DEVICEシャードは端末保管のため対象外。
func (s *KeyReconstructionService) markServerShardsAccessed(ctx context.Context, userID string, shards []domain.KeyShard) error {
	for _, shard := range shards {
		if shard.Type != domain.ShardTypeAuth {
			continue
		}
		record, err := s.shards.FindActiveByType(ctx, userID, domain.ShardTypeAuth)
		if err != nil {
			return fmt.Errorf("finding auth shard: %w", err)
		}
		if record == nil {
			return nil
		}
		if err := s.shards.MarkAccessed(ctx, record.ID, s.now().UTC()); err != nil {
			return fmt.Errorf("marking auth shard accessed: %w", err)
		}
		return nil
	}
	return nil
}

// authMaterial はHSMからAUTHシャードを取得する。HSMに無い場合はレコードの保存データを使う。
func (s *KeyReconstructionService) authMaterial(ctx context.Context, record *domain.KeyShardRecord) []byte {
	secretID := domain.AuthShardSecretID(record.UserUUID, record.KeyVersion)
	data, err := s.hsm.Retrieve(ctx, secretID)
	if err != nil {
		slog.WarnContext(ctx, "failed to retrieve auth shard from HSM, using stored record",
			"operation", "reconstruct_with_auth",
			"user_uuid", record.UserUUID,
			"key_version", record.KeyVersion,
			"error", err,
		)
		return record.EncryptedData
	}
	if data == nil {
		return record.EncryptedData
	}
	return data
}

func (s *KeyReconstructionService) currentKeyVersion(ctx context.Context, userID string) (string, error) {
	record, err := s.shards.FindActiveByType(ctx, userID, domain.ShardTypeAuth)
	if err != nil {
		return "", fmt.Errorf("finding auth shard: %w", err)
	}
	if record == nil {
		return "", nil
	}
	return record.KeyVersion, nil
}

func shardLabels(shards []domain.KeyShard) []string {
	labels := make([]string, len(shards))
	for i, shard := range shards {
		labels[i] = string(shard.Type)
	}
	return labels
}

// sessionRef はセッショントークンを識別できる短いハッシュを返す。トークン自体はログに残さない。
func sessionRef(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:6])
}
