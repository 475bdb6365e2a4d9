// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"key-custody-service/internal/domain"
)

// ShardRecordRepository はシャードレコードのデータアクセスのインターフェース。
type ShardRecordRepository interface {
	Create(ctx context.Context, record *domain.KeyShardRecord) error
	FindActiveByType(ctx context.Context, userUUID string, shardType domain.ShardType) (*domain.KeyShardRecord, error)
	FindActiveByUser(ctx context.Context, userUUID string) ([]*domain.KeyShardRecord, error)
	FindByUserAndVersion(ctx context.Context, userUUID, keyVersion string) ([]*domain.KeyShardRecord, error)
	FindAllByUser(ctx context.Context, userUUID string) ([]*domain.KeyShardRecord, error)
	UpdateStatus(ctx context.Context, id string, status domain.ShardStatus) error
	MarkAccessed(ctx context.Context, id string, at time.Time) error
}

// RecoveryBackupRepository はリカバリバックアップのデータアクセスのインターフェース。
type RecoveryBackupRepository interface {
	Create(ctx context.Context, backup *domain.RecoveryBackup) error
	FindVerifiedByUser(ctx context.Context, userUUID string) (*domain.RecoveryBackup, error)
}

// SecretStore はHSMのシークレット保管のインターフェース。
// Retrieveは該当するシークレットが存在しない場合 nil, nil を返す。
type SecretStore interface {
	Store(ctx context.Context, secretID string, data []byte) error
	Retrieve(ctx context.Context, secretID string) ([]byte, error)
}

// EventSink はドメインイベントの通知先のインターフェース。
type EventSink interface {
	Publish(ctx context.Context, event domain.Event)
}

// TxManager はトランザクション境界のインターフェース。
// fnに渡されるcontextを使ったリポジトリ操作は同一トランザクションで実行される。
type TxManager interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// DistributionResult はシャード配布の結果。
// DeviceShard は端末に渡す生データで、サーバー側には保持しない。
type DistributionResult struct {
	DeviceShard    []byte
	AuthStored     bool
	RecoveryStored bool
	KeyVersion     string
}

// ShardDistributionService はシャードの生成・配布・ローテーション・失効を提供する。
type ShardDistributionService struct {
	shamir     *ShamirService
	encryption *EncryptionService
	shards     ShardRecordRepository
	backups    RecoveryBackupRepository
	hsm        SecretStore
	events     EventSink
	tx         TxManager
	now        func() time.Time
}

// NewShardDistributionService は新しいShardDistributionServiceを生成する。
func NewShardDistributionService(
	shamir *ShamirService,
	encryption *EncryptionService,
	shards ShardRecordRepository,
	backups RecoveryBackupRepository,
	hsm SecretStore,
	events EventSink,
	tx TxManager,
) *ShardDistributionService {
	return &ShardDistributionService{
		shamir:     shamir,
		encryption: encryption,
		shards:     shards,
		backups:    backups,
		hsm:        hsm,
		events:     events,
		tx:         tx,
		now:        time.Now,
	}
}

// CreateAndDistribute は秘密鍵を分割し、AUTHシャードをHSMへ、各シャードレコードとリカバリバックアップをDBへ保存する。
func (s *ShardDistributionService) CreateAndDistribute(ctx context.Context, privateKey []byte, userID string) (*DistributionResult, error) {
	staged, err := s.stage(ctx, privateKey, userID, "create_and_distribute")
	if err != nil {
		return nil, err
	}
	result, err := s.commit(ctx, staged, userID, "create_and_distribute", nil)
	if err != nil {
		return nil, err
	}

	s.events.Publish(ctx, domain.KeyShardsCreated{UserUUID: userID, KeyVersion: result.KeyVersion})
	return result, nil
}

// RotateShards は新しい秘密鍵でシャード一式を作成し、旧バージョンの有効なシャードをROTATEDにする。
func (s *ShardDistributionService) RotateShards(ctx context.Context, newPrivateKey []byte, userID, oldKeyVersion string) (*DistributionResult, error) {
	staged, err := s.stage(ctx, newPrivateKey, userID, "rotate_shards")
	if err != nil {
		return nil, err
	}
	result, err := s.commit(ctx, staged, userID, "rotate_shards", func(ctx context.Context) error {
		oldRecords, err := s.shards.FindByUserAndVersion(ctx, userID, oldKeyVersion)
		if err != nil {
			return fmt.Errorf("finding shards of version %s: %w", oldKeyVersion, err)
		}
		for _, record := range oldRecords {
			if record.Status.IsTerminal() {
				continue
			}
			if err := s.shards.UpdateStatus(ctx, record.ID, domain.ShardStatusRotated); err != nil {
				return fmt.Errorf("rotating shard %s: %w", record.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Publish(ctx, domain.KeyShardsCreated{UserUUID: userID, KeyVersion: result.KeyVersion})
	s.events.Publish(ctx, domain.KeyShardsRotated{
		UserUUID:      userID,
		OldKeyVersion: oldKeyVersion,
		NewKeyVersion: result.KeyVersion,
	})
	return result, nil
}

// RevokeAllShards はユーザーの有効なシャードを全てREVOKEDにし、失効した件数を返す。
func (s *ShardDistributionService) RevokeAllShards(ctx context.Context, userID string) (int, error) {
	revoked := 0
	err := s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		records, err := s.shards.FindActiveByUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("finding active shards: %w", err)
		}
		for _, record := range records {
			if record.Status.IsTerminal() || record.UserUUID != userID {
				continue
			}
			if err := s.shards.UpdateStatus(ctx, record.ID, domain.ShardStatusRevoked); err != nil {
				return fmt.Errorf("revoking shard %s: %w", record.ID, err)
			}
			revoked++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if revoked > 0 {
		s.events.Publish(ctx, domain.KeyShardsRevoked{UserUUID: userID, Count: revoked})
	}
	return revoked, nil
}

// GetShardsSummary はシャード種別ごとの存在有無と最終アクセス日時を返す。ステータスは問わない。
func (s *ShardDistributionService) GetShardsSummary(ctx context.Context, userID string) (*domain.ShardsSummary, error) {
	records, err := s.shards.FindAllByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("finding shards: %w", err)
	}

	// recordsは新しい順なので、種別ごとに最初に現れたものを採用する
	latest := make(map[domain.ShardType]*domain.KeyShardRecord, len(domain.ShardTypes))
	for _, record := range records {
		if _, ok := latest[record.ShardType]; !ok {
			latest[record.ShardType] = record
		}
	}

	presence := func(t domain.ShardType) domain.ShardPresence {
		record, ok := latest[t]
		if !ok {
			return domain.ShardPresence{}
		}
		return domain.ShardPresence{Exists: true, LastAccessedAt: record.LastAccessedAt}
	}

	return &domain.ShardsSummary{
		Device:   presence(domain.ShardTypeDevice),
		Auth:     presence(domain.ShardTypeAuth),
		Recovery: presence(domain.ShardTypeRecovery),
	}, nil
}

// VerifyRecoveryShard は暗号化されたリカバリシャードが検証済みバックアップと一致するか確認する。
func (s *ShardDistributionService) VerifyRecoveryShard(ctx context.Context, userID string, encryptedCandidate []byte) (bool, error) {
	backup, err := s.backups.FindVerifiedByUser(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("finding recovery backup: %w", err)
	}
	if backup == nil {
		return false, nil
	}

	plain, err := s.encryption.DecryptForUser(encryptedCandidate, userID)
	if err != nil {
		if errors.Is(err, domain.ErrDecryption) {
			return false, nil
		}
		return false, fmt.Errorf("decrypting recovery shard: %w", err)
	}
	defer wipeBytes(plain)

	sum := sha256.Sum256(plain)
	candidateHash := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(candidateHash), []byte(backup.BackupHash)) == 1, nil
}

// stagedShards は分割済みのシャードとHSMへの保存結果。
type stagedShards struct {
	set           *ShardSet
	keyVersion    string
	publicKeyHash string
	secretID      string
	authStored    bool
}

// stage は鍵を分割してAUTHシャードをHSMへ保存する。DBトランザクションの外で呼ぶ。
func (s *ShardDistributionService) stage(ctx context.Context, privateKey []byte, userID, operation string) (*stagedShards, error) {
	set, err := s.shamir.SplitKey(privateKey, userID)
	if err != nil {
		return nil, fmt.Errorf("splitting key: %w", err)
	}

	keyVersion := s.newKeyVersion()
	staged := &stagedShards{
		set:           set,
		keyVersion:    keyVersion,
		publicKeyHash: PublicKeyHash(privateKey),
		secretID:      domain.AuthShardSecretID(userID, keyVersion),
		authStored:    true,
	}

	// HSMへの保存失敗では配布を中断しない
	if err := s.hsm.Store(ctx, staged.secretID, set.Auth.Data); err != nil {
		staged.authStored = false
		slog.WarnContext(ctx, "failed to store auth shard in HSM",
			"operation", operation,
			"user_uuid", userID,
			"key_version", keyVersion,
			"error", err,
		)
	}
	return staged, nil
}

// commit はシャードレコードとバックアップを1トランザクションで保存する。thenは同じトランザクション内で続けて実行される。
func (s *ShardDistributionService) commit(ctx context.Context, staged *stagedShards, userID, operation string, then func(ctx context.Context) error) (*DistributionResult, error) {
	err := s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := s.persist(ctx, staged.set, userID, staged.keyVersion, staged.publicKeyHash); err != nil {
			return err
		}
		if then != nil {
			return then(ctx)
		}
		return nil
	})
	if err != nil {
		if staged.authStored {
			slog.ErrorContext(ctx, "shard persistence failed after HSM store; orphaned HSM secret requires reconciliation",
				"operation", operation,
				"user_uuid", userID,
				"key_version", staged.keyVersion,
				"secret_id", staged.secretID,
				"error", err,
			)
		}
		return nil, err
	}

	slog.InfoContext(ctx, "key shards distributed",
		"operation", operation,
		"user_uuid", userID,
		"key_version", staged.keyVersion,
		"auth_stored", staged.authStored,
	)

	return &DistributionResult{
		DeviceShard:    append([]byte(nil), staged.set.Device.Data...),
		AuthStored:     staged.authStored,
		RecoveryStored: true,
		KeyVersion:     staged.keyVersion,
	}, nil
}

func (s *ShardDistributionService) persist(ctx context.Context, set *ShardSet, userID, keyVersion, publicKeyHash string) error {
	deviceHash := sha256.Sum256(set.Device.Data)

	encryptedRecovery, err := s.encryption.EncryptForUser(set.Recovery.Data, userID)
	if err != nil {
		return fmt.Errorf("encrypting recovery shard: %w", err)
	}

	records := []*domain.KeyShardRecord{
		{
			UserUUID:      userID,
			ShardType:     domain.ShardTypeDevice,
			ShardIndex:    set.Device.Index,
			EncryptedData: deviceHash[:],
			EncryptedFor:  set.Device.EncryptedFor,
		},
		{
			UserUUID:      userID,
			ShardType:     domain.ShardTypeAuth,
			ShardIndex:    set.Auth.Index,
			EncryptedData: set.Auth.Data,
			EncryptedFor:  set.Auth.EncryptedFor,
		},
		{
			UserUUID:      userID,
			ShardType:     domain.ShardTypeRecovery,
			ShardIndex:    set.Recovery.Index,
			EncryptedData: encryptedRecovery,
			EncryptedFor:  set.Recovery.EncryptedFor,
		},
	}
	for _, record := range records {
		record.KeyVersion = keyVersion
		record.Status = domain.ShardStatusActive
		record.PublicKeyHash = publicKeyHash
		if err := s.shards.Create(ctx, record); err != nil {
			return fmt.Errorf("creating %s shard record: %w", record.ShardType, err)
		}
	}

	recoveryHash := sha256.Sum256(set.Recovery.Data)
	backup := &domain.RecoveryBackup{
		UserUUID:         userID,
		EncryptedBackup:  encryptedRecovery,
		EncryptionMethod: domain.RecoveryEncryptionMethod,
		KeyVersion:       keyVersion,
		BackupHash:       hex.EncodeToString(recoveryHash[:]),
		IsVerified:       false,
		UsageCount:       0,
	}
	if err := s.backups.Create(ctx, backup); err != nil {
		return fmt.Errorf("creating recovery backup: %w", err)
	}
	return nil
}

// newKeyVersion は "v<unix秒>-<ランダム>" 形式のバージョンを生成する。
func (s *ShardDistributionService) newKeyVersion() string {
	return fmt.Sprintf("v%d-%s", s.now().UTC().Unix(), uuid.NewString()[:8])
}
