package usecase

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/hashicorp/vault/shamir"

	"key-custody-service/internal/domain"
)

const (
	// DefaultThreshold は再構築に必要な最小シャード数の既定値。
	DefaultThreshold = 2
	// DefaultTotalShards は生成するシャード数の既定値。
	DefaultTotalShards = 3
	// MaxTotalShards は生成できるシャード数の上限。
	MaxTotalShards = 10

	// integrityTagSize は分割前に秘密鍵へ付加するSHA-256タグの長さ。
	integrityTagSize = 16
)

// ShamirConfig はシャミア秘密分散の設定。
type ShamirConfig struct {
	Threshold   int
	TotalShards int
}

// DefaultShamirConfig は2-of-3の既定設定を返す。
func DefaultShamirConfig() ShamirConfig {
	return ShamirConfig{Threshold: DefaultThreshold, TotalShards: DefaultTotalShards}
}

// Validate は設定値を検証する。
func (c ShamirConfig) Validate() error {
	if c.Threshold < 2 {
		return fmt.Errorf("%w: threshold must be at least 2, got %d", domain.ErrInvalidConfiguration, c.Threshold)
	}
	if c.TotalShards < c.Threshold {
		return fmt.Errorf("%w: total shards (%d) must be >= threshold (%d)", domain.ErrInvalidConfiguration, c.TotalShards, c.Threshold)
	}
	if c.TotalShards > MaxTotalShards {
		return fmt.Errorf("%w: total shards must be <= %d, got %d", domain.ErrInvalidConfiguration, MaxTotalShards, c.TotalShards)
	}
	return nil
}

// ShardSet はSplitKeyの結果。
// Additional には4番目以降のシャードがRECOVERY種別の予備として入る。
type ShardSet struct {
	Device     domain.KeyShard
	Auth       domain.KeyShard
	Recovery   domain.KeyShard
	Additional []domain.KeyShard
}

// ShamirService は秘密鍵の分割と再構築を提供する。
type ShamirService struct {
	cfg        ShamirConfig
	encryption *EncryptionService
	now        func() time.Time
}

// NewShamirService は新しいShamirServiceを生成する。設定が不正な場合はエラーを返す。
func NewShamirService(cfg ShamirConfig, encryption *EncryptionService) (*ShamirService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if encryption == nil {
		return nil, fmt.Errorf("%w: encryption service is required", domain.ErrInvalidConfiguration)
	}
	return &ShamirService{
		cfg:        cfg,
		encryption: encryption,
		now:        time.Now,
	}, nil
}

// Threshold は再構築に必要なシャード数を返す。
func (s *ShamirService) Threshold() int {
	return s.cfg.Threshold
}

// TotalShards は生成するシャード数を返す。
func (s *ShamirService) TotalShards() int {
	return s.cfg.TotalShards
}

// SplitKey は秘密鍵をTotalShards個のシャードに分割し、DEVICE/AUTH/RECOVERYの役割を割り当てる。
// AUTHシャードはHSM保管用にユーザー鍵で暗号化される。
func (s *ShamirService) SplitKey(privateKey []byte, userID string) (*ShardSet, error) {
	if s.cfg.TotalShards < len(domain.ShardTypes) {
		return nil, fmt.Errorf("%w: %d shards cannot fill device, auth and recovery roles", domain.ErrInvalidConfiguration, s.cfg.TotalShards)
	}

	secret := withIntegrityTag(privateKey)
	defer wipeBytes(secret)

	shares, err := shamir.Split(secret, s.cfg.TotalShards, s.cfg.Threshold)
	if err != nil {
		return nil, fmt.Errorf("splitting key: %w", err)
	}
	defer func() {
		for _, share := range shares {
			wipeBytes(share)
		}
	}()

	wrappedAuth, err := s.encryption.EncryptForUser(shares[1], userID)
	if err != nil {
		return nil, fmt.Errorf("wrapping auth shard: %w", err)
	}

	set := &ShardSet{
		Device:   domain.NewKeyShard(domain.ShardTypeDevice, shares[0], domain.EncryptedForDevice, userID, domain.DeviceShardIndex),
		Auth:     domain.NewKeyShard(domain.ShardTypeAuth, wrappedAuth, domain.EncryptedForHSM, userID, domain.AuthShardIndex),
		Recovery: domain.NewKeyShard(domain.ShardTypeRecovery, shares[2], domain.EncryptedForRecovery, userID, domain.RecoveryShardIndex),
	}
	for i := len(domain.ShardTypes); i < len(shares); i++ {
		set.Additional = append(set.Additional,
			domain.NewKeyShard(domain.ShardTypeRecovery, shares[i], domain.EncryptedForRecovery, userID, i+1))
	}
	return set, nil
}

// ReconstructKey は任意の2つのシャードから秘密鍵を再構築する。順序は問わない。
// 失敗時は *domain.ReconstructionError を返す。
func (s *ShamirService) ReconstructKey(a, b domain.KeyShard) (*domain.ReconstructedKey, error) {
	key, err := s.combine(a, b)
	if err != nil {
		return nil, &domain.ReconstructionError{Cause: err}
	}
	return &domain.ReconstructedKey{
		PrivateKey:      key,
		UserID:          a.UserID,
		ReconstructedAt: s.now().UTC(),
		TTL:             domain.DefaultReconstructedKeyTTL,
	}, nil
}

// VerifyShards はシャードから再構築した鍵のSHA-256が期待値と一致するか検証する。
// シャード数が閾値と異なる場合や再構築に失敗した場合はfalseを返す。
func (s *ShamirService) VerifyShards(shards []domain.KeyShard, expectedPublicKeyHash string) bool {
	if len(shards) != s.cfg.Threshold {
		return false
	}
	key, err := s.combine(shards...)
	if err != nil {
		return false
	}
	defer wipeBytes(key)

	actual := PublicKeyHash(key)
	return subtle.ConstantTimeCompare([]byte(actual), []byte(expectedPublicKeyHash)) == 1
}

func (s *ShamirService) combine(shards ...domain.KeyShard) ([]byte, error) {
	if len(shards) < 2 {
		return nil, fmt.Errorf("%w: at least 2 shards are required, got %d", domain.ErrInvalidShard, len(shards))
	}

	parts := make([][]byte, 0, len(shards))
	defer func() {
		for _, p := range parts {
			wipeBytes(p)
		}
	}()
	for _, shard := range shards {
		if shard.UserID != shards[0].UserID {
			return nil, fmt.Errorf("%w: shards belong to different users", domain.ErrInvalidShard)
		}
		material, err := s.shareMaterial(shard)
		if err != nil {
			return nil, err
		}
		parts = append(parts, material)
	}

	secret, err := shamir.Combine(parts)
	if err != nil {
		return nil, fmt.Errorf("combining shards: %w", err)
	}
	defer wipeBytes(secret)

	return stripIntegrityTag(secret)
}

// shareMaterial はシャードから分散値を取り出す。AUTHシャードは復号する。
func (s *ShamirService) shareMaterial(shard domain.KeyShard) ([]byte, error) {
	var material []byte
	if shard.Type == domain.ShardTypeAuth {
		plain, err := s.encryption.DecryptForUser(shard.Data, shard.UserID)
		if err != nil {
			return nil, fmt.Errorf("unwrapping auth shard: %w", err)
		}
		material = plain
	} else {
		material = append([]byte(nil), shard.Data...)
	}

	if len(material) < 2 {
		return nil, fmt.Errorf("%w: %s shard is too short", domain.ErrInvalidShard, shard.Type)
	}
	return material, nil
}

// withIntegrityTag は privateKey || SHA-256(privateKey)[:16] を返す。
// 空の鍵でも分割可能になり、再構築時に破損したシャードを検出できる。
func withIntegrityTag(privateKey []byte) []byte {
	sum := sha256.Sum256(privateKey)
	secret := make([]byte, 0, len(privateKey)+integrityTagSize)
	secret = append(secret, privateKey...)
	return append(secret, sum[:integrityTagSize]...)
}

func stripIntegrityTag(secret []byte) ([]byte, error) {
	if len(secret) < integrityTagSize {
		return nil, fmt.Errorf("%w: reconstructed secret is too short", domain.ErrInvalidShard)
	}
	keyLen := len(secret) - integrityTagSize
	key := append([]byte{}, secret[:keyLen]...)

	sum := sha256.Sum256(key)
	if subtle.ConstantTimeCompare(sum[:integrityTagSize], secret[keyLen:]) != 1 {
		wipeBytes(key)
		return nil, fmt.Errorf("%w: integrity check failed", domain.ErrInvalidShard)
	}
	return key, nil
}

// PublicKeyHash は秘密鍵のSHA-256をhex文字列で返す。
func PublicKeyHash(privateKey []byte) string {
	sum := sha256.Sum256(privateKey)
	return hex.EncodeToString(sum[:])
}
