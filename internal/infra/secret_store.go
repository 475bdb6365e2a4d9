package infra

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/vault/api"
)

// MemorySecretStore はプロセス内にシークレットを保持する。開発・テスト用。
type MemorySecretStore struct {
	mu      sync.RWMutex
	secrets map[string][]byte
}

// NewMemorySecretStore は新しいMemorySecretStoreを生成する。
func NewMemorySecretStore() *MemorySecretStore {
	return &MemorySecretStore{secrets: make(map[string][]byte)}
}

// Store はシークレットを保存する。
func (s *MemorySecretStore) Store(ctx context.Context, secretID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[secretID] = append([]byte(nil), data...)
	return nil
}

// Retrieve はシークレットを取得する。存在しない場合は nil, nil を返す。
func (s *MemorySecretStore) Retrieve(ctx context.Context, secretID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.secrets[secretID]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

// Cipher は外部鍵による暗号化のインターフェース。
type Cipher interface {
	Encrypt(ctx context.Context, plaintext, additionalData []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext, additionalData []byte) ([]byte, error)
}

// SecretRecords は暗号化済みシークレットの永続化のインターフェース。
type SecretRecords interface {
	Upsert(ctx context.Context, secretID string, ciphertext []byte) error
	Find(ctx context.Context, secretID string) ([]byte, error)
}

// KMSSecretStore はCloud KMSで暗号化したシークレットをDBに保管する。
// シークレットIDを追加認証データとして使うため、別IDの暗号文とは入れ替えられない。
type KMSSecretStore struct {
	cipher  Cipher
	records SecretRecords
}

// NewKMSSecretStore は新しいKMSSecretStoreを生成する。
func NewKMSSecretStore(cipher Cipher, records SecretRecords) *KMSSecretStore {
	return &KMSSecretStore{cipher: cipher, records: records}
}

// Store はシークレットをKMSで暗号化して保存する。
func (s *KMSSecretStore) Store(ctx context.Context, secretID string, data []byte) error {
	ciphertext, err := s.cipher.Encrypt(ctx, data, []byte(secretID))
	if err != nil {
		return fmt.Errorf("encrypting secret: %w", err)
	}
	if err := s.records.Upsert(ctx, secretID, ciphertext); err != nil {
		return fmt.Errorf("saving secret: %w", err)
	}
	return nil
}

// Retrieve はシークレットを取得してKMSで復号する。存在しない場合は nil, nil を返す。
func (s *KMSSecretStore) Retrieve(ctx context.Context, secretID string) ([]byte, error) {
	ciphertext, err := s.records.Find(ctx, secretID)
	if err != nil {
		return nil, fmt.Errorf("loading secret: %w", err)
	}
	if ciphertext == nil {
		return nil, nil
	}
	plaintext, err := s.cipher.Decrypt(ctx, ciphertext, []byte(secretID))
	if err != nil {
		return nil, fmt.Errorf("decrypting secret: %w", err)
	}
	return plaintext, nil
}

const vaultContentKey = "content"

// VaultSecretStore はHashiCorp VaultのKV v2にシークレットを保管する。
type VaultSecretStore struct {
	client    *api.Client
	mountPath string
	dataPath  string
}

// NewVaultSecretStore はVaultに接続するVaultSecretStoreを生成する。
func NewVaultSecretStore(address, token, mountPath, dataPath string) (*VaultSecretStore, error) {
	if address == "" {
		return nil, fmt.Errorf("VAULT_ADDR is required for the vault HSM backend")
	}

	cfg := api.DefaultConfig()
	cfg.Address = address
	cfg.HttpClient = &http.Client{Timeout: 30 * time.Second}

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	return &VaultSecretStore{
		client:    client,
		mountPath: strings.Trim(mountPath, "/"),
		dataPath:  strings.Trim(dataPath, "/"),
	}, nil
}

// Store はシークレットをbase64で保存する。
func (s *VaultSecretStore) Store(ctx context.Context, secretID string, data []byte) error {
	path := s.path(secretID)
	_, err := s.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"data": map[string]interface{}{
			vaultContentKey: base64.StdEncoding.EncodeToString(data),
		},
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to write secret to Vault",
			"operation", "vault_store",
			"path", path,
			"error", err,
		)
		return fmt.Errorf("writing to Vault: %w", err)
	}
	return nil
}

// Retrieve はシークレットを取得する。存在しない場合は nil, nil を返す。
func (s *VaultSecretStore) Retrieve(ctx context.Context, secretID string) ([]byte, error) {
	path := s.path(secretID)
	secret, err := s.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		slog.ErrorContext(ctx, "failed to read secret from Vault",
			"operation", "vault_retrieve",
			"path", path,
			"error", err,
		)
		return nil, fmt.Errorf("reading from Vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	// KV v2 は {"data": {"content": ...}} の形で返す
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	content, ok := data[vaultContentKey].(string)
	if !ok {
		return nil, fmt.Errorf("invalid content format in Vault data at %s", path)
	}
	decoded, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("decoding Vault content: %w", err)
	}
	return decoded, nil
}

// path はシークレットIDをKV v2のパスに変換する。"auth-shard:u:v" は "auth-shard/u/v" になる。
func (s *VaultSecretStore) path(secretID string) string {
	return fmt.Sprintf("%s/data/%s/%s", s.mountPath, s.dataPath, strings.ReplaceAll(secretID, ":", "/"))
}
