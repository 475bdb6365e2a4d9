package usecase

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"

	"key-custody-service/internal/domain"
)

const (
	encryptionVersion = 0x01
	minAppSecretSize  = 32
	derivedKeySize    = 32 // AES-256
	gcmNonceSize      = 12
	passwordSaltSize  = 16

	// Argon2id パラメータ（OWASP推奨の最小構成）
	argon2Time    = 2
	argon2Memory  = 19 * 1024
	argon2Threads = 1

	userKeyInfoPrefix       = "key-custody/user/"
	multiPartyKeyInfoPrefix = "key-custody/multi-party/"
)

// EncryptionService は認証付き暗号による暗号化/復号を提供する。
type EncryptionService struct {
	appSecret []byte
}

// NewEncryptionService は新しいEncryptionServiceを生成する。
func NewEncryptionService(appSecret []byte) (*EncryptionService, error) {
	if len(appSecret) < minAppSecretSize {
		return nil, fmt.Errorf("%w: app secret must be at least %d bytes", domain.ErrInvalidConfiguration, minAppSecretSize)
	}
	return &EncryptionService{appSecret: append([]byte(nil), appSecret...)}, nil
}

// EncryptForUser はユーザーごとの導出鍵で暗号化する。同じ平文でも毎回異なる暗号文になる。
func (s *EncryptionService) EncryptForUser(plaintext []byte, userID string) ([]byte, error) {
	key, err := s.deriveKey([]byte(userKeyInfoPrefix + userID))
	if err != nil {
		return nil, err
	}
	defer wipeBytes(key)
	return seal(key, nil, plaintext)
}

// DecryptForUser はEncryptForUserで暗号化されたデータを復号する。
func (s *EncryptionService) DecryptForUser(ciphertext []byte, userID string) ([]byte, error) {
	key, err := s.deriveKey([]byte(userKeyInfoPrefix + userID))
	if err != nil {
		return nil, err
	}
	defer wipeBytes(key)
	return open(key, nil, ciphertext)
}

// EncryptWithPassword はパスワードからArgon2idで導出した鍵で暗号化する。
func (s *EncryptionService) EncryptWithPassword(plaintext []byte, password string) ([]byte, error) {
	salt := make([]byte, passwordSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	key := passwordKey(password, salt)
	defer wipeBytes(key)
	return seal(key, salt, plaintext)
}

// DecryptWithPassword はEncryptWithPasswordで暗号化されたデータを復号する。
func (s *EncryptionService) DecryptWithPassword(ciphertext []byte, password string) ([]byte, error) {
	if len(ciphertext) < 1+passwordSaltSize {
		return nil, fmt.Errorf("%w: ciphertext too short", domain.ErrDecryption)
	}
	salt := ciphertext[1 : 1+passwordSaltSize]
	key := passwordKey(password, salt)
	defer wipeBytes(key)
	return open(key, salt, ciphertext)
}

// EncryptWithMultiParty は複数の保有者IDから導出した鍵で暗号化する。
// 保有者の並び順や重複は導出結果に影響しない。
func (s *EncryptionService) EncryptWithMultiParty(plaintext []byte, keyHolders []string) ([]byte, error) {
	key, err := s.multiPartyKey(keyHolders)
	if err != nil {
		return nil, err
	}
	defer wipeBytes(key)
	return seal(key, nil, plaintext)
}

// DecryptWithMultiParty はEncryptWithMultiPartyで暗号化されたデータを復号する。
func (s *EncryptionService) DecryptWithMultiParty(ciphertext []byte, keyHolders []string) ([]byte, error) {
	key, err := s.multiPartyKey(keyHolders)
	if err != nil {
		return nil, err
	}
	defer wipeBytes(key)
	return open(key, nil, ciphertext)
}

func (s *EncryptionService) multiPartyKey(keyHolders []string) ([]byte, error) {
	holders := normalizeHolders(keyHolders)
	if len(holders) == 0 {
		return nil, fmt.Errorf("%w: at least one key holder is required", domain.ErrInvalidKeyHolders)
	}

	info := []byte(multiPartyKeyInfoPrefix)
	var lenBuf [4]byte
	for _, h := range holders {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(h)))
		info = append(info, lenBuf[:]...)
		info = append(info, h...)
	}
	return s.deriveKey(info)
}

// deriveKey はHKDF-SHA256で用途別の鍵を導出する。
func (s *EncryptionService) deriveKey(info []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, s.appSecret, nil, info)
	key := make([]byte, derivedKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return key, nil
}

func normalizeHolders(keyHolders []string) []string {
	seen := make(map[string]struct{}, len(keyHolders))
	holders := make([]string, 0, len(keyHolders))
	for _, h := range keyHolders {
		if h == "" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		holders = append(holders, h)
	}
	sort.Strings(holders)
	return holders
}

func passwordKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, derivedKeySize)
}

// seal は version | prefix | nonce | AES-GCM(plaintext) を返す。
// version と prefix は追加認証データとして扱う。
func seal(key, prefix, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	header := make([]byte, 0, 1+len(prefix))
	header = append(header, encryptionVersion)
	header = append(header, prefix...)

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	out := make([]byte, 0, len(header)+gcmNonceSize+len(plaintext)+gcm.Overhead())
	out = append(out, header...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, header), nil
}

func open(key, prefix, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	headerLen := 1 + len(prefix)
	if len(ciphertext) < headerLen+gcmNonceSize+gcm.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", domain.ErrDecryption)
	}
	if ciphertext[0] != encryptionVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", domain.ErrDecryption, ciphertext[0])
	}

	header := ciphertext[:headerLen]
	nonce := ciphertext[headerLen : headerLen+gcmNonceSize]
	sealed := ciphertext[headerLen+gcmNonceSize:]

	plaintext, err := gcm.Open(nil, nonce, sealed, header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

func wipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
