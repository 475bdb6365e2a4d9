package usecase

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"key-custody-service/internal/domain"
)

func newTestEncryptionService(t *testing.T) *EncryptionService {
	t.Helper()
	svc, err := NewEncryptionService(testAppSecret)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return svc
}

func TestNewEncryptionService_ShortSecret(t *testing.T) {
	_, err := NewEncryptionService([]byte("too-short"))
	if !errors.Is(err, domain.ErrInvalidConfiguration) {
		t.Errorf("want ErrInvalidConfiguration, got %v", err)
	}
}

func TestEncryptionService_ForUser_RoundTrip(t *testing.T) {
	svc := newTestEncryptionService(t)

	ciphertext, err := svc.EncryptForUser([]byte("shard-bytes"), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bytes.Contains(ciphertext, []byte("shard-bytes")) {
		t.Error("ciphertext must not contain plaintext")
	}

	plain, err := svc.DecryptForUser(ciphertext, "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(plain) != "shard-bytes" {
		t.Errorf("want shard-bytes, got %s", plain)
	}
}

func TestEncryptionService_ForUser_Randomized(t *testing.T) {
	svc := newTestEncryptionService(t)

	a, err := svc.EncryptForUser([]byte("same"), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := svc.EncryptForUser([]byte("same"), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("want different ciphertexts for the same plaintext")
	}
}

func TestEncryptionService_ForUser_WrongUser(t *testing.T) {
	svc := newTestEncryptionService(t)

	ciphertext, err := svc.EncryptForUser([]byte("secret"), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = svc.DecryptForUser(ciphertext, "u2")
	if !errors.Is(err, domain.ErrDecryption) {
		t.Errorf("want ErrDecryption, got %v", err)
	}
}

func TestEncryptionService_ForUser_Tampered(t *testing.T) {
	svc := newTestEncryptionService(t)

	ciphertext, err := svc.EncryptForUser([]byte("secret"), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ciphertext[len(ciphertext)-1] ^= 0xff

	_, err = svc.DecryptForUser(ciphertext, "u1")
	if !errors.Is(err, domain.ErrDecryption) {
		t.Errorf("want ErrDecryption, got %v", err)
	}
}

func TestEncryptionService_ForUser_Malformed(t *testing.T) {
	svc := newTestEncryptionService(t)

	tests := []struct {
		name       string
		ciphertext []byte
	}{
		{name: "empty", ciphertext: nil},
		{name: "too short", ciphertext: []byte{0x01, 0x02, 0x03}},
		{name: "unknown version", ciphertext: append([]byte{0x09}, make([]byte, 40)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.DecryptForUser(tt.ciphertext, "u1")
			if !errors.Is(err, domain.ErrDecryption) {
				t.Errorf("want ErrDecryption, got %v", err)
			}
		})
	}
}

func TestEncryptionService_ForUser_EmptyPlaintext(t *testing.T) {
	svc := newTestEncryptionService(t)

	ciphertext, err := svc.EncryptForUser(nil, "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	plain, err := svc.DecryptForUser(ciphertext, "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plain == nil || len(plain) != 0 {
		t.Errorf("want empty non-nil plaintext, got %v", plain)
	}
}

// testPayloads は往復テストに使う平文。
func testPayloads(t *testing.T) []struct {
	name string
	data []byte
} {
	t.Helper()
	large := make([]byte, 150*1024)
	if _, err := rand.Read(large); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return []struct {
		name string
		data []byte
	}{
		{"binary", []byte{0x00, 0xff, 0x00}},
		{"unicode", []byte("日本語🔑")},
		{"large random", large},
	}
}

func TestEncryptionService_ForUser_Payloads(t *testing.T) {
	svc := newTestEncryptionService(t)

	for _, tt := range testPayloads(t) {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := svc.EncryptForUser(tt.data, "u1")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			plain, err := svc.DecryptForUser(ciphertext, "u1")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !bytes.Equal(plain, tt.data) {
				t.Errorf("round trip mismatch: %d bytes in, %d bytes out", len(tt.data), len(plain))
			}
		})
	}
}

func TestEncryptionService_ForUser_EveryBitFlip(t *testing.T) {
	svc := newTestEncryptionService(t)

	ciphertext, err := svc.EncryptForUser([]byte("shard"), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := range ciphertext {
		for bit := 0; bit < 8; bit++ {
			tampered := append([]byte(nil), ciphertext...)
			tampered[i] ^= 1 << bit
			if _, err := svc.DecryptForUser(tampered, "u1"); !errors.Is(err, domain.ErrDecryption) {
				t.Fatalf("byte %d bit %d: want ErrDecryption, got %v", i, bit, err)
			}
		}
	}
}

func TestEncryptionService_DifferentAppSecrets(t *testing.T) {
	a := newTestEncryptionService(t)
	b, err := NewEncryptionService([]byte("ffffffffffffffffffffffffffffffff"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ciphertext, err := a.EncryptForUser([]byte("secret"), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := b.DecryptForUser(ciphertext, "u1"); !errors.Is(err, domain.ErrDecryption) {
		t.Errorf("want ErrDecryption, got %v", err)
	}
}

func TestEncryptionService_Password(t *testing.T) {
	svc := newTestEncryptionService(t)

	ciphertext, err := svc.EncryptWithPassword([]byte("recovery"), "correct horse")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	plain, err := svc.DecryptWithPassword(ciphertext, "correct horse")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(plain) != "recovery" {
		t.Errorf("want recovery, got %s", plain)
	}

	if _, err := svc.DecryptWithPassword(ciphertext, "wrong"); !errors.Is(err, domain.ErrDecryption) {
		t.Errorf("want ErrDecryption, got %v", err)
	}
	if _, err := svc.DecryptWithPassword([]byte{0x01}, "correct horse"); !errors.Is(err, domain.ErrDecryption) {
		t.Errorf("want ErrDecryption for short input, got %v", err)
	}
}

func TestEncryptionService_Password_Payloads(t *testing.T) {
	svc := newTestEncryptionService(t)

	for _, tt := range testPayloads(t) {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := svc.EncryptWithPassword(tt.data, "correct horse")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			plain, err := svc.DecryptWithPassword(ciphertext, "correct horse")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !bytes.Equal(plain, tt.data) {
				t.Errorf("round trip mismatch: %d bytes in, %d bytes out", len(tt.data), len(plain))
			}
		})
	}
}

func TestEncryptionService_Password_EveryBitFlip(t *testing.T) {
	if testing.Short() {
		t.Skip("argon2 per flipped bit")
	}
	svc := newTestEncryptionService(t)

	ciphertext, err := svc.EncryptWithPassword([]byte{0x2a}, "correct horse")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := range ciphertext {
		for bit := 0; bit < 8; bit++ {
			tampered := append([]byte(nil), ciphertext...)
			tampered[i] ^= 1 << bit
			if _, err := svc.DecryptWithPassword(tampered, "correct horse"); !errors.Is(err, domain.ErrDecryption) {
				t.Fatalf("byte %d bit %d: want ErrDecryption, got %v", i, bit, err)
			}
		}
	}
}

func TestEncryptionService_MultiParty(t *testing.T) {
	svc := newTestEncryptionService(t)

	ciphertext, err := svc.EncryptWithMultiParty([]byte("shared"), []string{"alice", "bob", "carol"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 順序や重複は問わない
	plain, err := svc.DecryptWithMultiParty(ciphertext, []string{"carol", "alice", "bob", "alice"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(plain) != "shared" {
		t.Errorf("want shared, got %s", plain)
	}

	if _, err := svc.DecryptWithMultiParty(ciphertext, []string{"alice", "bob"}); !errors.Is(err, domain.ErrDecryption) {
		t.Errorf("want ErrDecryption for different holders, got %v", err)
	}
}

func TestEncryptionService_MultiParty_NoHolders(t *testing.T) {
	svc := newTestEncryptionService(t)

	_, err := svc.EncryptWithMultiParty([]byte("x"), []string{"", ""})
	if !errors.Is(err, domain.ErrInvalidKeyHolders) {
		t.Errorf("want ErrInvalidKeyHolders, got %v", err)
	}
}

func TestEncryptionService_MultiParty_AmbiguousConcatenation(t *testing.T) {
	svc := newTestEncryptionService(t)

	ciphertext, err := svc.EncryptWithMultiParty([]byte("x"), []string{"ab", "c"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.DecryptWithMultiParty(ciphertext, []string{"a", "bc"}); !errors.Is(err, domain.ErrDecryption) {
		t.Errorf("want ErrDecryption, got %v", err)
	}
}
