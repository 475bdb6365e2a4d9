package usecase

import (
	"context"
	"crypto/sha256"
	"errors"
	"reflect"
	"regexp"
	"testing"

	"key-custody-service/internal/domain"
)

func TestShardDistributionService_CreateAndDistribute(t *testing.T) {
	f := newTestFixture(t)
	key := []byte("secret-key-123")

	result, err := f.distribution.CreateAndDistribute(context.Background(), key, "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !result.AuthStored || !result.RecoveryStored {
		t.Errorf("want auth and recovery stored, got %+v", result)
	}
	if len(result.DeviceShard) == 0 {
		t.Error("want device shard returned")
	}
	if !regexp.MustCompile(`^v\d+-[0-9a-f]{8}$`).MatchString(result.KeyVersion) {
		t.Errorf("unexpected key version format: %s", result.KeyVersion)
	}

	records, _ := f.shards.FindAllByUser(context.Background(), "u1")
	if len(records) != 3 {
		t.Fatalf("want 3 records, got %d", len(records))
	}
	for _, r := range records {
		if r.Status != domain.ShardStatusActive {
			t.Errorf("%s: want active, got %s", r.ShardType, r.Status)
		}
		if r.KeyVersion != result.KeyVersion {
			t.Errorf("%s: want version %s, got %s", r.ShardType, result.KeyVersion, r.KeyVersion)
		}
		if r.PublicKeyHash != PublicKeyHash(key) {
			t.Errorf("%s: unexpected public key hash", r.ShardType)
		}
	}

	if _, ok := f.hsm.secrets[domain.AuthShardSecretID("u1", result.KeyVersion)]; !ok {
		t.Error("want auth shard stored in HSM")
	}
	if len(f.backups.backups) != 1 {
		t.Fatalf("want 1 recovery backup, got %d", len(f.backups.backups))
	}
	backup := f.backups.backups[0]
	if backup.EncryptionMethod != "aes-256-gcm" || backup.IsVerified || backup.UsageCount != 0 {
		t.Errorf("unexpected backup: %+v", backup)
	}
	if got := f.events.names(); !reflect.DeepEqual(got, []string{"key_shards.created"}) {
		t.Errorf("want [key_shards.created], got %v", got)
	}
}

func TestShardDistributionService_DeviceRecordStoresHashOnly(t *testing.T) {
	f := newTestFixture(t)

	result, err := f.distribution.CreateAndDistribute(context.Background(), []byte("secret-key-123"), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	device := f.shards.byType("u1", domain.ShardTypeDevice)
	if len(device) != 1 {
		t.Fatalf("want 1 device record, got %d", len(device))
	}
	want := sha256.Sum256(result.DeviceShard)
	if !reflect.DeepEqual(device[0].EncryptedData, want[:]) {
		t.Error("device record must hold sha256 of the device shard")
	}
	if device[0].EncryptedFor != domain.EncryptedForDevice || device[0].ShardIndex != 1 {
		t.Errorf("unexpected device record: %+v", device[0])
	}
}

func TestShardDistributionService_RecoveryRecordIsEncrypted(t *testing.T) {
	f := newTestFixture(t)

	if _, err := f.distribution.CreateAndDistribute(context.Background(), []byte("secret-key-123"), "u1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	recovery := f.shards.byType("u1", domain.ShardTypeRecovery)[0]
	plain, err := f.encryption.DecryptForUser(recovery.EncryptedData, "u1")
	if err != nil {
		t.Fatalf("recovery record must decrypt for its user: %v", err)
	}
	if PublicKeyHash(plain) != f.backups.backups[0].BackupHash {
		t.Error("backup hash must be sha256 of the plaintext recovery shard")
	}
}

func TestShardDistributionService_CreateAndDistribute_HSMFailure(t *testing.T) {
	f := newTestFixture(t)
	f.hsm.storeErr = errors.New("hsm unavailable")

	result, err := f.distribution.CreateAndDistribute(context.Background(), []byte("secret-key-123"), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.AuthStored {
		t.Error("want auth_stored false when HSM store fails")
	}
	if got := len(f.shards.byType("u1", domain.ShardTypeAuth)); got != 1 {
		t.Errorf("want auth record persisted, got %d", got)
	}
}

func TestShardDistributionService_CreateAndDistribute_PersistFailure(t *testing.T) {
	f := newTestFixture(t)
	f.shards.createErr = errors.New("db down")

	_, err := f.distribution.CreateAndDistribute(context.Background(), []byte("secret-key-123"), "u1")
	if err == nil {
		t.Fatal("want error")
	}
	if len(f.events.events) != 0 {
		t.Errorf("want no events on failure, got %v", f.events.names())
	}
}

func TestShardDistributionService_HSMStoreRunsOutsideTransaction(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	first, err := f.distribution.CreateAndDistribute(ctx, []byte("old-key"), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.distribution.RotateShards(ctx, []byte("new-key"), "u1", first.KeyVersion); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if f.hsm.storedInTx {
		t.Error("HSM store must not run inside the DB transaction")
	}
	if len(f.hsm.secrets) != 2 {
		t.Errorf("want 2 HSM secrets, got %d", len(f.hsm.secrets))
	}
	if f.tx.calls != 2 {
		t.Errorf("want 2 transactions, got %d", f.tx.calls)
	}
}

func TestShardDistributionService_PersistFailureKeepsHSMSecret(t *testing.T) {
	f := newTestFixture(t)
	f.backups.createErr = errors.New("db down")

	if _, err := f.distribution.CreateAndDistribute(context.Background(), []byte("secret-key-123"), "u1"); err == nil {
		t.Fatal("want error")
	}
	// HSMへの保存はDBのロールバック対象外
	if len(f.hsm.secrets) != 1 {
		t.Errorf("want HSM secret left for reconciliation, got %d", len(f.hsm.secrets))
	}
}

func TestShardDistributionService_RotateShards(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	first, err := f.distribution.CreateAndDistribute(ctx, []byte("old-key"), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := f.distribution.RotateShards(ctx, []byte("new-key"), "u1", first.KeyVersion)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.KeyVersion == first.KeyVersion {
		t.Error("want a new key version")
	}

	old, _ := f.shards.FindByUserAndVersion(ctx, "u1", first.KeyVersion)
	for _, r := range old {
		if r.Status != domain.ShardStatusRotated {
			t.Errorf("%s: want rotated, got %s", r.ShardType, r.Status)
		}
	}
	active, _ := f.shards.FindActiveByUser(ctx, "u1")
	if len(active) != 3 {
		t.Fatalf("want 3 active records, got %d", len(active))
	}
	for _, r := range active {
		if r.KeyVersion != second.KeyVersion {
			t.Errorf("active record has version %s, want %s", r.KeyVersion, second.KeyVersion)
		}
	}

	want := []string{"key_shards.created", "key_shards.created", "key_shards.rotated"}
	if got := f.events.names(); !reflect.DeepEqual(got, want) {
		t.Errorf("want %v, got %v", want, got)
	}
}

func TestShardDistributionService_RotateShards_UnknownVersion(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	first, err := f.distribution.CreateAndDistribute(ctx, []byte("old-key"), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.distribution.RotateShards(ctx, []byte("new-key"), "u1", "v0-unknown"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	old, _ := f.shards.FindByUserAndVersion(ctx, "u1", first.KeyVersion)
	for _, r := range old {
		if r.Status != domain.ShardStatusActive {
			t.Errorf("%s: want untouched active, got %s", r.ShardType, r.Status)
		}
	}
}

func TestShardDistributionService_RevokeAllShards(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	if _, err := f.distribution.CreateAndDistribute(ctx, []byte("k1"), "u1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.distribution.CreateAndDistribute(ctx, []byte("k2"), "u2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	count, err := f.distribution.RevokeAllShards(ctx, "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 3 {
		t.Errorf("want 3 revoked, got %d", count)
	}

	if active, _ := f.shards.FindActiveByUser(ctx, "u1"); len(active) != 0 {
		t.Errorf("want no active shards for u1, got %d", len(active))
	}
	if active, _ := f.shards.FindActiveByUser(ctx, "u2"); len(active) != 3 {
		t.Errorf("want u2 untouched, got %d active", len(active))
	}

	// 2回目は対象なし
	count, err = f.distribution.RevokeAllShards(ctx, "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 0 {
		t.Errorf("want 0 revoked, got %d", count)
	}

	revokedEvents := 0
	for _, e := range f.events.events {
		if ev, ok := e.(domain.KeyShardsRevoked); ok {
			revokedEvents++
			if ev.UserUUID != "u1" || ev.Count != 3 {
				t.Errorf("unexpected revoked event: %+v", ev)
			}
		}
	}
	if revokedEvents != 1 {
		t.Errorf("want 1 revoked event, got %d", revokedEvents)
	}
}

func TestShardDistributionService_RotateShards_KeepsRevoked(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	first, err := f.distribution.CreateAndDistribute(ctx, []byte("old-key"), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.distribution.RevokeAllShards(ctx, "u1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.distribution.RotateShards(ctx, []byte("new-key"), "u1", first.KeyVersion); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	old, _ := f.shards.FindByUserAndVersion(ctx, "u1", first.KeyVersion)
	if len(old) != 3 {
		t.Fatalf("want 3 old records, got %d", len(old))
	}
	for _, r := range old {
		if r.Status != domain.ShardStatusRevoked {
			t.Errorf("%s: terminal status must not change, got %s", r.ShardType, r.Status)
		}
	}
}

func TestShardDistributionService_GetShardsSummary(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	summary, err := f.distribution.GetShardsSummary(ctx, "nobody")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Device.Exists || summary.Auth.Exists || summary.Recovery.Exists {
		t.Errorf("want nothing for unknown user, got %+v", summary)
	}

	if _, err := f.distribution.CreateAndDistribute(ctx, []byte("k"), "u1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.distribution.RevokeAllShards(ctx, "u1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 失効済みでも存在として扱う
	summary, err = f.distribution.GetShardsSummary(ctx, "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !summary.Device.Exists || !summary.Auth.Exists || !summary.Recovery.Exists {
		t.Errorf("want all shards present, got %+v", summary)
	}
	if summary.Auth.LastAccessedAt != nil {
		t.Error("want no last access before reconstruction")
	}
}

func TestShardDistributionService_VerifyRecoveryShard(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	if _, err := f.distribution.CreateAndDistribute(ctx, []byte("k"), "u1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	recovery := f.shards.byType("u1", domain.ShardTypeRecovery)[0]

	// 未検証のバックアップしかない
	ok, err := f.distribution.VerifyRecoveryShard(ctx, "u1", recovery.EncryptedData)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("want false without a verified backup")
	}

	f.backups.backups[0].IsVerified = true

	ok, err = f.distribution.VerifyRecoveryShard(ctx, "u1", recovery.EncryptedData)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("want true for the stored recovery shard")
	}

	other, err := f.encryption.EncryptForUser([]byte("not-the-shard"), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok, _ := f.distribution.VerifyRecoveryShard(ctx, "u1", other); ok {
		t.Error("want false for a different shard")
	}
	if ok, _ := f.distribution.VerifyRecoveryShard(ctx, "u1", []byte("garbage")); ok {
		t.Error("want false for undecryptable input")
	}
}
