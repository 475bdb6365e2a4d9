package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"key-custody-service/internal/domain"
)

var testAppSecret = []byte("0123456789abcdef0123456789abcdef")

// mockShardRecordRepository はテスト用のインメモリリポジトリ。
type mockShardRecordRepository struct {
	mu        sync.Mutex
	records   []*domain.KeyShardRecord
	seq       int
	clock     time.Time
	createErr error
	findErr   error
}

func (m *mockShardRecordRepository) Create(ctx context.Context, record *domain.KeyShardRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.seq++
	record.ID = fmt.Sprintf("shard-%d", m.seq)
	// 作成順に単調増加する時刻を付与する
	if m.clock.IsZero() {
		m.clock = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	m.clock = m.clock.Add(time.Second)
	record.CreatedAt = m.clock
	record.UpdatedAt = m.clock
	copied := *record
	m.records = append(m.records, &copied)
	return nil
}

func (m *mockShardRecordRepository) FindActiveByType(ctx context.Context, userUUID string, shardType domain.ShardType) (*domain.KeyShardRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	var latest *domain.KeyShardRecord
	for _, r := range m.records {
		if r.UserUUID != userUUID || r.ShardType != shardType || r.Status != domain.ShardStatusActive {
			continue
		}
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, nil
	}
	copied := *latest
	return &copied, nil
}

func (m *mockShardRecordRepository) FindActiveByUser(ctx context.Context, userUUID string) ([]*domain.KeyShardRecord, error) {
	return m.filter(func(r *domain.KeyShardRecord) bool {
		return r.UserUUID == userUUID && r.Status == domain.ShardStatusActive
	}), nil
}

func (m *mockShardRecordRepository) FindByUserAndVersion(ctx context.Context, userUUID, keyVersion string) ([]*domain.KeyShardRecord, error) {
	return m.filter(func(r *domain.KeyShardRecord) bool {
		return r.UserUUID == userUUID && r.KeyVersion == keyVersion
	}), nil
}

func (m *mockShardRecordRepository) FindAllByUser(ctx context.Context, userUUID string) ([]*domain.KeyShardRecord, error) {
	return m.filter(func(r *domain.KeyShardRecord) bool {
		return r.UserUUID == userUUID
	}), nil
}

func (m *mockShardRecordRepository) UpdateStatus(ctx context.Context, id string, status domain.ShardStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.ID == id {
			r.Status = status
			return nil
		}
	}
	return errors.New("record not found")
}

func (m *mockShardRecordRepository) MarkAccessed(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.ID == id {
			accessed := at
			r.LastAccessedAt = &accessed
			return nil
		}
	}
	return errors.New("record not found")
}

// filter は条件に一致するレコードのコピーを新しい順に返す。
func (m *mockShardRecordRepository) filter(match func(*domain.KeyShardRecord) bool) []*domain.KeyShardRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*domain.KeyShardRecord
	for _, r := range m.records {
		if match(r) {
			copied := *r
			result = append(result, &copied)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result
}

func (m *mockShardRecordRepository) byType(userUUID string, shardType domain.ShardType) []*domain.KeyShardRecord {
	return m.filter(func(r *domain.KeyShardRecord) bool {
		return r.UserUUID == userUUID && r.ShardType == shardType
	})
}

// mockRecoveryBackupRepository はテスト用のインメモリリポジトリ。
type mockRecoveryBackupRepository struct {
	backups   []*domain.RecoveryBackup
	createErr error
}

func (m *mockRecoveryBackupRepository) Create(ctx context.Context, backup *domain.RecoveryBackup) error {
	if m.createErr != nil {
		return m.createErr
	}
	backup.ID = fmt.Sprintf("backup-%d", len(m.backups)+1)
	copied := *backup
	m.backups = append(m.backups, &copied)
	return nil
}

func (m *mockRecoveryBackupRepository) FindVerifiedByUser(ctx context.Context, userUUID string) (*domain.RecoveryBackup, error) {
	for i := len(m.backups) - 1; i >= 0; i-- {
		b := m.backups[i]
		if b.UserUUID == userUUID && b.IsVerified {
			copied := *b
			return &copied, nil
		}
	}
	return nil, nil
}

// mockReconstructionLogRepository はテスト用のインメモリリポジトリ。
type mockReconstructionLogRepository struct {
	logs      []*domain.KeyReconstructionLog
	createErr error
}

func (m *mockReconstructionLogRepository) Create(ctx context.Context, log *domain.KeyReconstructionLog) error {
	if m.createErr != nil {
		return m.createErr
	}
	log.ID = fmt.Sprintf("log-%d", len(m.logs)+1)
	copied := *log
	m.logs = append(m.logs, &copied)
	return nil
}

func (m *mockReconstructionLogRepository) CountSince(ctx context.Context, userUUID string, since time.Time) (int64, error) {
	var count int64
	for _, l := range m.logs {
		if l.UserUUID == userUUID && !l.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *mockReconstructionLogRepository) FindRecentByUser(ctx context.Context, userUUID string, limit int) ([]*domain.KeyReconstructionLog, error) {
	var result []*domain.KeyReconstructionLog
	for i := len(m.logs) - 1; i >= 0 && len(result) < limit; i-- {
		if m.logs[i].UserUUID == userUUID {
			result = append(result, m.logs[i])
		}
	}
	return result, nil
}

// mockSecretStore はテスト用のインメモリHSM。
type mockSecretStore struct {
	secrets     map[string][]byte
	storeErr    error
	retrieveErr error
	storedInTx  bool
}

func newMockSecretStore() *mockSecretStore {
	return &mockSecretStore{secrets: make(map[string][]byte)}
}

func (m *mockSecretStore) Store(ctx context.Context, secretID string, data []byte) error {
	if inTransaction(ctx) {
		m.storedInTx = true
	}
	if m.storeErr != nil {
		return m.storeErr
	}
	m.secrets[secretID] = append([]byte(nil), data...)
	return nil
}

func (m *mockSecretStore) Retrieve(ctx context.Context, secretID string) ([]byte, error) {
	if m.retrieveErr != nil {
		return nil, m.retrieveErr
	}
	data, ok := m.secrets[secretID]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

// recordingEventSink は発行されたイベントを記録する。
type recordingEventSink struct {
	events []domain.Event
}

func (r *recordingEventSink) Publish(ctx context.Context, event domain.Event) {
	r.events = append(r.events, event)
}

func (r *recordingEventSink) names() []string {
	names := make([]string, len(r.events))
	for i, e := range r.events {
		names[i] = e.EventName()
	}
	return names
}

type inTransactionKey struct{}

func inTransaction(ctx context.Context) bool {
	v, _ := ctx.Value(inTransactionKey{}).(bool)
	return v
}

// passthroughTxManager はトランザクションを張らずにfnを実行する。fnのctxにはトランザクション中の印を付ける。
type passthroughTxManager struct {
	calls int
}

func (p *passthroughTxManager) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	p.calls++
	return fn(context.WithValue(ctx, inTransactionKey{}, true))
}

// testFixture はサービス一式とモックをまとめたもの。
type testFixture struct {
	encryption     *EncryptionService
	shamir         *ShamirService
	shards         *mockShardRecordRepository
	backups        *mockRecoveryBackupRepository
	logs           *mockReconstructionLogRepository
	hsm            *mockSecretStore
	events         *recordingEventSink
	tx             *passthroughTxManager
	distribution   *ShardDistributionService
	reconstruction *KeyReconstructionService
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()

	encryption, err := NewEncryptionService(testAppSecret)
	if err != nil {
		t.Fatalf("failed to create encryption service: %v", err)
	}
	shamirSvc, err := NewShamirService(DefaultShamirConfig(), encryption)
	if err != nil {
		t.Fatalf("failed to create shamir service: %v", err)
	}

	f := &testFixture{
		encryption: encryption,
		shamir:     shamirSvc,
		shards:     &mockShardRecordRepository{},
		backups:    &mockRecoveryBackupRepository{},
		logs:       &mockReconstructionLogRepository{},
		hsm:        newMockSecretStore(),
		events:     &recordingEventSink{},
		tx:         &passthroughTxManager{},
	}
	f.distribution = NewShardDistributionService(shamirSvc, encryption, f.shards, f.backups, f.hsm, f.events, f.tx)
	f.reconstruction = NewKeyReconstructionService(shamirSvc, f.shards, f.logs, f.hsm, f.events, f.tx)
	return f
}
