package kms

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"trustcore/internal/ledger"
	"trustcore/internal/logger"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type recordingNotifier struct {
	mu    sync.Mutex
	metas []*KeyMetadata
}

func (n *recordingNotifier) NotifyKeyCompromised(ctx context.Context, meta *KeyMetadata) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.metas = append(n.metas, meta)
}

func setupKMSTest(t *testing.T) (*Service, *ledger.Ledger, *recordingNotifier) {
	t.Helper()
	require.NoError(t, logger.Init("error", "console", "stderr"))

	dsn := fmt.Sprintf("file:kms_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&ledger.AuditRecord{}, &EncryptionKey{}))

	l, err := ledger.New(db, "test-chain-secret")
	require.NoError(t, err)

	backend, err := NewSoftwareCipherBackend("test-master-secret")
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	svc := NewService(db, l, backend, nil, notifier, "aes-256-gcm")
	return svc, l, notifier
}

func TestCreateKeyStartsLineageAtVersionOne(t *testing.T) {
	ctx := context.Background()
	svc, l, _ := setupKMSTest(t)

	meta, err := svc.CreateKey(ctx, &CreateKeyRequest{TenantID: "tenant-a", Purpose: PurposeEncryption})
	require.NoError(t, err)
	require.Equal(t, 1, meta.Version)
	require.Equal(t, StatusActive, meta.Status)
	require.Equal(t, "aes-256-gcm", meta.Algorithm)

	records, _, err := l.Query(ctx, &ledger.QueryFilter{
		TenantID:   "tenant-a",
		EventTypes: []ledger.EventType{ledger.EventKeyGenerated},
	})
	require.NoError(t, err)
	require.Len(t, records, 1, "创建密钥应留下 KEY_GENERATED 审计记录")
	require.Equal(t, meta.ID, records[0].Payload["key_id"])
}

func TestCreateKeySupersedesActiveKey(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setupKMSTest(t)

	first, err := svc.CreateKey(ctx, &CreateKeyRequest{TenantID: "tenant-a", Purpose: PurposeSigning})
	require.NoError(t, err)

	second, err := svc.CreateKey(ctx, &CreateKeyRequest{TenantID: "tenant-a", Purpose: PurposeSigning})
	require.NoError(t, err)
	require.Equal(t, 2, second.Version, "版本号应在谱系内递增")

	// 单活跃密钥不变式
	actives, err := svc.ListKeys(ctx, "tenant-a", PurposeSigning, StatusActive)
	require.NoError(t, err)
	require.Len(t, actives, 1)
	require.Equal(t, second.ID, actives[0].ID)

	old, err := svc.GetKeyMetadata(ctx, "tenant-a", first.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRotated, old.Status)
}

func TestCreateKeyRejectsInvalidPurpose(t *testing.T) {
	svc, _, _ := setupKMSTest(t)
	_, err := svc.CreateKey(context.Background(), &CreateKeyRequest{TenantID: "tenant-a", Purpose: KeyPurpose("SORCERY")})
	require.ErrorIs(t, err, ErrInvalidPurpose)
}

func TestGetKeyMetadataIsTenantIsolated(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setupKMSTest(t)

	meta, err := svc.CreateKey(ctx, &CreateKeyRequest{TenantID: "tenant-a", Purpose: PurposeEncryption})
	require.NoError(t, err)

	_, err = svc.GetKeyMetadata(ctx, "tenant-b", meta.ID)
	require.ErrorIs(t, err, ErrKeyNotFound, "跨租户查询不应泄露密钥存在性")

	_, err = svc.GetKeyMetadata(ctx, "tenant-a", "no-such-key")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestRotateKeyCreatesNewVersion(t *testing.T) {
	ctx := context.Background()
	svc, l, _ := setupKMSTest(t)

	created, err := svc.CreateKey(ctx, &CreateKeyRequest{TenantID: "tenant-a", Purpose: PurposeEncryption})
	require.NoError(t, err)

	rotated, err := svc.RotateKey(ctx, "tenant-a", created.ID, "admin")
	require.NoError(t, err)
	require.Equal(t, 2, rotated.Version)
	require.Equal(t, StatusActive, rotated.Status)
	require.NotEqual(t, created.ID, rotated.ID)
	require.NotNil(t, rotated.LastRotatedAt)

	old, err := svc.GetKeyMetadata(ctx, "tenant-a", created.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRotated, old.Status, "旧版本应保留为 rotated")

	records, _, err := l.Query(ctx, &ledger.QueryFilter{
		TenantID:   "tenant-a",
		EventTypes: []ledger.EventType{ledger.EventKeyRotated},
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, created.ID, records[0].Payload["old_key_id"])
	require.Equal(t, rotated.ID, records[0].Payload["new_key_id"])
}

func TestRotateKeyRejectsNonActiveStates(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setupKMSTest(t)

	created, err := svc.CreateKey(ctx, &CreateKeyRequest{TenantID: "tenant-a", Purpose: PurposeEncryption})
	require.NoError(t, err)
	rotated, err := svc.RotateKey(ctx, "tenant-a", created.ID, "admin")
	require.NoError(t, err)

	// rotated 状态不可再轮换
	_, err = svc.RotateKey(ctx, "tenant-a", created.ID, "admin")
	require.ErrorIs(t, err, ErrKeyNotActive)

	// compromised 状态返回专用错误
	_, err = svc.CompromiseKey(ctx, "tenant-a", rotated.ID, "admin", "test")
	require.NoError(t, err)
	_, err = svc.RotateKey(ctx, "tenant-a", rotated.ID, "admin")
	require.ErrorIs(t, err, ErrKeyAlreadyCompromised)

	_, err = svc.RotateKey(ctx, "tenant-a", "no-such-key", "admin")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestCompromiseKeyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, l, notifier := setupKMSTest(t)

	created, err := svc.CreateKey(ctx, &CreateKeyRequest{TenantID: "tenant-a", Purpose: PurposeEncryption})
	require.NoError(t, err)

	meta, err := svc.CompromiseKey(ctx, "tenant-a", created.ID, "admin", "泄露疑似")
	require.NoError(t, err)
	require.Equal(t, StatusCompromised, meta.Status)

	// 重复标记幂等，不追加审计也不重复告警
	meta, err = svc.CompromiseKey(ctx, "tenant-a", created.ID, "admin", "再次标记")
	require.NoError(t, err)
	require.Equal(t, StatusCompromised, meta.Status)

	records, _, err := l.Query(ctx, &ledger.QueryFilter{
		TenantID:   "tenant-a",
		EventTypes: []ledger.EventType{ledger.EventKeyCompromised},
	})
	require.NoError(t, err)
	require.Len(t, records, 1, "重复标记不应追加第二条 KEY_COMPROMISED")

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Len(t, notifier.metas, 1, "紧急告警只应触发一次")
	require.Equal(t, created.ID, notifier.metas[0].ID)
}

func TestCompromiseExpiredKeyIsRejected(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setupKMSTest(t)

	past := time.Now().UTC().Add(-time.Hour)
	created, err := svc.CreateKey(ctx, &CreateKeyRequest{
		TenantID:  "tenant-a",
		Purpose:   PurposeEncryption,
		ExpiresAt: &past,
	})
	require.NoError(t, err)

	expired, err := svc.SweepExpiredKeys(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, expired)

	_, err = svc.CompromiseKey(ctx, "tenant-a", created.ID, "admin", "too late")
	require.ErrorIs(t, err, ErrKeyExpired, "expired 是终态")
}

func TestSweepDueRotations(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setupKMSTest(t)

	due, err := svc.CreateKey(ctx, &CreateKeyRequest{
		TenantID:             "tenant-a",
		Purpose:              PurposeEncryption,
		AutoRotate:           true,
		RotationIntervalDays: 30,
	})
	require.NoError(t, err)
	// 回拨创建时间使其到期
	backdated := time.Now().UTC().AddDate(0, 0, -31)
	require.NoError(t, svc.db.Model(&EncryptionKey{}).Where("id = ?", due.ID).
		Update("created_at", backdated).Error)

	_, err = svc.CreateKey(ctx, &CreateKeyRequest{
		TenantID:             "tenant-a",
		Purpose:              PurposeSigning,
		AutoRotate:           true,
		RotationIntervalDays: 90,
	})
	require.NoError(t, err)

	report, err := svc.SweepDueRotations(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.Scanned)
	require.Len(t, report.RotatedIDs, 1, "只有到期密钥被轮换")
	require.Empty(t, report.Failed)

	old, err := svc.GetKeyMetadata(ctx, "tenant-a", due.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRotated, old.Status)
}

func TestConcurrentRotationsOnSameKey(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setupKMSTest(t)

	created, err := svc.CreateKey(ctx, &CreateKeyRequest{TenantID: "tenant-a", Purpose: PurposeEncryption})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.RotateKey(ctx, "tenant-a", created.ID, "admin"); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, succeeded, "同一密钥的并发轮换只应成功一次")

	actives, err := svc.ListKeys(ctx, "tenant-a", PurposeEncryption, StatusActive)
	require.NoError(t, err)
	require.Len(t, actives, 1)
	require.Equal(t, 2, actives[0].Version)
}

func TestKeyLifecycleKeepsChainValid(t *testing.T) {
	ctx := context.Background()
	svc, l, _ := setupKMSTest(t)

	created, err := svc.CreateKey(ctx, &CreateKeyRequest{TenantID: "tenant-a", Purpose: PurposeEncryption})
	require.NoError(t, err)
	rotated, err := svc.RotateKey(ctx, "tenant-a", created.ID, "admin")
	require.NoError(t, err)
	_, err = svc.CompromiseKey(ctx, "tenant-a", rotated.ID, "admin", "incident-42")
	require.NoError(t, err)

	result, err := l.VerifyChain(ctx, "tenant-a", 1)
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.Equal(t, int64(3), result.CheckedRecords, "生命周期三步各留一条审计记录")
}

func TestHealthCheck(t *testing.T) {
	svc, _, _ := setupKMSTest(t)

	status := svc.HealthCheck(context.Background())
	require.Equal(t, "healthy", status.Status)
	require.Equal(t, "ok", status.Components["cipher_backend"])
	require.Equal(t, "ok", status.Components["database"])
	require.Equal(t, "ok", status.Components["cache"])
}

func TestSoftwareCipherBackendRoundTrip(t *testing.T) {
	backend, err := NewSoftwareCipherBackend("test-master-secret")
	require.NoError(t, err)

	wrapped, err := backend.Mint(context.Background(), "aes-256-gcm")
	require.NoError(t, err)

	material, err := backend.Unwrap(wrapped)
	require.NoError(t, err)
	require.Len(t, material, 32)

	other, err := backend.Mint(context.Background(), "aes-256-gcm")
	require.NoError(t, err)
	require.NotEqual(t, wrapped, other, "每次生成的材料与封装结果都应不同")

	_, err = NewSoftwareCipherBackend("")
	require.Error(t, err)
}
