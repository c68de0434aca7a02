package ledger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"trustcore/internal/logger"
	"trustcore/internal/metrics"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInvalidEventType 事件类型不在枚举内
	ErrInvalidEventType = errors.New("无效的审计事件类型")
	// ErrMissingTenant 缺少租户标识
	ErrMissingTenant = errors.New("缺少租户标识")
)

// 租户串行锁分片数
const lockStripes = 64

// IntegrityNotifier 链完整性告警通知方
// 校验发现断链时由账本回调，产生安全告警。
type IntegrityNotifier interface {
	NotifyChainBroken(ctx context.Context, tenantID string, brokenAt uint64)
}

// Ledger 审计账本服务
// 同一租户的追加操作在进程内串行，区块高度与哈希链由此保证连续。
type Ledger struct {
	db       *gorm.DB
	secret   []byte
	notifier IntegrityNotifier
	mus      [lockStripes]sync.Mutex
}

// New 创建审计账本服务
// chainSecret 为链密钥，进程启动后不可变更。
func New(db *gorm.DB, chainSecret string) (*Ledger, error) {
	if chainSecret == "" {
		return nil, errors.New("链密钥未配置")
	}
	return &Ledger{db: db, secret: []byte(chainSecret)}, nil
}

// SetIntegrityNotifier 注入断链告警通知方
// 告警管理器依赖账本落审计记录，构建顺序上只能在两者就绪后回填。
func (l *Ledger) SetIntegrityNotifier(n IntegrityNotifier) {
	l.notifier = n
}

// DB 返回底层数据库句柄
func (l *Ledger) DB() *gorm.DB {
	return l.db
}

func (l *Ledger) stripe(tenantID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	return &l.mus[h.Sum32()%lockStripes]
}

// Entry 待追加的审计事件
type Entry struct {
	EventType EventType
	ActorID   string
	IPAddress string
	Payload   map[string]interface{}
}

// canonicalPayload 计算记录的规范化 JSON 表示
// encoding/json 对 map 键按字典序输出，保证同一记录任何时刻编码一致。
func canonicalPayload(tenantID string, e *Entry, ts time.Time) ([]byte, error) {
	return json.Marshal(struct {
		TenantID  string                 `json:"tenant_id"`
		EventType EventType              `json:"event_type"`
		ActorID   string                 `json:"actor_id"`
		IPAddress string                 `json:"ip_address"`
		Timestamp string                 `json:"timestamp"`
		Payload   map[string]interface{} `json:"payload"`
	}{tenantID, e.EventType, e.ActorID, e.IPAddress, ts.UTC().Format(time.RFC3339Nano), e.Payload})
}

// computeHash 计算记录哈希：HMAC-SHA256(secret, previousHash || canonical || blockHeight)
func (l *Ledger) computeHash(previousHash string, canonical []byte, height uint64) string {
	mac := hmac.New(sha256.New, l.secret)
	mac.Write([]byte(previousHash))
	mac.Write(canonical)
	mac.Write([]byte(strconv.FormatUint(height, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Append 追加一条审计记录
func (l *Ledger) Append(ctx context.Context, tenantID string, e *Entry) (*AuditRecord, error) {
	var rec *AuditRecord
	err := l.Atomic(ctx, tenantID, func(tx *gorm.DB, app *TxAppender) error {
		r, err := app.Append(e)
		rec = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// TxAppender 事务内的账本追加器
// 由 Atomic 提供，同一事务内多次追加时链头在内存中延续。
type TxAppender struct {
	ledger   *Ledger
	tx       *gorm.DB
	ctx      context.Context
	tenantID string
	loaded   bool
	height   uint64
	headHash string
}

// Append 在当前事务内追加一条审计记录
func (a *TxAppender) Append(e *Entry) (*AuditRecord, error) {
	if !e.EventType.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidEventType, e.EventType)
	}

	if !a.loaded {
		var head AuditRecord
		err := a.tx.WithContext(a.ctx).
			Where("tenant_id = ?", a.tenantID).
			Order("block_height DESC").
			First(&head).Error
		switch {
		case err == nil:
			a.height = head.BlockHeight
			a.headHash = head.RecordHash
		case errors.Is(err, gorm.ErrRecordNotFound):
			a.height = 0
			a.headHash = ""
		default:
			return nil, fmt.Errorf("查询链头失败: %w", err)
		}
		a.loaded = true
	}

	// 截断到微秒，保持与数据库时间精度一致，重算哈希时不产生偏差
	now := time.Now().UTC().Truncate(time.Microsecond)
	canonical, err := canonicalPayload(a.tenantID, e, now)
	if err != nil {
		return nil, fmt.Errorf("序列化审计载荷失败: %w", err)
	}

	height := a.height + 1
	rec := &AuditRecord{
		TenantID:     a.tenantID,
		EventType:    e.EventType,
		ActorID:      e.ActorID,
		IPAddress:    e.IPAddress,
		Timestamp:    now,
		BlockHeight:  height,
		PreviousHash: a.headHash,
		RecordHash:   a.ledger.computeHash(a.headHash, canonical, height),
		Payload:      e.Payload,
	}

	if err := a.tx.WithContext(a.ctx).Create(rec).Error; err != nil {
		return nil, fmt.Errorf("写入审计记录失败: %w", err)
	}

	a.height = height
	a.headHash = rec.RecordHash
	metrics.LedgerRecordsTotal.WithLabelValues(string(e.EventType)).Inc()
	return rec, nil
}

// Atomic 在租户串行锁内开启事务执行 fn
// fn 中通过 TxAppender 追加的审计记录与其他写入同事务提交，
// 业务数据落库而审计缺失的状态不可能出现。
func (l *Ledger) Atomic(ctx context.Context, tenantID string, fn func(tx *gorm.DB, app *TxAppender) error) error {
	if tenantID == "" {
		return ErrMissingTenant
	}

	mu := l.stripe(tenantID)
	mu.Lock()
	defer mu.Unlock()

	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		app := &TxAppender{ledger: l, tx: tx, ctx: ctx, tenantID: tenantID}
		return fn(tx, app)
	})
}

// QueryFilter 审计记录查询条件
type QueryFilter struct {
	TenantID   string      `json:"tenant_id"`
	EventTypes []EventType `json:"event_types,omitempty"`
	ActorID    string      `json:"actor_id,omitempty"`
	IPAddress  string      `json:"ip_address,omitempty"`
	StartTime  *time.Time  `json:"start_time,omitempty"`
	EndTime    *time.Time  `json:"end_time,omitempty"`
	FromHeight *uint64     `json:"from_height,omitempty"`
	ToHeight   *uint64     `json:"to_height,omitempty"`
	Limit      int         `json:"limit,omitempty"`
	Offset     int         `json:"offset,omitempty"`
}

func (l *Ledger) buildQuery(ctx context.Context, f *QueryFilter) *gorm.DB {
	db := l.db.WithContext(ctx).Model(&AuditRecord{}).Where("tenant_id = ?", f.TenantID)

	if len(f.EventTypes) > 0 {
		db = db.Where("event_type IN ?", f.EventTypes)
	}
	if f.ActorID != "" {
		db = db.Where("actor_id = ?", f.ActorID)
	}
	if f.IPAddress != "" {
		db = db.Where("ip_address = ?", f.IPAddress)
	}
	if f.StartTime != nil {
		db = db.Where("timestamp >= ?", f.StartTime)
	}
	if f.EndTime != nil {
		db = db.Where("timestamp <= ?", f.EndTime)
	}
	if f.FromHeight != nil {
		db = db.Where("block_height >= ?", *f.FromHeight)
	}
	if f.ToHeight != nil {
		db = db.Where("block_height <= ?", *f.ToHeight)
	}
	return db
}

// Query 查询审计记录，按区块高度升序返回
func (l *Ledger) Query(ctx context.Context, f *QueryFilter) ([]*AuditRecord, int64, error) {
	if f.TenantID == "" {
		return nil, 0, ErrMissingTenant
	}

	db := l.buildQuery(ctx, f)

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("统计审计记录失败: %w", err)
	}

	if f.Limit > 0 {
		db = db.Limit(f.Limit)
	}
	if f.Offset > 0 {
		db = db.Offset(f.Offset)
	}

	var records []*AuditRecord
	if err := db.Order("block_height ASC").Find(&records).Error; err != nil {
		return nil, 0, fmt.Errorf("查询审计记录失败: %w", err)
	}
	return records, total, nil
}

// VerifyChain 校验租户哈希链完整性
// 从 fromHeight 起逐条重算哈希，遇到篡改、断链或高度缺口立即停止。
// 只读操作，可与追加并发执行。
func (l *Ledger) VerifyChain(ctx context.Context, tenantID string, fromHeight uint64) (*ChainVerification, error) {
	if tenantID == "" {
		return nil, ErrMissingTenant
	}
	if fromHeight == 0 {
		fromHeight = 1
	}

	start := time.Now()
	defer func() {
		metrics.LedgerVerifyDuration.WithLabelValues(tenantID).Observe(time.Since(start).Seconds())
	}()

	result := &ChainVerification{TenantID: tenantID, Valid: true, VerifiedAt: time.Now().UTC()}

	const batchSize = 500
	expectedHeight := fromHeight
	prevHash := ""
	prevLoaded := false
	cursor := fromHeight

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var batch []*AuditRecord
		err := l.db.WithContext(ctx).
			Where("tenant_id = ? AND block_height >= ?", tenantID, cursor).
			Order("block_height ASC").
			Limit(batchSize).
			Find(&batch).Error
		if err != nil {
			return nil, fmt.Errorf("读取审计记录失败: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		for _, rec := range batch {
			if !prevLoaded {
				// 检查点处以库中记录的 PreviousHash 为信任起点
				prevHash = rec.PreviousHash
				prevLoaded = true
			}

			if rec.BlockHeight != expectedHeight || rec.PreviousHash != prevHash {
				broken := expectedHeight
				result.Valid = false
				result.BrokenAtHeight = &broken
				l.reportBreak(ctx, tenantID, broken)
				return result, nil
			}

			canonical, err := canonicalPayload(tenantID, &Entry{
				EventType: rec.EventType,
				ActorID:   rec.ActorID,
				IPAddress: rec.IPAddress,
				Payload:   rec.Payload,
			}, rec.Timestamp)
			if err != nil {
				return nil, fmt.Errorf("序列化审计载荷失败: %w", err)
			}

			if l.computeHash(rec.PreviousHash, canonical, rec.BlockHeight) != rec.RecordHash {
				broken := rec.BlockHeight
				result.Valid = false
				result.BrokenAtHeight = &broken
				l.reportBreak(ctx, tenantID, broken)
				return result, nil
			}

			prevHash = rec.RecordHash
			expectedHeight++
			result.CheckedRecords++
		}

		if len(batch) < batchSize {
			break
		}
		cursor = expectedHeight
	}

	return result, nil
}

func (l *Ledger) reportBreak(ctx context.Context, tenantID string, height uint64) {
	logger.Error("审计链完整性校验失败",
		zap.String("tenant_id", tenantID),
		zap.Uint64("broken_at_height", height),
	)
	metrics.LedgerChainBreaksTotal.WithLabelValues(tenantID).Inc()
	if l.notifier != nil {
		l.notifier.NotifyChainBroken(ctx, tenantID, height)
	}
}
