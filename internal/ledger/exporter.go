package ledger

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"trustcore/internal/metrics"
)

// ExportFormat 导出格式
type ExportFormat string

const (
	FormatCSV  ExportFormat = "csv"
	FormatJSON ExportFormat = "json"
)

// ExportResult 导出结果
type ExportResult struct {
	Format      ExportFormat `json:"format"`
	Filename    string       `json:"filename"`
	ContentType string       `json:"contentType"`
	RecordCount int64        `json:"recordCount"`
	ExportedAt  time.Time    `json:"exportedAt"`
}

// Exporter 审计账本导出器
// 分批读取后逐条写出，任意规模的区间导出内存占用恒定。
type Exporter struct {
	ledger    *Ledger
	batchSize int
}

// NewExporter 创建导出器
func NewExporter(l *Ledger, batchSize int) *Exporter {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Exporter{ledger: l, batchSize: batchSize}
}

// Export 流式导出审计记录到 w
// 导出完成后会以 DATA_EXPORT 事件追加到账本，导出行为本身可追溯。
func (e *Exporter) Export(ctx context.Context, w io.Writer, format ExportFormat, f *QueryFilter) (*ExportResult, error) {
	if f.TenantID == "" {
		return nil, ErrMissingTenant
	}

	var count int64
	var err error
	switch format {
	case FormatCSV:
		count, err = e.exportCSV(ctx, w, f)
	case FormatJSON, "":
		format = FormatJSON
		count, err = e.exportJSON(ctx, w, f)
	default:
		return nil, fmt.Errorf("不支持的导出格式: %s", format)
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	_, err = e.ledger.Append(ctx, f.TenantID, &Entry{
		EventType: EventDataExport,
		Payload: map[string]interface{}{
			"format":       string(format),
			"record_count": count,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("记录导出事件失败: %w", err)
	}

	metrics.LedgerExportsTotal.WithLabelValues(string(format)).Inc()

	ext := "json"
	contentType := "application/json; charset=utf-8"
	if format == FormatCSV {
		ext = "csv"
		contentType = "text/csv; charset=utf-8"
	}
	return &ExportResult{
		Format:      format,
		Filename:    fmt.Sprintf("audit_records_%s.%s", now.Format("20060102_150405"), ext),
		ContentType: contentType,
		RecordCount: count,
		ExportedAt:  now,
	}, nil
}

// forEachBatch 按区块高度升序遍历匹配记录
func (e *Exporter) forEachBatch(ctx context.Context, f *QueryFilter, fn func(*AuditRecord) error) (int64, error) {
	var count int64
	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}

		var batch []*AuditRecord
		err := e.ledger.buildQuery(ctx, f).
			Order("block_height ASC").
			Limit(e.batchSize).
			Offset(offset).
			Find(&batch).Error
		if err != nil {
			return count, fmt.Errorf("读取审计记录失败: %w", err)
		}
		if len(batch) == 0 {
			return count, nil
		}

		for _, rec := range batch {
			if err := fn(rec); err != nil {
				return count, err
			}
			count++
		}

		if len(batch) < e.batchSize {
			return count, nil
		}
		offset += e.batchSize
	}
}

// exportJSON 导出为 JSON 数组，逐条编码
func (e *Exporter) exportJSON(ctx context.Context, w io.Writer, f *QueryFilter) (int64, error) {
	if _, err := io.WriteString(w, "[\n"); err != nil {
		return 0, err
	}

	first := true
	count, err := e.forEachBatch(ctx, f, func(rec *AuditRecord) error {
		if !first {
			if _, err := io.WriteString(w, ",\n"); err != nil {
				return err
			}
		}
		first = false
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	})
	if err != nil {
		return count, err
	}

	_, err = io.WriteString(w, "\n]\n")
	return count, err
}

// exportCSV 导出为 CSV，首行为表头
func (e *Exporter) exportCSV(ctx context.Context, w io.Writer, f *QueryFilter) (int64, error) {
	writer := csv.NewWriter(w)

	header := []string{"id", "tenant_id", "event_type", "actor_id", "ip_address", "timestamp", "block_height", "previous_hash", "record_hash", "payload"}
	if err := writer.Write(header); err != nil {
		return 0, err
	}

	count, err := e.forEachBatch(ctx, f, func(rec *AuditRecord) error {
		payloadStr := ""
		if rec.Payload != nil {
			if b, err := json.Marshal(rec.Payload); err == nil {
				payloadStr = string(b)
			}
		}
		return writer.Write([]string{
			rec.ID,
			rec.TenantID,
			string(rec.EventType),
			rec.ActorID,
			rec.IPAddress,
			rec.Timestamp.UTC().Format(time.RFC3339Nano),
			strconv.FormatUint(rec.BlockHeight, 10),
			rec.PreviousHash,
			rec.RecordHash,
			payloadStr,
		})
	})
	if err != nil {
		return count, err
	}

	writer.Flush()
	return count, writer.Error()
}
