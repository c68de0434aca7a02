package tasks

// Task Types
const (
	TypeRotationSweep = "kms:rotation_sweep"
	TypeExpirySweep   = "kms:expiry_sweep"
	TypeSecurityScan  = "monitor:security_scan"
)

// SecurityScanPayload 安全扫描任务载荷
// TenantID 为空时扫描账本中出现过的所有租户。
type SecurityScanPayload struct {
	TenantID string `json:"tenant_id,omitempty"`
}
