package alerting

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"net/url"
	"strings"
	"time"

	"trustcore/internal/config"
)

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// postJSON 发送 JSON 请求并校验 2xx 响应
func postJSON(ctx context.Context, client *http.Client, endpoint string, payload interface{}, headers map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化请求体失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "TrustCore-Alerting/1.0")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("通道返回异常状态 %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func severityEmoji(s Severity) string {
	switch s {
	case SeverityCritical:
		return "🚨"
	case SeverityHigh:
		return "⚠️"
	case SeverityMedium:
		return "🔶"
	default:
		return "ℹ️"
	}
}

// ChatOpsNotifier 聊天机器人 Webhook 通道
type ChatOpsNotifier struct {
	cfg    config.ChatOpsChannelConfig
	client *http.Client
}

// NewChatOpsNotifier 创建聊天机器人通道
func NewChatOpsNotifier(cfg config.ChatOpsChannelConfig, client *http.Client) *ChatOpsNotifier {
	if client == nil {
		client = defaultHTTPClient()
	}
	return &ChatOpsNotifier{cfg: cfg, client: client}
}

func (n *ChatOpsNotifier) Name() string { return "chatops" }

// Notify 推送告警消息
func (n *ChatOpsNotifier) Notify(ctx context.Context, alert *SecurityAlert) error {
	if !n.cfg.Enabled || n.cfg.WebhookURL == "" {
		return ErrChannelSkipped
	}

	payload := map[string]interface{}{
		"text": fmt.Sprintf("%s [%s] %s", severityEmoji(alert.Severity), strings.ToUpper(string(alert.Severity)), alert.Description),
		"attachments": []map[string]interface{}{
			{
				"fields": []map[string]interface{}{
					{"title": "类型", "value": string(alert.Type), "short": true},
					{"title": "租户", "value": alert.TenantID, "short": true},
					{"title": "出现次数", "value": alert.OccurrenceCount, "short": true},
					{"title": "告警 ID", "value": alert.ID, "short": true},
				},
			},
		},
	}
	if n.cfg.Channel != "" {
		payload["channel"] = n.cfg.Channel
	}
	return postJSON(ctx, n.client, n.cfg.WebhookURL, payload, nil)
}

// PagingNotifier 事件呼叫通道（Events v2 协议）
type PagingNotifier struct {
	cfg    config.PagingChannelConfig
	client *http.Client
}

// NewPagingNotifier 创建事件呼叫通道
func NewPagingNotifier(cfg config.PagingChannelConfig, client *http.Client) *PagingNotifier {
	if client == nil {
		client = defaultHTTPClient()
	}
	return &PagingNotifier{cfg: cfg, client: client}
}

func (n *PagingNotifier) Name() string { return "paging" }

func (n *PagingNotifier) pagingSeverity(s Severity) string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityHigh:
		return "error"
	case SeverityMedium:
		return "warning"
	default:
		return "info"
	}
}

// Notify 触发事件呼叫
func (n *PagingNotifier) Notify(ctx context.Context, alert *SecurityAlert) error {
	if !n.cfg.Enabled || n.cfg.RoutingKey == "" {
		return ErrChannelSkipped
	}

	endpoint := n.cfg.APIBaseURL
	if endpoint == "" {
		endpoint = "https://events.pagerduty.com"
	}

	payload := map[string]interface{}{
		"routing_key":  n.cfg.RoutingKey,
		"event_action": "trigger",
		"dedup_key":    alert.Fingerprint,
		"payload": map[string]interface{}{
			"summary":  alert.Description,
			"source":   "trustcore",
			"severity": n.pagingSeverity(alert.Severity),
			"custom_details": map[string]interface{}{
				"alert_id":         alert.ID,
				"tenant_id":        alert.TenantID,
				"type":             string(alert.Type),
				"occurrence_count": alert.OccurrenceCount,
			},
		},
	}
	return postJSON(ctx, n.client, endpoint+"/v2/enqueue", payload, nil)
}

// TeamsNotifier 团队消息 Webhook 通道（MessageCard 格式）
type TeamsNotifier struct {
	cfg    config.TeamsChannelConfig
	client *http.Client
}

// NewTeamsNotifier 创建团队消息通道
func NewTeamsNotifier(cfg config.TeamsChannelConfig, client *http.Client) *TeamsNotifier {
	if client == nil {
		client = defaultHTTPClient()
	}
	return &TeamsNotifier{cfg: cfg, client: client}
}

func (n *TeamsNotifier) Name() string { return "teams" }

func (n *TeamsNotifier) themeColor(s Severity) string {
	switch s {
	case SeverityCritical:
		return "FF0000"
	case SeverityHigh:
		return "FF8C00"
	case SeverityMedium:
		return "FFD700"
	default:
		return "00BFFF"
	}
}

// Notify 推送 MessageCard
func (n *TeamsNotifier) Notify(ctx context.Context, alert *SecurityAlert) error {
	if !n.cfg.Enabled || n.cfg.WebhookURL == "" {
		return ErrChannelSkipped
	}

	payload := map[string]interface{}{
		"@type":      "MessageCard",
		"@context":   "https://schema.org/extensions",
		"themeColor": n.themeColor(alert.Severity),
		"summary":    fmt.Sprintf("安全告警: %s", alert.Type),
		"sections": []map[string]interface{}{
			{
				"activityTitle": fmt.Sprintf("%s 安全告警 [%s]", severityEmoji(alert.Severity), strings.ToUpper(string(alert.Severity))),
				"text":          alert.Description,
				"facts": []map[string]string{
					{"name": "类型", "value": string(alert.Type)},
					{"name": "租户", "value": alert.TenantID},
					{"name": "出现次数", "value": fmt.Sprintf("%d", alert.OccurrenceCount)},
					{"name": "告警 ID", "value": alert.ID},
				},
			},
		},
	}
	return postJSON(ctx, n.client, n.cfg.WebhookURL, payload, nil)
}

// SMSNotifier 短信通道
// 只发送 critical 级别告警，避免非紧急消息打扰值班。
type SMSNotifier struct {
	cfg    config.SMSChannelConfig
	client *http.Client
}

// NewSMSNotifier 创建短信通道
func NewSMSNotifier(cfg config.SMSChannelConfig, client *http.Client) *SMSNotifier {
	if client == nil {
		client = defaultHTTPClient()
	}
	return &SMSNotifier{cfg: cfg, client: client}
}

func (n *SMSNotifier) Name() string { return "sms" }

// Notify 发送告警短信
func (n *SMSNotifier) Notify(ctx context.Context, alert *SecurityAlert) error {
	if !n.cfg.Enabled || n.cfg.AccountSID == "" || len(n.cfg.To) == 0 {
		return ErrChannelSkipped
	}
	if alert.Severity != SeverityCritical {
		return ErrChannelSkipped
	}

	base := n.cfg.APIBaseURL
	if base == "" {
		base = "https://api.twilio.com"
	}
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", base, n.cfg.AccountSID)
	text := fmt.Sprintf("[TrustCore 紧急告警] %s: %s", alert.Type, alert.Description)

	for _, to := range n.cfg.To {
		form := url.Values{}
		form.Set("From", n.cfg.From)
		form.Set("To", to)
		form.Set("Body", text)

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(n.cfg.AccountSID, n.cfg.AuthToken)

		resp, err := n.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("短信发送失败，状态码 %d", resp.StatusCode)
		}
	}
	return nil
}

// WebhookNotifier 通用 Webhook 通道
// 请求体带 HMAC-SHA256 签名，接收方可验证来源。
type WebhookNotifier struct {
	cfg    config.WebhookTargetConfig
	client *http.Client
}

// NewWebhookNotifier 创建通用 Webhook 通道
func NewWebhookNotifier(cfg config.WebhookTargetConfig, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = defaultHTTPClient()
	}
	return &WebhookNotifier{cfg: cfg, client: client}
}

func (n *WebhookNotifier) Name() string {
	if n.cfg.Name != "" {
		return "webhook:" + n.cfg.Name
	}
	return "webhook"
}

// Notify 推送签名后的告警事件
func (n *WebhookNotifier) Notify(ctx context.Context, alert *SecurityAlert) error {
	if !n.cfg.Enabled || n.cfg.URL == "" {
		return ErrChannelSkipped
	}

	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("序列化告警失败: %w", err)
	}

	headers := map[string]string{
		"X-Webhook-Event":     "security_alert",
		"X-Webhook-Timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if n.cfg.Secret != "" {
		h := hmac.New(sha256.New, []byte(n.cfg.Secret))
		h.Write(body)
		headers["X-Webhook-Signature"] = "sha256=" + hex.EncodeToString(h.Sum(nil))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "TrustCore-Alerting/1.0")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("Webhook 返回异常状态 %d", resp.StatusCode)
	}
	return nil
}

// EmailNotifier 邮件通道
type EmailNotifier struct {
	cfg      config.EmailChannelConfig
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailNotifier 创建邮件通道
func NewEmailNotifier(cfg config.EmailChannelConfig) *EmailNotifier {
	return &EmailNotifier{cfg: cfg, sendMail: smtp.SendMail}
}

func (n *EmailNotifier) Name() string { return "email" }

// Notify 发送告警邮件
func (n *EmailNotifier) Notify(ctx context.Context, alert *SecurityAlert) error {
	if !n.cfg.Enabled || n.cfg.SMTPHost == "" || len(n.cfg.To) == 0 {
		return ErrChannelSkipped
	}
	if n.cfg.CriticalOnly && alert.Severity != SeverityCritical {
		return ErrChannelSkipped
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	subject := fmt.Sprintf("[TrustCore 安全告警][%s] %s", strings.ToUpper(string(alert.Severity)), alert.Type)
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", n.cfg.FromAddress)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(n.cfg.To, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n告警 ID: %s\r\n租户: %s\r\n类型: %s\r\n级别: %s\r\n出现次数: %d\r\n时间: %s\r\n",
		alert.Description, alert.ID, alert.TenantID, alert.Type, alert.Severity,
		alert.OccurrenceCount, alert.CreatedAt.UTC().Format(time.RFC3339))

	var auth smtp.Auth
	if n.cfg.SMTPUsername != "" {
		auth = smtp.PlainAuth("", n.cfg.SMTPUsername, n.cfg.SMTPPassword, n.cfg.SMTPHost)
	}
	addr := fmt.Sprintf("%s:%d", n.cfg.SMTPHost, n.cfg.SMTPPort)
	return n.sendMail(addr, auth, n.cfg.FromAddress, n.cfg.To, msg.Bytes())
}

// BuildNotifiers 根据配置构建启用的通道列表
func BuildNotifiers(cfg *config.AlertingConfig) []Notifier {
	notifiers := []Notifier{
		NewChatOpsNotifier(cfg.ChatOps, nil),
		NewPagingNotifier(cfg.Paging, nil),
		NewTeamsNotifier(cfg.Teams, nil),
		NewSMSNotifier(cfg.SMS, nil),
		NewEmailNotifier(cfg.Email),
	}
	for _, w := range cfg.Webhooks {
		notifiers = append(notifiers, NewWebhookNotifier(w, nil))
	}
	return notifiers
}
