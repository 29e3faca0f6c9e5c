package notifier

import (
	"context"
	"fmt"
	"time"

	"rehab-tracking/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// WebhookNotifier urgent 工单的 Webhook 推送
// URL 未配置时为禁用状态，全部调用是 no-op
// 推送尽力而为：失败只记日志，不影响工单落库
type WebhookNotifier struct {
	client *resty.Client
	url    string
	logger *zap.Logger
}

// NewWebhookNotifier 创建 Webhook 推送器（url 为空时禁用）
func NewWebhookNotifier(url string, logger *zap.Logger) *WebhookNotifier {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second)

	return &WebhookNotifier{
		client: client,
		url:    url,
		logger: logger,
	}
}

// Enabled 是否已配置推送地址
func (n *WebhookNotifier) Enabled() bool {
	return n.url != ""
}

// workItemPayload 推送载荷
type workItemPayload struct {
	WorkItemID string    `json:"work_item_id"`
	PatientID  string    `json:"patient_id"`
	AlertType  string    `json:"alert_type"`
	Priority   string    `json:"priority"`
	DueDate    time.Time `json:"due_date"`
	NotifiedAt time.Time `json:"notified_at"`
}

// NotifyWorkItem 推送新建工单
func (n *WebhookNotifier) NotifyWorkItem(ctx context.Context, item *models.WorkQueueItem) {
	if !n.Enabled() {
		return
	}

	payload := workItemPayload{
		WorkItemID: item.ID,
		PatientID:  item.PatientID,
		AlertType:  item.AlertType,
		Priority:   item.Priority,
		DueDate:    item.DueDate,
		NotifiedAt: time.Now().UTC(),
	}

	resp, err := n.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(n.url)
	if err != nil {
		n.logger.Error("Failed to deliver work item webhook",
			zap.String("work_item_id", item.ID),
			zap.Error(err))
		return
	}
	if resp.StatusCode() >= 300 {
		n.logger.Error("Work item webhook rejected",
			zap.String("work_item_id", item.ID),
			zap.Int("status", resp.StatusCode()),
			zap.String("response", resp.String()))
		return
	}

	n.logger.Info("Work item webhook delivered",
		zap.String("work_item_id", item.ID),
		zap.String("priority", item.Priority))
}

// Ping 探测推送端点可达性（启动自检用）
func (n *WebhookNotifier) Ping(ctx context.Context) error {
	if !n.Enabled() {
		return nil
	}
	resp, err := n.client.R().SetContext(ctx).Head(n.url)
	if err != nil {
		return fmt.Errorf("webhook endpoint unreachable: %w", err)
	}
	if resp.StatusCode() >= 500 {
		return fmt.Errorf("webhook endpoint unhealthy: status %d", resp.StatusCode())
	}
	return nil
}
