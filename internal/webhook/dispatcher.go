// Package webhook delivers JSON events to tenant-configured HTTP endpoints
// with bounded retries and a full per-attempt audit trail.
package webhook

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/jcastroa/whatsapp-api/internal/domain"
	"github.com/jcastroa/whatsapp-api/pkg/common"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Event tags of the outbound wire format.
const (
	EventQRUpdated       = "qr_updated"
	EventConnected       = "connected"
	EventDisconnected    = "disconnected"
	EventMessageReceived = "message_received"
)

// TokenHeader carries the tenant's shared secret so the receiver can
// authenticate the sender.
const TokenHeader = "X-Webhook-Token"

const maxResponseBytes = 4096

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Dispatcher posts events to webhook endpoints. Every attempt, success or
// failure, writes one audit row. Delivery is at-least-once; consumers must
// tolerate duplicates.
type Dispatcher struct {
	db          *gorm.DB
	client      *http.Client
	maxAttempts int

	// sleep waits between attempts; replaced in tests.
	sleep func(time.Duration)
}

// NewDispatcher builds a dispatcher with the given retry bound and
// per-attempt timeout.
func NewDispatcher(db *gorm.DB, maxAttempts int, timeout time.Duration) *Dispatcher {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		db:          db,
		client:      &http.Client{Timeout: timeout},
		maxAttempts: maxAttempts,
		sleep:       time.Sleep,
	}
}

// Deliver posts one logical event. When url is empty the instance's stored
// webhook configuration is used; an instance without a configured URL is not
// an error, delivery is simply skipped. Returns true once a 2xx response is
// seen, false after the retry budget is exhausted.
func (d *Dispatcher) Deliver(ctx context.Context, instanceID, event string, fields map[string]interface{}, url, token string) bool {
	if url == "" {
		var inst domain.Instance
		if err := d.db.Where("id = ?", instanceID).First(&inst).Error; err != nil {
			zap.L().Warn("webhook target lookup failed",
				zap.String("instance_id", instanceID), zap.String("event", event), zap.Error(err))
			return false
		}
		url, token = inst.WebhookUrl, inst.WebhookToken
	}
	if url == "" {
		zap.L().Warn("webhook not configured, event dropped",
			zap.String("instance_id", instanceID), zap.String("event", event))
		return false
	}

	body, err := json.Marshal(buildPayload(event, instanceID, fields))
	if err != nil {
		zap.L().Error("webhook payload marshal failed",
			zap.String("instance_id", instanceID), zap.String("event", event), zap.Error(err))
		return false
	}

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		status, response := d.post(ctx, url, token, body)
		d.audit(instanceID, url, body, status, response)

		if status >= 200 && status < 300 {
			return true
		}
		zap.L().Warn("webhook attempt failed",
			zap.String("instance_id", instanceID), zap.String("event", event),
			zap.Int("attempt", attempt), zap.Int("status", status))

		if attempt < d.maxAttempts {
			d.sleep(time.Duration(1<<(attempt-1)) * time.Second)
		}
	}
	return false
}

// post issues one attempt. A transport-level failure yields status 0 with the
// error text as the response body.
func (d *Dispatcher) post(ctx context.Context, url, token string, body []byte) (int, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(TokenHeader, token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err.Error()
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	return resp.StatusCode, string(data)
}

func (d *Dispatcher) audit(instanceID, url string, payload []byte, status int, response string) {
	log := &domain.WebhookLog{
		ID:         common.UUIDint64(),
		InstanceID: instanceID,
		Url:        url,
		Payload:    string(payload),
		StatusCode: status,
		Response:   response,
	}
	if err := d.db.Create(log).Error; err != nil {
		zap.L().Error("failed to write webhook audit record",
			zap.String("instance_id", instanceID), zap.Error(err))
	}
}

func buildPayload(event, instanceID string, fields map[string]interface{}) map[string]interface{} {
	payload := map[string]interface{}{
		"event":      event,
		"instanceId": instanceID,
		"timestamp":  time.Now().Format(time.RFC3339),
	}
	for k, v := range fields {
		payload[k] = v
	}
	return payload
}
