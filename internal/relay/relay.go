// Package relay moves messages between the transport and the outside world:
// inbound protocol messages become persisted records and webhook events,
// outbound API send requests become transport calls.
package relay

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"time"

	"github.com/jcastroa/whatsapp-api/internal/domain"
	"github.com/jcastroa/whatsapp-api/internal/instance"
	"github.com/jcastroa/whatsapp-api/internal/transport"
	"github.com/jcastroa/whatsapp-api/internal/webhook"
	"github.com/jcastroa/whatsapp-api/pkg/common"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var dataURLPrefix = regexp.MustCompile(`^data:[a-zA-Z0-9.+/-]+;base64,`)

type Relay struct {
	db       *gorm.DB
	registry *instance.Registry
	hooks    *webhook.Dispatcher
}

func New(db *gorm.DB, registry *instance.Registry, hooks *webhook.Dispatcher) *Relay {
	return &Relay{db: db, registry: registry, hooks: hooks}
}

// Classify maps an inbound message onto exactly one type tag and its text.
// Precedence: plain text > extended text > image > video > audio > document.
func Classify(msg transport.InboundMessage) (msgType, text string) {
	switch {
	case msg.Conversation != "":
		return domain.MsgTypeText, msg.Conversation
	case msg.ExtendedText != "":
		return domain.MsgTypeText, msg.ExtendedText
	case msg.HasImage:
		return domain.MsgTypeImage, msg.Caption
	case msg.HasVideo:
		return domain.MsgTypeVideo, msg.Caption
	case msg.HasAudio:
		return domain.MsgTypeAudio, ""
	case msg.HasDocument:
		return domain.MsgTypeDocument, msg.Caption
	default:
		return domain.MsgTypeText, ""
	}
}

// HandleInbound records one received message and forwards it to the owning
// instance's webhook. Registered with the lifecycle manager as its message
// handler.
func (r *Relay) HandleInbound(instanceID string, msg transport.InboundMessage) {
	if msg.FromMe {
		return
	}

	msgType, text := Classify(msg)
	rec := &domain.Message{
		ID:         common.UUIDint64(),
		InstanceID: instanceID,
		Direction:  domain.DirectionIn,
		RemoteJid:  msg.Chat,
		Body:       text,
		MsgType:    msgType,
		MessageID:  msg.ID,
		Acked:      false,
	}
	if err := r.db.Create(rec).Error; err != nil {
		zap.L().Error("failed to persist inbound message",
			zap.String("instance_id", instanceID), zap.Error(err))
		return
	}

	var inst domain.Instance
	if err := r.db.Where("id = ?", instanceID).First(&inst).Error; err != nil {
		zap.L().Warn("inbound message for unknown instance",
			zap.String("instance_id", instanceID), zap.Error(err))
		return
	}
	if inst.WebhookUrl == "" {
		zap.L().Debug("no webhook configured, message not forwarded",
			zap.String("instance_id", instanceID))
		return
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	fields := map[string]interface{}{
		"messageId":        msg.ID,
		"from":             transport.BareAddress(msg.Chat),
		"text":             text,
		"type":             msgType,
		"timestamp":        ts.Format(time.RFC3339),
		"pushName":         msg.PushName,
		"isGroup":          msg.IsGroup,
		"hasQuotedMessage": msg.HasQuote,
	}
	delivered := r.hooks.Deliver(context.Background(), instanceID,
		webhook.EventMessageReceived, fields, inst.WebhookUrl, inst.WebhookToken)
	if delivered {
		if err := r.db.Model(&domain.Message{}).Where("id = ?", rec.ID).
			Update("acked", true).Error; err != nil {
			zap.L().Warn("failed to ack inbound message",
				zap.String("instance_id", instanceID), zap.Error(err))
		}
	}
}

// Send delivers an outbound message through a live instance. The counterpart
// may be a bare number; the transport suffix is appended when missing. An
// image payload may carry an optional data-URL prefix. Returns the
// protocol-assigned message id.
func (r *Relay) Send(ctx context.Context, instanceID, to, text, imageBase64 string) (string, error) {
	h, ok := r.registry.Get(instanceID)
	if !ok {
		return "", instance.ErrInstanceNotFound
	}

	address := transport.NormalizeAddress(to)
	out := transport.Outbound{Text: text}
	msgType := domain.MsgTypeText
	if imageBase64 != "" {
		raw := dataURLPrefix.ReplaceAllString(imageBase64, "")
		data, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return "", fmt.Errorf("decode image payload: %w", err)
		}
		out.Image = data
		msgType = domain.MsgTypeImage
	}

	msgID, err := h.Session.Send(ctx, address, out)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}

	rec := &domain.Message{
		ID:         common.UUIDint64(),
		InstanceID: instanceID,
		Direction:  domain.DirectionOut,
		RemoteJid:  address,
		Body:       text,
		MsgType:    msgType,
		MessageID:  msgID,
		// Acked here records that the transport accepted the send, not that
		// the counterpart received it.
		Acked: true,
	}
	if err := r.db.Create(rec).Error; err != nil {
		zap.L().Warn("failed to persist outbound message",
			zap.String("instance_id", instanceID), zap.Error(err))
	}
	return msgID, nil
}
