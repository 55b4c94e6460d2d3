package instance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jcastroa/whatsapp-api/internal/app"
	"github.com/jcastroa/whatsapp-api/internal/domain"
	"github.com/jcastroa/whatsapp-api/internal/transport"
	"github.com/jcastroa/whatsapp-api/internal/webhook"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// maxRetries bounds automatic reconnects for generic transient closes.
	maxRetries = 5
	// credResetRetries bounds the rate-limit-class closes that destroy
	// credential material before retrying.
	credResetRetries = 2

	retryDelay     = 5 * time.Second
	credResetDelay = 10 * time.Second

	eventBuffer = 64
)

// Disconnect reasons reported through the `disconnected` webhook event.
const (
	ReasonLoggedOut = "logged_out"
	ReasonFailed    = "failed"
)

// MessageHandler consumes inbound messages surfaced by the manager.
type MessageHandler func(instanceID string, msg transport.InboundMessage)

// Manager owns the per-instance connection state machine. It drives
// (re)connection attempts, reacts to transport events on a per-instance
// sequential loop, and feeds state transitions to the webhook dispatcher.
type Manager struct {
	app       app.AppContext
	connector transport.Connector
	registry  *Registry
	creds     *CredentialStore
	hooks     *webhook.Dispatcher
	onMessage MessageHandler

	mu         sync.Mutex
	attempts   map[string]int
	reconnects map[string]int
	removing   map[string]bool

	// afterFunc schedules retries; replaced in tests.
	afterFunc func(d time.Duration, f func()) *time.Timer
}

func NewManager(appCtx app.AppContext, connector transport.Connector, registry *Registry,
	creds *CredentialStore, hooks *webhook.Dispatcher) *Manager {
	return &Manager{
		app:        appCtx,
		connector:  connector,
		registry:   registry,
		creds:      creds,
		hooks:      hooks,
		attempts:   make(map[string]int),
		reconnects: make(map[string]int),
		removing:   make(map[string]bool),
		afterFunc:  time.AfterFunc,
	}
}

// OnMessage registers the inbound message consumer (the relay). Must be
// called before any instance connects.
func (m *Manager) OnMessage(h MessageHandler) {
	m.onMessage = h
}

// Registry exposes the live-handle registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// IsActive reports whether a live handle exists for the id.
func (m *Manager) IsActive(id string) bool {
	return m.registry.Exists(id)
}

// ReconnectCount reports how many retry-driven reconnects have fired for an
// instance since process start.
func (m *Manager) ReconnectCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnects[id]
}

// Create registers a new instance (or re-activates a known one), persists its
// metadata and opens the transport connection. The instance row is persisted
// even when the connection never completes.
func (m *Manager) Create(ctx context.Context, id, name, webhookURL, webhookToken string) error {
	if m.registry.Exists(id) {
		return ErrAlreadyActive
	}
	if err := m.upsertInstance(id, name, webhookURL, webhookToken); err != nil {
		return fmt.Errorf("persist instance: %w", err)
	}
	m.setAttempts(id, 0)
	return m.connect(ctx, id)
}

// connect opens a transport session for a persisted instance and installs the
// live handle. The handle is in the registry before connect returns.
func (m *Manager) connect(ctx context.Context, id string) error {
	var inst domain.Instance
	if err := m.app.DB().Where("id = ?", id).First(&inst).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrInstanceNotFound
		}
		return err
	}

	dir, err := m.creds.Ensure(id)
	if err != nil {
		return err
	}

	h := &Handle{
		ID:     id,
		events: make(chan transport.Event, eventBuffer),
		done:   make(chan struct{}),
	}
	sess, err := m.connector.Connect(ctx, transport.Config{
		InstanceID:    id,
		CredentialDir: dir,
		ClientName:    inst.Name,
	}, func(evt transport.Event) {
		select {
		case h.events <- evt:
		case <-h.done:
		}
	})
	if err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}
	h.Session = sess

	if !m.registry.Put(h) {
		// Lost the race against a concurrent create; this session must die
		// and its event callback must stop accepting events.
		h.stop()
		sess.Disconnect()
		return ErrAlreadyActive
	}
	go m.consume(h)

	zap.L().Info("instance connecting", zap.String("instance_id", id))
	return nil
}

// consume runs the per-instance event loop. Events for one instance are
// handled strictly in order; instances never block each other.
func (m *Manager) consume(h *Handle) {
	for {
		select {
		case evt := <-h.events:
			m.handleEvent(h, evt)
		case <-h.done:
			return
		}
	}
}

func (m *Manager) handleEvent(h *Handle, evt transport.Event) {
	id := h.ID
	switch e := evt.(type) {
	case transport.PairingChallenge:
		m.updateInstance(id, map[string]interface{}{
			"status":       domain.InstanceConnecting,
			"qr_code":      e.Code,
			"phone_number": "",
		})
		zap.L().Info("pairing challenge issued", zap.String("instance_id", id))
		// QR delivery must never block the next transition.
		go m.emit(id, webhook.EventQRUpdated, map[string]interface{}{"qrcode": e.Code})

	case transport.LinkEstablished:
		m.updateInstance(id, map[string]interface{}{
			"status":       domain.InstanceConnected,
			"phone_number": e.AccountID,
			"qr_code":      "",
		})
		m.setAttempts(id, 0)
		zap.L().Info("instance connected",
			zap.String("instance_id", id), zap.String("phone", e.AccountID))
		m.emit(id, webhook.EventConnected, map[string]interface{}{"phoneNumber": e.AccountID})

	case transport.LinkClosed:
		m.handleClosed(h, e.Code)

	case transport.CredentialsChanged:
		if err := m.creds.Save(id, e.Material); err != nil {
			zap.L().Warn("failed to persist rotated credentials",
				zap.String("instance_id", id), zap.Error(err))
		}

	case transport.MessageReceived:
		if m.onMessage != nil {
			m.onMessage(id, e.Message)
		}
	}
}

// handleClosed reacts to a dropped link. The handle leaves the registry
// before any retry is scheduled or terminal state persisted, so a caller can
// never observe two live handles for one id.
func (m *Manager) handleClosed(h *Handle, code int) {
	id := h.ID
	m.registry.Remove(id)
	h.stop()

	attempts := m.getAttempts(id)
	zap.L().Info("instance link closed",
		zap.String("instance_id", id), zap.Int("code", code), zap.Int("attempts", attempts))

	switch {
	case code == transport.CloseLoggedOut:
		m.markDisconnected(id, ReasonLoggedOut)

	case code == transport.CloseRateLimited && attempts < credResetRetries:
		// Stale credentials are the usual culprit here; force fresh pairing.
		if err := m.creds.Destroy(id); err != nil {
			zap.L().Warn("failed to destroy credentials before retry",
				zap.String("instance_id", id), zap.Error(err))
		}
		m.scheduleRetry(id, credResetDelay, attempts+1)

	case attempts < maxRetries:
		m.scheduleRetry(id, retryDelay, attempts+1)

	default:
		m.markDisconnected(id, ReasonFailed)
	}
}

// scheduleRetry arms a delayed reconnect. The timer is not cancelled on
// delete; instead the fired task re-checks that the instance still exists and
// is not already active before acting.
func (m *Manager) scheduleRetry(id string, delay time.Duration, attempt int) {
	m.setAttempts(id, attempt)
	zap.L().Info("reconnect scheduled",
		zap.String("instance_id", id), zap.Duration("delay", delay), zap.Int("attempt", attempt))

	m.afterFunc(delay, func() {
		if m.isRemoving(id) {
			zap.L().Debug("reconnect skipped, delete in progress", zap.String("instance_id", id))
			return
		}
		var inst domain.Instance
		if err := m.app.DB().Where("id = ?", id).First(&inst).Error; err != nil {
			zap.L().Debug("reconnect skipped, instance gone", zap.String("instance_id", id))
			return
		}
		if m.registry.Exists(id) {
			return
		}
		m.bumpReconnects(id)
		if err := m.connect(context.Background(), id); err != nil {
			zap.L().Warn("reconnect attempt failed",
				zap.String("instance_id", id), zap.Int("attempt", attempt), zap.Error(err))
			next := m.getAttempts(id)
			if next < maxRetries {
				m.scheduleRetry(id, retryDelay, next+1)
			} else {
				m.markDisconnected(id, ReasonFailed)
			}
		}
	})
}

// markDisconnected persists terminal state and emits the disconnected event.
func (m *Manager) markDisconnected(id, reason string) {
	m.updateInstance(id, map[string]interface{}{
		"status":  domain.InstanceDisconnected,
		"qr_code": "",
	})
	m.setAttempts(id, 0)
	zap.L().Info("instance disconnected",
		zap.String("instance_id", id), zap.String("reason", reason))
	m.emit(id, webhook.EventDisconnected, map[string]interface{}{"reason": reason})
}

// UpdateWebhook overwrites the stored webhook configuration. No connection
// state is touched.
func (m *Manager) UpdateWebhook(id, url, token string) error {
	res := m.app.DB().Model(&domain.Instance{}).Where("id = ?", id).
		Updates(map[string]interface{}{"webhook_url": url, "webhook_token": token})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

// Status returns the persisted row plus whether a live handle exists.
func (m *Manager) Status(id string) (*domain.Instance, bool, error) {
	var inst domain.Instance
	if err := m.app.DB().Where("id = ?", id).First(&inst).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, ErrInstanceNotFound
		}
		return nil, false, err
	}
	return &inst, m.registry.Exists(id), nil
}

// List returns all persisted instances.
func (m *Manager) List() ([]domain.Instance, error) {
	var insts []domain.Instance
	if err := m.app.DB().Order("created_at DESC").Find(&insts).Error; err != nil {
		return nil, err
	}
	return insts, nil
}

// Delete logs the session out (best effort), removes the live handle, wipes
// credential material and deletes the row with its message and webhook audit
// logs. Safe to call while a retry is pending: the fired timer re-checks row
// existence and no-ops.
func (m *Manager) Delete(ctx context.Context, id string) error {
	// Tombstone the id before any teardown so a retry timer firing mid-delete
	// cannot reconnect against a row that is about to disappear.
	m.setRemoving(id, true)
	defer m.setRemoving(id, false)

	h, hadHandle := m.registry.Remove(id)
	if hadHandle {
		h.stop()
		lctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := h.Session.Logout(lctx); err != nil {
			zap.L().Warn("logout failed during delete",
				zap.String("instance_id", id), zap.Error(err))
		}
		cancel()
	}

	if err := m.creds.Destroy(id); err != nil {
		zap.L().Warn("failed to destroy credentials during delete",
			zap.String("instance_id", id), zap.Error(err))
	}

	var inst domain.Instance
	if err := m.app.DB().Where("id = ?", id).First(&inst).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if hadHandle {
				m.clearCounters(id)
				return nil
			}
			return ErrInstanceNotFound
		}
		return err
	}

	err := m.app.DB().Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("instance_id = ?", id).Delete(&domain.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("instance_id = ?", id).Delete(&domain.WebhookLog{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&domain.Instance{}).Error
	})
	if err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}

	m.clearCounters(id)
	zap.L().Info("instance removed", zap.String("instance_id", id))
	return nil
}

// RestoreAll reconnects every instance whose last persisted status was
// connected. One instance failing does not abort the others.
func (m *Manager) RestoreAll(ctx context.Context) error {
	var insts []domain.Instance
	if err := m.app.DB().Where("status = ?", domain.InstanceConnected).Find(&insts).Error; err != nil {
		return fmt.Errorf("query restorable instances: %w", err)
	}
	for _, inst := range insts {
		m.setAttempts(inst.ID, 0)
		if err := m.connect(ctx, inst.ID); err != nil {
			zap.L().Warn("failed to restore instance",
				zap.String("instance_id", inst.ID), zap.Error(err))
			continue
		}
		zap.L().Info("instance restored", zap.String("instance_id", inst.ID))
	}
	return nil
}

func (m *Manager) upsertInstance(id, name, webhookURL, webhookToken string) error {
	db := m.app.DB()
	var existing domain.Instance
	err := db.Where("id = ?", id).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return db.Create(&domain.Instance{
			ID:           id,
			Name:         name,
			WebhookUrl:   webhookURL,
			WebhookToken: webhookToken,
			Status:       domain.InstanceConnecting,
		}).Error
	case err != nil:
		return err
	}
	return db.Model(&domain.Instance{}).Where("id = ?", id).Updates(map[string]interface{}{
		"name":          name,
		"webhook_url":   webhookURL,
		"webhook_token": webhookToken,
		"status":        domain.InstanceConnecting,
	}).Error
}

func (m *Manager) updateInstance(id string, updates map[string]interface{}) {
	if err := m.app.DB().Model(&domain.Instance{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		zap.L().Error("failed to persist instance state",
			zap.String("instance_id", id), zap.Error(err))
	}
}

// emit delivers a connection-state event to the instance's configured
// webhook. Target resolution and retries live in the dispatcher.
func (m *Manager) emit(id, event string, fields map[string]interface{}) {
	m.hooks.Deliver(context.Background(), id, event, fields, "", "")
}

func (m *Manager) getAttempts(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[id]
}

func (m *Manager) setAttempts(id string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[id] = n
}

func (m *Manager) setRemoving(id string, v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v {
		m.removing[id] = true
	} else {
		delete(m.removing, id)
	}
}

func (m *Manager) isRemoving(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removing[id]
}

func (m *Manager) bumpReconnects(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnects[id]++
}

func (m *Manager) clearCounters(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts, id)
	delete(m.reconnects, id)
}
