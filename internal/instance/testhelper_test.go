package instance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jcastroa/whatsapp-api/config"
	"github.com/jcastroa/whatsapp-api/internal/domain"
	"github.com/jcastroa/whatsapp-api/internal/transport"
	"github.com/jcastroa/whatsapp-api/internal/webhook"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// testApp satisfies app.AppContext with an in-memory database.
type testApp struct {
	db  *gorm.DB
	cfg *config.AppConfig
}

func (a *testApp) DB() *gorm.DB               { return a.db }
func (a *testApp) Config() *config.AppConfig  { return a.cfg }
func (a *testApp) MigrateDB(track bool) error { return nil }

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(domain.Tables...); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

// fakeSession records calls made against one live connection.
type fakeSession struct {
	mu           sync.Mutex
	sent         []string
	loggedOut    bool
	disconnected bool
	logoutErr    error
}

func (s *fakeSession) Send(ctx context.Context, address string, msg transport.Outbound) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, address)
	return "WAMSG1", nil
}

func (s *fakeSession) Logout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loggedOut = true
	return s.logoutErr
}

func (s *fakeSession) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = true
}

// fakeConnector hands out fake sessions and lets tests emit transport events
// into the per-instance handler.
type fakeConnector struct {
	mu       sync.Mutex
	handlers map[string]transport.EventHandler
	sessions map[string]*fakeSession
	connects map[string]int
	failFor  map[string]bool
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{
		handlers: make(map[string]transport.EventHandler),
		sessions: make(map[string]*fakeSession),
		connects: make(map[string]int),
		failFor:  make(map[string]bool),
	}
}

func (c *fakeConnector) Connect(ctx context.Context, cfg transport.Config, handler transport.EventHandler) (transport.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects[cfg.InstanceID]++
	if c.failFor[cfg.InstanceID] {
		return nil, errors.New("dial failed")
	}
	sess := &fakeSession{}
	c.handlers[cfg.InstanceID] = handler
	c.sessions[cfg.InstanceID] = sess
	return sess, nil
}

func (c *fakeConnector) emit(id string, evt transport.Event) {
	c.mu.Lock()
	handler := c.handlers[id]
	c.mu.Unlock()
	if handler != nil {
		handler(evt)
	}
}

func (c *fakeConnector) connectCount(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects[id]
}

func (c *fakeConnector) session(id string) *fakeSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[id]
}

// timerRecorder captures scheduled retries without arming real timers.
type timerRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
}

func (r *timerRecorder) afterFunc(d time.Duration, f func()) *time.Timer {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	r.fns = append(r.fns, f)
	return time.NewTimer(time.Hour)
}

// fire runs the pending scheduled task at index i synchronously.
func (r *timerRecorder) fire(i int) {
	r.mu.Lock()
	fn := r.fns[i]
	r.mu.Unlock()
	fn()
}

func (r *timerRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fns)
}

func (r *timerRecorder) delay(i int) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delays[i]
}

// newTestManager wires a manager over in-memory collaborators.
func newTestManager(t *testing.T) (*Manager, *fakeConnector, *timerRecorder, *gorm.DB) {
	t.Helper()
	db := openTestDB(t)
	appCtx := &testApp{db: db, cfg: config.DefaultAppConfig}
	connector := newFakeConnector()
	hooks := webhook.NewDispatcher(db, 1, time.Second)
	creds := NewCredentialStore(t.TempDir())
	mgr := NewManager(appCtx, connector, NewRegistry(), creds, hooks)
	rec := &timerRecorder{}
	mgr.afterFunc = rec.afterFunc
	return mgr, connector, rec, db
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func getInstance(t *testing.T, db *gorm.DB, id string) domain.Instance {
	t.Helper()
	var inst domain.Instance
	if err := db.Where("id = ?", id).First(&inst).Error; err != nil {
		t.Fatalf("load instance %s: %v", id, err)
	}
	return inst
}
