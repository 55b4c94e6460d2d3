package apiserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/jcastroa/whatsapp-api/config"
	"github.com/jcastroa/whatsapp-api/internal/domain"
	"github.com/jcastroa/whatsapp-api/internal/instance"
	"github.com/jcastroa/whatsapp-api/internal/relay"
	"github.com/jcastroa/whatsapp-api/internal/transport"
	"github.com/jcastroa/whatsapp-api/internal/webhook"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testApiKey = "test-api-key"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type testApp struct {
	db  *gorm.DB
	cfg *config.AppConfig
}

func (a *testApp) DB() *gorm.DB               { return a.db }
func (a *testApp) Config() *config.AppConfig  { return a.cfg }
func (a *testApp) MigrateDB(track bool) error { return nil }

type nullSession struct{}

func (nullSession) Send(ctx context.Context, address string, msg transport.Outbound) (string, error) {
	return "WAMSG1", nil
}
func (nullSession) Logout(ctx context.Context) error { return nil }
func (nullSession) Disconnect()                      {}

type nullConnector struct{}

func (nullConnector) Connect(ctx context.Context, cfg transport.Config, handler transport.EventHandler) (transport.Session, error) {
	return nullSession{}, nil
}

func newTestServer(t *testing.T) (*Server, *gorm.DB) {
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

	cfg := *config.DefaultAppConfig
	cfg.Web.ApiKey = testApiKey
	appCtx := &testApp{db: db, cfg: &cfg}

	reg := instance.NewRegistry()
	hooks := webhook.NewDispatcher(db, 1, time.Second)
	mgr := instance.NewManager(appCtx, nullConnector{}, reg, instance.NewCredentialStore(t.TempDir()), hooks)
	rl := relay.New(db, reg, hooks)
	mgr.OnMessage(rl.HandleInbound)

	return NewServer(appCtx, mgr, rl), db
}

func doRequest(t *testing.T, s *Server, method, path, body, apiKey string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set(ApiKeyHeader, apiKey)
	}
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func TestRequestsWithoutApiKeyAreRejected(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/instances", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["code"] != "UNAUTHORIZED" {
		t.Fatalf("unexpected error code %v", body["code"])
	}

	rec = doRequest(t, s, http.MethodGet, "/api/instances", "", "wrong-key")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong key, got %d", rec.Code)
	}
}

func TestMissingApiKeyConfigYields503(t *testing.T) {
	s, _ := newTestServer(t)
	s.app.Config().Web.ApiKey = ""

	rec := doRequest(t, s, http.MethodGet, "/api/instances", "", "anything")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["code"] != "API_KEY_UNSET" {
		t.Fatalf("unexpected error code %v", body["code"])
	}
}

func TestCreateInstanceValidation(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/instances", `{"name":"Acme"}`, testApiKey)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["code"] != "MISSING_FIELDS" {
		t.Fatalf("unexpected error code %v", body["code"])
	}
}

func TestInstanceLifecycleOverHTTP(t *testing.T) {
	s, db := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/instances",
		`{"instance_id":"acme1","name":"Acme"}`, testApiKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("create: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeBody(t, rec)
	data := created["data"].(map[string]interface{})
	if data["instance_id"] != "acme1" || data["is_active"] != true {
		t.Fatalf("unexpected create response %v", data)
	}

	rec = doRequest(t, s, http.MethodPost, "/api/instances",
		`{"instance_id":"acme1","name":"Acme"}`, testApiKey)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate create: expected 409, got %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/instances", "", testApiKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	list := decodeBody(t, rec)["data"].([]interface{})
	if len(list) != 1 {
		t.Fatalf("expected one instance, got %d", len(list))
	}

	rec = doRequest(t, s, http.MethodGet, "/api/instances/acme1", "", testApiKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodPut, "/api/instances/acme1/webhook",
		`{"webhook_url":"https://hooks.example.com","webhook_token":"tok"}`, testApiKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook update: expected 200, got %d", rec.Code)
	}
	var inst domain.Instance
	if err := db.Where("id = ?", "acme1").First(&inst).Error; err != nil {
		t.Fatalf("load instance: %v", err)
	}
	if inst.WebhookUrl != "https://hooks.example.com" {
		t.Fatalf("webhook not persisted: %q", inst.WebhookUrl)
	}

	rec = doRequest(t, s, http.MethodDelete, "/api/instances/acme1", "", testApiKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, s, http.MethodGet, "/api/instances/acme1", "", testApiKey)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status after delete: expected 404, got %d", rec.Code)
	}
}

func TestGetInstanceQR(t *testing.T) {
	s, db := newTestServer(t)
	db.Create(&domain.Instance{
		ID: "acme1", Name: "Acme", Status: domain.InstanceConnecting, QrCode: "2@qrpayload",
	})

	rec := doRequest(t, s, http.MethodGet, "/api/instances/acme1/qr", "", testApiKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	data := decodeBody(t, rec)["data"].(map[string]interface{})
	if data["qr_code"] != "2@qrpayload" || data["has_qr"] != true {
		t.Fatalf("unexpected qr response %v", data)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/instances/missing/qr", "", testApiKey)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSendMessageOverHTTP(t *testing.T) {
	s, db := newTestServer(t)
	doRequest(t, s, http.MethodPost, "/api/instances",
		`{"instance_id":"acme1","name":"Acme"}`, testApiKey)

	rec := doRequest(t, s, http.MethodPost, "/api/instances/acme1/messages",
		`{"to":"5551234","text":"hello"}`, testApiKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("send: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	data := decodeBody(t, rec)["data"].(map[string]interface{})
	if data["message_id"] != "WAMSG1" {
		t.Fatalf("unexpected message id %v", data["message_id"])
	}

	var count int64
	db.Model(&domain.Message{}).Where("instance_id = ?", "acme1").Count(&count)
	if count != 1 {
		t.Fatalf("expected one persisted message, got %d", count)
	}

	rec = doRequest(t, s, http.MethodPost, "/api/instances/acme1/messages",
		`{"to":"5551234"}`, testApiKey)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty body: expected 400, got %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodPost, "/api/instances/ghost/messages",
		`{"to":"5551234","text":"hi"}`, testApiKey)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("inactive instance: expected 404, got %d", rec.Code)
	}
}

func TestListMessagesPagination(t *testing.T) {
	s, db := newTestServer(t)
	db.Create(&domain.Instance{ID: "acme1", Name: "Acme", Status: domain.InstanceConnected})
	for i := int64(1); i <= 5; i++ {
		db.Create(&domain.Message{
			ID: i, InstanceID: "acme1", Direction: domain.DirectionIn,
			MsgType: domain.MsgTypeText, Body: "m",
		})
	}

	rec := doRequest(t, s, http.MethodGet, "/api/instances/acme1/messages?page=1&page_size=2", "", testApiKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["total"] != float64(5) {
		t.Fatalf("expected total 5, got %v", body["total"])
	}
	if items := body["data"].([]interface{}); len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if body["page_size"] != float64(2) {
		t.Fatalf("expected page_size 2, got %v", body["page_size"])
	}
}

func TestListWebhookLogs(t *testing.T) {
	s, db := newTestServer(t)
	db.Create(&domain.Instance{ID: "acme1", Name: "Acme", Status: domain.InstanceConnected})
	db.Create(&domain.WebhookLog{ID: 1, InstanceID: "acme1", Url: "http://x", StatusCode: 200})
	db.Create(&domain.WebhookLog{ID: 2, InstanceID: "other", Url: "http://y", StatusCode: 500})

	rec := doRequest(t, s, http.MethodGet, "/api/instances/acme1/webhook-logs", "", testApiKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["total"] != float64(1) {
		t.Fatalf("expected total 1, got %v", body["total"])
	}
}
