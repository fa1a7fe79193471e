package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"fleethub/internal/hub"
	"fleethub/internal/metrics"
	"fleethub/internal/registry"
)

type fakePublisher struct {
	publishFn func(ctx context.Context, topic, payload string, qos byte, retain bool) error
	calls     int
}

func (f *fakePublisher) Publish(ctx context.Context, topic, payload string, qos byte, retain bool) error {
	f.calls++
	if f.publishFn == nil {
		return nil
	}
	return f.publishFn(ctx, topic, payload, qos, retain)
}

type fakeStore struct {
	saveFn func(ctx context.Context, rule registry.Rule) error
	pingFn func(ctx context.Context) error
}

func (f *fakeStore) SaveRule(ctx context.Context, rule registry.Rule) error {
	if f.saveFn == nil {
		return nil
	}
	return f.saveFn(ctx, rule)
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn == nil {
		return nil
	}
	return f.pingFn(ctx)
}

type testDeps struct {
	handler *Handler
	reg     *registry.Registry
	pub     *fakePublisher
	router  http.Handler
}

func newTestDeps(t *testing.T, store RuleStore) testDeps {
	t.Helper()
	reg := registry.New(registry.BrokerInfo{Host: "127.0.0.1", Port: 1883, Username: "admin"})
	m := metrics.New()
	h := hub.New(zerolog.Nop(), reg, m)
	pub := &fakePublisher{}
	handler := NewHandler(zerolog.Nop(), reg, h, pub, store, m)
	return testDeps{handler: handler, reg: reg, pub: pub, router: handler.Router()}
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var v map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode body as json: %v\nbody=%s", err, rr.Body.String())
	}
	return v
}

func TestHealthz(t *testing.T) {
	deps := newTestDeps(t, nil)

	rr := httptest.NewRecorder()
	deps.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestReadyz_StoreDown(t *testing.T) {
	deps := newTestDeps(t, &fakeStore{
		pingFn: func(ctx context.Context) error { return errors.New("pool exhausted") },
	})

	rr := httptest.NewRecorder()
	deps.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestState_ReturnsSnapshot(t *testing.T) {
	deps := newTestDeps(t, nil)
	deps.reg.RecordReceived("sensor-1", "telemetry/sensor-1/temp", "20", 2)
	deps.reg.AddSubscription("telemetry/#")

	rr := httptest.NewRecorder()
	deps.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/state", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	devices, ok := body["devices"].([]any)
	if !ok || len(devices) != 1 {
		t.Fatalf("expected one device in snapshot, got %v", body["devices"])
	}
	subs, ok := body["subscriptions"].([]any)
	if !ok || len(subs) != 1 {
		t.Fatalf("expected one subscription, got %v", body["subscriptions"])
	}
	broker, ok := body["broker"].(map[string]any)
	if !ok || broker["port"] != float64(1883) {
		t.Fatalf("expected broker metadata, got %v", body["broker"])
	}
}

func TestAddSubscription(t *testing.T) {
	deps := newTestDeps(t, nil)

	rr := httptest.NewRecorder()
	deps.router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/subscriptions/telemetry/plant-a/%23", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["topic"] != "telemetry/plant-a/#" {
		t.Fatalf("expected unescaped topic, got %v", body["topic"])
	}

	snap := deps.reg.Snapshot()
	if len(snap.Subscriptions) != 1 || snap.Subscriptions[0] != "telemetry/plant-a/#" {
		t.Fatalf("expected subscription recorded, got %v", snap.Subscriptions)
	}
}

func TestPublish_OK(t *testing.T) {
	deps := newTestDeps(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/publish",
		strings.NewReader(`{"device_id":"dev","topic":"cmd/dev/led","payload":"on","qos":1,"retain":true}`))
	rr := httptest.NewRecorder()
	deps.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if deps.pub.calls != 1 {
		t.Fatalf("expected one publish, got %d", deps.pub.calls)
	}

	d := deps.reg.EnsureDevice("dev")
	if d.PacketsSent != 1 || d.BytesSent != 2 {
		t.Fatalf("expected sender counters updated, got sent=%d bytes=%d", d.PacketsSent, d.BytesSent)
	}
}

func TestPublish_ValidationFailures(t *testing.T) {
	deps := newTestDeps(t, nil)

	cases := []string{
		`{"device_id":"","topic":"t","payload":"x"}`,
		`{"device_id":"dev","topic":"","payload":"x"}`,
		`{"device_id":"dev","topic":"t","payload":"x","qos":3}`,
		`not json`,
	}
	for _, body := range cases {
		rr := httptest.NewRecorder()
		deps.router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/publish", strings.NewReader(body)))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, rr.Code)
		}
	}
	if deps.pub.calls != 0 {
		t.Fatalf("validation failures must not publish, got %d calls", deps.pub.calls)
	}
}

func TestPublish_TransportFailure(t *testing.T) {
	deps := newTestDeps(t, nil)
	deps.pub.publishFn = func(context.Context, string, string, byte, bool) error {
		return errors.New("connect refused")
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/publish",
		strings.NewReader(`{"device_id":"dev","topic":"t","payload":"x"}`))
	rr := httptest.NewRecorder()
	deps.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}

	// A failed publish must not bump the sender counters.
	d := deps.reg.EnsureDevice("dev")
	if d.PacketsSent != 0 {
		t.Fatalf("expected no sent packets after failure, got %d", d.PacketsSent)
	}
}

func TestCreateCommand_OKAndConflict(t *testing.T) {
	var saved []registry.Rule
	deps := newTestDeps(t, &fakeStore{
		saveFn: func(_ context.Context, rule registry.Rule) error {
			saved = append(saved, rule)
			return nil
		},
	})

	payload := `{"id":"r1","name":"ping","device_id":"dev","topic":"cmd/dev","payload":"go","trigger_type":"interval","interval_seconds":5}`

	rr := httptest.NewRecorder()
	deps.router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/commands", strings.NewReader(payload)))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	cmd, ok := body["command"].(map[string]any)
	if !ok || cmd["id"] != "r1" {
		t.Fatalf("expected created command in response, got %v", body)
	}
	if cmd["enabled"] != true {
		t.Fatalf("expected enabled to default to true, got %v", cmd["enabled"])
	}
	if len(saved) != 1 || saved[0].ID != "r1" {
		t.Fatalf("expected rule persisted to store, got %v", saved)
	}

	rr = httptest.NewRecorder()
	deps.router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/commands", strings.NewReader(payload)))
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate id, got %d", rr.Code)
	}
}

func TestCreateCommand_Validation(t *testing.T) {
	deps := newTestDeps(t, nil)

	cases := []string{
		`{"id":"","name":"x","device_id":"d","topic":"t"}`,
		`{"id":"r","device_id":"d","topic":"t","trigger_type":"cron"}`,
		`{"id":"r","device_id":"d","topic":"t","qos":7}`,
		`{"id":"r","device_id":"d","topic":"t","trigger_type":"interval"}`,
		`{"id":"r","device_id":"d","topic":"t","trigger_type":"condition","condition_topic":"a","condition_operator":"~=","condition_value":"1"}`,
		`{"id":"r","device_id":"d","topic":"t","trigger_type":"condition","condition_topic":"a","condition_operator":"=="}`,
	}
	for _, body := range cases {
		rr := httptest.NewRecorder()
		deps.router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/commands", strings.NewReader(body)))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d: %s", body, rr.Code, rr.Body.String())
		}
	}
}

func TestExecuteCommand(t *testing.T) {
	deps := newTestDeps(t, nil)

	rr := httptest.NewRecorder()
	deps.router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/commands/missing/execute", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown command, got %d", rr.Code)
	}

	if _, err := deps.reg.CreateRule(registry.Rule{
		ID: "r1", DeviceID: "dev", Topic: "cmd/dev", Payload: "go",
		Trigger: registry.TriggerManual, Enabled: true,
	}); err != nil {
		t.Fatalf("create rule: %v", err)
	}

	rr = httptest.NewRecorder()
	deps.router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/commands/r1/execute", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if deps.pub.calls != 1 {
		t.Fatalf("expected one publish, got %d", deps.pub.calls)
	}

	d := deps.reg.EnsureDevice("dev")
	if d.PacketsSent != 1 || d.BytesSent != 2 {
		t.Fatalf("expected sender counters updated, got sent=%d bytes=%d", d.PacketsSent, d.BytesSent)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	deps := newTestDeps(t, nil)

	rr := httptest.NewRecorder()
	deps.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "fleethub_") {
		t.Fatalf("expected fleethub metrics in scrape output")
	}
}
