package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/patients/internal/config"
	"github.com/ehr/patients/internal/domain/patient"
	"github.com/ehr/patients/internal/platform/auth"
	"github.com/ehr/patients/internal/platform/db"
	"github.com/ehr/patients/internal/platform/medication"
	"github.com/ehr/patients/internal/platform/notification"
	"github.com/ehr/patients/internal/platform/telemetry"
)

const testSigningKey = "server-test-signing-key"

func testConfig() *config.Config {
	return &config.Config{
		Env:                     "production",
		AuthMode:                "jwt",
		AuthSigningKey:          testSigningKey,
		StoreDriver:             "memory",
		BodyLimit:               "1M",
		RequestTimeout:          5 * time.Second,
		CORSOrigins:             []string{"http://localhost:3000"},
		MedicationLookupTimeout: time.Second,
		MedicationLookupPolicy:  "advisory",
		MedicationListSource:    "request_body",
		MetricsEnabled:          true,
	}
}

func buildTestServer(t *testing.T, cfg *config.Config, pinger db.Pinger) *echo.Echo {
	t.Helper()
	provider := telemetry.NewProvider(telemetry.Config{MetricsEnabled: cfg.MetricsEnabled})
	lookup := medication.NewClient("", time.Second, medication.WithObserver(provider))
	dispatcher := notification.NewDispatcher(notification.DispatcherConfig{}, &notification.MockEmailSender{}, notification.NewTemplateEngine(), provider, zerolog.Nop())
	t.Cleanup(func() { dispatcher.Close(context.Background()) })

	svc := patient.NewService(patient.NewMemoryRepo(), lookup, dispatcher, provider, patient.Config{
		LookupPolicy: cfg.MedicationLookupPolicy,
		ListSource:   cfg.MedicationListSource,
	}, zerolog.Nop())
	if pinger == nil {
		pinger = db.PingFunc(func(context.Context) error { return nil })
	}
	e, err := newServer(serverDeps{
		cfg:       cfg,
		logger:    zerolog.Nop(),
		handler:   patient.NewHandler(svc, false, zerolog.Nop()),
		telemetry: provider,
		driver:    cfg.StoreDriver,
		pinger:    pinger,
	})
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	return e
}

func serve(e *echo.Echo, method, target, body, token string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestServer_PublicEndpoints(t *testing.T) {
	e := buildTestServer(t, testConfig(), nil)

	for _, path := range []string{"/health", "/health/db", "/metrics"} {
		rec := serve(e, http.MethodGet, path, "", "")
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s: expected 200 without a token, got %d", path, rec.Code)
		}
	}
}

func TestServer_HealthDBUnhealthy(t *testing.T) {
	down := db.PingFunc(func(context.Context) error { return errors.New("connection refused") })
	e := buildTestServer(t, testConfig(), down)

	rec := serve(e, http.MethodGet, "/health/db", "", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "connection refused") {
		t.Error("health response must not expose the ping error")
	}
}

func TestServer_PatientRoutesRequireToken(t *testing.T) {
	e := buildTestServer(t, testConfig(), nil)

	if rec := serve(e, http.MethodGet, "/api/patients", "", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
	if rec := serve(e, http.MethodDelete, "/api/patients/123", "", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("DELETE without token: expected 401, got %d", rec.Code)
	}

	token, err := auth.IssueToken([]byte(testSigningKey), auth.TokenRequest{Subject: "registrar"})
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	rec := serve(e, http.MethodPost, "/api/patients", `{"first_name":"Sarah","last_name":"Connor"}`, token)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := serve(e, http.MethodDelete, "/api/patients/123", "", token); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("DELETE with token: expected 405, got %d", rec.Code)
	}
}

func TestServer_DevelopmentAuth(t *testing.T) {
	cfg := testConfig()
	cfg.AuthMode = ""
	cfg.Env = "development"
	e := buildTestServer(t, cfg, nil)

	if rec := serve(e, http.MethodGet, "/api/patients", "", ""); rec.Code != http.StatusOK {
		t.Errorf("expected 200 in development mode, got %d", rec.Code)
	}
}

func TestServer_ResponseHeaders(t *testing.T) {
	e := buildTestServer(t, testConfig(), nil)
	rec := serve(e, http.MethodGet, "/health", "", "")

	if rec.Header().Get(echo.HeaderXRequestID) == "" {
		t.Error("expected X-Request-ID on the response")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers on the response")
	}
}

func TestServer_BodyLimit(t *testing.T) {
	cfg := testConfig()
	cfg.BodyLimit = "1K"
	e := buildTestServer(t, cfg, nil)
	token, _ := auth.IssueToken([]byte(testSigningKey), auth.TokenRequest{Subject: "registrar"})

	big := `{"first_name":"` + string(bytes.Repeat([]byte("a"), 2048)) + `","last_name":"Connor"}`
	if rec := serve(e, http.MethodPost, "/api/patients", big, token); rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rec.Code)
	}
}

func TestServer_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitPerMinute = 60
	cfg.RateLimitBurst = 2
	e := buildTestServer(t, cfg, nil)
	token, _ := auth.IssueToken([]byte(testSigningKey), auth.TokenRequest{Subject: "registrar"})

	for i := 0; i < 2; i++ {
		if rec := serve(e, http.MethodGet, "/api/patients", "", token); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}
	rec := serve(e, http.MethodGet, "/api/patients", "", token)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After on a throttled response")
	}
	if serve(e, http.MethodGet, "/health", "", "").Code != http.StatusOK {
		t.Error("health checks must not be throttled")
	}
}

func TestServer_InvalidBodyLimit(t *testing.T) {
	cfg := testConfig()
	cfg.BodyLimit = "huge"
	_, err := newServer(serverDeps{cfg: cfg, logger: zerolog.Nop()})
	if err == nil {
		t.Fatal("expected an error for an unparsable BODY_LIMIT")
	}
}

func TestServer_MetricsExposition(t *testing.T) {
	e := buildTestServer(t, testConfig(), nil)
	token, _ := auth.IssueToken([]byte(testSigningKey), auth.TokenRequest{Subject: "registrar"})
	serve(e, http.MethodPost, "/api/patients", `{"first_name":"Sarah","last_name":"Connor"}`, token)

	body := serve(e, http.MethodGet, "/metrics", "", "").Body.String()
	for _, want := range []string{
		`http_requests_total{method="POST",route="/api/patients",service="patient-api",status="201"} 1`,
		`patients_created_total{service="patient-api"} 1`,
		`medication_lookup_total{result="disabled",service="patient-api"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestServer_MetricsDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.MetricsEnabled = false
	e := buildTestServer(t, cfg, nil)

	token, _ := auth.IssueToken([]byte(testSigningKey), auth.TokenRequest{Subject: "registrar"})
	if rec := serve(e, http.MethodGet, "/metrics", "", token); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 when metrics are disabled, got %d", rec.Code)
	}
}

func TestOpenStore_Memory(t *testing.T) {
	cfg := testConfig()
	st, err := openStore(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer st.close()
	if err := st.pinger.Ping(context.Background()); err != nil {
		t.Errorf("memory store ping: %v", err)
	}
}

func TestOpenStore_SQLite(t *testing.T) {
	cfg := testConfig()
	cfg.StoreDriver = "sqlite"
	cfg.SQLitePath = t.TempDir() + "/patients.db"

	st, err := openStore(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer st.close()
	if err := st.pinger.Ping(context.Background()); err != nil {
		t.Errorf("sqlite store ping: %v", err)
	}
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	cfg := testConfig()
	cfg.StoreDriver = "mongo"
	if _, err := openStore(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestNewEmailSender(t *testing.T) {
	cfg := testConfig()
	cfg.NotifyTransport = "log"
	if _, ok := newEmailSender(cfg, zerolog.Nop()).(notification.LogSender); !ok {
		t.Error("expected LogSender for the log transport")
	}
	cfg.NotifyTransport = "smtp"
	cfg.SMTPHost = "mail.example.com"
	if _, ok := newEmailSender(cfg, zerolog.Nop()).(*notification.SMTPSender); !ok {
		t.Error("expected SMTPSender for the smtp transport")
	}
}
