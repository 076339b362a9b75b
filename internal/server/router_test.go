package server

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

func TestRouterForwardsNonDiagnosticPaths(t *testing.T) {
	app, recorder := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "http://cantata.local/manifest.json?lang=ko", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204 status, got %d (body=%s)", resp.StatusCode, string(body))
	}
	if recorder.lastPath != "/manifest.json" {
		t.Fatalf("expected proxy to see /manifest.json, got %q", recorder.lastPath)
	}
	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" || reqID != recorder.requestID {
		t.Fatalf("expected X-Request-ID header to match locals, got %q vs %q", reqID, recorder.requestID)
	}
}

func TestRouterKeepsIncomingRequestID(t *testing.T) {
	app, _ := newTestApp(t)

	req := httptest.NewRequest("GET", "http://cantata.local/", nil)
	req.Header.Set("X-Request-ID", "req-42")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if got := resp.Header.Get("X-Request-ID"); got != "req-42" {
		t.Fatalf("expected incoming request id to be kept, got %q", got)
	}
}

func TestRouterLeavesDiagnosticsToRoutes(t *testing.T) {
	app, recorder := newTestApp(t)
	app.Get("/-/ping", func(c fiber.Ctx) error {
		return c.SendString("pong")
	})

	resp, err := app.Test(httptest.NewRequest("GET", "http://cantata.local/-/ping", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "pong" {
		t.Fatalf("expected diagnostics route, got %d %s", resp.StatusCode, body)
	}
	if recorder.calls != 0 {
		t.Fatalf("diagnostics must not reach proxy")
	}

	resp, err = app.Test(httptest.NewRequest("GET", "http://cantata.local/-/unknown", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("unknown diagnostics path should 404, got %d", resp.StatusCode)
	}
}

func TestNewAppValidatesOptions(t *testing.T) {
	logger := logrus.New()
	if _, err := NewApp(AppOptions{Proxy: &proxyRecorder{}, ListenPort: 5000}); err == nil {
		t.Fatalf("missing logger should fail")
	}
	if _, err := NewApp(AppOptions{Logger: logger, ListenPort: 5000}); err == nil {
		t.Fatalf("missing proxy should fail")
	}
	if _, err := NewApp(AppOptions{Logger: logger, Proxy: &proxyRecorder{}}); err == nil {
		t.Fatalf("invalid port should fail")
	}
}

func newTestApp(t *testing.T) (*fiber.App, *proxyRecorder) {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	recorder := &proxyRecorder{}
	app, err := NewApp(AppOptions{
		Logger:     logger,
		Proxy:      recorder,
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return app, recorder
}

type proxyRecorder struct {
	calls     int
	lastPath  string
	requestID string
}

func (p *proxyRecorder) Handle(c fiber.Ctx) error {
	p.calls++
	p.lastPath = c.Path()
	p.requestID = RequestID(c)
	return c.SendStatus(fiber.StatusNoContent)
}
