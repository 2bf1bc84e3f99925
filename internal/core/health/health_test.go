package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestLiveness_Handler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()

	Liveness()(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	ct := rr.Header().Get("Content-Type")
	if !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content-type=%q want text/plain", ct)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != "ok" {
		t.Fatalf("body=%q want ok", got)
	}
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type reporter struct{ ready bool }

func (r reporter) Readiness() (bool, []int32) {
	if r.ready {
		return true, []int32{0, 1}
	}
	return false, nil
}

func readyz(t *testing.T, h http.HandlerFunc) (int, map[string]any) {
	t.Helper()
	rr := httptest.NewRecorder()
	h(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v (%s)", err, rr.Body.String())
	}
	return rr.Code, body
}

func TestReadiness_AllChecksPass(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	code, body := readyz(t, Readiness(time.Second,
		PingCheck("redis", ok),
		ReporterCheck("kafka", reporter{ready: true}),
	))
	if code != http.StatusOK || body["status"] != "ready" {
		t.Fatalf("code=%d body=%v", code, body)
	}
}

func TestReadiness_FailingCheckIs503(t *testing.T) {
	down := pingFunc(func(context.Context) error { return errors.New("dial refused") })
	code, body := readyz(t, Readiness(time.Second,
		PingCheck("redis", down),
		ReporterCheck("kafka", reporter{}),
	))
	if code != http.StatusServiceUnavailable || body["status"] != "not_ready" {
		t.Fatalf("code=%d body=%v", code, body)
	}
	checks := body["checks"].(map[string]any)
	if checks["redis"] != "dial refused" || checks["kafka"] != "no partitions assigned" {
		t.Fatalf("checks=%v", checks)
	}
}

func TestReadiness_ChecksGetDeadline(t *testing.T) {
	slow := pingFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	code, _ := readyz(t, Readiness(20*time.Millisecond, PingCheck("slow", slow)))
	if code != http.StatusServiceUnavailable {
		t.Fatalf("code=%d", code)
	}
}
