package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseFlags(t *testing.T) {
	var stderr bytes.Buffer
	if _, err := parseFlags(nil, &stderr); err == nil {
		t.Fatal("missing -job must fail")
	}
	o, err := parseFlags([]string{"-job", "sectors", "-force", "-secret", "s", "-json"}, &stderr)
	if err != nil {
		t.Fatal(err)
	}
	if o.job != "sectors" || !o.force || o.secret != "s" || !o.asJSON {
		t.Fatalf("opts=%+v", o)
	}
	if _, err := parseFlags([]string{"-bogus"}, &stderr); err == nil {
		t.Fatal("unknown flag must fail")
	}
}

func env(t *testing.T, base string) {
	t.Helper()
	t.Setenv("UPSTREAM_BASE_URL", base)
	t.Setenv("UPSTREAM_SERVICE_TOKEN", "svc")
	t.Setenv("CREDENTIAL_CHAIN", "service")
	t.Setenv("CACHE_BACKEND_LIST", "memory")
	t.Setenv("MANUAL_SECRET", "s3cret")
	t.Setenv("WARM_DELAY", "0")
	t.Setenv("UPSTREAM_RETRIES", "0")
}

func TestRun_ExitCodes(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"x"}]`))
	}))
	defer up.Close()
	env(t, up.URL)

	var out, errOut bytes.Buffer
	if code := run([]string{"-job", "nope", "-force", "-secret", "s3cret"}, &out, &errOut); code != exitUsage {
		t.Fatalf("unknown job code=%d", code)
	}
	if code := run([]string{"-job", "lists", "-force", "-secret", "wrong"}, &out, &errOut); code != exitFail {
		t.Fatalf("bad secret code=%d", code)
	}

	out.Reset()
	if code := run([]string{"-job", "lists", "-force", "-secret", "s3cret"}, &out, &errOut); code != exitOK {
		t.Fatalf("forced run code=%d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "lists: ok warmed=3") {
		t.Fatalf("out=%q", out.String())
	}

	out.Reset()
	if code := run([]string{"-list"}, &out, &errOut); code != exitOK {
		t.Fatalf("list code=%d", code)
	}
	if !strings.Contains(out.String(), "sectors\n") {
		t.Fatalf("jobs=%q", out.String())
	}
}

func TestRun_UpstreamDownFails(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer up.Close()
	env(t, up.URL)

	var out, errOut bytes.Buffer
	if code := run([]string{"-job", "companies", "-force", "-secret", "s3cret", "-json"}, &out, &errOut); code != exitFail {
		t.Fatalf("code=%d out=%s", code, out.String())
	}
	if !strings.Contains(out.String(), `"failed": 1`) {
		t.Fatalf("json report=%s", out.String())
	}
}
