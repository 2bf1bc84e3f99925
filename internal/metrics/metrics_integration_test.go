package metrics

import (
	"errors"
	"strings"
	"testing"

	"github.com/mohammed-shakir/warmcache/internal/core/observability"
)

func assertHasMetricLine(t *testing.T, body, metric string, wantLabels ...string) {
	t.Helper()
	for ln := range strings.SplitSeq(body, "\n") {
		if !strings.HasPrefix(ln, metric+"{") {
			continue
		}
		ok := true
		for _, s := range wantLabels {
			if !strings.Contains(ln, s) {
				ok = false
				break
			}
		}
		if ok && (len(ln) > 0 && ln[len(ln)-1] >= '0' && ln[len(ln)-1] <= '9') {
			return
		}
	}
	t.Fatalf("expected a %s line with labels %v; got:\n%s", metric, wantLabels, body)
}

// Init wires the observability collectors without a separate observability.Init call.
func TestInit_ScrapesServiceCollectors(t *testing.T) {
	p := Init(Config{Build: BuildInfo{Version: "test"}})
	if !observability.Enabled() {
		t.Fatal("observability should be enabled after Init")
	}

	observability.ObserveHTTP("GET", "/lists/{name}", 200, 0.012)
	observability.ObserveUpstream("sector", "ok", 0.2)
	observability.ObserveCacheOp("leveldb", "get", errors.New("closed"), 0.001)
	observability.IncCacheHit("sector")
	observability.ObserveWarmTarget("sectors", "ok")
	observability.ObserveSweep("companies", "ok", 3.5)
	observability.IncSweepTrigger("started")
	observability.SetSweepInProgress("sectors", true)
	defer observability.SetSweepInProgress("sectors", false)

	body := scrape(t, p)

	assertHasMetricLine(t, body, "http_requests_total", `route="/lists/{name}"`, `status="200"`)
	assertHasMetricLine(t, body, "upstream_latency_seconds_count", `label="sector"`, `outcome="ok"`)
	assertHasMetricLine(t, body, "cache_op_total", `backend="leveldb"`, `outcome="error"`)
	assertHasMetricLine(t, body, "cache_results_total", `namespace="sector"`, `outcome="hit"`)
	assertHasMetricLine(t, body, "warm_targets_total", `job="sectors"`)
	assertHasMetricLine(t, body, "warm_sweep_duration_seconds_count", `job="companies"`)
	assertHasMetricLine(t, body, "warm_sweeps_triggered_total", `result="started"`)
	assertHasMetricLine(t, body, "warm_sweep_in_progress", `endpoint="sectors"`)
}
