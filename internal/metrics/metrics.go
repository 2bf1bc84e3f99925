// Package metrics owns the Prometheus registry exposed by warmcache.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammed-shakir/warmcache/internal/core/observability"
)

const DefaultPath = "/metrics"

type BuildInfo struct {
	Version   string
	Revision  string
	Branch    string
	BuildDate string
}

type Config struct {
	Path  string
	Build BuildInfo
	// Settings are the effective (clamped) warm settings, exported as warmcache_setting{name}.
	Settings map[string]float64
}

type Provider struct {
	reg  *prometheus.Registry
	path string
}

// Init builds a registry with runtime collectors, build and settings info, and the
// service collectors from observability.
func Init(cfg Config) *Provider {
	reg := prometheus.NewRegistry()

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	build := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warmcache_build_info",
			Help: "Build info for this binary (value is always 1).",
		},
		[]string{"version", "revision", "branch", "build_date"},
	)
	settings := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warmcache_setting",
			Help: "Effective warm setting after clamping, by name.",
		},
		[]string{"name"},
	)
	reg.MustRegister(build, settings)

	v := cfg.Build
	if v.Version == "" {
		v.Version = "dev"
	}
	build.WithLabelValues(v.Version, v.Revision, v.Branch, v.BuildDate).Set(1)

	for k, val := range cfg.Settings {
		settings.WithLabelValues(k).Set(val)
	}

	observability.Init(reg, true)

	path := cfg.Path
	if path == "" {
		path = DefaultPath
	}
	return &Provider{reg: reg, path: path}
}

func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{Registry: p.reg})
}

func (p *Provider) Path() string { return p.path }

func (p *Provider) Registerer() prometheus.Registerer { return p.reg }
