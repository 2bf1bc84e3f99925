package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mohammed-shakir/warmcache/internal/datasets"
)

type InvalidationCfg struct {
	Enabled bool
	Driver  string
	Topic   string
	Brokers string
	GroupID string
}

type WarmEventsCfg struct {
	Enabled bool
	Topic   string
	Brokers string
	Queue   int
}

type UpstreamCfg struct {
	BaseURL        string
	Timeout        time.Duration
	Retries        int
	Backoff        time.Duration
	APIKey         string
	ServiceToken   string
	LoginURL       string
	LoginEmail     string
	LoginPassword  string
	SessionCookie  string
	CredentialList []string
}

type CacheCfg struct {
	EntityTTL     time.Duration
	ListTTL       time.Duration
	EntityBackend string
	ListBackend   string
	// Backends maps a namespace to a backend kind, overriding the two defaults above.
	Backends     map[string]string
	TTLOverrides map[string]time.Duration
	RedisAddr    string
	OpTimeout    time.Duration
	LevelDBPath  string
	SQLDSN       string
	MaxEntries   int
}

type Config struct {
	Addr       string
	LogLevel   string
	LogConsole bool
	LogSampleN int

	Upstream UpstreamCfg
	Cache    CacheCfg

	WarmConcurrency int
	WarmDelay       time.Duration
	WarmHour        int
	Timezone        string
	Location        *time.Location
	ManualSecret    string
	InternalSecret  string
	// SchedulerInterval enables the in-process scheduler when positive.
	SchedulerInterval time.Duration
	SchedulerJobs     []string
	BackgroundSlots   int
	DatasetsFile      string

	MetricsEnabled bool
	Invalidation   InvalidationCfg
	WarmEvents     WarmEventsCfg

	// Warnings collects values that were replaced by a fallback; main logs them.
	Warnings []string
}

const (
	minUpstreamTimeout = 5 * time.Second
	maxUpstreamTimeout = 120 * time.Second
	minEntityTTL       = time.Minute
	maxEntityTTL       = 24 * time.Hour
	minListTTL         = time.Minute
	maxListTTL         = 72 * time.Hour
)

func FromEnv() Config {
	var warn []string

	tz := getenv("WARM_TIMEZONE", "America/New_York")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		warn = append(warn, fmt.Sprintf("WARM_TIMEZONE %q: %v; using UTC", tz, err))
		tz, loc = "UTC", time.UTC
	}

	brokers := getenv("KAFKA_BROKERS", "localhost:9092")

	return Config{
		Addr:       getenv("ADDR", ":8090"),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		LogConsole: getbool("LOG_CONSOLE", false),
		LogSampleN: getint("LOG_SAMPLE_N", 0),

		Upstream: UpstreamCfg{
			BaseURL:        strings.TrimRight(getenv("UPSTREAM_BASE_URL", "http://localhost:8080/api"), "/"),
			Timeout:        clampDur(getdurationUnit("UPSTREAM_TIMEOUT", 30*time.Second, time.Millisecond), minUpstreamTimeout, maxUpstreamTimeout),
			Retries:        clampInt(getint("UPSTREAM_RETRIES", 1), 0, 5),
			Backoff:        clampDur(getdurationUnit("UPSTREAM_RETRY_BACKOFF", 500*time.Millisecond, time.Millisecond), 100*time.Millisecond, 2*time.Second),
			APIKey:         getenv("UPSTREAM_API_KEY", ""),
			ServiceToken:   getenv("UPSTREAM_SERVICE_TOKEN", ""),
			LoginURL:       getenv("UPSTREAM_LOGIN_URL", ""),
			LoginEmail:     getenv("UPSTREAM_LOGIN_EMAIL", ""),
			LoginPassword:  getenv("UPSTREAM_LOGIN_PASSWORD", ""),
			SessionCookie:  getenv("SESSION_COOKIE", "access_token"),
			CredentialList: splitList(getenv("CREDENTIAL_CHAIN", "cookie,header,service,login")),
		},

		Cache: CacheCfg{
			EntityTTL:     clampDur(getdurationUnit("CACHE_TTL_ENTITY", 2*time.Hour, time.Second), minEntityTTL, maxEntityTTL),
			ListTTL:       clampDur(getdurationUnit("CACHE_TTL_LIST", 26*time.Hour, time.Second), minListTTL, maxListTTL),
			EntityBackend: strings.ToLower(getenv("CACHE_BACKEND_ENTITY", "memory")),
			ListBackend:   strings.ToLower(getenv("CACHE_BACKEND_LIST", "redis")),
			Backends:      parseStringMap(getenv("CACHE_BACKEND_OVERRIDES", "")),
			TTLOverrides:  parseDurationMap(getenv("CACHE_TTL_OVERRIDES", "")),
			RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
			OpTimeout:     getduration("CACHE_OP_TIMEOUT", 250*time.Millisecond),
			LevelDBPath:   getenv("LEVELDB_PATH", "./data/leveldb"),
			SQLDSN:        getenv("SQL_DSN", "file:warmcache.db?_busy_timeout=5000"),
			MaxEntries:    clampInt(getint("MEMORY_MAX_ENTRIES", 10000), 16, 1_000_000),
		},

		WarmConcurrency:   clampInt(getint("WARM_CONCURRENCY", 4), 1, 8),
		WarmDelay:         clampDur(getdurationUnit("WARM_DELAY", 100*time.Millisecond, time.Millisecond), 0, time.Second),
		WarmHour:          clampInt(getint("WARM_HOUR", 3), 0, 23),
		Timezone:          tz,
		Location:          loc,
		ManualSecret:      getenv("MANUAL_SECRET", ""),
		InternalSecret:    getenv("INTERNAL_SECRET", ""),
		SchedulerInterval: getduration("SCHEDULER_INTERVAL", 0),
		SchedulerJobs:     splitList(getenv("SCHEDULER_JOBS", "all")),
		BackgroundSlots:   clampInt(getint("BACKGROUND_SLOTS", 2), 1, 16),
		DatasetsFile:      getenv("DATASETS_FILE", ""),

		MetricsEnabled: getbool("METRICS_ENABLED", true),
		Invalidation: InvalidationCfg{
			Enabled: getbool("INVALIDATION_ENABLED", false),
			Driver:  getenv("INVALIDATION_DRIVER", "none"),
			Topic:   getenv("KAFKA_TOPIC", "warmcache-invalidation"),
			Brokers: brokers,
			GroupID: getenv("KAFKA_GROUP_ID", "warmcache-invalidator"),
		},
		WarmEvents: WarmEventsCfg{
			Enabled: getbool("WARM_EVENTS_ENABLED", false),
			Topic:   getenv("WARM_EVENTS_TOPIC", "warmcache-warm-events"),
			Brokers: brokers,
			Queue:   clampInt(getint("WARM_EVENTS_QUEUE", 256), 1, 65536),
		},

		Warnings: warn,
	}
}

// Datasets loads DATASETS_FILE, or the built-in set, and applies CACHE_TTL_OVERRIDES by dataset name.
func (c Config) Datasets() (datasets.Set, error) {
	set := datasets.Default()
	if c.DatasetsFile != "" {
		var err error
		if set, err = datasets.Load(c.DatasetsFile); err != nil {
			return datasets.Set{}, err
		}
	}
	// zero means the namespace default; anything set, from file or override, is clamped
	for i := range set.Views {
		v := &set.Views[i]
		if d, ok := c.Cache.TTLOverrides[v.Name]; ok {
			v.TTL = d
		}
		if v.TTL != 0 {
			v.TTL = clampDur(v.TTL, minEntityTTL, maxEntityTTL)
		}
	}
	for i := range set.Lists {
		l := &set.Lists[i]
		if d, ok := c.Cache.TTLOverrides[l.Name]; ok {
			l.TTL = d
		}
		if l.TTL != 0 {
			l.TTL = clampDur(l.TTL, minListTTL, maxListTTL)
		}
	}
	return set, nil
}

// BackendFor is the backend kind serving namespace.
func (c Config) BackendFor(namespace string) string {
	if k, ok := c.Cache.Backends[namespace]; ok {
		return k
	}
	if namespace == datasets.ListNamespace {
		return c.Cache.ListBackend
	}
	return c.Cache.EntityBackend
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// getdurationUnit also accepts a bare integer counted in unit ("45000" ms, "7200" s).
func getdurationUnit(k string, def, unit time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(n) * unit
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return def
}

func clampInt(n, lo, hi int) int {
	return max(lo, min(n, hi))
}

func clampDur(d, lo, hi time.Duration) time.Duration {
	return max(lo, min(d, hi))
}

func splitList(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parse "sector=5m,companies=30h" into map
func parseDurationMap(s string) map[string]time.Duration {
	out := map[string]time.Duration{}
	for k, v := range parseStringMap(s) {
		if d, err := time.ParseDuration(v); err == nil {
			out[k] = d
		}
	}
	return out
}

// parse "sector=leveldb,list=sql" into map
func parseStringMap(s string) map[string]string {
	out := map[string]string{}
	for p := range strings.SplitSeq(strings.TrimSpace(s), ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok {
			continue
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		out[k] = strings.ToLower(v)
	}
	return out
}
