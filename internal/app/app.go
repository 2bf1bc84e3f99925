// Package app assembles the cache stores, upstream client, credentials and warm runner
// shared by the server and the one-shot CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/mohammed-shakir/warmcache/internal/cache"
	"github.com/mohammed-shakir/warmcache/internal/cache/backends"
	"github.com/mohammed-shakir/warmcache/internal/core/config"
	"github.com/mohammed-shakir/warmcache/internal/core/health"
	"github.com/mohammed-shakir/warmcache/internal/core/httpclient"
	"github.com/mohammed-shakir/warmcache/internal/datasets"
	"github.com/mohammed-shakir/warmcache/internal/jobs"
	"github.com/mohammed-shakir/warmcache/internal/schedule"
	"github.com/mohammed-shakir/warmcache/internal/serve"
	"github.com/mohammed-shakir/warmcache/internal/upstream"
	"github.com/mohammed-shakir/warmcache/internal/warm"
	"github.com/mohammed-shakir/warmcache/internal/warmevents"

	// backends register themselves
	_ "github.com/mohammed-shakir/warmcache/internal/cache/bigstore"
	_ "github.com/mohammed-shakir/warmcache/internal/cache/diskstore"
	_ "github.com/mohammed-shakir/warmcache/internal/cache/memstore"
	_ "github.com/mohammed-shakir/warmcache/internal/cache/redisstore"
	_ "github.com/mohammed-shakir/warmcache/internal/cache/ristrettostore"
	_ "github.com/mohammed-shakir/warmcache/internal/cache/sqlstore"
)

type App struct {
	Cfg      config.Config
	Log      *slog.Logger
	Datasets datasets.Set
	Stores   map[string]cache.Store
	Client   *http.Client
	Fetcher  *upstream.Aggregator
	Creds    *upstream.Chain
	Warmer   *warm.Warmer
	Runner   *jobs.Runner
	// Events is nil unless warm events are enabled.
	Events *warmevents.Publisher
}

// Build opens one store per dataset namespace and wires the warm path.
func Build(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	set, err := cfg.Datasets()
	if err != nil {
		return nil, err
	}
	a := &App{Cfg: cfg, Log: log, Datasets: set, Stores: map[string]cache.Store{}}

	for _, ns := range set.Namespaces() {
		kind := cfg.BackendFor(ns)
		s, err := backends.Open(ctx, kind, backends.Options{
			Namespace:   ns,
			Logger:      log,
			RedisAddr:   cfg.Cache.RedisAddr,
			OpTimeout:   cfg.Cache.OpTimeout,
			MaxEntries:  cfg.Cache.MaxEntries,
			LevelDBPath: cfg.Cache.LevelDBPath,
			SQLDSN:      cfg.Cache.SQLDSN,
		})
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.Stores[ns] = s
		log.Info("cache store ready", "namespace", ns, "backend", kind)
	}

	a.Client = httpclient.NewOutbound(httpclient.Options{})
	a.Fetcher = upstream.New(a.Client, upstream.Policy{
		Timeout:    cfg.Upstream.Timeout,
		MaxRetries: cfg.Upstream.Retries,
		Backoff:    cfg.Upstream.Backoff,
	}, upstream.WithAPIKey(cfg.Upstream.APIKey), upstream.WithLogger(log.With("component", "upstream")))

	up := cfg.Upstream
	a.Creds, err = upstream.ChainFromNames(up.CredentialList,
		upstream.CookieProvider{Cookie: up.SessionCookie},
		upstream.HeaderProvider{},
		upstream.ServiceProvider{ServiceToken: up.ServiceToken, InternalSecret: cfg.InternalSecret},
		&upstream.LoginProvider{
			URL:            up.LoginURL,
			Email:          up.LoginEmail,
			Password:       up.LoginPassword,
			APIKey:         up.APIKey,
			InternalSecret: cfg.InternalSecret,
			Client:         a.Client,
		},
	)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Warmer = warm.New(a.Fetcher, warm.Options{
		Concurrency: cfg.WarmConcurrency,
		Delay:       cfg.WarmDelay,
		Logger:      log.With("component", "warm"),
	})

	if cfg.WarmEvents.Enabled {
		host, _ := os.Hostname()
		a.Events, err = warmevents.NewPublisher(splitBrokers(cfg.WarmEvents.Brokers), cfg.WarmEvents.Topic, host, cfg.WarmEvents.Queue, log)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
	}

	deps := jobs.Deps{
		Datasets:  set,
		BaseURL:   up.BaseURL,
		Stores:    a.Stores,
		EntityTTL: cfg.Cache.EntityTTL,
		ListTTL:   cfg.Cache.ListTTL,
		Warmer:    a.Warmer,
		Fetcher:   a.Fetcher,
		Creds:     a.Creds,
		Gate:      schedule.Gate{Hour: cfg.WarmHour, Location: cfg.Location, Secret: cfg.ManualSecret},
		Logger:    log.With("component", "jobs"),
	}
	if a.Events != nil {
		deps.Events = a.Events
	}
	a.Runner = jobs.NewRunner(deps)
	return a, nil
}

// Endpoints exposes every view and list for the read path. Each view sweeps itself when cold.
func (a *App) Endpoints() (primary string, views, lists []*serve.Endpoint) {
	base := a.Cfg.Upstream.BaseURL
	for _, v := range a.Datasets.Views {
		ttl := v.TTL
		if ttl <= 0 {
			ttl = a.Cfg.Cache.EntityTTL
		}
		name := v.Name
		views = append(views, &serve.Endpoint{
			Name:      name,
			Namespace: v.Namespace,
			Store:     a.Stores[v.Namespace],
			TTL:       ttl,
			Target:    func(id string) warm.Target { return v.Target(base, id) },
			Sweep: func(ctx context.Context) error {
				_, err := a.Runner.Sweep(ctx, name, "cold")
				return err
			},
			Trigger: serve.NewTriggerState(),
		})
	}
	for _, l := range a.Datasets.Lists {
		ttl := l.TTL
		if ttl <= 0 {
			ttl = a.Cfg.Cache.ListTTL
		}
		lists = append(lists, &serve.Endpoint{
			Name:      l.Name,
			Namespace: datasets.ListNamespace,
			Store:     a.Stores[datasets.ListNamespace],
			TTL:       ttl,
			Target:    func(string) warm.Target { return l.Target(base) },
		})
	}
	if len(views) > 0 {
		primary = views[0].Name
	}
	return primary, views, lists
}

// ReadyChecks pings every store that can report reachability.
func (a *App) ReadyChecks() []health.Check {
	var out []health.Check
	for ns, s := range a.Stores {
		if p, ok := s.(cache.Pinger); ok {
			out = append(out, health.PingCheck("cache:"+ns, p))
		}
	}
	return out
}

func (a *App) Close() error {
	var errs []error
	if a.Events != nil {
		if err := a.Events.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for ns, s := range a.Stores {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s store: %w", ns, err))
		}
	}
	return errors.Join(errs...)
}

func splitBrokers(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
