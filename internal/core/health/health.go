// Package health serves liveness and readiness probes.
package health

import (
	"context"
	"net/http"
)

func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

// Check is one readiness dependency. A nil error means ready.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

func PingCheck(name string, p Pinger) Check {
	return Check{Name: name, Fn: p.Ping}
}
