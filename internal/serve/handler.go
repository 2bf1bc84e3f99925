package serve

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/warmcache/internal/core/router"
	"github.com/mohammed-shakir/warmcache/internal/upstream"
)

// Credentials resolves the bearer token for an inbound request.
type Credentials interface {
	Token(ctx context.Context, r *http.Request) (token, source string, err error)
}

// Handler exposes views and lists over HTTP.
type Handler struct {
	svc   *Service
	creds Credentials
	// primary view served at /entity/{id}
	primary string
	views   map[string]*Endpoint
	lists   map[string]*Endpoint
}

func NewHandler(svc *Service, creds Credentials, primary string, views, lists []*Endpoint) *Handler {
	h := &Handler{
		svc:     svc,
		creds:   creds,
		primary: primary,
		views:   make(map[string]*Endpoint, len(views)),
		lists:   make(map[string]*Endpoint, len(lists)),
	}
	for _, v := range views {
		h.views[v.Name] = v
	}
	for _, l := range lists {
		h.lists[l.Name] = l
	}
	return h
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/entity/{id}", router.Observe("/entity/{id}", h.handleEntity))
	r.Get("/views/{view}/{id}", router.Observe("/views/{view}/{id}", h.handleView))
	r.Get("/lists/{name}", router.Observe("/lists/{name}", h.handleList))
}

func (h *Handler) handleEntity(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, h.views[h.primary], chi.URLParam(r, "id"))
}

func (h *Handler) handleView(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, h.views[chi.URLParam(r, "view")], chi.URLParam(r, "id"))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	h.serve(w, r, h.lists[name], name)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, ep *Endpoint, id string) {
	ctx := r.Context()
	if ep == nil {
		router.WriteError(w, http.StatusNotFound, "unknown_dataset", "")
		return
	}
	id = strings.TrimSpace(id)
	if id == "" {
		router.WriteError(w, http.StatusBadRequest, "missing_id", "")
		return
	}

	token, _, err := h.creds.Token(ctx, r)
	if err != nil {
		var ae *upstream.AuthError
		if errors.As(err, &ae) {
			router.WriteError(w, http.StatusUnauthorized, "unauthorized", "")
			return
		}
		router.WriteError(w, http.StatusInternalServerError, "auth_failed", "")
		return
	}

	resp, err := h.svc.Serve(ctx, ep, id, token)
	if err != nil {
		h.svc.log.ErrorContext(ctx, "serve failed", "endpoint", ep.Name, "id", id, "err", err)
		router.WriteError(w, http.StatusInternalServerError, "upstream_failed", "")
		return
	}

	etag := fmt.Sprintf(`W/"%016x"`, xxhash.Sum64(resp.Payload))
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "private, no-cache")
	if resp.FromCache {
		w.Header().Set("X-Cache", "HIT")
		w.Header().Set("Age", strconv.FormatInt(int64(resp.Age.Seconds()), 10))
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	if resp.Partial {
		w.Header().Set("X-Warm-Partial", "1")
	}
	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	router.WriteRaw(w, http.StatusOK, withMeta(resp.Payload, resp.FromCache, resp.CacheMs))
}

// withMeta adds fromCache and cacheMs to an object payload, or wraps any other payload under "data".
func withMeta(payload []byte, fromCache bool, cacheMs int64) []byte {
	var meta bytes.Buffer
	meta.WriteString(`"fromCache":`)
	meta.WriteString(strconv.FormatBool(fromCache))
	if fromCache {
		meta.WriteString(`,"cacheMs":`)
		meta.WriteString(strconv.FormatInt(cacheMs, 10))
	}

	trimmed := stripMetaKeys(bytes.TrimSpace(payload))
	var out bytes.Buffer
	out.Grow(len(trimmed) + meta.Len() + 16)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		inner := bytes.TrimSpace(trimmed[1:])
		out.WriteByte('{')
		out.Write(meta.Bytes())
		if len(inner) > 0 && inner[0] != '}' {
			out.WriteByte(',')
		}
		out.Write(inner)
		return out.Bytes()
	}
	out.WriteString(`{"data":`)
	if len(trimmed) == 0 {
		out.WriteString("null")
	} else {
		out.Write(trimmed)
	}
	out.WriteByte(',')
	out.Write(meta.Bytes())
	out.WriteByte('}')
	return out.Bytes()
}

var metaKeys = []string{"fromCache", "cacheMs"}

// stripMetaKeys drops top-level fromCache and cacheMs from an upstream object so the
// spliced values are the only ones. Anything that is not a plain object is returned as is.
func stripMetaKeys(obj []byte) []byte {
	if len(obj) == 0 || obj[0] != '{' {
		return obj
	}
	found := false
	for _, k := range metaKeys {
		if bytes.Contains(obj, []byte(`"`+k+`"`)) {
			found = true
			break
		}
	}
	if !found {
		return obj
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(obj, &m); err != nil {
		return obj
	}
	for _, k := range metaKeys {
		delete(m, k)
	}
	b, err := json.Marshal(m)
	if err != nil {
		return obj
	}
	return b
}
