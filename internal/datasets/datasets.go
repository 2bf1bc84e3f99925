// Package datasets describes what gets warmed: aggregate views fetched per id and
// whole-list snapshots fetched in one call.
package datasets

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mohammed-shakir/warmcache/internal/cache/keys"
	"github.com/mohammed-shakir/warmcache/internal/upstream"
	"github.com/mohammed-shakir/warmcache/internal/warm"
)

// ListNamespace holds every list snapshot.
const ListNamespace = "list"

// Request is an upstream call template; {base} and {id} are substituted.
type Request struct {
	Label    string `yaml:"label"`
	URL      string `yaml:"url"`
	Optional bool   `yaml:"optional"`
}

// View is an aggregate built per id from several calls.
type View struct {
	Name      string        `yaml:"name"`
	Namespace string        `yaml:"namespace"`
	TTL       time.Duration `yaml:"ttl"`
	IDsURL    string        `yaml:"ids_url"`
	IDField   string        `yaml:"id_field"`
	Requests  []Request     `yaml:"requests"`
}

// List is a snapshot fetched with one call.
type List struct {
	Name string        `yaml:"name"`
	URL  string        `yaml:"url"`
	TTL  time.Duration `yaml:"ttl"`
}

type Set struct {
	Views []View `yaml:"views"`
	Lists []List `yaml:"lists"`
}

// Default is the sector overview plus the three list snapshots.
func Default() Set {
	return Set{
		Views: []View{{
			Name:      "sectors",
			Namespace: "sector",
			IDsURL:    "{base}/sectors",
			IDField:   "id",
			Requests: []Request{
				{Label: "sector", URL: "{base}/sectors/{id}"},
				{Label: "companies", URL: "{base}/sectors/{id}/companies"},
				{Label: "investors", URL: "{base}/sectors/{id}/investors"},
				{Label: "metrics", URL: "{base}/sectors/{id}/metrics"},
			},
		}},
		Lists: []List{
			{Name: "companies", URL: "{base}/companies"},
			{Name: "individuals", URL: "{base}/individuals"},
			{Name: "investors", URL: "{base}/investors"},
		},
	}
}

// Load reads a YAML set from path. Missing sections fall back to the defaults.
func Load(path string) (Set, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Set{}, fmt.Errorf("read datasets file: %w", err)
	}
	return Parse(b)
}

func Parse(b []byte) (Set, error) {
	var s Set
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Set{}, fmt.Errorf("parse datasets: %w", err)
	}
	def := Default()
	if len(s.Views) == 0 {
		s.Views = def.Views
	}
	if len(s.Lists) == 0 {
		s.Lists = def.Lists
	}
	if err := s.Validate(); err != nil {
		return Set{}, err
	}
	return s, nil
}

func (s Set) Validate() error {
	names := map[string]bool{}
	for _, v := range s.Views {
		if v.Name == "" || v.Namespace == "" {
			return fmt.Errorf("view needs name and namespace: %+v", v)
		}
		if v.Namespace == ListNamespace {
			return fmt.Errorf("view %s: namespace %q is reserved for lists", v.Name, ListNamespace)
		}
		if names[v.Name] {
			return fmt.Errorf("duplicate dataset name %q", v.Name)
		}
		names[v.Name] = true
		if len(v.Requests) == 0 {
			return fmt.Errorf("view %s has no requests", v.Name)
		}
		labels := map[string]bool{}
		for _, r := range v.Requests {
			if r.Label == "" || r.URL == "" {
				return fmt.Errorf("view %s: request needs label and url", v.Name)
			}
			if labels[r.Label] {
				return fmt.Errorf("view %s: duplicate label %q", v.Name, r.Label)
			}
			labels[r.Label] = true
		}
	}
	for _, l := range s.Lists {
		if l.Name == "" || l.URL == "" {
			return fmt.Errorf("list needs name and url: %+v", l)
		}
		if names[l.Name] {
			return fmt.Errorf("duplicate dataset name %q", l.Name)
		}
		names[l.Name] = true
	}
	return nil
}

func (s Set) View(name string) (View, bool) {
	for _, v := range s.Views {
		if v.Name == name {
			return v, true
		}
	}
	return View{}, false
}

func (s Set) List(name string) (List, bool) {
	for _, l := range s.Lists {
		if l.Name == name {
			return l, true
		}
	}
	return List{}, false
}

// Namespaces lists every cache namespace the set writes to.
func (s Set) Namespaces() []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range s.Views {
		if !seen[v.Namespace] {
			seen[v.Namespace] = true
			out = append(out, v.Namespace)
		}
	}
	if len(s.Lists) > 0 {
		out = append(out, ListNamespace)
	}
	return out
}

func expand(tmpl, base, id string) string {
	return strings.NewReplacer(
		"{base}", strings.TrimRight(base, "/"),
		"{id}", url.PathEscape(id),
	).Replace(tmpl)
}

func (v View) Key(id string) string { return keys.Key(v.Namespace, id) }

// Target expands v for one id. Store and TTL are filled by the caller.
func (v View) Target(base, id string) warm.Target {
	reqs := make([]upstream.Request, len(v.Requests))
	for i, r := range v.Requests {
		reqs[i] = upstream.Request{Label: r.Label, URL: expand(r.URL, base, id), Optional: r.Optional}
	}
	return warm.Target{EntityID: id, Key: v.Key(id), Requests: reqs}
}

// ListIDs enumerates the ids to warm from the view's ids URL.
func (v View) ListIDs(ctx context.Context, f warm.Fetcher, token, base string) ([]string, error) {
	if v.IDsURL == "" {
		return nil, fmt.Errorf("view %s has no ids_url", v.Name)
	}
	res := f.FetchAll(ctx, token, []upstream.Request{{Label: v.Name + "_ids", URL: expand(v.IDsURL, base, "")}})
	if len(res) != 1 {
		return nil, fmt.Errorf("view %s: ids fetch returned %d results", v.Name, len(res))
	}
	if !res[0].OK {
		if err := res[0].Err(); err != nil {
			return nil, fmt.Errorf("view %s ids: %w", v.Name, err)
		}
		return nil, fmt.Errorf("view %s ids: %s", v.Name, res[0].Error)
	}
	ids, err := upstream.ExtractIDs(res[0].Data, v.IDField)
	if err != nil {
		return nil, fmt.Errorf("view %s ids: %w", v.Name, err)
	}
	return ids, nil
}

func (l List) Key() string { return keys.Key(ListNamespace, l.Name) }

func (l List) Target(base string) warm.Target {
	return warm.Target{
		EntityID: l.Name,
		Key:      l.Key(),
		Requests: []upstream.Request{{Label: l.Name, URL: expand(l.URL, base, "")}},
	}
}
