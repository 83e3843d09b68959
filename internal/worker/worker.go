// Package worker implements the five analysis kinds. Workers are pure over
// the shared crawl and their provider responses; they never touch run or
// task state.
package worker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/mtzanidakis/sitescope/internal/analysis"
	"github.com/mtzanidakis/sitescope/internal/config"
	"github.com/mtzanidakis/sitescope/internal/provider"
)

// Worker runs one analysis kind against a crawl.
type Worker interface {
	Kind() analysis.WorkerKind
	Run(ctx context.Context, actx *analysis.AnalysisContext, cfg Config) (*analysis.Insight, error)
}

// Caller routes a request to a named provider. *provider.Set satisfies it.
type Caller interface {
	Call(ctx context.Context, name string, req provider.Request) (*provider.Response, error)
}

// Config holds per-kind settings resolved for one task.
type Config struct {
	Locale      string
	MaxKeywords int
	Extra       map[string]string
}

// ConfigFor resolves the worker config of kind for a run in locale.
func ConfigFor(cfg *config.Config, kind analysis.WorkerKind, locale string) Config {
	wc := cfg.Workers[string(kind)]
	return Config{Locale: locale, MaxKeywords: wc.MaxKeywords, Extra: wc.Options}
}

func (c Config) option(key, def string) string {
	if v, ok := c.Extra[key]; ok && v != "" {
		return v
	}
	return def
}

func (c Config) intOption(key string, def int) int {
	v, err := strconv.Atoi(c.option(key, ""))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// Registry maps each kind to its worker.
type Registry struct {
	workers map[analysis.WorkerKind]Worker
}

func NewRegistry(workers ...Worker) *Registry {
	r := &Registry{workers: make(map[analysis.WorkerKind]Worker, len(workers))}
	for _, w := range workers {
		r.Register(w)
	}
	return r
}

// DefaultRegistry builds all five built-in workers over providers.
func DefaultRegistry(providers Caller) *Registry {
	return NewRegistry(
		NewKeyword(providers),
		NewContent(providers),
		NewTechnical(providers),
		NewGeo(providers),
		NewLink(),
	)
}

func (r *Registry) Register(w Worker) {
	r.workers[w.Kind()] = w
}

func (r *Registry) Get(kind analysis.WorkerKind) (Worker, bool) {
	w, ok := r.workers[kind]
	return w, ok
}

// Kinds lists registered kinds in canonical order.
func (r *Registry) Kinds() []analysis.WorkerKind {
	var out []analysis.WorkerKind
	for _, k := range analysis.AllKinds {
		if _, ok := r.workers[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

func requireCrawl(actx *analysis.AnalysisContext) error {
	if actx == nil || actx.Crawl == nil {
		return fmt.Errorf("%w: missing crawl data", analysis.ErrInvalidInput)
	}
	return nil
}

func newInsight(actx *analysis.AnalysisContext, kind analysis.WorkerKind) *analysis.Insight {
	return &analysis.Insight{
		RunID:           actx.RunID,
		Kind:            kind,
		Summary:         map[string]any{},
		Recommendations: []analysis.Recommendation{},
	}
}

func finish(in *analysis.Insight) *analysis.Insight {
	in.ProducedAt = time.Now().UTC()
	return in
}

func recommend(in *analysis.Insight, category, title, desc string, impact, effort int) {
	in.Recommendations = append(in.Recommendations, analysis.Recommendation{
		Category:    category,
		Title:       title,
		Description: desc,
		Impact:      clamp(impact),
		Effort:      clamp(effort),
	})
}

func clamp(v int) int {
	return min(max(v, 1), 5)
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func num(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

func stringList(m map[string]any, key string) []string {
	raw, _ := m[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func objects(m map[string]any, key string) []map[string]any {
	raw, _ := m[key].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, v := range raw {
		if o, ok := v.(map[string]any); ok {
			out = append(out, o)
		}
	}
	return out
}
