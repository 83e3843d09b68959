package analysis

import (
	"fmt"
	"time"
)

// Recommendation is one candidate action produced by a worker, scored by
// the worker on 1..5 scales.
type Recommendation struct {
	Category    string `json:"category"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Impact      int    `json:"impact"`
	Effort      int    `json:"effort"`
}

func (r Recommendation) Validate() error {
	if r.Impact < 1 || r.Impact > 5 {
		return fmt.Errorf("recommendation %q: impact %d out of range 1..5", r.Title, r.Impact)
	}
	if r.Effort < 1 || r.Effort > 5 {
		return fmt.Errorf("recommendation %q: effort %d out of range 1..5", r.Title, r.Effort)
	}
	return nil
}

// Insight is the structured output of a successful worker. It must not be
// modified after it is attached to a task.
type Insight struct {
	RunID           string           `json:"run_id"`
	Kind            WorkerKind       `json:"kind"`
	Summary         map[string]any   `json:"summary"`
	Recommendations []Recommendation `json:"recommendations"`
	ProducedAt      time.Time        `json:"produced_at"`
}

// ActionItem is one ranked entry of an action plan.
type ActionItem struct {
	ID          string     `json:"id"`
	Category    string     `json:"category"`
	Impact      int        `json:"impact"`
	Effort      int        `json:"effort"`
	Priority    float64    `json:"priority"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Source      WorkerKind `json:"source"`
}

// CrawlResult is the raw page data every worker reads. It is never mutated
// after the crawler returns it.
type CrawlResult struct {
	URL             string              `json:"url"`
	StatusCode      int                 `json:"status_code"`
	Title           string              `json:"title"`
	MetaDescription string              `json:"meta_description"`
	MetaKeywords    string              `json:"meta_keywords"`
	Headings        map[string][]string `json:"headings"`
	Images          []Image             `json:"images"`
	Links           []Link              `json:"links"`
	SchemaOrg       []string            `json:"schema_org"`
	Text            string              `json:"text"`
	Lang            string              `json:"lang,omitempty"`
	Viewport        bool                `json:"viewport"`
	Canonical       string              `json:"canonical,omitempty"`
	LoadTime        time.Duration       `json:"load_time"`
	ContentLength   int64               `json:"content_length"`
	FetchedAt       time.Time           `json:"fetched_at"`
}

type Image struct {
	Src string `json:"src"`
	Alt string `json:"alt"`
}

type Link struct {
	Href     string `json:"href"`
	Text     string `json:"text"`
	Internal bool   `json:"internal"`
	NoFollow bool   `json:"nofollow"`
}

// AnalysisContext is the read-only input shared by all workers of a run.
type AnalysisContext struct {
	RunID  string
	Tenant string
	Target string
	Locale string
	Crawl  *CrawlResult
}
