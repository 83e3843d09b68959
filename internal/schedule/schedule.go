// Package schedule parses and evaluates recurring analysis schedules. A
// schedule is stored as JSON; Normalize also accepts plain cron expressions,
// "every <duration>" and RFC 3339 timestamps.
package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

type Kind string

const (
	KindCron     Kind = "cron"
	KindInterval Kind = "interval"
	KindOnce     Kind = "once"
)

// MinInterval keeps interval schedules from hammering providers.
const MinInterval = time.Minute

var ErrInvalid = errors.New("invalid schedule")

type Spec struct {
	Kind       Kind   `json:"kind"`
	CronExpr   string `json:"cron_expr,omitempty"`
	IntervalMs int64  `json:"interval_ms,omitempty"`
	AtMs       int64  `json:"at_ms,omitempty"`
}

func Parse(raw string) (*Spec, error) {
	var s Spec
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Spec) Validate() error {
	switch s.Kind {
	case KindCron:
		if !gronx.New().IsValid(s.CronExpr) {
			return fmt.Errorf("%w: bad cron expression %q", ErrInvalid, s.CronExpr)
		}
	case KindInterval:
		if time.Duration(s.IntervalMs)*time.Millisecond < MinInterval {
			return fmt.Errorf("%w: interval must be at least %s", ErrInvalid, MinInterval)
		}
	case KindOnce:
		if s.AtMs <= 0 {
			return fmt.Errorf("%w: at_ms must be positive", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, s.Kind)
	}
	return nil
}

// Next returns the first fire time strictly after now. ok is false when the
// schedule will never fire again.
func (s *Spec) Next(now time.Time) (next time.Time, ok bool) {
	switch s.Kind {
	case KindCron:
		t, err := gronx.NextTickAfter(s.CronExpr, now, false)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	case KindInterval:
		return now.Add(time.Duration(s.IntervalMs) * time.Millisecond), true
	case KindOnce:
		t := time.UnixMilli(s.AtMs)
		if !t.After(now) {
			return time.Time{}, false
		}
		return t, true
	}
	return time.Time{}, false
}

// NextRun evaluates the stored schedule raw. It returns nil when raw is
// invalid or exhausted.
func NextRun(raw string, now time.Time) *time.Time {
	s, err := Parse(raw)
	if err != nil {
		return nil
	}
	next, ok := s.Next(now)
	if !ok {
		return nil
	}
	return &next
}

// Normalize converts user input into the stored JSON form.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalid)
	}

	var s Spec
	switch {
	case strings.HasPrefix(raw, "{"):
		p, err := Parse(raw)
		if err != nil {
			return "", err
		}
		s = *p
	case strings.HasPrefix(strings.ToLower(raw), "every "):
		d, err := time.ParseDuration(strings.TrimSpace(raw[len("every "):]))
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		s = Spec{Kind: KindInterval, IntervalMs: d.Milliseconds()}
	default:
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			s = Spec{Kind: KindOnce, AtMs: t.UnixMilli()}
		} else {
			s = Spec{Kind: KindCron, CronExpr: raw}
		}
	}
	if err := s.Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Describe renders a stored schedule for humans.
func Describe(raw string) string {
	s, err := Parse(raw)
	if err != nil {
		return raw
	}
	switch s.Kind {
	case KindCron:
		return "cron " + s.CronExpr
	case KindInterval:
		d := time.Duration(s.IntervalMs) * time.Millisecond
		switch {
		case d%(24*time.Hour) == 0:
			return plural(int(d/(24*time.Hour)), "day")
		case d%time.Hour == 0:
			return plural(int(d/time.Hour), "hour")
		default:
			return plural(int(d/time.Minute), "minute")
		}
	default:
		return "once at " + time.UnixMilli(s.AtMs).UTC().Format("2006-01-02 15:04 MST")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "every " + unit
	}
	return fmt.Sprintf("every %d %ss", n, unit)
}
