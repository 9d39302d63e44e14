package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// RuleKind describes the normalized kind of a recurrence rule string.
//
// We intentionally keep this small: either a cron expression (robfig/cron)
// or a fixed interval.
type RuleKind int

const (
	RuleCron RuleKind = iota
	RuleInterval
)

// Rule is a parsed recurrence rule.
//
// Supported forms:
//   - Cron (crontab.guru-style): "*/5 * * * *", "0 9 * * 1", "@hourly"
//   - Interval duration: "60s", "2h30m"
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
type Rule struct {
	Kind  RuleKind
	Cron  string
	Every time.Duration

	sched cron.Schedule
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseRule parses a recurrence rule string.
func ParseRule(raw string) (Rule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Rule{}, fmt.Errorf("recurrence rule required")
	}

	// Prefixes (explicit)
	low := strings.ToLower(s)
	if strings.HasPrefix(low, "cron:") {
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Rule{}, fmt.Errorf("cron expression required after 'cron:'")
		}
		return parseCronRule(expr)
	}
	if strings.HasPrefix(low, "interval:") {
		return parseIntervalRule(strings.TrimSpace(s[len("interval:"):]))
	}
	if strings.HasPrefix(low, "every:") {
		return parseIntervalRule(strings.TrimSpace(s[len("every:"):]))
	}

	// Heuristics: any whitespace or leading '@' => cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCronRule(s)
	}

	// Otherwise a Go duration.
	return parseIntervalRule(s)
}

func parseCronRule(expr string) (Rule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Rule{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return Rule{Kind: RuleCron, Cron: expr, sched: sched}, nil
}

func parseIntervalRule(v string) (Rule, error) {
	if v == "" {
		return Rule{}, fmt.Errorf("interval required")
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return Rule{}, fmt.Errorf("invalid interval %q (use a Go duration like '60s'/'2h30m')", v)
	}
	if d <= 0 {
		return Rule{}, fmt.Errorf("interval must be > 0")
	}
	return Rule{Kind: RuleInterval, Every: d}, nil
}

// Next returns the first occurrence strictly after 'after'.
func (r Rule) Next(after time.Time) time.Time {
	if r.Kind == RuleInterval {
		return after.Add(r.Every)
	}
	if r.sched == nil {
		// Parsed rules always carry a schedule; guard against zero values.
		return after
	}
	return r.sched.Next(after)
}
