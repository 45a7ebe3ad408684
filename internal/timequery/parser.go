// Package timequery turns free-text questions such as "what happened in the
// last 10 minutes" into concrete time ranges.
package timequery

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrUnparseable is returned when no rule recognizes the query.
var ErrUnparseable = errors.New("timequery: no recognizable time range")

// ClarificationMessage is shown to users whose query could not be parsed.
const ClarificationMessage = "I'm sorry, I couldn't understand the time range in your query. " +
	"Please try again with a clearer time specification, such as " +
	"'What happened in the last 10 minutes?' or 'What happened between 14:00 and 15:00?'"

// Range is a resolved [Start, End] interval, inclusive on both ends.
type Range struct {
	Start time.Time
	End   time.Time
}

// Resolver turns a rule's submatches into a range. Returning false means the
// text matched but its values are invalid, and the next rule is tried.
type Resolver func(match []string, now time.Time) (Range, bool)

// Rule pairs a matcher with its resolver.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Resolve Resolver
}

// Parser evaluates rules in order; the first rule that matches and resolves wins.
type Parser struct {
	mu    sync.RWMutex
	rules []Rule
	clock func() time.Time
	loc   *time.Location
}

// Option configures a Parser.
type Option func(*Parser)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(p *Parser) { p.clock = clock }
}

// WithLocation sets the zone used for clock-time rules. Defaults to time.Local.
func WithLocation(loc *time.Location) Option {
	return func(p *Parser) { p.loc = loc }
}

var (
	relativePattern = regexp.MustCompile(`(?i)\blast\s+(\d+)\s+(second|minute|hour)s?\b`)
	betweenPattern  = regexp.MustCompile(`(?i)\bbetween\s+(\d{2}):(\d{2})\s+and\s+(\d{2}):(\d{2})\b`)
)

// New returns a parser with the relative ("last N units") rule followed by
// the same-day clock range ("between HH:MM and HH:MM") rule.
func New(opts ...Option) *Parser {
	p := &Parser{
		clock: time.Now,
		loc:   time.Local,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.rules = []Rule{
		{Name: "relative", Pattern: relativePattern, Resolve: resolveRelative},
		{Name: "between", Pattern: betweenPattern, Resolve: resolveBetween},
	}
	return p
}

// Register appends a rule after the existing ones.
func (p *Parser) Register(r Rule) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules = append(p.rules, r)
}

// Parse resolves query against the current time.
func (p *Parser) Parse(query string) (Range, error) {
	return p.ParseAt(query, p.clock())
}

// ParseAt resolves query as if the current time were now.
func (p *Parser) ParseAt(query string, now time.Time) (Range, error) {
	now = now.In(p.loc)

	p.mu.RLock()
	rules := p.rules
	p.mu.RUnlock()

	for _, r := range rules {
		m := r.Pattern.FindStringSubmatch(query)
		if m == nil {
			continue
		}
		if rng, ok := r.Resolve(m, now); ok {
			return rng, nil
		}
	}
	return Range{}, ErrUnparseable
}

func resolveRelative(m []string, now time.Time) (Range, bool) {
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || n < 0 {
		return Range{}, false
	}
	var unit time.Duration
	switch strings.ToLower(m[2]) {
	case "second":
		unit = time.Second
	case "minute":
		unit = time.Minute
	case "hour":
		unit = time.Hour
	default:
		return Range{}, false
	}
	if n > int64(maxDuration/unit) {
		return Range{}, false
	}
	return Range{Start: now.Add(-time.Duration(n) * unit), End: now}, true
}

const maxDuration = time.Duration(1<<63 - 1)

func resolveBetween(m []string, now time.Time) (Range, bool) {
	start, ok := clockOn(now, m[1], m[2])
	if !ok {
		return Range{}, false
	}
	end, ok := clockOn(now, m[3], m[4])
	if !ok {
		return Range{}, false
	}
	// Only an end before the start rolls over, and only by one day.
	if end.Before(start) {
		end = end.AddDate(0, 0, 1)
	}
	return Range{Start: start, End: end}, true
}

func clockOn(day time.Time, hh, mm string) (time.Time, bool) {
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return time.Time{}, false
	}
	minute, err := strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return time.Time{}, false
	}
	y, mo, d := day.Date()
	return time.Date(y, mo, d, h, minute, 0, 0, day.Location()), true
}
