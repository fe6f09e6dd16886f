// Package selection picks concrete message bodies for category sends.
// Candidates recently delivered to the same user are filtered out within a
// rolling dedup window, and the remaining pool is sampled with weights that
// favor content tagged for the current time period.
package selection

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"github.com/mwhitton/cadence/pkg/cadence/delivery"
)

// Candidate is one entry of a category's message library.
type Candidate struct {
	// Body is the message text.
	Body string

	// Periods lists the time periods this candidate is tagged for
	// ("morning", "afternoon", "evening", "night"). Empty means the
	// candidate applies at any time.
	Periods []string
}

// ContentStore supplies the candidate pool per category. Read-only.
type ContentStore interface {
	Candidates(category string) ([]Candidate, error)
}

// HistoryReader is the slice of the delivery history the selector needs.
type HistoryReader interface {
	Recent(userID, category string, since time.Time) ([]delivery.DeliveryRecord, error)
}

// Config holds the dedup parameters. Window and cap are configuration
// driven; the original values were tuned empirically and are not fixed
// here.
type Config struct {
	// Window is the rolling span within which repeats are avoided.
	Window time.Duration `yaml:"window"`

	// RepeatCap is how many times a candidate may be sent within the
	// window before it is filtered out.
	RepeatCap int `yaml:"repeat_cap"`

	// PeriodWeight is the sampling weight of a candidate tagged for the
	// current period. Any-time candidates always weigh 1.
	PeriodWeight int `yaml:"period_weight"`
}

// DefaultConfig returns fallback dedup parameters: three weeks, no repeat.
func DefaultConfig() Config {
	return Config{
		Window:       21 * 24 * time.Hour,
		RepeatCap:    1,
		PeriodWeight: 3,
	}
}

// Selector implements dedup-aware weighted message selection.
type Selector struct {
	cfg     Config
	content ContentStore
	history HistoryReader
	logger  *slog.Logger

	// rng is swappable for deterministic tests.
	rng *rand.Rand

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Selector over the given content and history stores.
func New(content ContentStore, history HistoryReader, cfg Config, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.RepeatCap <= 0 {
		cfg.RepeatCap = DefaultConfig().RepeatCap
	}
	if cfg.PeriodWeight <= 0 {
		cfg.PeriodWeight = DefaultConfig().PeriodWeight
	}

	return &Selector{
		cfg:     cfg,
		content: content,
		history: history,
		logger:  logger.With("component", "selection"),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
}

// Pick returns a body for (user, category, period) that was not recently
// sent. If every candidate was sent within the window, the filter relaxes
// to least-recently-sent instead of failing, so the category never starves.
func (s *Selector) Pick(userID, category, period string) (string, error) {
	pool, err := s.content.Candidates(category)
	if err != nil {
		return "", fmt.Errorf("load candidates for %q: %w", category, err)
	}
	if len(pool) == 0 {
		return "", fmt.Errorf("category %q has no candidates", category)
	}

	since := s.now().Add(-s.cfg.Window)
	recent, err := s.history.Recent(userID, category, since)
	if err != nil {
		return "", fmt.Errorf("load recent deliveries for %q: %w", userID, err)
	}

	sentCount := make(map[string]int, len(recent))
	lastSent := make(map[string]time.Time, len(recent))
	for _, rec := range recent {
		sentCount[rec.Body]++
		if rec.SentAt.After(lastSent[rec.Body]) {
			lastSent[rec.Body] = rec.SentAt
		}
	}

	var eligible []Candidate
	for _, c := range pool {
		if sentCount[c.Body] < s.cfg.RepeatCap {
			eligible = append(eligible, c)
		}
	}

	if len(eligible) == 0 {
		// Every candidate was sent recently. Fall back to the one sent
		// longest ago rather than returning nothing.
		body := leastRecentlySent(pool, lastSent)
		s.logger.Debug("dedup filter exhausted pool, relaxing to least-recently-sent",
			"user", userID, "category", category)
		return body, nil
	}

	return s.weightedPick(eligible, period), nil
}

// weightedPick samples one candidate: period-tagged candidates matching the
// current period get cfg.PeriodWeight, any-time candidates get 1, and
// candidates tagged only for other periods are skipped unless nothing else
// remains.
func (s *Selector) weightedPick(pool []Candidate, period string) string {
	type weighted struct {
		body   string
		weight int
	}

	var entries []weighted
	total := 0
	for _, c := range pool {
		w := s.weightFor(c, period)
		if w <= 0 {
			continue
		}
		entries = append(entries, weighted{body: c.Body, weight: w})
		total += w
	}

	// All remaining candidates were tagged for other periods; use them
	// anyway with equal weight.
	if total == 0 {
		return pool[s.rng.Intn(len(pool))].Body
	}

	n := s.rng.Intn(total)
	for _, e := range entries {
		n -= e.weight
		if n < 0 {
			return e.body
		}
	}
	return entries[len(entries)-1].body
}

func (s *Selector) weightFor(c Candidate, period string) int {
	if len(c.Periods) == 0 {
		return 1
	}
	for _, p := range c.Periods {
		if p == period {
			return s.cfg.PeriodWeight
		}
	}
	return 0
}

// leastRecentlySent returns the candidate body whose last delivery is the
// oldest. Never-sent bodies sort first (should not happen when the filter
// was exhausted, but guards against a trimmed history).
func leastRecentlySent(pool []Candidate, lastSent map[string]time.Time) string {
	sorted := make([]Candidate, len(pool))
	copy(sorted, pool)
	sort.SliceStable(sorted, func(i, j int) bool {
		return lastSent[sorted[i].Body].Before(lastSent[sorted[j].Body])
	})
	return sorted[0].Body
}

// PeriodOf maps a wall-clock time to its time-period tag.
func PeriodOf(t time.Time) string {
	switch h := t.Hour(); {
	case h >= 5 && h < 12:
		return "morning"
	case h >= 12 && h < 18:
		return "afternoon"
	case h >= 18 && h < 23:
		return "evening"
	default:
		return "night"
	}
}
