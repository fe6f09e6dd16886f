// Package router decides what an inbound message means: the next answer
// of an active conversation flow, a structured command, or free text for
// the NLU collaborator. The ordering guarantees a command-shaped message
// never breaks out of an in-progress flow, and an ambiguous message is
// never silently dropped.
package router

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

// Target says where an inbound message should be dispatched.
type Target string

const (
	// TargetFlow routes the text to the flow engine as an answer.
	TargetFlow Target = "flow"

	// TargetCommand routes the text to a structured command handler.
	TargetCommand Target = "command"

	// TargetFreeText hands the text to the free-text collaborator.
	TargetFreeText Target = "free_text"
)

// Decision is the ephemeral routing outcome. Not persisted.
type Decision struct {
	Target     Target
	Command    string
	Args       map[string]string
	Confidence float64
}

// FlowChecker reports whether the user has a conversation in progress.
type FlowChecker interface {
	Active(userID string) bool
}

// Classifier is the optional NLU collaborator consulted for ambiguous
// text. It must answer within the configured timeout or the router falls
// back to free text.
type Classifier interface {
	Classify(ctx context.Context, userID, text string) (command string, confidence float64, err error)
}

// Config holds router parameters.
type Config struct {
	// MinConfidence is the threshold above which a parse is treated as a
	// structured command without consulting the classifier.
	MinConfidence float64 `yaml:"min_confidence"`

	// ClassifierTimeout bounds the NLU consultation.
	ClassifierTimeout time.Duration `yaml:"classifier_timeout"`
}

// DefaultConfig returns fallback parameters.
func DefaultConfig() Config {
	return Config{
		MinConfidence:     0.8,
		ClassifierTimeout: 5 * time.Second,
	}
}

// cancelTokens break out of any flow and cancel it.
var cancelTokens = map[string]bool{
	"cancel": true, "stop": true, "quit": true, "nevermind": true, "never mind": true,
}

// skipTokens skip the current flow question.
var skipTokens = map[string]bool{
	"skip": true, "pass": true,
}

// pattern is one structured command matcher.
type pattern struct {
	command    string
	re         *regexp.Regexp
	confidence float64
}

// patterns are evaluated in order; the first strong match wins.
var patterns = []pattern{
	{"checkin", regexp.MustCompile(`^(start\s+)?check[-\s]?in$`), 1.0},
	{"status", regexp.MustCompile(`^(channel\s+)?status$`), 1.0},
	{"queue", regexp.MustCompile(`^queue(\s+(status|depth))?$`), 1.0},
	{"help", regexp.MustCompile(`^(help|what can you do)\??$`), 1.0},
	{"remind", regexp.MustCompile(`^remind me to (?P<task>.+?)(?: at (?P<time>.+))?$`), 0.9},
	{"history", regexp.MustCompile(`^(show\s+)?history$`), 0.9},
	// Weak matches: keyword somewhere in the text. Below MinConfidence,
	// so the classifier gets a say before these fire.
	{"checkin", regexp.MustCompile(`\bcheck[-\s]?in\b`), 0.5},
	{"status", regexp.MustCompile(`\bstatus\b`), 0.4},
}

// Router implements the routing decision.
type Router struct {
	cfg        Config
	flows      FlowChecker
	classifier Classifier
	logger     *slog.Logger
}

// New creates a router. The classifier may be nil, in which case ambiguous
// text goes straight to free text.
func New(flows FlowChecker, classifier Classifier, cfg Config, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultConfig().MinConfidence
	}
	if cfg.ClassifierTimeout <= 0 {
		cfg.ClassifierTimeout = DefaultConfig().ClassifierTimeout
	}

	return &Router{
		cfg:        cfg,
		flows:      flows,
		classifier: classifier,
		logger:     logger.With("component", "router"),
	}
}

// Route classifies one inbound message for a user.
func (r *Router) Route(ctx context.Context, userID, text string) Decision {
	normalized := strings.ToLower(strings.TrimSpace(text))

	// Universal tokens work even inside a flow.
	if cancelTokens[normalized] {
		return Decision{Target: TargetCommand, Command: "cancel", Confidence: 1.0}
	}

	if r.flows != nil && r.flows.Active(userID) {
		if skipTokens[normalized] {
			return Decision{Target: TargetCommand, Command: "skip", Confidence: 1.0}
		}
		return Decision{Target: TargetFlow, Confidence: 1.0}
	}

	cmd, args, conf := parseCommand(normalized)
	if conf >= r.cfg.MinConfidence {
		return Decision{Target: TargetCommand, Command: cmd, Args: args, Confidence: conf}
	}

	// Low but non-zero confidence: let the NLU collaborator break the
	// tie, bounded in time.
	if conf > 0 && r.classifier != nil {
		cctx, cancel := context.WithTimeout(ctx, r.cfg.ClassifierTimeout)
		defer cancel()

		nluCmd, nluConf, err := r.classifier.Classify(cctx, userID, text)
		if err != nil {
			r.logger.Warn("classifier unavailable, falling back to free text",
				"user", userID, "error", err)
			return Decision{Target: TargetFreeText, Confidence: conf}
		}
		if nluCmd != "" && nluConf >= r.cfg.MinConfidence {
			return Decision{Target: TargetCommand, Command: nluCmd, Args: args, Confidence: nluConf}
		}
	}

	return Decision{Target: TargetFreeText, Confidence: conf}
}

// parseCommand matches the text against the known command patterns and
// returns the best hit with any captured entities.
func parseCommand(text string) (string, map[string]string, float64) {
	var (
		bestCmd  string
		bestArgs map[string]string
		bestConf float64
	)

	for _, p := range patterns {
		m := p.re.FindStringSubmatch(text)
		if m == nil || p.confidence <= bestConf {
			continue
		}

		args := make(map[string]string)
		for i, name := range p.re.SubexpNames() {
			if name != "" && i < len(m) && m[i] != "" {
				args[name] = strings.TrimSpace(m[i])
			}
		}

		bestCmd, bestArgs, bestConf = p.command, args, p.confidence
	}

	return bestCmd, bestArgs, bestConf
}
