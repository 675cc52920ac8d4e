package rules

import (
	"sync"
	"time"

	"github.com/wyatt727/fartlooper/pkg/logging"
)

// DefaultCooldown is the refire guard: a fired rule stays quiet until
// its match transitions false->true again or this much time passes.
// Flaky WiFi reconnects otherwise cause blast storms.
const DefaultCooldown = 60 * time.Second

// Evaluator runs rule passes against network/time snapshots.
type Evaluator struct {
	logger   logging.Logger
	clock    Clock
	cooldown time.Duration

	mu        sync.Mutex
	rules     []Rule
	lastMatch map[string]bool
	lastFired map[string]time.Time
}

// NewEvaluator creates an evaluator with the given clock.
func NewEvaluator(logger logging.Logger, clock Clock) *Evaluator {
	if clock == nil {
		clock = SystemClock()
	}
	return &Evaluator{
		logger:    logger,
		clock:     clock,
		cooldown:  DefaultCooldown,
		lastMatch: make(map[string]bool),
		lastFired: make(map[string]time.Time),
	}
}

// SetCooldown overrides the refire cooldown (tests).
func (e *Evaluator) SetCooldown(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cooldown = d
}

// SetRules replaces the rule set, preserving debounce state for rules
// that keep their IDs across a reload.
func (e *Evaluator) SetRules(rules []Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = rules

	keep := make(map[string]bool, len(rules))
	for _, r := range rules {
		keep[r.ID] = true
	}
	for id := range e.lastMatch {
		if !keep[id] {
			delete(e.lastMatch, id)
		}
	}
	for id := range e.lastFired {
		if !keep[id] {
			delete(e.lastFired, id)
		}
	}
}

// Rules returns a copy of the current rule set.
func (e *Evaluator) Rules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// ShouldBlast runs one evaluation pass. Rules are tried in persisted
// order; the pass matches the first enabled rule and fires at most one
// blast. Returns the fired rule's action and id.
func (e *Evaluator) ShouldBlast(ctx EvaluationContext) (*BlastAction, string, bool) {
	if ctx.Now.IsZero() {
		ctx.Now = e.clock.Now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		fired   *BlastAction
		firedID string
		decided bool
	)

	for i := range e.rules {
		r := &e.rules[i]
		if !r.Enabled {
			continue
		}
		matched := r.MatchesAll(ctx)
		wasMatched := e.lastMatch[r.ID]
		e.lastMatch[r.ID] = matched

		if !matched || decided {
			continue
		}
		// First enabled match decides the pass, fire or not.
		decided = true

		if wasMatched {
			last, everFired := e.lastFired[r.ID]
			if everFired && ctx.Now.Sub(last) < e.cooldown {
				e.logger.WithFields(logging.Fields{
					"rule": r.ID,
				}).Debug("Rule match debounced")
				continue
			}
		}

		now := ctx.Now
		e.lastFired[r.ID] = now
		// last_triggered is monotonic per rule.
		if r.LastTriggered == nil || now.After(*r.LastTriggered) {
			ts := now
			r.LastTriggered = &ts
		}

		action := r.Action
		fired = &action
		firedID = r.ID
		e.logger.WithFields(logging.Fields{
			"rule":   r.ID,
			"name":   r.Name,
			"action": action.Type,
		}).Info("Rule fired")
	}

	return fired, firedID, fired != nil
}
