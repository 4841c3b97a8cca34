package dispatcher

import (
	"sync"
	"time"
)

// PassKind names the two independent pass types.
type PassKind string

const (
	PassAlerts    PassKind = "alerts"
	PassPriceDrop PassKind = "price_drop"
)

// RuleState is the terminal state of one rule within a pass.
type RuleState string

const (
	RuleEvaluating  RuleState = "evaluating"
	RuleFiltering   RuleState = "filtering"
	RuleSending     RuleState = "sending"
	RuleCompleted   RuleState = "completed"
	RuleSkipped     RuleState = "skipped"
	RuleRateLimited RuleState = "rate_limited"
	RuleInterrupted RuleState = "interrupted"
	RuleFailed      RuleState = "failed"
)

// PassReport summarizes what one pass did.
type PassReport struct {
	Kind        PassKind          `json:"kind"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at"`
	Listings    int               `json:"listings"`
	Rules       map[RuleState]int `json:"rules"`
	Matches     int               `json:"matches"`
	Sent        int               `json:"sent"`
	Failed      int               `json:"failed"`
	Skipped     map[string]int    `json:"skipped"`
	Deferred    int               `json:"deferred"`
	Released    int               `json:"released"`
	Interrupted bool              `json:"interrupted"`
	Error       string            `json:"error,omitempty"`
}

// Duration is the wall time of the pass.
func (r *PassReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// passState accumulates counters from concurrent rule workers and holds the
// per-pass set of users who hit their daily cap.
type passState struct {
	mu      sync.Mutex
	report  PassReport
	blocked map[string]struct{}
}

func newPassState(kind PassKind, started time.Time) *passState {
	return &passState{
		report: PassReport{
			Kind:      kind,
			StartedAt: started,
			Rules:     make(map[RuleState]int),
			Skipped:   make(map[string]int),
		},
		blocked: make(map[string]struct{}),
	}
}

func (p *passState) ruleDone(state RuleState) {
	p.mu.Lock()
	p.report.Rules[state]++
	p.mu.Unlock()
}

func (p *passState) addMatches(n int) {
	p.mu.Lock()
	p.report.Matches += n
	p.mu.Unlock()
}

func (p *passState) sent() {
	p.mu.Lock()
	p.report.Sent++
	p.mu.Unlock()
}

func (p *passState) failed() {
	p.mu.Lock()
	p.report.Failed++
	p.mu.Unlock()
}

func (p *passState) skipped(reason string) {
	p.mu.Lock()
	p.report.Skipped[reason]++
	p.mu.Unlock()
}

func (p *passState) deferred() {
	p.mu.Lock()
	p.report.Deferred++
	p.mu.Unlock()
}

func (p *passState) released(n int) {
	p.mu.Lock()
	p.report.Released += n
	p.mu.Unlock()
}

func (p *passState) block(userID string) {
	p.mu.Lock()
	p.blocked[userID] = struct{}{}
	p.mu.Unlock()
}

func (p *passState) isBlocked(userID string) bool {
	p.mu.Lock()
	_, ok := p.blocked[userID]
	p.mu.Unlock()
	return ok
}

func (p *passState) finish(at time.Time, interrupted bool, err error) *PassReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.report.FinishedAt = at
	p.report.Interrupted = interrupted
	if err != nil {
		p.report.Error = err.Error()
	}
	out := p.report
	out.Rules = make(map[RuleState]int, len(p.report.Rules))
	for k, v := range p.report.Rules {
		out.Rules[k] = v
	}
	out.Skipped = make(map[string]int, len(p.report.Skipped))
	for k, v := range p.report.Skipped {
		out.Skipped[k] = v
	}
	return &out
}
