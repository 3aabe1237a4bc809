package recovery

import "time"

const (
	retryBaseDelay = 2 * time.Second
	retryMaxDelay  = 30 * time.Second
)

// RetryDelay returns the deterministic backoff before retry number attempt
// (1-based): base 2s doubled per prior attempt, capped at 30s.
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := retryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= retryMaxDelay {
			return retryMaxDelay
		}
	}
	if delay > retryMaxDelay {
		return retryMaxDelay
	}
	return delay
}

// DefaultFallbacks is the static primary-to-fallback agent mapping. Order is
// the order fallbacks are tried.
func DefaultFallbacks() map[string][]string {
	return map[string][]string{
		"coder":     {"reviewer", "architect"},
		"tester":    {"coder", "reviewer"},
		"reviewer":  {"architect"},
		"architect": {"reviewer"},
	}
}

// Advice is the policy's recommendation for one failure.
type Advice struct {
	Kind      Kind
	Strategy  Strategy
	Delay     time.Duration // set for retry
	Fallbacks []string      // set for fallback-agent
}

// Policy resolves failures into recovery advice.
type Policy struct {
	fallbacks map[string][]string
}

// NewPolicy creates a policy. A nil fallback map selects DefaultFallbacks.
func NewPolicy(fallbacks map[string][]string) *Policy {
	if fallbacks == nil {
		fallbacks = DefaultFallbacks()
	}
	return &Policy{fallbacks: fallbacks}
}

// Advise classifies errText and recommends a recovery action for the given
// agent and attempt number. A fallback recommendation with no configured
// fallback agents degrades to abort.
func (p *Policy) Advise(agentID string, attempt int, errText string) Advice {
	kind := Classify(errText)
	advice := Advice{Kind: kind, Strategy: StrategyFor(kind)}

	switch advice.Strategy {
	case StrategyRetry:
		advice.Delay = RetryDelay(attempt)
	case StrategyFallback:
		advice.Fallbacks = p.fallbacks[agentID]
		if len(advice.Fallbacks) == 0 {
			advice.Strategy = StrategyAbort
		}
	}
	return advice
}

// FallbacksFor returns the ordered fallback agents for a primary agent.
func (p *Policy) FallbacksFor(agentID string) []string {
	return p.fallbacks[agentID]
}
