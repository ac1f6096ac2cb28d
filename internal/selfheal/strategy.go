package selfheal

type Strategy string

const (
	StrategyNone            Strategy = "none"
	StrategySoftReset       Strategy = "soft_reset"
	StrategyHardReset       Strategy = "hard_reset"
	StrategyQueueRetry      Strategy = "queue_retry"
	StrategyOperatorRequest Strategy = "operator_request"
)

// Decision is the outcome of the strategy table for one failed attempt.
type Decision struct {
	Strategy Strategy
	// Terminal means the job fails now.
	Terminal bool
	// Retryable is only meaningful when Terminal is false and Strategy is
	// StrategyQueueRetry, or when Terminal is true: it becomes the job's
	// retryable flag.
	Retryable bool
	Reason    string
}

// Decide is the closed decision table mapping a classified failure and the
// remaining budgets to a recovery strategy.
//
// Deterministic policy and contract failures are never retried.
// Deterministic repo failures retry via hard reset only, while the
// no-progress budget holds. Stuck and transient failures soft reset while
// both the attempt and no-progress budgets hold, then hard reset, then
// surrender the job back to the queue as retryable.
func Decide(cfg Config, class FailureClass, st *StepAttemptState, canHardReset bool) Decision {
	cfg = cfg.normalized()
	switch class {
	case ClassDeterministicPolicy, ClassDeterministicContract:
		return Decision{Strategy: StrategyNone, Terminal: true, Retryable: false, Reason: "failure class forbids retry"}
	case ClassDeterministicRepo:
		if canHardReset && st.ConsecutiveNoProgress < cfg.NoProgressLimit {
			return Decision{Strategy: StrategyHardReset, Reason: "reproducible repo failure; rebuilding workspace"}
		}
		return Decision{Strategy: StrategyNone, Terminal: true, Retryable: false, Reason: "repo failure persisted across hard reset"}
	case ClassStuckNoProgress, ClassTransientRuntime:
		if st.AttemptsConsumed < cfg.StepMaxAttempts && st.ConsecutiveNoProgress < cfg.NoProgressLimit {
			return Decision{Strategy: StrategySoftReset, Reason: "retrying in the same workspace"}
		}
		if canHardReset {
			return Decision{Strategy: StrategyHardReset, Reason: "local budget exhausted; rebuilding workspace"}
		}
		return Decision{Strategy: StrategyQueueRetry, Retryable: true, Reason: "self-heal exhausted; surrendering to queue"}
	default:
		return Decision{Strategy: StrategyNone, Terminal: true, Retryable: false, Reason: "unknown failure class"}
	}
}
