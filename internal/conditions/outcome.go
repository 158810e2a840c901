package conditions

// Outcome is the tri-state result of a condition evaluation. Waiting means
// a referenced form field has no usable value yet and the decision must be
// deferred rather than defaulted.
type Outcome int

const (
	OutcomeFalse Outcome = iota
	OutcomeTrue
	OutcomeWaiting
)

func (o Outcome) String() string {
	switch o {
	case OutcomeTrue:
		return "true"
	case OutcomeWaiting:
		return "waiting"
	default:
		return "false"
	}
}

// Result carries the evaluation outcome, the branch label to route on for
// decided outcomes, and the field keys that blocked a waiting outcome.
type Result struct {
	Outcome       Outcome
	Branch        string
	WaitingFields []string
}

// Waiting reports whether the evaluation is undecided.
func (r Result) Waiting() bool {
	return r.Outcome == OutcomeWaiting
}
