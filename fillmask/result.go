package fillmask

import "fmt"

// Prediction is a candidate word for the masked position and its probability, in [0, 1],
// among all tokens of the vocabulary.
type Prediction struct {
	Token string
	Score float64
}

// String implements fmt.Stringer.
func (p Prediction) String() string {
	return fmt.Sprintf("%q (%.4f)", p.Token, p.Score)
}

// EvalResult is the result of Handle.Eval.
type EvalResult struct {
	// Loss is the mean cross-entropy over the masked positions.
	Loss float64

	// Examples is the number of sequences evaluated, and MaskedTokens the number of positions
	// predicted in them.
	Examples     int
	MaskedTokens int
}
