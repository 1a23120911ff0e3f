package fillmask

import "github.com/pkg/errors"

// Errors returned by the service, always wrapped with more context: match them with errors.Is.
var (
	// ErrInvalidInput is returned for malformed requests: no or multiple mask placeholders,
	// invalid TopK values, empty target lists.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnknownToken is returned when a target word is not a single token of the vocabulary.
	ErrUnknownToken = errors.New("unknown token")

	// ErrDataNotFound is returned when a training or evaluation corpus can't be read, or holds
	// no examples.
	ErrDataNotFound = errors.New("data not found")

	// ErrInvalidConfig is returned for unknown model types and invalid or unknown arguments.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrModelLoad is returned when a model (weights, tokenizer or configuration) can't be loaded
	// or saved.
	ErrModelLoad = errors.New("failed to load model")
)

// wrapAs annotates err with the message and marks it as kind (one of the errors above),
// keeping err's own message and stack.
func wrapAs(kind, err error, format string, args ...any) error {
	return &kindError{kind: kind, cause: errors.WithMessagef(err, format, args...)}
}

// kindError associates a cause with one of the service error kinds.
type kindError struct {
	kind  error
	cause error
}

func (e *kindError) Error() string {
	return e.kind.Error() + ": " + e.cause.Error()
}

// Unwrap allows errors.Is to match both the kind and the original cause.
func (e *kindError) Unwrap() []error {
	return []error{e.kind, e.cause}
}
