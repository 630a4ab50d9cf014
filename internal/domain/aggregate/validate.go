package aggregate

import "fmt"

// ValidationError describes one failed rule.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validator is implemented by aggregates that check their own state before
// every save. A non-empty result aborts the save without writing.
type Validator interface {
	Validate() []ValidationError
}
