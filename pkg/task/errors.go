package task

import "fmt"

// ValidationError reports a CreateTask call with missing inputs. No writes
// happen when it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid task request: %s %s", e.Field, e.Reason)
}
