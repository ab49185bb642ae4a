package endorse

import "strings"

// GroupedError collects related corpus problems and exposes them as a single
// error, so operators see every conflict in one load attempt instead of
// fixing them one at a time.
type GroupedError struct {
	// The prefix string returned by Error(), followed by the grouped errors.
	Prefix string
	Errors []error
}

func (gErr *GroupedError) Error() string {
	if len(gErr.Errors) == 0 {
		return "fatal: invalid GroupedError"
	}
	var sb strings.Builder
	for _, err := range gErr.Errors {
		sb.WriteString("\n")
		sb.WriteString(err.Error())
	}
	return gErr.Prefix + sb.String()
}

func (gErr *GroupedError) Unwrap() []error {
	return gErr.Errors
}

func createGroupedError(prefix string, errors []error) error {
	if len(errors) == 0 {
		return nil
	}
	return &GroupedError{Prefix: prefix, Errors: errors}
}
