package custom_errors

import (
	"errors"
	"strings"
)

// ValidationError collects every invalid option instead of stopping at the first one.
type ValidationError struct {
	Errors []error `json:"errors"`
}

func (c *ValidationError) Add(err error) {
	if err != nil {
		c.Errors = append(c.Errors, err)
	}
}

// Check records msg as an error when ok is false.
func (c *ValidationError) Check(ok bool, msg string) {
	if !ok {
		c.Errors = append(c.Errors, errors.New(msg))
	}
}

func (c *ValidationError) HasError() bool {
	return len(c.Errors) > 0
}

func (c *ValidationError) Error() string {
	if len(c.Errors) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(c.Errors))
	for _, err := range c.Errors {
		msgs = append(msgs, err.Error())
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (c *ValidationError) Unwrap() []error {
	return c.Errors
}
