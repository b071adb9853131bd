package app

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// NewInstanceID names this process for the locked_by column: the host name
// plus a random suffix, so two workers on one host stay distinguishable.
func NewInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "jobqueue"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
