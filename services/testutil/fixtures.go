package testutil

import (
	"fmt"

	"github.com/google/uuid"
)

const (
	DemoUserID   = "demo-user"
	TraderUserID = "trader-user"
)

// UniqueUserID returns a user id that will not collide with other test runs
// sharing the same database.
func UniqueUserID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}
