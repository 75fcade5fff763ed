package db

import (
	"testing"

	"github.com/nalgeon/be"
)

func TestOperation(t *testing.T) {
	be.Equal(t, operation("\n  UPDATE mailbox_users SET x = 1"), "update")
	be.Equal(t, operation("select 1"), "select")
	be.Equal(t, operation("   "), "unknown")
}
