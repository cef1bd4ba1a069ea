package locks

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain fails the package if a waiter goroutine outlives its test.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("testing.(*M).Run.func1"),
		goleak.IgnoreTopFunction("testing.tRunner"),
	)
}
