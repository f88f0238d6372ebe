package dispatch_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain runs all tests in the dispatch_test package and checks for
// goroutine leaks after all tests complete. goleak sees only goroutines: a
// self-pipe that New opened and a test never released with Close is not
// detected here.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
