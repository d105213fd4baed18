// Package testutil carries small helpers shared by tests.
package testutil

import (
	"time"
)

type testFn func() (bool, error)
type errorFn func(error)

// WaitForResult polls test every 10ms until it succeeds, calling onError
// with the last error after 10 seconds of failure.
func WaitForResult(test testFn, onError errorFn) {
	WaitForResultRetries(1000, test, onError)
}

// WaitForResultRetries is WaitForResult with an explicit retry budget.
func WaitForResultRetries(retries int, test testFn, onError errorFn) {
	for retries > 0 {
		time.Sleep(10 * time.Millisecond)
		retries--

		success, err := test()
		if success {
			return
		}

		if retries == 0 {
			onError(err)
		}
	}
}
