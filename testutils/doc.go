// Package testutils provides testing utilities for the sievevm runtime.
//
// This package contains in-memory implementations of the capabilities a
// script execution reaches out to, plus helpers to build messages and run
// compiled programs in tests.
//
// Key components:
//   - MockMailStore: an in-memory mail store with transactional saves
//   - MockTransport: records outbound messages instead of sending them
//   - MockDuplicateTracker: an in-memory duplicate/vacation tracker
//
// Example usage:
//
//	import "github.com/migadu/sievevm/testutils"
//
//	func TestMyScript(t *testing.T) {
//		env := testutils.NewEnv()
//		msg := testutils.Message(t, testutils.SimpleMessage)
//		// Run a program against msg with env.Exec...
//	}
package testutils
