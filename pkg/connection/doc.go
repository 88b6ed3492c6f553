// Package connection owns the single wire connection to the robot.
//
// A Session moves between three states:
//
//	DISCONNECTED -> CONNECTING -> CONNECTED
//	      ^              |            |
//	      +--------------+------------+
//
// Connect is idempotent for the address currently being used and supersedes
// any attempt or connection to a different address. Every transition is
// delivered, in order, to listeners registered with OnStateChange; delivery
// happens on a dedicated goroutine and never while the session lock is held.
//
// # Reconnection
//
// Automatic reconnection is off by default. When enabled through
// ReconnectPolicy, an unexpected loss starts a bounded retry loop:
//
//  1. Wait Backoff.Next() (exponential with jitter)
//  2. Dial the last address
//  3. Stop after MaxAttempts failures and stay DISCONNECTED
//
// A successful connection resets the backoff. Connect or Disconnect from the
// caller cancels a running loop.
package connection
