// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package queuectl

import (
	"math"
	"time"
)

// BackoffFunc is a callback that returns the delay before a failed job
// becomes eligible for another execution. It is configurable via the
// SetBackoffFunc option on the manager. The attempts argument is the
// post-increment attempt count, i.e. 1 after the first failed execution.
type BackoffFunc func(attempts int) time.Duration

// ExponentialBackoff returns the default backoff function: base^attempts
// seconds. The first retry is delayed base^1 seconds, the second base^2,
// and so on. Bases below 2 are raised to 2.
func ExponentialBackoff(base int) BackoffFunc {
	if base < 2 {
		base = 2
	}
	return func(attempts int) time.Duration {
		if attempts <= 0 {
			return time.Duration(0)
		}
		return time.Duration(math.Pow(float64(base), float64(attempts))) * time.Second
	}
}
