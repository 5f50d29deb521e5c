// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package queuectl

import (
	"testing"
	"time"
)

func TestExponentialBackoff(t *testing.T) {
	tests := []struct {
		base     int
		attempts int
		want     time.Duration
	}{
		{2, 0, 0},
		{2, 1, 2 * time.Second},
		{2, 2, 4 * time.Second},
		{2, 3, 8 * time.Second},
		{3, 1, 3 * time.Second},
		{3, 2, 9 * time.Second},
		{5, 3, 125 * time.Second},
	}
	for _, tt := range tests {
		fn := ExponentialBackoff(tt.base)
		if have, want := fn(tt.attempts), tt.want; have != want {
			t.Errorf("ExponentialBackoff(%d)(%d) = %v, want %v", tt.base, tt.attempts, have, want)
		}
	}
}

func TestExponentialBackoffRaisesSmallBases(t *testing.T) {
	fn := ExponentialBackoff(0)
	if have, want := fn(1), 2*time.Second; have != want {
		t.Errorf("ExponentialBackoff(0)(1) = %v, want %v", have, want)
	}
}
