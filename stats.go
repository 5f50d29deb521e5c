// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package queuectl

// Stats returns the number of jobs per state.
type Stats struct {
	Pending    int `json:"pending"`    // jobs waiting for their first or next execution
	Processing int `json:"processing"` // jobs currently claimed by a worker
	Completed  int `json:"completed"`  // jobs that finished successfully
	Failed     int `json:"failed"`     // jobs waiting out their retry backoff
	Dead       int `json:"dead"`       // jobs in the dead letter queue
}

// Total returns the number of jobs across all states.
func (s *Stats) Total() int {
	return s.Pending + s.Processing + s.Completed + s.Failed + s.Dead
}

// Add increments the counter of the given state. Unknown states are ignored.
func (s *Stats) Add(state string, n int) {
	switch state {
	case Pending:
		s.Pending += n
	case Processing:
		s.Processing += n
	case Completed:
		s.Completed += n
	case Failed:
		s.Failed += n
	case Dead:
		s.Dead += n
	}
}
