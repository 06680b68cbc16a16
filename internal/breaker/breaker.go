/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package breaker implements the admission circuit breaker of spec.md
// §5: a concurrent-request ceiling in front of resource-intensive
// endpoints (pull_logs, blockfile flush, GC scans) that fails fast
// under saturation rather than queueing. Requests is the concurrent
// limit; zero disables the breaker entirely.
package breaker

import (
	"context"
	"errors"
)

// ErrSaturated is returned by Admit when the breaker is at capacity.
var ErrSaturated = errors.New("breaker: saturated, try again later")

// Breaker is a fail-fast admission gate, not a retrying/half-open
// circuit breaker: spec.md §5 asks only for "under saturation, fail
// fast" — there is no failure-rate tripping here, just a concurrency
// ceiling implemented as a buffered-channel semaphore.
type Breaker struct {
	slots chan struct{}
}

// New constructs a Breaker admitting at most requests concurrent
// callers. requests <= 0 disables the breaker: Admit always succeeds
// and Release is a no-op.
func New(requests int) *Breaker {
	if requests <= 0 {
		return &Breaker{}
	}
	return &Breaker{slots: make(chan struct{}, requests)}
}

// Disabled reports whether this breaker was constructed with
// requests <= 0.
func (b *Breaker) Disabled() bool {
	return b.slots == nil
}

// Admit attempts to acquire a slot without blocking, returning
// ErrSaturated immediately if none are free. Call Release when the
// guarded work completes.
func (b *Breaker) Admit() error {
	if b.slots == nil {
		return nil
	}
	select {
	case b.slots <- struct{}{}:
		return nil
	default:
		return ErrSaturated
	}
}

// AdmitWait acquires a slot, blocking until one is free or ctx is
// done. Used by callers that would rather queue briefly than fail the
// whole request (e.g. a background GC round, as opposed to a
// latency-sensitive push_logs call which should use Admit).
func (b *Breaker) AdmitWait(ctx context.Context) error {
	if b.slots == nil {
		return nil
	}
	select {
	case b.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a previously admitted slot.
func (b *Breaker) Release() {
	if b.slots == nil {
		return
	}
	<-b.slots
}

// InUse reports the number of currently admitted callers. Exposed for
// the admin status stream in cmd/corectl.
func (b *Breaker) InUse() int {
	if b.slots == nil {
		return 0
	}
	return len(b.slots)
}
