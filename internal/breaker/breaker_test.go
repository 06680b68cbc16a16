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

package breaker

import "testing"

func TestZeroDisablesBreaker(t *testing.T) {
	b := New(0)
	if !b.Disabled() {
		t.Fatal("expected requests<=0 to disable the breaker")
	}
	for i := 0; i < 100; i++ {
		if err := b.Admit(); err != nil {
			t.Fatalf("disabled breaker must never refuse admission, got %v", err)
		}
	}
}

func TestBreakerFailsFastWhenSaturated(t *testing.T) {
	b := New(2)
	if err := b.Admit(); err != nil {
		t.Fatal(err)
	}
	if err := b.Admit(); err != nil {
		t.Fatal(err)
	}
	if err := b.Admit(); err != ErrSaturated {
		t.Fatalf("expected ErrSaturated, got %v", err)
	}
	b.Release()
	if err := b.Admit(); err != nil {
		t.Fatalf("expected a freed slot to admit, got %v", err)
	}
}

func TestInUseTracksAdmittedCallers(t *testing.T) {
	b := New(3)
	b.Admit()
	b.Admit()
	if got := b.InUse(); got != 2 {
		t.Fatalf("expected InUse=2, got %d", got)
	}
	b.Release()
	if got := b.InUse(); got != 1 {
		t.Fatalf("expected InUse=1 after release, got %d", got)
	}
}
