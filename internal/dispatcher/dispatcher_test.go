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

package dispatcher

import (
	"context"
	"testing"
)

func TestSubmitReturnsValue(t *testing.T) {
	p := New(2)
	defer p.Close()

	token := NewToken(context.Background())
	reply := Submit(p, token, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	r := <-reply
	if r.Err != nil || r.Value != 42 {
		t.Fatalf("expected (42, nil), got (%d, %v)", r.Value, r.Err)
	}
}

func TestSubmitAbortsOnCancelledToken(t *testing.T) {
	p := New(2)
	defer p.Close()

	token := NewToken(context.Background())
	token.Cancel()

	reply := Submit(p, token, func(ctx context.Context) (int, error) {
		t.Fatal("task must not run once its token is cancelled")
		return 0, nil
	})
	r := <-reply
	if r.Err != ErrAborted {
		t.Fatalf("expected ErrAborted, got %v", r.Err)
	}
}

func TestFanPreservesOrder(t *testing.T) {
	p := New(4)
	defer p.Close()

	token := NewToken(context.Background())
	items := []int{5, 1, 9, 3, 7}
	results := Fan(p, token, items, func(ctx context.Context, item int) (int, error) {
		return item * item, nil
	})
	for i, item := range items {
		if results[i].Value != item*item {
			t.Fatalf("index %d: expected %d, got %d", i, item*item, results[i].Value)
		}
	}
}
