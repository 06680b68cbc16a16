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

package blockstore

import "testing"

func key(s string) CompositeKey {
	return CompositeKey{Prefix: "p", Key: TextKey(s)}
}

func val(s string) Value {
	return Value{Type: ValueBytes, Bytes: []byte(s)}
}

func TestOrderedDeltaAddOverParent(t *testing.T) {
	parent, err := NewBlock(KeyText, ValueBytes, []Row{
		{Key: key("a"), Value: val("1")},
		{Key: key("c"), Value: val("3")},
		{Key: key("e"), Value: val("5")},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	d := NewOrderedDelta(parent)
	d.Add(key("b"), val("2"))
	d.Add(key("d"), val("4"))

	blk, err := d.Finish(KeyText, ValueBytes, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(blk.Rows) != 5 {
		t.Fatalf("expected 5 rows, got %d", len(blk.Rows))
	}
	for i, want := range []string{"a", "b", "c", "d", "e"} {
		got := string(blk.Rows[i].Key.Key.Bytes)
		if got != want {
			t.Fatalf("row %d: want %q got %q", i, want, got)
		}
	}
}

func TestOrderedDeltaOverwrite(t *testing.T) {
	parent, _ := NewBlock(KeyText, ValueBytes, []Row{
		{Key: key("a"), Value: val("1")},
		{Key: key("b"), Value: val("2")},
	}, nil)

	d := NewOrderedDelta(parent)
	d.Add(key("b"), val("new"))

	blk, err := d.Finish(KeyText, ValueBytes, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(blk.Rows) != 2 {
		t.Fatalf("expected 2 rows after overwrite, got %d", len(blk.Rows))
	}
	row, ok := blk.Find(key("b"))
	if !ok || string(row.Value.Bytes) != "new" {
		t.Fatalf("expected overwritten value, got %+v", row)
	}
}

func TestOrderedDeltaDelete(t *testing.T) {
	parent, _ := NewBlock(KeyText, ValueBytes, []Row{
		{Key: key("a"), Value: val("1")},
		{Key: key("b"), Value: val("2")},
		{Key: key("c"), Value: val("3")},
	}, nil)

	d := NewOrderedDelta(parent)
	d.Delete(key("b"))

	blk, err := d.Finish(KeyText, ValueBytes, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(blk.Rows) != 2 {
		t.Fatalf("expected 2 rows after delete, got %d", len(blk.Rows))
	}
	if _, ok := blk.Find(key("b")); ok {
		t.Fatalf("expected b to be gone")
	}
}

func TestUnorderedDeltaRandomOrder(t *testing.T) {
	d := NewUnorderedDelta(nil)
	d.Add(key("z"), val("26"))
	d.Add(key("a"), val("1"))
	d.Add(key("m"), val("13"))
	d.Delete(key("a"))

	blk, err := d.Finish(KeyText, ValueBytes, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(blk.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(blk.Rows))
	}
	if string(blk.Rows[0].Key.Key.Bytes) != "m" || string(blk.Rows[1].Key.Key.Bytes) != "z" {
		t.Fatalf("unexpected order: %+v", blk.Rows)
	}
}

func TestDeltaSplitPreservesTotalRows(t *testing.T) {
	d := NewUnorderedDelta(nil)
	for _, k := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		d.Add(key(k), val(k))
	}
	before := d.Size()

	_, rhs := d.Split(before / 2)

	lhsBlk, err := d.Finish(KeyText, ValueBytes, nil)
	if err != nil {
		t.Fatal(err)
	}
	rhsBlk, err := rhs.Finish(KeyText, ValueBytes, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(lhsBlk.Rows)+len(rhsBlk.Rows) != 8 {
		t.Fatalf("split lost rows: lhs=%d rhs=%d", len(lhsBlk.Rows), len(rhsBlk.Rows))
	}
	if len(lhsBlk.Rows) == 0 {
		t.Fatalf("split left the current block empty")
	}
	if lhsBlk.Rows[len(lhsBlk.Rows)-1].Key.Compare(rhsBlk.Rows[0].Key) >= 0 {
		t.Fatalf("split halves overlap: lhs tail %+v, rhs head %+v", lhsBlk.Rows[len(lhsBlk.Rows)-1], rhsBlk.Rows[0])
	}
}
