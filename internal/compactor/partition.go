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

package compactor

import "sort"

// Batch is one partition: a group of ids (and every op against them in
// the pulled window) that one MaterializeLogs task will fold together.
type Batch struct {
	IDs []string
	Ops map[string][]PositionedOp
}

// Partition groups ops by id, then greedily packs whole id-groups into
// batches of at most maxPartitionSize total ops (spec.md §4.3.1: "Group
// records by user-visible id... max_partition_size is a soft limit — a
// single id's run of operations is never split across partitions").
// Batches come back ordered by id so two compactions over the same
// window produce identical partitioning.
func Partition(ops []PositionedOp, maxPartitionSize int) []Batch {
	groups := make(map[string][]PositionedOp)
	for _, op := range ops {
		groups[op.Op.ID] = append(groups[op.Op.ID], op)
	}
	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if maxPartitionSize <= 0 {
		maxPartitionSize = len(ops)
		if maxPartitionSize == 0 {
			maxPartitionSize = 1
		}
	}

	var batches []Batch
	cur := Batch{Ops: make(map[string][]PositionedOp)}
	curSize := 0
	for _, id := range ids {
		g := groups[id]
		if curSize > 0 && curSize+len(g) > maxPartitionSize {
			batches = append(batches, cur)
			cur = Batch{Ops: make(map[string][]PositionedOp)}
			curSize = 0
		}
		cur.IDs = append(cur.IDs, id)
		cur.Ops[id] = g
		curSize += len(g)
	}
	if len(cur.IDs) > 0 {
		batches = append(batches, cur)
	}
	return batches
}
