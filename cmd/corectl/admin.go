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

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vstorage/corestore/internal/compactor"
	"github.com/vstorage/corestore/internal/gcorchestrator"
)

// round is one line of the admin status stream: either a compaction
// or a GC pass just finished (or was skipped), pushed to every
// attached websocket client.
type round struct {
	Kind       string `json:"kind"` // "compaction" or "gc"
	At         int64  `json:"at_unix"`
	Skipped    bool   `json:"skipped,omitempty"`
	SkipReason string `json:"skip_reason,omitempty"`
	Detail     string `json:"detail,omitempty"`
	Err        string `json:"error,omitempty"`
	InUse      int    `json:"admitted"`
}

// statusHub fans out each round to every currently-connected admin
// websocket, dropping it for any client that can't keep up rather than
// blocking the compaction loop on a slow reader.
type statusHub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan round
}

func newStatusHub() *statusHub {
	return &statusHub{clients: make(map[*websocket.Conn]chan round)}
}

func (h *statusHub) add(c *websocket.Conn) chan round {
	ch := make(chan round, 16)
	h.mu.Lock()
	h.clients[c] = ch
	h.mu.Unlock()
	return ch
}

func (h *statusHub) remove(c *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *statusHub) publish(r round) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.clients {
		select {
		case ch <- r:
		default:
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (h *statusHub) handleStatus(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := h.add(conn)
	defer h.remove(conn)

	// drain client reads so a close is observed promptly; admins don't
	// send this connection anything.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for r := range ch {
		data, err := json.Marshal(r)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// runServe starts the admin HTTP server (status websocket at /status)
// and loops compaction and GC passes on their configured intervals
// until the process is killed.
func (n *node) runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", ":8089", "admin HTTP listen address")
	compactEvery := fs.Duration("compact-every", 30*time.Second, "interval between compaction attempts")
	gcEvery := fs.Duration("gc-every", time.Hour, "interval between GC passes")
	cutoffHours := fs.Float64("cutoff-hours", 72, "GC age cutoff in hours")
	minKeep := fs.Int("min-keep", 2, "GC newest-versions-always-kept count")
	minCompactionSize := fs.Int("min-size", 1, "minimum pending records before compacting")
	fs.Parse(args)

	hub := newStatusHub()
	mux := http.NewServeMux()
	mux.HandleFunc("/status", hub.handleStatus)

	go func() {
		ctx := context.Background()
		ticker := time.NewTicker(*compactEvery)
		defer ticker.Stop()
		for range ticker.C {
			res, err := n.doCompact(ctx, compactor.Config{
				Tenant:            n.tenant,
				CollectionID:      n.collectionID,
				MinCompactionSize: *minCompactionSize,
				CursorName:        "compaction",
				Writer:            "corectl-serve",
			})
			r := roundFromCompaction(res, err)
			r.InUse = n.compactor.InUse()
			hub.publish(r)
		}
	}()

	go func() {
		ctx := context.Background()
		ticker := time.NewTicker(*gcEvery)
		defer ticker.Stop()
		for range ticker.C {
			res, err := n.gc.Run(ctx, gcorchestrator.Config{
				CollectionID:      n.collectionID,
				CutoffHours:       *cutoffHours,
				MinVersionsToKeep: *minKeep,
			}, time.Now())
			r := roundFromGC(res, err)
			r.InUse = n.gc.InUse()
			hub.publish(r)
		}
	}()

	fmt.Println("corectl: admin status stream on", *addr, "(ws path /status)")
	if err := http.ListenAndServe(*addr, mux); err != nil {
		fmt.Println("corectl: serve:", err)
	}
}

func roundFromCompaction(res compactor.Result, err error) round {
	r := round{Kind: "compaction", At: time.Now().Unix()}
	if err != nil {
		r.Err = err.Error()
		return r
	}
	r.Skipped = res.Skipped
	r.SkipReason = res.SkipReason
	if !res.Skipped {
		r.Detail = fmt.Sprintf("materialized=%d new_log_offset=%d new_version=%d", res.MaterializedCount, res.NewLogOffset, res.NewCollectionVersion)
	}
	return r
}

func roundFromGC(res gcorchestrator.Result, err error) round {
	r := round{Kind: "gc", At: time.Now().Unix()}
	if err != nil {
		r.Err = err.Error()
		return r
	}
	r.Detail = fmt.Sprintf("deleted=%d retained=%d", len(res.Deleted), len(res.Retained))
	return r
}
