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

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadParsesByteSizes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	if err := os.WriteFile(path, []byte(`{"max_block_size":"16MiB","batch_size_bytes":"2MiB"}`), 0644); err != nil {
		t.Fatal(err)
	}
	if err := Load(path); err != nil {
		t.Fatal(err)
	}
	if got := MaxBlockSizeBytes(); got != 16<<20 {
		t.Fatalf("expected 16MiB, got %d", got)
	}
	if got := BatchSizeBytesBytes(); got != 2<<20 {
		t.Fatalf("expected 2MiB, got %d", got)
	}
}

func TestWatchAndReloadPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	if err := os.WriteFile(path, []byte(`{"breaker_requests":5}`), 0644); err != nil {
		t.Fatal(err)
	}
	if err := WatchAndReload(path); err != nil {
		t.Fatal(err)
	}
	if Settings.BreakerRequests != 5 {
		t.Fatalf("expected breaker_requests=5 after initial load, got %d", Settings.BreakerRequests)
	}
}
