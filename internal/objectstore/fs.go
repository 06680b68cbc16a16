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

package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FSStore is a local-filesystem-backed Store: the dev/test backend, and
// the on-disk half of the L2 evicting disk cache (§4.2.5). Conditional
// writes are emulated with an in-process lock around an existence or
// etag check followed by a write-and-rename, since a single local
// filesystem has no native etag concept.
type FSStore struct {
	root string
	mu   sync.Mutex
}

// NewFSStore roots a Store at dir, creating it if absent.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	return &FSStore{root: dir}, nil
}

func (f *FSStore) abs(path string) string {
	return filepath.Join(f.root, filepath.FromSlash(path))
}

func etagOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

func (f *FSStore) PutOpts(ctx context.Context, path string, data []byte, opts PutOpts) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	full := f.abs(path)
	if opts.IfNotExists {
		if _, err := os.Stat(full); err == nil {
			return "", ErrAlreadyExists
		}
	}
	if opts.IfMatchETag != "" {
		cur, err := f.headLocked(full)
		if err != nil && err != ErrNotFound {
			return "", err
		}
		if err == ErrNotFound || cur.ETag != opts.IfMatchETag {
			return "", ErrPreconditionFailed
		}
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", err
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, full); err != nil {
		return "", err
	}
	return etagOf(data), nil
}

func (f *FSStore) GetOpts(ctx context.Context, path string, opts GetOpts) ([]byte, error) {
	full := f.abs(path)
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if opts.RangeStart < 0 {
		return data, nil
	}
	end := opts.RangeEnd
	if end < 0 || end > int64(len(data)) {
		end = int64(len(data))
	}
	start := opts.RangeStart
	if start > int64(len(data)) {
		start = int64(len(data))
	}
	return data[start:end], nil
}

func (f *FSStore) headLocked(full string) (Metadata, error) {
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata{}, ErrNotFound
		}
		return Metadata{}, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{Path: full, Size: info.Size(), ETag: etagOf(data)}, nil
}

func (f *FSStore) Head(ctx context.Context, path string) (Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, err := f.headLocked(f.abs(path))
	if err == nil {
		m.Path = path
	}
	return m, err
}

func (f *FSStore) Delete(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := os.Remove(f.abs(path))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (f *FSStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var entries []Entry
	root := f.root
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel := strings.TrimPrefix(filepath.ToSlash(p), filepath.ToSlash(root)+"/")
		if strings.HasSuffix(rel, ".tmp") {
			return nil
		}
		if !strings.HasPrefix(rel, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, Entry{Path: rel, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (f *FSStore) CopyIfNotExists(ctx context.Context, src, dst string) error {
	data, err := f.GetOpts(ctx, src, NoRange)
	if err != nil {
		return err
	}
	_, err = f.PutOpts(ctx, dst, data, PutOpts{IfNotExists: true})
	if err == ErrAlreadyExists {
		return nil
	}
	return err
}

var _ io.Closer = (*Reader)(nil)
