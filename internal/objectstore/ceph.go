//go:build ceph

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

// Ceph/RADOS layout mirrors the S3 one: schema/manifest objects live at
// a fixed key, blocks and fragments live at content- or position-derived
// keys under the same prefix. Gated behind the "ceph" build tag, same as
// the teacher gates its RADOS backend, since it links against librados
// via cgo and most dev/CI environments don't have a cluster handy.
package objectstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/ceph/go-ceph/rados"
)

// CephConfig names the cluster, user, and pool to store objects in.
type CephConfig struct {
	UserName    string
	ClusterName string
	ConfFile    string
	Pool        string
	Prefix      string
}

// CephStore is a Store backed by a RADOS pool.
type CephStore struct {
	cfg CephConfig

	mu     sync.Mutex
	conn   *rados.Conn
	ioctx  *rados.IOContext
	opened bool
}

// NewCephStore constructs a Store against the given RADOS pool.
func NewCephStore(cfg CephConfig) *CephStore {
	return &CephStore{cfg: cfg}
}

func (s *CephStore) ensureOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil
	}

	conn, err := rados.NewConnWithClusterAndUser(s.cfg.ClusterName, s.cfg.UserName)
	if err != nil {
		return fmt.Errorf("objectstore: ceph conn: %w", err)
	}
	if s.cfg.ConfFile != "" {
		if err := conn.ReadConfigFile(s.cfg.ConfFile); err != nil {
			return fmt.Errorf("objectstore: ceph config: %w", err)
		}
	} else if err := conn.ReadDefaultConfigFile(); err != nil {
		return fmt.Errorf("objectstore: ceph default config: %w", err)
	}
	if err := conn.Connect(); err != nil {
		return fmt.Errorf("objectstore: ceph connect: %w", err)
	}
	ioctx, err := conn.OpenIOContext(s.cfg.Pool)
	if err != nil {
		conn.Shutdown()
		return fmt.Errorf("objectstore: ceph open pool %s: %w", s.cfg.Pool, err)
	}
	s.conn = conn
	s.ioctx = ioctx
	s.opened = true
	return nil
}

func (s *CephStore) obj(p string) string {
	pfx := strings.TrimSuffix(s.cfg.Prefix, "/")
	if pfx == "" {
		return p
	}
	return path.Join(pfx, p)
}

func etagBytes(data []byte) string {
	var h uint64 = 1469598103934665603
	for _, b := range data {
		h ^= uint64(b)
		h *= 1099511628211
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], h)
	return fmt.Sprintf("%x", buf)
}

func (s *CephStore) PutOpts(ctx context.Context, path string, data []byte, opts PutOpts) (string, error) {
	if err := s.ensureOpen(); err != nil {
		return "", err
	}
	obj := s.obj(path)

	if opts.IfNotExists {
		op := rados.CreateWriteOp()
		defer op.Release()
		op.Create(rados.CreateExclusive)
		op.WriteFull(data)
		if err := op.Operate(s.ioctx, obj); err != nil {
			return "", ErrAlreadyExists
		}
		return etagBytes(data), nil
	}

	if opts.IfMatchETag != "" {
		cur, err := s.Head(ctx, path)
		if err != nil && err != ErrNotFound {
			return "", err
		}
		if err == ErrNotFound || cur.ETag != opts.IfMatchETag {
			return "", ErrPreconditionFailed
		}
	}

	if err := s.ioctx.WriteFull(obj, data); err != nil {
		return "", fmt.Errorf("objectstore: ceph write %s: %w", path, err)
	}
	return etagBytes(data), nil
}

func (s *CephStore) GetOpts(ctx context.Context, path string, opts GetOpts) ([]byte, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	obj := s.obj(path)
	stat, err := s.ioctx.Stat(obj)
	if err != nil {
		return nil, ErrNotFound
	}
	start := uint64(0)
	size := stat.Size
	if opts.RangeStart >= 0 {
		start = uint64(opts.RangeStart)
		if opts.RangeEnd >= 0 {
			size = uint64(opts.RangeEnd - opts.RangeStart)
		} else {
			size = stat.Size - start
		}
	}
	data := make([]byte, size)
	n, err := s.ioctx.Read(obj, data, start)
	if err != nil {
		return nil, fmt.Errorf("objectstore: ceph read %s: %w", path, err)
	}
	return data[:n], nil
}

func (s *CephStore) Head(ctx context.Context, path string) (Metadata, error) {
	if err := s.ensureOpen(); err != nil {
		return Metadata{}, err
	}
	obj := s.obj(path)
	stat, err := s.ioctx.Stat(obj)
	if err != nil {
		return Metadata{}, ErrNotFound
	}
	data, err := s.GetOpts(context.Background(), path, NoRange)
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{Path: path, Size: int64(stat.Size), ETag: etagBytes(data)}, nil
}

func (s *CephStore) Delete(ctx context.Context, path string) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	err := s.ioctx.Delete(s.obj(path))
	if err != nil && err != rados.ErrNotFound {
		return fmt.Errorf("objectstore: ceph delete %s: %w", path, err)
	}
	return nil
}

func (s *CephStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	iter, err := s.ioctx.Iter()
	if err != nil {
		return nil, fmt.Errorf("objectstore: ceph iter: %w", err)
	}
	defer iter.Close()

	base := s.obj("")
	var entries []Entry
	for iter.Next() {
		name := iter.Value()
		rel := strings.TrimPrefix(name, base)
		if !strings.HasPrefix(rel, prefix) {
			continue
		}
		stat, err := s.ioctx.Stat(name)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{Path: rel, Size: int64(stat.Size)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (s *CephStore) CopyIfNotExists(ctx context.Context, src, dst string) error {
	data, err := s.GetOpts(ctx, src, NoRange)
	if err != nil {
		return err
	}
	_, err = s.PutOpts(ctx, dst, data, PutOpts{IfNotExists: true})
	if err == ErrAlreadyExists {
		return nil
	}
	return err
}
