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

package wal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/vstorage/corestore/internal/objectstore"
	"github.com/vstorage/corestore/internal/setsum"
)

// ErrCannotApplyFragment is returned by ApplyFragment when the
// candidate fragment does not abut the manifest's tail.
var ErrCannotApplyFragment = errors.New("wal: fragment does not abut manifest tail")

// ErrLogFull is returned by AssignTimestamp when the position space is
// exhausted.
var ErrLogFull = errors.New("wal: log is full")

// ErrManifestContention is returned when a conditional-put to the
// manifest pointer loses a race; callers re-read and retry.
var ErrManifestContention = errors.New("wal: manifest pointer contention")

// Snapshot recursively summarizes fragments (§3). Depth-1 snapshots
// contain only fragments; depth d>1 contains only depth (d-1)
// snapshots.
type Snapshot struct {
	Depth     int        `json:"depth"`
	Start     Position   `json:"start"`
	Limit     Position   `json:"limit"`
	NumBytes  uint64     `json:"num_bytes"`
	Writer    string     `json:"writer"`
	Setsum    setsum.T   `json:"setsum"`
	Snapshots []Snapshot `json:"snapshots,omitempty"`
	Fragments []Fragment `json:"fragments,omitempty"`
	// Path is the object key this snapshot is persisted under, once
	// written as its own object (so it can be referenced from a parent
	// snapshot or dropped independently during GC).
	Path string `json:"path,omitempty"`
}

// snapshotBody is the externalized payload of a snapshot object: the
// depth-1 fragment list, or the depth>1 child snapshot list, that the
// manifest itself only references by Path plus summary stats (§6's
// on-storage layout puts snapshots at "snapshot/<uuid>", same spirit as
// a fragment's body living apart from its manifest-resident Fragment).
type snapshotBody struct {
	Fragments []Fragment `json:"fragments,omitempty"`
	Snapshots []Snapshot `json:"snapshots,omitempty"`
}

// SnapshotPath is the object key a snapshot with the given id is stored
// under.
func SnapshotPath(id uuid.UUID) string {
	return "snapshot/" + id.String()
}

// writeSnapshotObject persists snap's body (its Fragments or child
// Snapshots, whichever is populated) as its own object and rewrites
// snap in place to a bare reference: Path set, body cleared. A snap
// with no body (both lists empty, e.g. a fully-collected rewrite) is
// left alone with no Path.
func writeSnapshotObject(ctx context.Context, store objectstore.Store, snap *Snapshot) error {
	if len(snap.Fragments) == 0 && len(snap.Snapshots) == 0 {
		return nil
	}
	raw, err := json.Marshal(snapshotBody{Fragments: snap.Fragments, Snapshots: snap.Snapshots})
	if err != nil {
		return fmt.Errorf("wal: encode snapshot body: %w", err)
	}
	path := SnapshotPath(uuid.New())
	if _, err := objectstore.Put(ctx, store, path, raw); err != nil {
		return fmt.Errorf("wal: write snapshot %s: %w", path, err)
	}
	snap.Path = path
	snap.Fragments = nil
	snap.Snapshots = nil
	return nil
}

// loadSnapshotBody resolves s's Fragments or Snapshots, fetching its
// externalized object when s.Path is set. A snapshot still being
// assembled in memory (no Path yet) returns its inline lists as-is.
func loadSnapshotBody(ctx context.Context, store objectstore.Store, s Snapshot) ([]Fragment, []Snapshot, error) {
	if s.Path == "" {
		return s.Fragments, s.Snapshots, nil
	}
	raw, err := objectstore.Get(ctx, store, s.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("wal: read snapshot %s: %w", s.Path, err)
	}
	var body snapshotBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, nil, fmt.Errorf("wal: decode snapshot %s: %w", s.Path, err)
	}
	return body.Fragments, body.Snapshots, nil
}

// Manifest is the root description of a log (§3).
type Manifest struct {
	Writer             string     `json:"writer"`
	AccBytes           uint64     `json:"acc_bytes"`
	Setsum             setsum.T   `json:"setsum"`
	Collected          setsum.T   `json:"collected"`
	Snapshots          []Snapshot `json:"snapshots"`
	Fragments          []Fragment `json:"fragments"`
	NextWriteTimestamp Position   `json:"next_write_timestamp"`
	NextFragmentSeqNo  uint64     `json:"next_fragment_seq_no"`
}

// OldestTimestamp returns the oldest position still retained by the
// manifest.
func (m *Manifest) OldestTimestamp() Position {
	if len(m.Snapshots) > 0 {
		return m.Snapshots[0].Start
	}
	if len(m.Fragments) > 0 {
		return m.Fragments[0].Start
	}
	return m.NextWriteTimestamp
}

// NewestTimestamp returns the manifest's next-write position, i.e. the
// exclusive upper bound of everything it contains.
func (m *Manifest) NewestTimestamp() Position {
	return m.NextWriteTimestamp
}

func cloneManifest(m *Manifest) *Manifest {
	raw, _ := json.Marshal(m)
	var c Manifest
	_ = json.Unmarshal(raw, &c)
	return &c
}

// Scrub checks the manifest's tiling, setsum fold, and ordering
// invariants (§4.1.2, §8's "Manifest tiling" property).
func (m *Manifest) Scrub() error {
	cursor := m.OldestTimestamp()
	sum := setsum.T{}

	for i, s := range m.Snapshots {
		if s.Start != cursor {
			return fmt.Errorf("wal: scrub: snapshot %d starts at %d, expected %d", i, s.Start, cursor)
		}
		if s.Start >= s.Limit {
			return fmt.Errorf("wal: scrub: snapshot %d has empty or inverted range", i)
		}
		cursor = s.Limit
		sum = sum.Add(s.Setsum)
	}
	for i, f := range m.Fragments {
		if f.Start != cursor {
			return fmt.Errorf("wal: scrub: fragment %d starts at %d, expected %d", i, f.Start, cursor)
		}
		if f.Start >= f.Limit {
			return fmt.Errorf("wal: scrub: fragment %d has empty or inverted range", i)
		}
		cursor = f.Limit
		sum = sum.Add(f.Setsum)
	}
	if cursor != m.NextWriteTimestamp {
		return fmt.Errorf("wal: scrub: tiling ends at %d, expected next_write_timestamp %d", cursor, m.NextWriteTimestamp)
	}
	if !sum.Equal(m.Setsum) {
		return fmt.Errorf("wal: scrub: setsum fold %s does not match manifest setsum %s", sum, m.Setsum)
	}
	for _, f := range m.Fragments {
		if f.SeqNo >= m.NextFragmentSeqNo {
			return fmt.Errorf("wal: scrub: fragment seq_no %d not below next_fragment_seq_no %d", f.SeqNo, m.NextFragmentSeqNo)
		}
	}
	return nil
}

// RolloverPolicy configures when ManifestManager folds tail fragments
// into snapshots and adjacent snapshots into deeper ones.
type RolloverPolicy struct {
	FragmentRolloverThreshold int
	SnapshotRolloverThreshold int
}

// DefaultRolloverPolicy matches the thresholds used in the spec's own
// worked examples.
var DefaultRolloverPolicy = RolloverPolicy{FragmentRolloverThreshold: 2, SnapshotRolloverThreshold: 2}

// manifestPointerPath is the conditional-create/update pointer object
// whose etag linearizes manifest writers (§4.1.3's "manifest update
// uses conditional-put on an object-store object whose etag is its
// version").
const manifestPointerPath = "log/manifest/pointer"

func manifestVersionPath(id uuid.UUID) string {
	return "log/manifest/v/" + id.String()
}

// ManifestManager is the single source of truth about log contents: it
// owns the current Manifest under an internal lock and linearizes
// updates through conditional-put on the pointer object (§5's "shared-
// resource policy").
type ManifestManager struct {
	store objectstore.Store

	mu       sync.Mutex
	current  *Manifest
	pointerE string // etag of the pointer object, for conditional updates
	writer   string

	// reserved/reservedSeq track positions and fragment seq numbers
	// handed out by AssignTimestamp ahead of any persisted commit: a
	// reservation is pure in-memory bookkeeping (no object-store round
	// trip), while ApplyFragment is what actually persists the
	// manifest's next_write_timestamp once the fragment is durable.
	// Concurrent reservations can race ahead of what's been applied;
	// ApplyFragment validates against the persisted tail, not the
	// reservation counter.
	reserved    Position
	reservedSeq uint64
}

// NewManifestManager bootstraps a brand new, empty manifest and writes
// its first version and pointer.
func NewManifestManager(ctx context.Context, store objectstore.Store, writer string) (*ManifestManager, error) {
	m := &Manifest{
		Writer:             writer,
		NextWriteTimestamp: 1,
		NextFragmentSeqNo:  0,
	}
	mgr := &ManifestManager{store: store, current: m, writer: writer, reserved: m.NextWriteTimestamp, reservedSeq: m.NextFragmentSeqNo}
	if err := mgr.persistInitial(ctx, m); err != nil {
		return nil, err
	}
	return mgr, nil
}

// OpenManifestManager loads the latest manifest version via the
// pointer object.
func OpenManifestManager(ctx context.Context, store objectstore.Store, writer string) (*ManifestManager, error) {
	m, etag, err := loadLatestManifest(ctx, store)
	if err != nil {
		return nil, err
	}
	return &ManifestManager{store: store, current: m, pointerE: etag, writer: writer, reserved: m.NextWriteTimestamp, reservedSeq: m.NextFragmentSeqNo}, nil
}

func loadLatestManifest(ctx context.Context, store objectstore.Store) (*Manifest, string, error) {
	meta, err := store.Head(ctx, manifestPointerPath)
	if err != nil {
		return nil, "", fmt.Errorf("wal: load manifest pointer: %w", err)
	}
	ptrData, err := objectstore.Get(ctx, store, manifestPointerPath)
	if err != nil {
		return nil, "", fmt.Errorf("wal: load manifest pointer: %w", err)
	}
	versionPath := string(ptrData)
	data, err := objectstore.Get(ctx, store, versionPath)
	if err != nil {
		return nil, "", fmt.Errorf("wal: load manifest version %s: %w", versionPath, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, "", fmt.Errorf("wal: decode manifest %s: %w", versionPath, err)
	}
	return &m, meta.ETag, nil
}

func (mgr *ManifestManager) persistInitial(ctx context.Context, m *Manifest) error {
	versionID := uuid.New()
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if _, err := objectstore.Put(ctx, mgr.store, manifestVersionPath(versionID), raw); err != nil {
		return fmt.Errorf("wal: write initial manifest version: %w", err)
	}
	etag, err := mgr.store.PutOpts(ctx, manifestPointerPath, []byte(manifestVersionPath(versionID)), objectstore.PutOpts{IfNotExists: true})
	if err != nil {
		return fmt.Errorf("wal: create manifest pointer: %w", err)
	}
	mgr.pointerE = etag
	return nil
}

// commit conditionally advances the pointer to a new manifest version.
// On conditional-put failure it returns ErrManifestContention and
// leaves mgr.current untouched so the caller can reload and retry.
func (mgr *ManifestManager) commit(ctx context.Context, next *Manifest) error {
	versionID := uuid.New()
	raw, err := json.Marshal(next)
	if err != nil {
		return err
	}
	if _, err := objectstore.Put(ctx, mgr.store, manifestVersionPath(versionID), raw); err != nil {
		return fmt.Errorf("wal: write manifest version: %w", err)
	}
	etag, err := mgr.store.PutOpts(ctx, manifestPointerPath, []byte(manifestVersionPath(versionID)), objectstore.PutOpts{IfMatchETag: mgr.pointerE})
	if err != nil {
		if err == objectstore.ErrPreconditionFailed {
			return ErrManifestContention
		}
		return fmt.Errorf("wal: advance manifest pointer: %w", err)
	}
	mgr.current = next
	mgr.pointerE = etag
	return nil
}

// Reload re-reads the latest manifest version, used after losing a
// conditional-put race.
func (mgr *ManifestManager) Reload(ctx context.Context) error {
	m, etag, err := loadLatestManifest(ctx, mgr.store)
	if err != nil {
		return err
	}
	mgr.mu.Lock()
	mgr.current = m
	mgr.pointerE = etag
	mgr.mu.Unlock()
	return nil
}

// Current returns a snapshot of the manifest currently believed
// current. Callers must not mutate the returned value.
func (mgr *ManifestManager) Current() *Manifest {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return mgr.current
}

// AssignTimestamp reserves n contiguous positions and a fragment seq
// number. This is pure in-memory bookkeeping: it does not touch the
// object store, since multiple writers may race ahead reserving ranges
// before any of their fragments are durable. ApplyFragment is what
// actually persists the manifest, once the caller has written the
// fragment object.
func (mgr *ManifestManager) AssignTimestamp(ctx context.Context, n uint64) (Position, uint64, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if mgr.reserved+n < mgr.reserved {
		return 0, 0, ErrLogFull
	}
	first := mgr.reserved
	seqNo := mgr.reservedSeq
	mgr.reserved += n
	mgr.reservedSeq++
	return first, seqNo, nil
}

// ApplyFragment splices frag at the tail if it abuts
// next_write_timestamp (already reserved by AssignTimestamp) and has
// the expected seq_no.
func (mgr *ManifestManager) ApplyFragment(ctx context.Context, frag Fragment) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if frag.Start != mgr.current.NextWriteTimestamp || frag.SeqNo != mgr.current.NextFragmentSeqNo {
		return ErrCannotApplyFragment
	}

	next := cloneManifest(mgr.current)
	next.Fragments = append(next.Fragments, frag)
	next.NextWriteTimestamp = frag.Limit
	next.NextFragmentSeqNo = frag.SeqNo + 1
	next.AccBytes += frag.NumBytes
	next.Setsum = next.Setsum.Add(frag.Setsum)
	return mgr.commit(ctx, next)
}

// GenerateSnapshot rolls up tail fragments into a depth-1 snapshot once
// their count reaches policy.FragmentRolloverThreshold, and folds
// adjacent depth-d snapshots into depth-(d+1) ones once their count
// reaches policy.SnapshotRolloverThreshold.
func (mgr *ManifestManager) GenerateSnapshot(ctx context.Context, policy RolloverPolicy) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	next := cloneManifest(mgr.current)

	changed := false
	for len(next.Fragments) >= policy.FragmentRolloverThreshold {
		batch := next.Fragments[:policy.FragmentRolloverThreshold]
		rest := next.Fragments[policy.FragmentRolloverThreshold:]
		snap := Snapshot{
			Depth:  1,
			Start:  batch[0].Start,
			Limit:  batch[len(batch)-1].Limit,
			Writer: next.Writer,
		}
		for _, f := range batch {
			snap.NumBytes += f.NumBytes
			snap.Setsum = snap.Setsum.Add(f.Setsum)
			snap.Fragments = append(snap.Fragments, f)
		}
		if err := writeSnapshotObject(ctx, mgr.store, &snap); err != nil {
			return err
		}
		next.Snapshots = append(next.Snapshots, snap)
		next.Fragments = rest
		changed = true
	}

	for depth := 1; depth <= 8; depth++ {
		folded, err := foldSnapshotRun(ctx, mgr.store, next, depth, policy.SnapshotRolloverThreshold)
		if err != nil {
			return err
		}
		if !folded {
			break
		}
		changed = true
	}

	if !changed {
		return nil
	}
	return mgr.commit(ctx, next)
}

// Copy creates a brand new log in dstStore holding exactly the
// snapshots and fragments src's manifest currently has. src's manifest
// is cloned under src's mu, the lock ApplyFragment commits under, so
// the copy sees src either wholly before or wholly after any one
// append; the destination write happens after that lock is released.
// Fragments and snapshots are
// immutable once written, so the destination manifest can reference
// the very same underlying objects without copying any bytes; only
// the manifest pointer and its first version are new.
func Copy(ctx context.Context, src *ManifestManager, dstStore objectstore.Store, writer string) (*ManifestManager, error) {
	src.mu.Lock()
	snap := cloneManifest(src.current)
	src.mu.Unlock()

	dst := &Manifest{
		Writer:             writer,
		AccBytes:           snap.AccBytes,
		Setsum:             snap.Setsum,
		Collected:          setsum.T{},
		Snapshots:          snap.Snapshots,
		Fragments:          snap.Fragments,
		NextWriteTimestamp: snap.NextWriteTimestamp,
		NextFragmentSeqNo:  snap.NextFragmentSeqNo,
	}
	mgr := &ManifestManager{
		store:       dstStore,
		current:     dst,
		writer:      writer,
		reserved:    dst.NextWriteTimestamp,
		reservedSeq: dst.NextFragmentSeqNo,
	}
	if err := mgr.persistInitial(ctx, dst); err != nil {
		return nil, err
	}
	return mgr, nil
}

// foldSnapshotRun folds the first run of threshold-or-more consecutive
// depth-d snapshots into one depth-(d+1) snapshot, if such a run
// exists, persisting the new snapshot's body (the group of Path-bearing
// child headers) as its own object before splicing it in. Returns
// whether it folded anything; callers loop until a pass finds nothing
// left to fold at that depth.
func foldSnapshotRun(ctx context.Context, store objectstore.Store, m *Manifest, depth, threshold int) (bool, error) {
	runStart := -1
	for i := 0; i < len(m.Snapshots); i++ {
		if m.Snapshots[i].Depth != depth {
			runStart = -1
			continue
		}
		if runStart < 0 {
			runStart = i
		}
		if i-runStart+1 < threshold {
			continue
		}
		group := append([]Snapshot{}, m.Snapshots[runStart:i+1]...)
		folded := Snapshot{
			Depth:  depth + 1,
			Start:  group[0].Start,
			Limit:  group[len(group)-1].Limit,
			Writer: m.Writer,
		}
		for _, g := range group {
			folded.NumBytes += g.NumBytes
			folded.Setsum = folded.Setsum.Add(g.Setsum)
			folded.Snapshots = append(folded.Snapshots, g)
		}
		if err := writeSnapshotObject(ctx, store, &folded); err != nil {
			return false, err
		}
		replaced := append([]Snapshot{}, m.Snapshots[:runStart]...)
		replaced = append(replaced, folded)
		replaced = append(replaced, m.Snapshots[i+1:]...)
		m.Snapshots = replaced
		return true, nil
	}
	return false, nil
}
