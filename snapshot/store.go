// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2024 Canonical Ltd
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package snapshot

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/tawannacab87/platform-system-core/osutil"
)

// LockMode selects whether a Session proves shared (read) or exclusive
// (read-write) access to the state store, per spec.md §4.A.
type LockMode int

const (
	Shared LockMode = iota
	Exclusive
)

func (m LockMode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}

// Store is the crash-safe on-disk state store (spec.md §4.A): the global
// update state, the boot indicator, and the per-partition snapshot records,
// all rooted under a single metadata directory. The state file's advisory
// lock is the only cross-process mutex the engine uses (spec.md §5).
type Store struct {
	MetadataDir string
}

// NewStore returns a Store rooted at metadataDir. The directory and its
// "snapshots" subdirectory are not created here; OpenSession creates them
// on first use.
func NewStore(metadataDir string) *Store {
	return &Store{MetadataDir: metadataDir}
}

func (s *Store) statePath() string       { return filepath.Join(s.MetadataDir, "state") }
func (s *Store) bootIndicatorPath() string { return filepath.Join(s.MetadataDir, "snapshot-boot") }
func (s *Store) snapshotsDir() string    { return filepath.Join(s.MetadataDir, "snapshots") }
func (s *Store) snapshotPath(name string) string {
	return filepath.Join(s.snapshotsDir(), name)
}

// Session is a process-scope token proving the caller holds a shared or
// exclusive advisory lock on the state file, per spec.md §3's "Locked
// session". The lock is released deterministically when Close is called;
// callers are expected to defer sess.Close() immediately after a
// successful OpenSession.
type Session struct {
	lock *osutil.FileLock
	mode LockMode
}

// Mode reports whether this session holds a shared or exclusive lock.
func (sess *Session) Mode() LockMode { return sess.mode }

// Close releases the advisory lock and closes the underlying descriptor.
func (sess *Session) Close() error {
	if sess.lock == nil {
		return nil
	}
	return sess.lock.Close()
}

// OpenSession opens the state file (creating it under Exclusive) and
// acquires an advisory lock on its descriptor in the requested mode.
func (s *Store) OpenSession(mode LockMode) (*Session, error) {
	if err := os.MkdirAll(s.snapshotsDir(), 0770); err != nil {
		return nil, storeErrorf("open-session", s.snapshotsDir(), err)
	}

	path := s.statePath()
	var lock *osutil.FileLock
	var err error
	if mode == Exclusive {
		lock, err = osutil.NewFileLockWithMode(path, 0660)
	} else {
		lock, err = osutil.OpenExistingLockForReading(path)
		if errors.Is(err, os.ErrNotExist) {
			// No update has ever begun: treat as an empty, absent state
			// file rather than a hard failure, matching ReadGlobal's own
			// "missing means none" contract.
			lock, err = osutil.NewFileLockWithMode(path, 0660)
		}
	}
	if err != nil {
		return nil, storeErrorf("open-session", path, err)
	}

	if mode == Exclusive {
		err = lock.Lock()
	} else {
		err = lock.ReadLock()
	}
	if err != nil {
		lock.Close()
		return nil, storeErrorf("lock", path, err)
	}

	return &Session{lock: lock, mode: mode}, nil
}

// ReadGlobal seeks to the start of the state file and parses its full
// contents as one of the seven persisted global states. Empty, missing, or
// unrecognized content is treated as None, never an error.
func (s *Store) ReadGlobal(sess *Session) UpdateState {
	f := sess.lock.File()
	if _, err := f.Seek(0, os.SEEK_SET); err != nil {
		return None
	}
	contents, err := os.ReadFile(f.Name())
	if err != nil {
		return None
	}
	return ParseUpdateState(strings.TrimSpace(string(contents)))
}

// WriteGlobal truncates the state file and writes the canonical token for
// state. Requires an exclusive session. The write is flushed to stable
// storage before returning, the moral equivalent of the source's O_SYNC
// open flag applied to an fd that is instead opened once up front (for the
// locked Session) rather than per write.
func (s *Store) WriteGlobal(sess *Session, state UpdateState) error {
	if sess.mode != Exclusive {
		return storeErrorf("write-global", s.statePath(), errLockDiscipline(sess.mode))
	}
	if state == Cancelled {
		return storeErrorf("write-global", s.statePath(), errCancelledNotPersistable)
	}
	f := sess.lock.File()
	if err := f.Truncate(0); err != nil {
		return storeErrorf("write-global", s.statePath(), err)
	}
	if _, err := f.Seek(0, os.SEEK_SET); err != nil {
		return storeErrorf("write-global", s.statePath(), err)
	}
	if _, err := f.WriteString(state.String()); err != nil {
		return storeErrorf("write-global", s.statePath(), err)
	}
	if err := f.Sync(); err != nil {
		return storeErrorf("write-global", s.statePath(), err)
	}
	return nil
}

var errCancelledNotPersistable = errors.New("cancelled is a transient state and is never persisted")

func errLockDiscipline(mode LockMode) error {
	return errors.New("exclusive lock required, have " + mode.String())
}

// ListSnapshots enumerates the regular files under <metadata>/snapshots.
func (s *Store) ListSnapshots(sess *Session) ([]string, error) {
	entries, err := os.ReadDir(s.snapshotsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, storeErrorf("list-snapshots", s.snapshotsDir(), err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// ReadRecord opens the per-snapshot file and parses its seven
// whitespace-separated tokens.
func (s *Store) ReadRecord(sess *Session, name string) (SnapshotRecord, error) {
	path := s.snapshotPath(name)
	contents, err := os.ReadFile(path)
	if err != nil {
		return SnapshotRecord{}, storeErrorf("read-record", path, err)
	}
	rec, err := parseRecord(string(contents))
	if err != nil {
		return SnapshotRecord{}, storeErrorf("read-record", path, err)
	}
	return rec, nil
}

// WriteRecord atomically truncates and rewrites the per-snapshot file.
// Requires an exclusive session.
func (s *Store) WriteRecord(sess *Session, name string, rec SnapshotRecord) error {
	if sess.mode != Exclusive {
		return storeErrorf("write-record", s.snapshotPath(name), errLockDiscipline(sess.mode))
	}
	if err := rec.Validate(); err != nil {
		return storeErrorf("write-record", s.snapshotPath(name), err)
	}
	path := s.snapshotPath(name)
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC | syscall.O_SYNC
	f, err := os.OpenFile(path, flags, 0660)
	if err != nil {
		return storeErrorf("write-record", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(marshalRecord(rec)); err != nil {
		return storeErrorf("write-record", path, err)
	}
	return nil
}

// DeleteRecord removes the per-snapshot file if present. Idempotent.
// Requires an exclusive session.
func (s *Store) DeleteRecord(sess *Session, name string) error {
	if sess.mode != Exclusive {
		return storeErrorf("delete-record", s.snapshotPath(name), errLockDiscipline(sess.mode))
	}
	path := s.snapshotPath(name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return storeErrorf("delete-record", path, err)
	}
	return nil
}

// ReadBootIndicator returns the slot suffix that was active at the moment
// snapshots were finalized. Per spec.md §6, this is a cheap access(2)-style
// check: it does not require a Session or the state-file lock.
func (s *Store) ReadBootIndicator() (string, error) {
	contents, err := os.ReadFile(s.bootIndicatorPath())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(contents)), nil
}

// WriteBootIndicator creates or overwrites the boot indicator file with
// the given slot suffix.
func (s *Store) WriteBootIndicator(slotSuffix string) error {
	path := s.bootIndicatorPath()
	if err := os.WriteFile(path, []byte(slotSuffix), 0660); err != nil {
		return storeErrorf("write-boot-indicator", path, err)
	}
	return nil
}

// RemoveBootIndicator removes the boot indicator file. It's okay if it
// doesn't exist: first-stage init performs a deeper check after reading
// the indicator, so nothing breaks if it lingers or is already gone.
func (s *Store) RemoveBootIndicator() {
	os.Remove(s.bootIndicatorPath())
}
