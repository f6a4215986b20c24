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
	"fmt"
	"strconv"
	"strings"
)

// SnapshotState is the per-snapshot state machine's value, persisted as the
// first field of the record at <metadata>/snapshots/<name> (spec.md §3).
type SnapshotState int

const (
	SnapshotNone SnapshotState = iota
	SnapshotCreated
	SnapshotMerging
	SnapshotMergeCompleted
)

var snapshotStateTokens = map[SnapshotState]string{
	SnapshotNone:           "none",
	SnapshotCreated:        "created",
	SnapshotMerging:        "merging",
	SnapshotMergeCompleted: "merge-completed",
}

var snapshotTokenStates = func() map[string]SnapshotState {
	m := make(map[string]SnapshotState, len(snapshotStateTokens))
	for state, token := range snapshotStateTokens {
		m[token] = state
	}
	return m
}()

func (s SnapshotState) String() string {
	if token, ok := snapshotStateTokens[s]; ok {
		return token
	}
	return "unknown"
}

// sectorSize is the fixed 512-byte sector size every size field in a
// SnapshotRecord is specified as a multiple of.
const sectorSize = 512

// SnapshotRecord is one per-partition record persisted under
// <metadata>/snapshots/<name>, per spec.md §3: a single-line, space
// separated, seven field record.
type SnapshotRecord struct {
	State            SnapshotState
	DeviceSize       uint64
	SnapshotSize     uint64
	CowPartitionSize uint64
	CowFileSize      uint64
	SectorsAllocated uint64
	MetadataSectors  uint64
}

// NeedsCow reports whether this record describes a partition that is
// actually snapshotted (as opposed to one that fits entirely in free
// superpartition space and was recorded but never mapped).
func (r SnapshotRecord) NeedsCow() bool {
	return r.SnapshotSize > 0
}

// Validate checks the two invariants spec.md §8 calls out: every size field
// is sector-aligned, and cow reservation is present if and only if the
// record describes a snapshot at all.
func (r SnapshotRecord) Validate() error {
	for label, v := range map[string]uint64{
		"device_size":        r.DeviceSize,
		"snapshot_size":      r.SnapshotSize,
		"cow_partition_size": r.CowPartitionSize,
		"cow_file_size":      r.CowFileSize,
	} {
		if v%sectorSize != 0 {
			return fmt.Errorf("snapshot record: %s %d is not a multiple of the sector size", label, v)
		}
	}
	if r.SnapshotSize > r.DeviceSize {
		return fmt.Errorf("snapshot record: snapshot_size %d exceeds device_size %d", r.SnapshotSize, r.DeviceSize)
	}
	hasCow := r.CowPartitionSize+r.CowFileSize > 0
	if hasCow != r.NeedsCow() {
		return fmt.Errorf("snapshot record: cow_partition_size+cow_file_size>0 (%v) does not match snapshot_size>0 (%v)", hasCow, r.NeedsCow())
	}
	return nil
}

// marshalRecord renders the canonical seven-field line. write_record never
// appends a trailing newline; the caller writes exactly this string.
func marshalRecord(r SnapshotRecord) string {
	fields := []string{
		r.State.String(),
		strconv.FormatUint(r.DeviceSize, 10),
		strconv.FormatUint(r.SnapshotSize, 10),
		strconv.FormatUint(r.CowPartitionSize, 10),
		strconv.FormatUint(r.CowFileSize, 10),
		strconv.FormatUint(r.SectorsAllocated, 10),
		strconv.FormatUint(r.MetadataSectors, 10),
	}
	return strings.Join(fields, " ")
}

// parseRecord parses the seven-field record line. Per spec.md §9's open
// question, a single trailing newline is tolerated (trimmed before
// splitting), but anything else that isn't exactly seven whitespace
// separated tokens is rejected outright.
func parseRecord(contents string) (SnapshotRecord, error) {
	contents = strings.TrimSuffix(contents, "\n")
	fields := strings.Fields(contents)
	if len(fields) != 7 {
		return SnapshotRecord{}, fmt.Errorf("snapshot record: expected 7 fields, got %d", len(fields))
	}

	state, ok := snapshotTokenStates[fields[0]]
	if !ok {
		return SnapshotRecord{}, fmt.Errorf("snapshot record: unrecognized state %q", fields[0])
	}

	values := make([]uint64, 6)
	labels := []string{"device_size", "snapshot_size", "cow_partition_size", "cow_file_size", "sectors_allocated", "metadata_sectors"}
	for i, label := range labels {
		v, err := strconv.ParseUint(fields[i+1], 10, 64)
		if err != nil {
			return SnapshotRecord{}, fmt.Errorf("snapshot record: invalid %s: %w", label, err)
		}
		values[i] = v
	}

	return SnapshotRecord{
		State:            state,
		DeviceSize:       values[0],
		SnapshotSize:     values[1],
		CowPartitionSize: values[2],
		CowFileSize:      values[3],
		SectorsAllocated: values[4],
		MetadataSectors:  values[5],
	}, nil
}
