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

package dm

import (
	"fmt"
	"strconv"
	"strings"
)

// SnapshotStatus is the parsed form of a snapshot/snapshot-merge target's
// status line: "<sectors_allocated>/<total_sectors> <metadata_sectors>".
type SnapshotStatus struct {
	SectorsAllocated uint64
	TotalSectors     uint64
	MetadataSectors  uint64
}

// Complete reports whether the merge (or initial allocation) has fully
// drained, per spec.md §4.B: sectors_allocated == metadata_sectors.
func (s SnapshotStatus) Complete() bool {
	return s.SectorsAllocated == s.MetadataSectors
}

// ParseSnapshotStatus parses a device-mapper snapshot status line. It is a
// total function: any deviation from "A/B C" — missing slash, extra
// fields, non-numeric tokens — is reported as an error rather than
// guessed at, per spec.md §9's design note. It rejects an "Invalid" status
// (what the kernel reports when the cow store could not be read) the same
// way the source does.
func ParseSnapshotStatus(line string) (SnapshotStatus, error) {
	fields := strings.Fields(line)
	if len(fields) > 0 && fields[0] == "Invalid" {
		return SnapshotStatus{}, fmt.Errorf("dm: snapshot status is Invalid")
	}
	if len(fields) != 2 {
		return SnapshotStatus{}, fmt.Errorf("dm: malformed snapshot status %q: expected 2 fields, got %d", line, len(fields))
	}

	ratio := strings.SplitN(fields[0], "/", 2)
	if len(ratio) != 2 {
		return SnapshotStatus{}, fmt.Errorf("dm: malformed snapshot status %q: missing '/' in allocation ratio", line)
	}

	allocated, err := strconv.ParseUint(ratio[0], 10, 64)
	if err != nil {
		return SnapshotStatus{}, fmt.Errorf("dm: malformed snapshot status %q: %w", line, err)
	}
	total, err := strconv.ParseUint(ratio[1], 10, 64)
	if err != nil {
		return SnapshotStatus{}, fmt.Errorf("dm: malformed snapshot status %q: %w", line, err)
	}
	metadata, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return SnapshotStatus{}, fmt.Errorf("dm: malformed snapshot status %q: %w", line, err)
	}

	return SnapshotStatus{
		SectorsAllocated: allocated,
		TotalSectors:     total,
		MetadataSectors:  metadata,
	}, nil
}
