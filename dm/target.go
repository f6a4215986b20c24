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
	"strings"

	"github.com/tawannacab87/platform-system-core/osutil"
)

// SnapshotMode selects how a snapshot target handles writes. Mode P
// ("persistent") keeps cow contents across reboots; N ("not persistent")
// does not; O is a rarely-used overflow variant; merge drains cow writes
// back into the base device.
type SnapshotMode string

const (
	ModePersistent    SnapshotMode = "P"
	ModeNotPersistent SnapshotMode = "N"
	ModeOverflow      SnapshotMode = "O"
	ModeMerge         SnapshotMode = "merge"
)

// chunkSizeSectors is fixed at 8 sectors (4 KiB) for every snapshot target
// this engine creates, per spec.md §4.B.
const chunkSizeSectors = 8

// Target is one entry of a device-mapper table: a sector range plus a
// type-specific parameter string. Per spec.md §9's design note, this is a
// tagged variant rather than a class hierarchy: Linear, Snapshot and
// SnapshotMerge are the only three concrete implementations the snapshot
// lifecycle manager needs.
type Target interface {
	// Sectors returns the (start, length) sector range the target covers.
	Sectors() (start, length uint64)
	// TypeName is the device-mapper target type string ("linear",
	// "snapshot", "snapshot-merge").
	TypeName() string
	// Params renders the target's type-specific parameter string.
	Params() string
}

// Linear is a passthrough target: reads and writes at [Start, Start+Length)
// on this device map to [Offset, Offset+Length) on the device named by Dev.
type Linear struct {
	Start, Length uint64
	Dev           string // "major:minor"
	Offset        uint64 // in sectors, on Dev
}

func (l Linear) Sectors() (uint64, uint64) { return l.Start, l.Length }
func (l Linear) TypeName() string          { return "linear" }
func (l Linear) Params() string            { return fmt.Sprintf("%s %d", l.Dev, l.Offset) }

// Snapshot is a copy-on-write overlay: Base overlaid by Cow, in the given
// mode. Chunk size is always chunkSizeSectors per spec.md §4.B.
type Snapshot struct {
	Start, Length uint64
	Base, Cow     string // "major:minor"
	Mode          SnapshotMode
}

func (s Snapshot) Sectors() (uint64, uint64) { return s.Start, s.Length }
func (s Snapshot) TypeName() string          { return "snapshot" }
func (s Snapshot) Params() string {
	return fmt.Sprintf("%s %s %s %d", s.Base, s.Cow, s.Mode, chunkSizeSectors)
}

// SnapshotMerge is the same overlay as Snapshot, but actively draining cow
// writes back onto Base. It is what a Snapshot target becomes when
// InitiateMerge rewrites the active table (spec.md §4.D/§4.E).
type SnapshotMerge struct {
	Start, Length uint64
	Base, Cow     string
}

func (s SnapshotMerge) Sectors() (uint64, uint64) { return s.Start, s.Length }
func (s SnapshotMerge) TypeName() string          { return "snapshot-merge" }
func (s SnapshotMerge) Params() string {
	return fmt.Sprintf("%s %s merge %d", s.Base, s.Cow, chunkSizeSectors)
}

// ParseSnapshotParams extracts the base and cow device strings from an
// already-loaded snapshot (or snapshot-merge) target's parameter string, so
// callers that only have a Table/Status readback can recover the devices a
// target was built from before rewriting it, e.g. switching a snapshot
// target over to snapshot-merge.
func ParseSnapshotParams(params string) (base, cow string, err error) {
	fields := strings.Fields(params)
	if len(fields) < 2 {
		return "", "", fmt.Errorf("malformed snapshot params %q", params)
	}
	return fields[0], fields[1], nil
}

// Table is an ordered sequence of targets, the DAG spec.md §9 describes
// rooted at whatever device name it gets loaded under.
type Table []Target

func (t Table) ioctlSpecs() ([]osutil.DmTargetSpecInput, error) {
	specs := make([]osutil.DmTargetSpecInput, 0, len(t))
	for _, target := range t {
		start, length := target.Sectors()
		typeName := target.TypeName()
		if len(typeName) > 15 {
			return nil, fmt.Errorf("target type %q is too long", typeName)
		}
		specs = append(specs, osutil.DmTargetSpecInput{
			SectorStart: start,
			Length:      length,
			TargetType:  typeName,
			Params:      target.Params(),
		})
	}
	return specs, nil
}

// TargetInfo is a target as reported back by the kernel: its type, sector
// range, and opaque parameter or status string.
type TargetInfo struct {
	SectorStart uint64
	Length      uint64
	TargetType  string
	Params      string
}
