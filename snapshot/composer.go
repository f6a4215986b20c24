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
	"fmt"
	"time"

	"github.com/tawannacab87/platform-system-core/dm"
	"github.com/tawannacab87/platform-system-core/logger"
)

// Device naming is deterministic from the partition name P, per spec.md
// §4.E: "P-base" the plain-linear view of P's extents, "P-cow-img" the
// mapped overflow image, "P-cow" the device actually handed to the
// snapshot target as its cow argument, "P-inner" the inner snapshot when
// the stack needs a two-segment outer split, and "P" the name the rest of
// the system sees.
func composerNames(name string) (base, cowImg, cow, inner string) {
	return name + "-base", name + "-cow-img", name + "-cow", name + "-inner"
}

// snapshotMode picks the dm snapshot mode a partition should be mapped
// with for the given global update state. Mapping is refused outright once
// the global state has already moved past the point where a plain
// snapshot or merge view makes sense.
func snapshotMode(global UpdateState) (dm.SnapshotMode, error) {
	switch global {
	case Merging, MergeFailed:
		return dm.ModeMerge, nil
	case MergeCompleted, MergeNeedsReboot:
		return "", fmt.Errorf("compose: refusing to map snapshot while global state is %s", global)
	default:
		return dm.ModePersistent, nil
	}
}

// linearTableFromExtents lays out a sequence of extents back to back
// starting at sector 0, the shape "P-base" and a collapsed "P" both take.
func linearTableFromExtents(extents []Extent) dm.Table {
	table := make(dm.Table, 0, len(extents))
	var pos uint64
	for _, e := range extents {
		table = append(table, dm.Linear{Start: pos, Length: e.LengthSectors, Dev: e.DeviceString, Offset: e.StartSector})
		pos += e.LengthSectors
	}
	return table
}

func tableLengthSectors(table dm.Table) uint64 {
	var total uint64
	for _, t := range table {
		_, length := t.Sectors()
		total += length
	}
	return total
}

// MapPartitionWithSnapshot composes the full per-partition stack described
// by spec.md §4.E for one record: P-base, optionally P-cow-img and P-cow,
// then either a single snapshot named P or an inner snapshot plus a
// two-segment linear split named P. Every device created along the way is
// registered with a CleanupList that unwinds automatically unless the
// whole composition succeeds.
func MapPartitionWithSnapshot(mapper MapperClient, builder PartitionBuilder, images ImageManager, log logger.Logger, slot, name string, rec SnapshotRecord, global UpdateState, timeout time.Duration) (string, error) {
	baseName, cowImgName, cowName, innerName := composerNames(name)

	cleanup := NewCleanupList(log)
	defer cleanup.Unwind()

	baseExtents, err := builder.Extents(slot, name)
	if err != nil {
		return "", fmt.Errorf("compose %s: resolve extents: %w", name, err)
	}
	baseTable := linearTableFromExtents(baseExtents)
	if _, err := mapper.CreateDevice(baseName, baseTable, timeout); err != nil {
		return "", fmt.Errorf("compose %s: create base: %w", name, err)
	}
	cleanup.AddUnmapDevice(mapper, baseName)

	baseDev, err := mapper.DeviceString(baseName)
	if err != nil {
		return "", fmt.Errorf("compose %s: base device string: %w", name, err)
	}

	var cowDev string
	if rec.NeedsCow() {
		var cowImgDev string
		if rec.CowFileSize > 0 {
			cowImgDev, err = images.Map(cowImgName, timeout)
			if err != nil {
				return "", fmt.Errorf("compose %s: map cow image: %w", name, err)
			}
			cleanup.AddUnmapImage(images, cowImgName)
		}

		if rec.CowPartitionSize == 0 {
			cowDev = cowImgDev
		} else {
			cowExtents, err := builder.Extents(slot, cowName)
			if err != nil {
				return "", fmt.Errorf("compose %s: resolve cow extents: %w", name, err)
			}
			table := linearTableFromExtents(cowExtents)
			if rec.CowFileSize > 0 {
				table = append(table, dm.Linear{
					Start:  tableLengthSectors(table),
					Length: rec.CowFileSize / sectorSize,
					Dev:    cowImgDev,
					Offset: 0,
				})
			}
			if _, err := mapper.CreateDevice(cowName, table, timeout); err != nil {
				return "", fmt.Errorf("compose %s: create cow: %w", name, err)
			}
			cleanup.AddUnmapDevice(mapper, cowName)
			cowDev, err = mapper.DeviceString(cowName)
			if err != nil {
				return "", fmt.Errorf("compose %s: cow device string: %w", name, err)
			}
		}
	}

	mode, err := snapshotMode(global)
	if err != nil {
		return "", err
	}

	snapSectors := rec.SnapshotSize / sectorSize
	tailSectors := (rec.DeviceSize - rec.SnapshotSize) / sectorSize

	var path string
	if tailSectors == 0 {
		table := dm.Table{dm.Snapshot{Start: 0, Length: snapSectors, Base: baseDev, Cow: cowDev, Mode: mode}}
		path, err = mapper.CreateDevice(name, table, timeout)
		if err != nil {
			return "", fmt.Errorf("compose %s: create snapshot: %w", name, err)
		}
		cleanup.AddUnmapDevice(mapper, name)
	} else {
		innerTable := dm.Table{dm.Snapshot{Start: 0, Length: snapSectors, Base: baseDev, Cow: cowDev, Mode: mode}}
		if _, err := mapper.CreateDevice(innerName, innerTable, timeout); err != nil {
			return "", fmt.Errorf("compose %s: create inner snapshot: %w", name, err)
		}
		cleanup.AddUnmapDevice(mapper, innerName)

		innerDev, err := mapper.DeviceString(innerName)
		if err != nil {
			return "", fmt.Errorf("compose %s: inner device string: %w", name, err)
		}

		outerTable := dm.Table{
			dm.Linear{Start: 0, Length: snapSectors, Dev: innerDev, Offset: 0},
			dm.Linear{Start: snapSectors, Length: tailSectors, Dev: baseDev, Offset: snapSectors},
		}
		path, err = mapper.CreateDevice(name, outerTable, timeout)
		if err != nil {
			return "", fmt.Errorf("compose %s: create outer split: %w", name, err)
		}
		cleanup.AddUnmapDevice(mapper, name)
	}

	cleanup.Release()
	return path, nil
}

// UnmapPartitionWithSnapshot tears down every device a successful
// MapPartitionWithSnapshot may have created, in the order spec.md §4.E
// requires: P, then P-inner, then P-cow, then P-cow-img, then P-base. Every
// step is idempotent, so calling this twice in a row, or on a partition
// that was never mapped, succeeds both times.
func UnmapPartitionWithSnapshot(mapper MapperClient, images ImageManager, name string) error {
	baseName, cowImgName, cowName, innerName := composerNames(name)

	var errs []error
	if err := mapper.DeleteIfExists(name); err != nil {
		errs = append(errs, fmt.Errorf("unmap %s: %w", name, err))
	}
	if err := mapper.DeleteIfExists(innerName); err != nil {
		errs = append(errs, fmt.Errorf("unmap %s: %w", innerName, err))
	}
	if err := mapper.DeleteIfExists(cowName); err != nil {
		errs = append(errs, fmt.Errorf("unmap %s: %w", cowName, err))
	}
	images.UnmapIfExists(cowImgName)
	if err := mapper.DeleteIfExists(baseName); err != nil {
		errs = append(errs, fmt.Errorf("unmap %s: %w", baseName, err))
	}
	return errors.Join(errs...)
}

// Collapse replaces P's active table in place with a table identical to
// P-base (pure linear segments straight onto the superpartition), making P
// indistinguishable from an ordinary, unsnapshotted partition, then deletes
// every auxiliary device the stack used.
func Collapse(mapper MapperClient, images ImageManager, builder PartitionBuilder, slot, name string) error {
	extents, err := builder.Extents(slot, name)
	if err != nil {
		return fmt.Errorf("collapse %s: resolve extents: %w", name, err)
	}
	table := linearTableFromExtents(extents)
	if err := mapper.LoadTableAndActivate(name, table); err != nil {
		return fmt.Errorf("collapse %s: swap table: %w", name, err)
	}

	baseName, cowImgName, cowName, innerName := composerNames(name)
	var errs []error
	if err := mapper.DeleteIfExists(innerName); err != nil {
		errs = append(errs, err)
	}
	if err := mapper.DeleteIfExists(cowName); err != nil {
		errs = append(errs, err)
	}
	images.UnmapIfExists(cowImgName)
	if err := mapper.DeleteIfExists(baseName); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
