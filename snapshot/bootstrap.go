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
	"time"
)

// NeedsSnapshotsAtBoot reports whether first-stage init must map
// partitions through their snapshot stacks rather than as plain logical
// partitions (spec.md §4.G). It is true iff the boot indicator file names
// a slot different from the live one and the global state is still one of
// Unverified, Merging, or MergeFailed. If the indicator equals the live
// slot the device has just rolled back: bootstrap must refuse, leaving
// cleanup to a normal-boot Coordinator later.
func (co *Coordinator) NeedsSnapshotsAtBoot() bool {
	indicator, err := co.Store.ReadBootIndicator()
	if err != nil || indicator == "" {
		return false
	}
	if indicator == co.Devices.SlotSuffix() {
		return false
	}

	sess, err := co.Store.OpenSession(Shared)
	if err != nil {
		return false
	}
	defer sess.Close()

	switch co.Store.ReadGlobal(sess) {
	case Unverified, Merging, MergeFailed:
		return true
	default:
		return false
	}
}

// CreateLogicalAndSnapshotPartitions reads superDevice's metadata for the
// current slot and composes a snapshot stack for each listed partition
// that has a snapshot record. Partitions without a record are not mapped
// by this call. If superDevice is empty
// it is resolved from DeviceNames instead of failing outright, since first
// stage init usually doesn't know the superpartition's name yet either.
func (co *Coordinator) CreateLogicalAndSnapshotPartitions(superDevice string, timeout time.Duration) error {
	sess, err := co.Store.OpenSession(Shared)
	if err != nil {
		return err
	}
	defer sess.Close()

	slot := co.Devices.SlotSuffix()
	global := co.Store.ReadGlobal(sess)

	if superDevice == "" {
		superDevice = co.Devices.SuperPartitionName(slot)
	}

	names, err := co.Builder.Partitions(superDevice, slot)
	if err != nil {
		return fmt.Errorf("create logical and snapshot partitions: %w", err)
	}

	for _, name := range names {
		rec, err := co.Store.ReadRecord(sess, name)
		if err != nil {
			// No snapshot record: this partition was never snapshotted on
			// this update and needs no special handling here.
			continue
		}
		if _, err := MapPartitionWithSnapshot(co.Mapper, co.Builder, co.Images, co.log(), slot, name, rec, global, timeout); err != nil {
			return fmt.Errorf("create logical and snapshot partitions: %s: %w", name, err)
		}
	}
	return nil
}
