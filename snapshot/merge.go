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

	"github.com/tawannacab87/platform-system-core/dm"
)

// targetMergePriority orders the five possible per-snapshot outcomes so
// CheckMergeState can aggregate them with a single max. Per spec.md §4.F
// the priority is merging > merge-failed > merge-needs-reboot > cancelled >
// merge-completed.
func targetMergePriority(s UpdateState) int {
	switch s {
	case Merging:
		return 5
	case MergeFailed:
		return 4
	case MergeNeedsReboot:
		return 3
	case Cancelled:
		return 2
	default: // MergeCompleted
		return 1
	}
}

// checkMergeStateLocked opens its own exclusive session and delegates to
// checkMergeState. Each poll of ProcessUpdateState is its own top-level
// operation: the lock is not held across the inter-poll sleep.
func (co *Coordinator) checkMergeStateLocked() UpdateState {
	sess, err := co.Store.OpenSession(Exclusive)
	if err != nil {
		co.log().Notice(fmt.Sprintf("check-merge-state: open session: %v", err))
		return MergeFailed
	}
	defer sess.Close()
	return co.checkMergeState(sess)
}

// checkMergeState is the Merge Driver's top-level decision function
// (spec.md §4.F).
func (co *Coordinator) checkMergeState(sess *Session) UpdateState {
	global := co.Store.ReadGlobal(sess)
	switch global {
	case None, MergeCompleted:
		return global
	case Unverified:
		indicator, _ := co.Store.ReadBootIndicator()
		if indicator != "" && indicator == co.Devices.SlotSuffix() {
			if err := co.handleCancelledUpdate(sess); err != nil {
				co.log().Notice(fmt.Sprintf("check-merge-state: handle cancelled update: %v", err))
			}
			return Cancelled
		}
		return Unverified
	}

	names, err := co.Store.ListSnapshots(sess)
	if err != nil {
		co.log().Notice(fmt.Sprintf("check-merge-state: list snapshots: %v", err))
		return MergeFailed
	}

	result := MergeCompleted
	for _, name := range names {
		s := co.checkTargetMergeState(sess, name)
		if targetMergePriority(s) > targetMergePriority(result) {
			result = s
		}
	}

	switch result {
	case Cancelled:
		if err := co.handleCancelledUpdate(sess); err != nil {
			co.log().Notice(fmt.Sprintf("check-merge-state: handle cancelled update: %v", err))
		}
	case MergeCompleted:
		if err := co.acknowledgeMergeSuccess(sess); err != nil {
			co.log().Notice(fmt.Sprintf("check-merge-state: acknowledge merge success: %v", err))
		}
	case MergeNeedsReboot:
		if err := co.Store.WriteGlobal(sess, MergeNeedsReboot); err != nil {
			co.log().Notice(fmt.Sprintf("check-merge-state: write merge-needs-reboot: %v", err))
		}
	}
	return result
}

// checkTargetMergeState computes one snapshot's contribution to the
// overall merge outcome.
func (co *Coordinator) checkTargetMergeState(sess *Session, name string) UpdateState {
	rec, err := co.Store.ReadRecord(sess, name)
	if err != nil {
		co.log().Notice(fmt.Sprintf("check-target-merge-state: %s: read record: %v", name, err))
		return MergeFailed
	}

	slot := co.Devices.SlotSuffix()
	dmName := mergeDeviceName(name, rec)

	if !co.isSnapshotDevice(dmName) {
		if co.isCancelledSnapshot(slot, name) {
			return Cancelled
		}
		if rec.State == SnapshotMergeCompleted {
			if err := co.finalizeMergedSnapshot(sess, name); err != nil {
				co.log().Notice(fmt.Sprintf("check-target-merge-state: %s: finalize: %v", name, err))
				return MergeFailed
			}
			return MergeCompleted
		}
		return MergeFailed
	}

	status, err := co.Mapper.Status(dmName)
	if err != nil || len(status) == 0 || status[0].TargetType != "snapshot-merge" {
		return MergeFailed
	}

	snapStatus, err := dm.ParseSnapshotStatus(status[0].Params)
	if err != nil {
		return MergeFailed
	}

	if snapStatus.SectorsAllocated != snapStatus.MetadataSectors {
		if rec.State == SnapshotMergeCompleted {
			return MergeFailed
		}
		return Merging
	}

	rec.State = SnapshotMergeCompleted
	rec.SectorsAllocated = snapStatus.SectorsAllocated
	rec.MetadataSectors = snapStatus.MetadataSectors
	if err := co.Store.WriteRecord(sess, name, rec); err != nil {
		co.log().Notice(fmt.Sprintf("check-target-merge-state: %s: write record: %v", name, err))
		return MergeFailed
	}

	result := co.onSnapshotMergeComplete(slot, name, dmName)
	if result == MergeCompleted {
		// The collapsed P is now the plain partition; dropping its record
		// keeps acknowledgeMergeSuccess from unmapping it as a snapshot.
		if err := co.Store.DeleteRecord(sess, name); err != nil {
			co.log().Notice(fmt.Sprintf("check-target-merge-state: %s: delete record: %v", name, err))
			return MergeFailed
		}
	}
	return result
}

// isSnapshotDevice reports whether name is currently mapped as a live
// snapshot or snapshot-merge target, as opposed to already collapsed
// (or never mapped at all).
func (co *Coordinator) isSnapshotDevice(name string) bool {
	if co.Mapper.State(name) == dm.Invalid {
		return false
	}
	table, err := co.Mapper.Table(name)
	if err != nil || len(table) == 0 {
		return false
	}
	t := table[0].TargetType
	return t == "snapshot" || t == "snapshot-merge"
}

// isCancelledSnapshot reports whether the partition builder shows the
// partition as no longer carrying the UPDATED attribute, indicating an
// external wipe or reflash happened mid-merge.
func (co *Coordinator) isCancelledSnapshot(slot, name string) bool {
	return !co.Builder.HasUpdateAttribute(slot, name)
}

// onSnapshotMergeComplete re-checks that dmName is still a live snapshot
// or snapshot-merge device (the caller has already confirmed the
// snapshot-merge target is fully drained), then collapses the stack. dmName is
// the device that actually carries the snapshot-merge target (P itself,
// or P-inner for a tail-split partition); Collapse always operates on the
// partition's own name, since that is the table the rest of the system
// reads from. A collapse failure yields MergeNeedsReboot so a retry after
// reboot can finish cleanly.
func (co *Coordinator) onSnapshotMergeComplete(slot, name, dmName string) UpdateState {
	if !co.isSnapshotDevice(dmName) {
		return MergeFailed
	}
	if err := Collapse(co.Mapper, co.Images, co.Builder, slot, name); err != nil {
		co.log().Notice(fmt.Sprintf("on-snapshot-merge-complete: %s: %v", name, err))
		return MergeNeedsReboot
	}
	return MergeCompleted
}

// finalizeMergedSnapshot is reached when a previous call already collapsed
// the stack (so the live table P is plain linear, not snapshot-merge) but
// the record itself was not yet cleared, e.g. after a crash between
// Collapse and DeleteRecord. Per spec.md §4.F it deletes P-base (and any
// other leftover auxiliary device) plus the record; P itself, now serving
// live reads as the collapsed partition, is never touched.
func (co *Coordinator) finalizeMergedSnapshot(sess *Session, name string) error {
	baseName, cowImgName, cowName, innerName := composerNames(name)
	if err := co.Mapper.DeleteIfExists(innerName); err != nil {
		co.log().Notice(fmt.Sprintf("finalize-merged-snapshot: %s: delete inner: %v", name, err))
	}
	if err := co.Mapper.DeleteIfExists(cowName); err != nil {
		co.log().Notice(fmt.Sprintf("finalize-merged-snapshot: %s: delete cow: %v", name, err))
	}
	co.Images.UnmapIfExists(cowImgName)
	if err := co.Mapper.DeleteIfExists(baseName); err != nil {
		co.log().Notice(fmt.Sprintf("finalize-merged-snapshot: %s: delete base: %v", name, err))
	}
	return co.Store.DeleteRecord(sess, name)
}

// handleCancelledUpdate is the cleanup triggered when any snapshot (or the
// rollback indicator check) reports Cancelled: it resets all update state
// back to None, the same as an explicit CancelUpdate.
func (co *Coordinator) handleCancelledUpdate(sess *Session) error {
	return co.removeAllUpdateState(sess)
}

// acknowledgeMergeSuccess is the cleanup triggered once every snapshot has
// reported MergeCompleted: there is nothing left to merge or roll back, so
// the update is done and all of its state (records, boot indicator, global
// state) is torn down back to None.
func (co *Coordinator) acknowledgeMergeSuccess(sess *Session) error {
	return co.removeAllUpdateState(sess)
}

// acknowledgeMergeFailure reacquires the lock and re-reads state before
// writing MergeFailed, so a competing update that has since moved state
// forward is never clobbered (spec.md §5).
func (co *Coordinator) acknowledgeMergeFailure() {
	sess, err := co.Store.OpenSession(Exclusive)
	if err != nil {
		co.log().Notice(fmt.Sprintf("acknowledge-merge-failure: open session: %v", err))
		return
	}
	defer sess.Close()

	global := co.Store.ReadGlobal(sess)
	if global != Merging && global != MergeNeedsReboot {
		return
	}
	if err := co.Store.WriteGlobal(sess, MergeFailed); err != nil {
		co.log().Notice(fmt.Sprintf("acknowledge-merge-failure: write global: %v", err))
	}
}
