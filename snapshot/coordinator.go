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
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tawannacab87/platform-system-core/dm"
	"github.com/tawannacab87/platform-system-core/logger"
)

// Coordinator implements the global update state machine and is the
// package's top-level API (spec.md §4.D). It owns no in-process state of
// its own beyond its collaborators: every fact it needs lives either in the
// state store or in the kernel.
type Coordinator struct {
	Store   *Store
	Mapper  MapperClient
	Builder PartitionBuilder
	Images  ImageManager
	Cow     CowCreator
	Devices DeviceNames
	Log     logger.Logger

	// MergePollInterval overrides the ~2s sleep ProcessUpdateState uses
	// between polls. Zero means use the default; tests shrink this.
	MergePollInterval time.Duration
}

func (co *Coordinator) log() logger.Logger {
	if co.Log == nil {
		return logger.NullLogger
	}
	return co.Log
}

func (co *Coordinator) pollInterval() time.Duration {
	if co.MergePollInterval > 0 {
		return co.MergePollInterval
	}
	return 2 * time.Second
}

// BeginUpdate resolves any lingering prior update via the implicit
// cancel-or-merge rule, then requires global state None and writes
// Initiated. Per spec.md §9's documented open question, when the implicit
// rule decides a merge is needed, ProcessUpdateState is still invoked
// (attempting to drain it) before BeginUpdate reports failure.
func (co *Coordinator) BeginUpdate(ctx context.Context) error {
	sess, err := co.Store.OpenSession(Exclusive)
	if err != nil {
		return err
	}
	closed := false
	defer func() {
		if !closed {
			sess.Close()
		}
	}()

	needsMerge, err := co.resolveLingeringUpdate(sess)
	if err != nil {
		return err
	}
	if needsMerge {
		closed = true
		sess.Close()
		co.ProcessUpdateState(ctx)
		return fmt.Errorf("begin update: a previous update still needs to be merged")
	}

	global := co.Store.ReadGlobal(sess)
	if global != None {
		return &PreconditionError{Op: "begin-update", Expected: None.String(), Actual: global}
	}
	return co.Store.WriteGlobal(sess, Initiated)
}

// CancelUpdate applies the implicit cancel-or-merge rule and fails if it
// would require a merge instead.
func (co *Coordinator) CancelUpdate() error {
	sess, err := co.Store.OpenSession(Exclusive)
	if err != nil {
		return err
	}
	defer sess.Close()

	needsMerge, err := co.resolveLingeringUpdate(sess)
	if err != nil {
		return err
	}
	if needsMerge {
		return fmt.Errorf("cancel update: cannot cancel, merge needed")
	}
	return nil
}

// resolveLingeringUpdate implements the "implicit cancel-or-merge"
// decision shared by BeginUpdate and CancelUpdate (spec.md §4.D): it
// clears all state and returns false when the current state can be reset
// outright, or leaves state untouched and returns true when a merge is
// required before anything can proceed.
func (co *Coordinator) resolveLingeringUpdate(sess *Session) (needsMerge bool, err error) {
	global := co.Store.ReadGlobal(sess)
	switch global {
	case None:
		return false, nil
	case Initiated:
		return false, co.removeAllUpdateState(sess)
	case Unverified:
		indicator, rerr := co.Store.ReadBootIndicator()
		if rerr != nil || indicator == "" || indicator == co.Devices.SlotSuffix() {
			return false, co.removeAllUpdateState(sess)
		}
		return true, nil
	default:
		return true, nil
	}
}

// removeAllUpdateState tears down every snapshot, clears the boot
// indicator, and resets global state to None. It is the "clear all
// snapshots and set none" step referenced throughout spec.md §4.D.
func (co *Coordinator) removeAllUpdateState(sess *Session) error {
	if err := co.removeAllSnapshots(sess); err != nil {
		return err
	}
	co.Store.RemoveBootIndicator()
	return co.Store.WriteGlobal(sess, None)
}

// removeAllSnapshots tears down the mapper/image stack and deletes the
// record for every currently listed snapshot.
func (co *Coordinator) removeAllSnapshots(sess *Session) error {
	names, err := co.Store.ListSnapshots(sess)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := UnmapPartitionWithSnapshot(co.Mapper, co.Images, name); err != nil {
			co.log().Notice(fmt.Sprintf("remove-all-snapshots: unmap %s: %v", name, err))
		}
		_, cowImgName, _, _ := composerNames(name)
		if co.Images.Exists(cowImgName) {
			if err := co.Images.Delete(cowImgName); err != nil {
				co.log().Notice(fmt.Sprintf("remove-all-snapshots: delete image %s: %v", cowImgName, err))
			}
		}
		if err := co.Store.DeleteRecord(sess, name); err != nil {
			return err
		}
	}
	return nil
}

// CreateUpdateSnapshots plans and records one snapshot per manifest
// partition, provisioning their copy-on-write backing but not yet mapping
// the composed device stack (spec.md §4.D).
func (co *Coordinator) CreateUpdateSnapshots(manifest Manifest) error {
	sess, err := co.Store.OpenSession(Exclusive)
	if err != nil {
		return err
	}
	defer sess.Close()

	global := co.Store.ReadGlobal(sess)
	if global != Initiated {
		return &PreconditionError{Op: "create-update-snapshots", Expected: Initiated.String(), Actual: global}
	}

	// With a writable overlayfs mounted, the scratch partition occupies a
	// chunk of super that would otherwise be free for cow images.
	if co.Devices.IsOverlaySetup() {
		return fmt.Errorf("create update snapshots: cannot create snapshots with overlayfs active, disable it and reboot first")
	}

	targetSlot := co.Devices.OtherSlotSuffix()

	for name, contentSize := range manifest.Partitions {
		if err := co.createOneSnapshot(sess, targetSlot, name, contentSize); err != nil {
			return fmt.Errorf("create update snapshots: %s: %w", name, err)
		}
	}
	return nil
}

func (co *Coordinator) createOneSnapshot(sess *Session, targetSlot, name string, contentSize uint64) error {
	plan, err := co.Cow.Plan(name, contentSize)
	if err != nil {
		return fmt.Errorf("plan cow: %w", err)
	}

	if err := co.Store.DeleteRecord(sess, name); err != nil {
		return err
	}

	if plan.SnapshotSize == 0 {
		return nil
	}

	rec := SnapshotRecord{
		State:            SnapshotCreated,
		DeviceSize:       plan.DeviceSize,
		SnapshotSize:     plan.SnapshotSize,
		CowPartitionSize: plan.CowPartitionSize,
		CowFileSize:      plan.CowFileSize,
		SectorsAllocated: 0,
		MetadataSectors:  0,
	}
	if err := co.Store.WriteRecord(sess, name, rec); err != nil {
		return err
	}

	cleanup := NewCleanupList(co.log())
	defer cleanup.Unwind()
	cleanup.AddDeleteRecord(co.Store, sess, name)

	if rec.CowPartitionSize > 0 {
		if _, err := co.Builder.ReserveCowPartition(targetSlot, name, rec.CowPartitionSize, plan.UsableCowExtents); err != nil {
			return fmt.Errorf("reserve cow partition: %w", err)
		}
		if err := co.Builder.PersistMetadata(targetSlot); err != nil {
			return fmt.Errorf("persist metadata: %w", err)
		}
	}

	_, cowImgName, cowName, _ := composerNames(name)
	if rec.CowFileSize > 0 {
		if err := co.Images.Create(cowImgName, rec.CowFileSize); err != nil {
			return fmt.Errorf("create cow image: %w", err)
		}
		cleanup.Add("delete cow image "+cowImgName, func() error {
			return co.Images.Delete(cowImgName)
		})
	}

	cowDevName := cowImgName
	if rec.CowPartitionSize > 0 {
		cowDevName = cowName
	}
	if err := co.mapAndZeroCow(targetSlot, name, cowDevName, rec); err != nil {
		return fmt.Errorf("zero cow: %w", err)
	}

	cleanup.Release()
	return nil
}

// mapAndZeroCow maps the composed cow device for a freshly planned
// snapshot and zero-fills its first four bytes, so the kernel treats it as
// a freshly initialized overlay (spec.md §4.D step 7), then unmaps it
// again.
func (co *Coordinator) mapAndZeroCow(targetSlot, name, cowDevName string, rec SnapshotRecord) error {
	_, cowImgName, cowName, _ := composerNames(name)

	if rec.CowFileSize > 0 {
		if _, err := co.Images.Map(cowImgName, 0); err != nil {
			return err
		}
		defer co.Images.UnmapIfExists(cowImgName)
	}

	if rec.CowPartitionSize > 0 {
		cowExtents, err := co.Builder.Extents(targetSlot, cowName)
		if err != nil {
			return err
		}
		table := linearTableFromExtents(cowExtents)
		if rec.CowFileSize > 0 {
			imgDev, err := co.Images.Path(cowImgName)
			if err != nil {
				return err
			}
			deviceStr, err := deviceStringForPath(imgDev)
			if err != nil {
				return err
			}
			table = append(table, dm.Linear{
				Start:  tableLengthSectors(table),
				Length: rec.CowFileSize / sectorSize,
				Dev:    deviceStr,
				Offset: 0,
			})
		}
		if _, err := co.Mapper.CreateDevice(cowName, table, 0); err != nil {
			return err
		}
		defer co.Mapper.DeleteIfExists(cowName)
	}

	path, err := co.cowPathForZeroing(cowImgName, cowName, rec)
	if err != nil {
		return err
	}
	return zeroFirstBytes(path, 4)
}

func (co *Coordinator) cowPathForZeroing(cowImgName, cowName string, rec SnapshotRecord) (string, error) {
	if rec.CowPartitionSize > 0 {
		return co.Mapper.Path(cowName)
	}
	return co.Images.Path(cowImgName)
}

// zeroFirstBytes is a package-level indirection (mirroring osutil's
// osOpenFile/dmIoctl mockable-var idiom) so tests can substitute a fake
// backing store instead of opening a real device node.
var zeroFirstBytes = func(path string, n int) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(make([]byte, n))
	return err
}

// deviceStringForPath stats a block device node and renders its
// "major:minor" form, the shape snapshot-target parameters take. Used to
// turn an ImageManager-reported path into a device-mapper table parameter.
// A package-level var for the same reason as zeroFirstBytes.
var deviceStringForPath = func(path string) (string, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	major := uint32((st.Rdev >> 8) & 0xfff)
	minor := uint32((st.Rdev & 0xff) | ((st.Rdev >> 12) &^ 0xff))
	return fmt.Sprintf("%d:%d", major, minor), nil
}

// MapUpdateSnapshot unmaps any leftover instance, composes the stack for
// the named partition's record, and returns the resulting device path.
func (co *Coordinator) MapUpdateSnapshot(slot, name string, timeout time.Duration) (string, error) {
	sess, err := co.Store.OpenSession(Shared)
	if err != nil {
		return "", err
	}
	defer sess.Close()

	if err := UnmapPartitionWithSnapshot(co.Mapper, co.Images, name); err != nil {
		co.log().Notice(fmt.Sprintf("map-update-snapshot: pre-unmap %s: %v", name, err))
	}

	rec, err := co.Store.ReadRecord(sess, name)
	if err != nil {
		return "", err
	}

	global := co.Store.ReadGlobal(sess)
	return MapPartitionWithSnapshot(co.Mapper, co.Builder, co.Images, co.log(), slot, name, rec, global, timeout)
}

// UnmapUpdateSnapshot tears down the composed stack for one partition.
func (co *Coordinator) UnmapUpdateSnapshot(name string) error {
	sess, err := co.Store.OpenSession(Shared)
	if err != nil {
		return err
	}
	defer sess.Close()
	return UnmapPartitionWithSnapshot(co.Mapper, co.Images, name)
}

// FinishedSnapshotWrites writes the current slot suffix to the boot
// indicator and transitions Initiated to Unverified. Idempotent once
// already Unverified.
func (co *Coordinator) FinishedSnapshotWrites() error {
	sess, err := co.Store.OpenSession(Exclusive)
	if err != nil {
		return err
	}
	defer sess.Close()

	global := co.Store.ReadGlobal(sess)
	if global == Unverified {
		return nil
	}
	if global != Initiated {
		return &PreconditionError{Op: "finished-snapshot-writes", Expected: Initiated.String(), Actual: global}
	}

	if err := co.Store.WriteBootIndicator(co.Devices.SlotSuffix()); err != nil {
		return err
	}
	return co.Store.WriteGlobal(sess, Unverified)
}

// InitiateMerge requires Unverified with the live slot different from the
// indicator slot, verifies every snapshot is actively mapped, writes
// Merging, and rewrites each snapshot device's table from snapshot mode to
// merge mode.
func (co *Coordinator) InitiateMerge() error {
	sess, err := co.Store.OpenSession(Exclusive)
	if err != nil {
		return err
	}
	defer sess.Close()

	global := co.Store.ReadGlobal(sess)
	if global != Unverified {
		return &PreconditionError{Op: "initiate-merge", Expected: Unverified.String(), Actual: global}
	}

	indicator, _ := co.Store.ReadBootIndicator()
	if indicator == co.Devices.SlotSuffix() {
		return &PreconditionError{Op: "initiate-merge", Expected: "rebooted into the other slot", Actual: stringer(indicator)}
	}

	names, err := co.Store.ListSnapshots(sess)
	if err != nil {
		return err
	}
	for _, name := range names {
		if co.Mapper.State(name) != dm.Active {
			return fmt.Errorf("initiate merge: %s is not mapped", name)
		}
	}

	if err := co.Store.WriteGlobal(sess, Merging); err != nil {
		return err
	}

	anyFailed := false
	for _, name := range names {
		if err := co.switchSnapshotToMerge(sess, name); err != nil {
			co.log().Notice(fmt.Sprintf("initiate-merge: %s: %v", name, err))
			anyFailed = true
		}
	}
	if anyFailed {
		return co.Store.WriteGlobal(sess, MergeFailed)
	}
	return nil
}

// mergeDeviceName reports which device-mapper device actually carries the
// live "snapshot"/"snapshot-merge" target for a record: the partition's own
// name P, or, when a two-segment outer split was needed to cover a tail
// beyond the snapshotted region (DeviceSize != SnapshotSize), the inner
// device P-inner that the outer table's first segment points at.
func mergeDeviceName(name string, rec SnapshotRecord) string {
	if rec.DeviceSize != rec.SnapshotSize {
		_, _, _, inner := composerNames(name)
		return inner
	}
	return name
}

// switchSnapshotToMerge rewrites one snapshot device's active table from
// snapshot mode to snapshot-merge mode, reusing the base/cow devices
// already loaded. Per spec.md §9's documented open question, a partial
// failure here leaves the snapshot's own record state at Created rather
// than advancing it to Merging.
func (co *Coordinator) switchSnapshotToMerge(sess *Session, name string) error {
	rec, err := co.Store.ReadRecord(sess, name)
	if err != nil {
		return err
	}
	dmName := mergeDeviceName(name, rec)

	targets, err := co.Mapper.Table(dmName)
	if err != nil {
		return fmt.Errorf("read table: %w", err)
	}
	if len(targets) == 0 || targets[0].TargetType != "snapshot" {
		return fmt.Errorf("not a snapshot target")
	}
	base, cow, err := dm.ParseSnapshotParams(targets[0].Params)
	if err != nil {
		return err
	}
	table := dm.Table{dm.SnapshotMerge{
		Start:  targets[0].SectorStart,
		Length: targets[0].Length,
		Base:   base,
		Cow:    cow,
	}}
	if err := co.Mapper.LoadTableAndActivate(dmName, table); err != nil {
		return fmt.Errorf("rewrite table: %w", err)
	}

	rec.State = SnapshotMerging
	return co.Store.WriteRecord(sess, name, rec)
}

// ProcessUpdateState drives CheckMergeState to completion: it polls while
// the result is Merging, records and returns on MergeFailed, and returns
// immediately for any other terminal result. ctx cancellation stops the
// loop between iterations without altering persisted state.
func (co *Coordinator) ProcessUpdateState(ctx context.Context) UpdateState {
	for {
		state := co.checkMergeStateLocked()
		switch state {
		case Merging:
			select {
			case <-ctx.Done():
				return state
			case <-time.After(co.pollInterval()):
			}
			continue
		case MergeFailed:
			co.acknowledgeMergeFailure()
			return MergeFailed
		default:
			return state
		}
	}
}

// GetUpdateState reports current global state; Percent is 100 on
// MergeCompleted and left at 0 otherwise (spec.md §9: progress is
// reserved).
func (co *Coordinator) GetUpdateState() Progress {
	sess, err := co.Store.OpenSession(Shared)
	if err != nil {
		return Progress{State: None}
	}
	defer sess.Close()

	state := co.Store.ReadGlobal(sess)
	percent := 0
	if state == MergeCompleted {
		percent = 100
	}
	return Progress{State: state, Percent: percent}
}

// Dump writes a plain-text diagnostic report: the global state, every
// snapshot record, and the mapper table/status for any that are currently
// mapped. It is a supplemental library-level method (not exposed by any
// command-line tool), grounded on SnapshotManager::Dump.
func (co *Coordinator) Dump(w io.Writer) error {
	sess, err := co.Store.OpenSession(Shared)
	if err != nil {
		return err
	}
	defer sess.Close()

	global := co.Store.ReadGlobal(sess)
	fmt.Fprintf(w, "global state: %s\n", global)

	names, err := co.Store.ListSnapshots(sess)
	if err != nil {
		return err
	}
	for _, name := range names {
		rec, err := co.Store.ReadRecord(sess, name)
		if err != nil {
			fmt.Fprintf(w, "%s: error reading record: %v\n", name, err)
			continue
		}
		fmt.Fprintf(w, "%s: state=%s device_size=%d snapshot_size=%d cow_partition_size=%d cow_file_size=%d sectors_allocated=%d metadata_sectors=%d\n",
			name, rec.State, rec.DeviceSize, rec.SnapshotSize, rec.CowPartitionSize, rec.CowFileSize, rec.SectorsAllocated, rec.MetadataSectors)

		if co.Mapper.State(name) == dm.Invalid {
			continue
		}
		table, err := co.Mapper.Table(name)
		if err == nil {
			for _, t := range table {
				fmt.Fprintf(w, "  table: %s %d %d %s\n", t.TargetType, t.SectorStart, t.Length, t.Params)
			}
		}
		status, err := co.Mapper.Status(name)
		if err == nil {
			for _, s := range status {
				fmt.Fprintf(w, "  status: %s %d %d %s\n", s.TargetType, s.SectorStart, s.Length, s.Params)
			}
		}
	}
	return nil
}

type stringer string

func (s stringer) String() string { return string(s) }
