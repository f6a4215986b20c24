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
	"time"

	. "gopkg.in/check.v1"

	"github.com/tawannacab87/platform-system-core/dm"
	"github.com/tawannacab87/platform-system-core/logger"
)

type mergeSuite struct {
	co      *Coordinator
	mapper  *fakeMapper
	builder *fakePartitionBuilder
	images  *fakeImageManager
	devices *fakeDeviceNames

	origZero   func(string, int) error
	origDevStr func(string) (string, error)
}

var _ = Suite(&mergeSuite{})

func (s *mergeSuite) SetUpTest(c *C) {
	s.mapper = newFakeMapper()
	s.builder = newFakePartitionBuilder()
	s.images = newFakeImageManager()
	s.devices = &fakeDeviceNames{slot: "_a", otherSlot: "_b"}
	s.co = &Coordinator{
		Store:             NewStore(c.MkDir()),
		Mapper:            s.mapper,
		Builder:           s.builder,
		Images:            s.images,
		Cow:               newFakeCowCreator(),
		Devices:           s.devices,
		Log:               logger.NullLogger,
		MergePollInterval: time.Millisecond,
	}
	s.origZero = zeroFirstBytes
	s.origDevStr = deviceStringForPath
	zeroFirstBytes = func(path string, n int) error { return nil }
	deviceStringForPath = func(path string) (string, error) { return "7:0", nil }
}

func (s *mergeSuite) TearDownTest(c *C) {
	zeroFirstBytes = s.origZero
	deviceStringForPath = s.origDevStr
}

func (s *mergeSuite) TestTargetMergePriorityOrdering(c *C) {
	c.Check(targetMergePriority(Merging) > targetMergePriority(MergeFailed), Equals, true)
	c.Check(targetMergePriority(MergeFailed) > targetMergePriority(MergeNeedsReboot), Equals, true)
	c.Check(targetMergePriority(MergeNeedsReboot) > targetMergePriority(Cancelled), Equals, true)
	c.Check(targetMergePriority(Cancelled) > targetMergePriority(MergeCompleted), Equals, true)
}

// mapSnapshotAndSwitchToMerge composes one partition's stack as an ordinary
// persistent snapshot, then rewrites its live table to snapshot-merge the
// same way InitiateMerge does, leaving the record at SnapshotMerging.
func (s *mergeSuite) mapSnapshotAndSwitchToMerge(c *C, name string, rec SnapshotRecord) {
	s.builder.setExtents("_b", name, []Extent{{DeviceString: "253:10", StartSector: 0, LengthSectors: rec.DeviceSize / sectorSize}})
	if rec.CowPartitionSize > 0 {
		s.builder.setExtents("_b", name+"-cow", []Extent{{DeviceString: "253:20", StartSector: 0, LengthSectors: rec.CowPartitionSize / sectorSize}})
	}
	sess, err := s.co.Store.OpenSession(Exclusive)
	c.Assert(err, IsNil)
	c.Assert(s.co.Store.WriteRecord(sess, name, rec), IsNil)
	sess.Close()

	_, err = MapPartitionWithSnapshot(s.mapper, s.builder, s.images, logger.NullLogger, "_b", name, rec, Initiated, 0)
	c.Assert(err, IsNil)

	// The snapshots above were composed for slot _b the way
	// CreateUpdateSnapshots would before a reboot; simulate having
	// rebooted into that slot so checkMergeState's later Collapse
	// resolves extents against the same slot they were reserved on.
	s.devices.slot, s.devices.otherSlot = "_b", "_a"

	sess2, err := s.co.Store.OpenSession(Exclusive)
	c.Assert(err, IsNil)
	defer sess2.Close()
	c.Assert(s.co.switchSnapshotToMerge(sess2, name), IsNil)
}

func (s *mergeSuite) TestCheckMergeStatePassesThroughNoneAndMergeCompleted(c *C) {
	sess, err := s.co.Store.OpenSession(Exclusive)
	c.Assert(err, IsNil)
	defer sess.Close()
	c.Check(s.co.checkMergeState(sess), Equals, None)

	c.Assert(s.co.Store.WriteGlobal(sess, MergeCompleted), IsNil)
	c.Check(s.co.checkMergeState(sess), Equals, MergeCompleted)
}

func (s *mergeSuite) TestCheckMergeStateUnverifiedDetectsRollback(c *C) {
	sess, err := s.co.Store.OpenSession(Exclusive)
	c.Assert(err, IsNil)
	defer sess.Close()
	c.Assert(s.co.Store.WriteGlobal(sess, Unverified), IsNil)
	c.Assert(s.co.Store.WriteBootIndicator("_a"), IsNil)
	c.Assert(s.co.Store.WriteRecord(sess, "system", SnapshotRecord{
		State:            SnapshotCreated,
		DeviceSize:       2048 * sectorSize,
		SnapshotSize:     2048 * sectorSize,
		CowPartitionSize: 1024 * sectorSize,
	}), IsNil)

	c.Check(s.co.checkMergeState(sess), Equals, Cancelled)

	// A rollback detection is a cancellation: it must clear global state,
	// snapshot records and the boot indicator the same as CancelUpdate,
	// not just report Cancelled and leave everything else behind.
	c.Check(s.co.Store.ReadGlobal(sess), Equals, None)
	names, err := s.co.Store.ListSnapshots(sess)
	c.Assert(err, IsNil)
	c.Check(names, HasLen, 0)
	_, err = s.co.Store.ReadBootIndicator()
	c.Check(err, NotNil)
}

func (s *mergeSuite) TestCheckMergeStateReportsMergingWhileDraining(c *C) {
	rec := SnapshotRecord{
		State:            SnapshotCreated,
		DeviceSize:       2048 * sectorSize,
		SnapshotSize:     2048 * sectorSize,
		CowPartitionSize: 1024 * sectorSize,
	}
	s.mapSnapshotAndSwitchToMerge(c, "system", rec)
	s.mapper.setMergeStatus("system", 0, 10, 100)

	sess, err := s.co.Store.OpenSession(Exclusive)
	c.Assert(err, IsNil)
	defer sess.Close()
	c.Assert(s.co.Store.WriteGlobal(sess, Merging), IsNil)

	c.Check(s.co.checkMergeState(sess), Equals, Merging)
}

func (s *mergeSuite) TestCheckMergeStateCompletesAndCollapses(c *C) {
	rec := SnapshotRecord{
		State:            SnapshotCreated,
		DeviceSize:       2048 * sectorSize,
		SnapshotSize:     2048 * sectorSize,
		CowPartitionSize: 1024 * sectorSize,
	}
	s.mapSnapshotAndSwitchToMerge(c, "system", rec)
	s.mapper.setMergeStatus("system", 0, 100, 100)

	sess, err := s.co.Store.OpenSession(Exclusive)
	c.Assert(err, IsNil)
	defer sess.Close()
	c.Assert(s.co.Store.WriteGlobal(sess, Merging), IsNil)

	// The aggregated result reaching MergeCompleted acknowledges success on
	// the spot: all update state and every auxiliary device is torn down,
	// while the fully-collapsed partition's own device stays mapped.
	c.Check(s.co.checkMergeState(sess), Equals, MergeCompleted)

	c.Check(s.mapper.State("system"), Equals, dm.Active)
	c.Check(s.mapper.State("system-base"), Equals, dm.Invalid)
	c.Check(s.mapper.State("system-cow"), Equals, dm.Invalid)

	c.Check(s.co.Store.ReadGlobal(sess), Equals, None)
	names, err := s.co.Store.ListSnapshots(sess)
	c.Assert(err, IsNil)
	c.Check(names, HasLen, 0)
}

// TestCheckMergeStateHandlesTailSplitPartition covers a snapshot whose
// record has DeviceSize > SnapshotSize: MapPartitionWithSnapshot composes
// "system" as a two-segment linear outer split over "system-inner", and
// the live snapshot/snapshot-merge target lives on "system-inner", never
// on "system" itself.
func (s *mergeSuite) TestCheckMergeStateHandlesTailSplitPartition(c *C) {
	rec := SnapshotRecord{
		State:            SnapshotCreated,
		DeviceSize:       4096 * sectorSize,
		SnapshotSize:     2048 * sectorSize,
		CowPartitionSize: 1024 * sectorSize,
	}
	s.mapSnapshotAndSwitchToMerge(c, "system", rec)

	c.Check(s.mapper.State("system-inner"), Equals, dm.Active)
	innerTable, err := s.mapper.Table("system-inner")
	c.Assert(err, IsNil)
	c.Check(innerTable[0].TargetType, Equals, "snapshot-merge")

	outerTable, err := s.mapper.Table("system")
	c.Assert(err, IsNil)
	c.Check(outerTable[0].TargetType, Equals, "linear")

	s.mapper.setMergeStatus("system-inner", 0, 100, 100)

	sess, err := s.co.Store.OpenSession(Exclusive)
	c.Assert(err, IsNil)
	defer sess.Close()
	c.Assert(s.co.Store.WriteGlobal(sess, Merging), IsNil)

	c.Check(s.co.checkMergeState(sess), Equals, MergeCompleted)

	// Collapse rewrites "system" itself to a single plain linear segment
	// and tears down every auxiliary device, including the inner one.
	collapsedTable, err := s.mapper.Table("system")
	c.Assert(err, IsNil)
	c.Check(collapsedTable, HasLen, 1)
	c.Check(collapsedTable[0].TargetType, Equals, "linear")

	c.Check(s.mapper.State("system-inner"), Equals, dm.Invalid)
	c.Check(s.mapper.State("system-base"), Equals, dm.Invalid)
	c.Check(s.mapper.State("system-cow"), Equals, dm.Invalid)

	c.Check(s.co.Store.ReadGlobal(sess), Equals, None)
	names, err := s.co.Store.ListSnapshots(sess)
	c.Assert(err, IsNil)
	c.Check(names, HasLen, 0)
}

// TestCheckMergeStateCollapseFailureYieldsMergeNeedsReboot covers a tail
// split partition whose drain completes normally but whose outer device
// ("system") has vanished by the time Collapse tries to rewrite its
// table, so the final table swap itself fails. Per spec.md §8 scenario 5
// this must surface as merge-needs-reboot, and that must be persisted to
// global state so a later poll or first-stage init can find it.
func (s *mergeSuite) TestCheckMergeStateCollapseFailureYieldsMergeNeedsReboot(c *C) {
	rec := SnapshotRecord{
		State:            SnapshotCreated,
		DeviceSize:       4096 * sectorSize,
		SnapshotSize:     2048 * sectorSize,
		CowPartitionSize: 1024 * sectorSize,
	}
	s.mapSnapshotAndSwitchToMerge(c, "system", rec)
	s.mapper.setMergeStatus("system-inner", 0, 100, 100)

	// Simulate the outer device disappearing out from under Collapse
	// before it can rewrite its table.
	c.Assert(s.mapper.DeleteIfExists("system"), IsNil)

	sess, err := s.co.Store.OpenSession(Exclusive)
	c.Assert(err, IsNil)
	defer sess.Close()
	c.Assert(s.co.Store.WriteGlobal(sess, Merging), IsNil)

	c.Check(s.co.checkMergeState(sess), Equals, MergeNeedsReboot)
	c.Check(s.co.Store.ReadGlobal(sess), Equals, MergeNeedsReboot)
}

func (s *mergeSuite) TestCheckMergeStateFinalizesAlreadyCollapsedSnapshot(c *C) {
	rec := SnapshotRecord{
		State:            SnapshotMergeCompleted,
		DeviceSize:       2048 * sectorSize,
		SnapshotSize:     2048 * sectorSize,
		CowPartitionSize: 1024 * sectorSize,
		SectorsAllocated: 100,
		MetadataSectors:  100,
	}
	sess, err := s.co.Store.OpenSession(Exclusive)
	c.Assert(err, IsNil)
	c.Assert(s.co.Store.WriteRecord(sess, "system", rec), IsNil)
	c.Assert(s.co.Store.WriteGlobal(sess, Merging), IsNil)
	sess.Close()

	// "system" itself is not mapped as a snapshot device (it was already
	// collapsed to a plain linear view, or never mapped at all this boot),
	// but the record still says merge-completed.
	s.mapper.create("system")

	sess2, err := s.co.Store.OpenSession(Exclusive)
	c.Assert(err, IsNil)
	defer sess2.Close()
	c.Check(s.co.checkMergeState(sess2), Equals, MergeCompleted)

	names, err := s.co.Store.ListSnapshots(sess2)
	c.Assert(err, IsNil)
	c.Check(names, HasLen, 0)
	// "system" itself must never have been touched.
	c.Check(s.mapper.State("system") != dm.Invalid, Equals, true)
}

func (s *mergeSuite) TestCheckMergeStateDetectsCancelledPartition(c *C) {
	rec := SnapshotRecord{
		State:            SnapshotCreated,
		DeviceSize:       2048 * sectorSize,
		SnapshotSize:     2048 * sectorSize,
		CowPartitionSize: 1024 * sectorSize,
	}
	sess, err := s.co.Store.OpenSession(Exclusive)
	c.Assert(err, IsNil)
	c.Assert(s.co.Store.WriteRecord(sess, "system", rec), IsNil)
	c.Assert(s.co.Store.WriteGlobal(sess, Merging), IsNil)
	sess.Close()

	// Never mapped this boot, and the partition builder no longer shows
	// the UPDATED attribute: an external wipe happened mid-merge.
	s.builder.setUpdated("_a", "system", false)

	sess2, err := s.co.Store.OpenSession(Exclusive)
	c.Assert(err, IsNil)
	defer sess2.Close()
	c.Check(s.co.checkMergeState(sess2), Equals, Cancelled)
	c.Check(s.co.Store.ReadGlobal(sess2), Equals, None)
}

func (s *mergeSuite) TestProcessUpdateStateStopsOnContextCancellation(c *C) {
	rec := SnapshotRecord{
		State:            SnapshotCreated,
		DeviceSize:       2048 * sectorSize,
		SnapshotSize:     2048 * sectorSize,
		CowPartitionSize: 1024 * sectorSize,
	}
	s.mapSnapshotAndSwitchToMerge(c, "system", rec)
	s.mapper.setMergeStatus("system", 0, 10, 100)

	sess, err := s.co.Store.OpenSession(Exclusive)
	c.Assert(err, IsNil)
	c.Assert(s.co.Store.WriteGlobal(sess, Merging), IsNil)
	sess.Close()

	s.co.MergePollInterval = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c.Check(s.co.ProcessUpdateState(ctx), Equals, Merging)
}

func (s *mergeSuite) TestAcknowledgeMergeFailureWritesMergeFailed(c *C) {
	sess, err := s.co.Store.OpenSession(Exclusive)
	c.Assert(err, IsNil)
	c.Assert(s.co.Store.WriteGlobal(sess, Merging), IsNil)
	sess.Close()

	s.co.acknowledgeMergeFailure()

	sess2, err := s.co.Store.OpenSession(Shared)
	c.Assert(err, IsNil)
	defer sess2.Close()
	c.Check(s.co.Store.ReadGlobal(sess2), Equals, MergeFailed)
}

func (s *mergeSuite) TestAcknowledgeMergeFailureLeavesLaterStateAlone(c *C) {
	sess, err := s.co.Store.OpenSession(Exclusive)
	c.Assert(err, IsNil)
	c.Assert(s.co.Store.WriteGlobal(sess, MergeCompleted), IsNil)
	sess.Close()

	s.co.acknowledgeMergeFailure()

	sess2, err := s.co.Store.OpenSession(Shared)
	c.Assert(err, IsNil)
	defer sess2.Close()
	c.Check(s.co.Store.ReadGlobal(sess2), Equals, MergeCompleted)
}

// TestAcknowledgeMergeFailureOverwritesMergeNeedsReboot covers the retry
// path: a previous poll already gave up on Collapse and left global state
// at merge-needs-reboot, and now an explicit failure acknowledgement (e.g.
// the retry itself failing too) must still be able to move it to
// merge-failed.
func (s *mergeSuite) TestAcknowledgeMergeFailureOverwritesMergeNeedsReboot(c *C) {
	sess, err := s.co.Store.OpenSession(Exclusive)
	c.Assert(err, IsNil)
	c.Assert(s.co.Store.WriteGlobal(sess, MergeNeedsReboot), IsNil)
	sess.Close()

	s.co.acknowledgeMergeFailure()

	sess2, err := s.co.Store.OpenSession(Shared)
	c.Assert(err, IsNil)
	defer sess2.Close()
	c.Check(s.co.Store.ReadGlobal(sess2), Equals, MergeFailed)
}
