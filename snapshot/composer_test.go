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
	. "gopkg.in/check.v1"

	"github.com/tawannacab87/platform-system-core/dm"
	"github.com/tawannacab87/platform-system-core/logger"
)

type composerSuite struct {
	mapper  *fakeMapper
	builder *fakePartitionBuilder
	images  *fakeImageManager
}

var _ = Suite(&composerSuite{})

func (s *composerSuite) SetUpTest(c *C) {
	s.mapper = newFakeMapper()
	s.builder = newFakePartitionBuilder()
	s.images = newFakeImageManager()
}

func (s *composerSuite) TestComposerNames(c *C) {
	base, cowImg, cow, inner := composerNames("system")
	c.Check(base, Equals, "system-base")
	c.Check(cowImg, Equals, "system-cow-img")
	c.Check(cow, Equals, "system-cow")
	c.Check(inner, Equals, "system-inner")
}

func (s *composerSuite) TestSnapshotMode(c *C) {
	mode, err := snapshotMode(Initiated)
	c.Assert(err, IsNil)
	c.Check(mode, Equals, dm.ModePersistent)

	mode, err = snapshotMode(Merging)
	c.Assert(err, IsNil)
	c.Check(mode, Equals, dm.ModeMerge)

	mode, err = snapshotMode(MergeFailed)
	c.Assert(err, IsNil)
	c.Check(mode, Equals, dm.ModeMerge)

	_, err = snapshotMode(MergeCompleted)
	c.Assert(err, NotNil)

	_, err = snapshotMode(MergeNeedsReboot)
	c.Assert(err, NotNil)
}

func (s *composerSuite) TestMapPartitionWithSnapshotSingleTarget(c *C) {
	s.builder.setExtents("_b", "system", []Extent{{DeviceString: "253:10", StartSector: 0, LengthSectors: 2048}})
	s.builder.setExtents("_b", "system-cow", []Extent{{DeviceString: "253:20", StartSector: 0, LengthSectors: 1024}})

	rec := SnapshotRecord{
		State:            SnapshotCreated,
		DeviceSize:       2048 * sectorSize,
		SnapshotSize:     2048 * sectorSize,
		CowPartitionSize: 1024 * sectorSize,
	}

	path, err := MapPartitionWithSnapshot(s.mapper, s.builder, s.images, logger.NullLogger, "_b", "system", rec, Initiated, 0)
	c.Assert(err, IsNil)
	c.Check(path, Not(Equals), "")

	c.Check(s.mapper.State("system"), Equals, dm.Active)
	c.Check(s.mapper.State("system-base"), Equals, dm.Active)
	c.Check(s.mapper.State("system-cow"), Equals, dm.Active)
	c.Check(s.mapper.State("system-inner"), Equals, dm.Invalid)

	table, err := s.mapper.Table("system")
	c.Assert(err, IsNil)
	c.Assert(table, HasLen, 1)
	c.Check(table[0].TargetType, Equals, "snapshot")
}

func (s *composerSuite) TestMapPartitionWithSnapshotSplitsWhenDeviceIsLarger(c *C) {
	s.builder.setExtents("_b", "system", []Extent{{DeviceString: "253:10", StartSector: 0, LengthSectors: 4096}})
	s.builder.setExtents("_b", "system-cow", []Extent{{DeviceString: "253:20", StartSector: 0, LengthSectors: 1024}})

	rec := SnapshotRecord{
		State:            SnapshotCreated,
		DeviceSize:       4096 * sectorSize,
		SnapshotSize:     2048 * sectorSize,
		CowPartitionSize: 1024 * sectorSize,
	}

	_, err := MapPartitionWithSnapshot(s.mapper, s.builder, s.images, logger.NullLogger, "_b", "system", rec, Initiated, 0)
	c.Assert(err, IsNil)

	c.Check(s.mapper.State("system-inner"), Equals, dm.Active)

	table, err := s.mapper.Table("system")
	c.Assert(err, IsNil)
	c.Assert(table, HasLen, 2)
	c.Check(table[0].TargetType, Equals, "linear")
	c.Check(table[1].TargetType, Equals, "linear")
}

func (s *composerSuite) TestMapPartitionWithSnapshotUsesOverflowImage(c *C) {
	s.builder.setExtents("_b", "system", []Extent{{DeviceString: "253:10", StartSector: 0, LengthSectors: 2048}})
	s.images.Create("system-cow-img", 512*sectorSize)

	rec := SnapshotRecord{
		State:        SnapshotCreated,
		DeviceSize:   2048 * sectorSize,
		SnapshotSize: 2048 * sectorSize,
		CowFileSize:  512 * sectorSize,
	}

	_, err := MapPartitionWithSnapshot(s.mapper, s.builder, s.images, logger.NullLogger, "_b", "system", rec, Initiated, 0)
	c.Assert(err, IsNil)
	c.Check(s.images.Exists("system-cow-img"), Equals, true)
	c.Check(s.mapper.State("system-cow"), Equals, dm.Invalid)
}

func (s *composerSuite) TestMapPartitionWithSnapshotRollsBackOnCowFailure(c *C) {
	s.builder.setExtents("_b", "system", []Extent{{DeviceString: "253:10", StartSector: 0, LengthSectors: 2048}})
	// No extents registered for "system-cow": ReserveCowPartition's caller
	// never ran, so builder.Extents("_b", "system-cow") fails.

	rec := SnapshotRecord{
		State:            SnapshotCreated,
		DeviceSize:       2048 * sectorSize,
		SnapshotSize:     2048 * sectorSize,
		CowPartitionSize: 1024 * sectorSize,
	}

	_, err := MapPartitionWithSnapshot(s.mapper, s.builder, s.images, logger.NullLogger, "_b", "system", rec, Initiated, 0)
	c.Assert(err, NotNil)
	c.Check(s.mapper.State("system-base"), Equals, dm.Invalid)
	c.Check(s.mapper.State("system"), Equals, dm.Invalid)
}

func (s *composerSuite) TestMapPartitionWithSnapshotRefusesPastMergePoint(c *C) {
	s.builder.setExtents("_b", "system", []Extent{{DeviceString: "253:10", StartSector: 0, LengthSectors: 2048}})

	rec := SnapshotRecord{DeviceSize: 2048 * sectorSize, SnapshotSize: 2048 * sectorSize, CowPartitionSize: 0, CowFileSize: 0}
	_, err := MapPartitionWithSnapshot(s.mapper, s.builder, s.images, logger.NullLogger, "_b", "system", rec, MergeCompleted, 0)
	c.Assert(err, ErrorMatches, `.*refusing to map snapshot.*`)
	c.Check(s.mapper.State("system-base"), Equals, dm.Invalid)
}

func (s *composerSuite) TestUnmapPartitionWithSnapshotIsIdempotent(c *C) {
	s.builder.setExtents("_b", "system", []Extent{{DeviceString: "253:10", StartSector: 0, LengthSectors: 2048}})
	rec := SnapshotRecord{DeviceSize: 2048 * sectorSize, SnapshotSize: 2048 * sectorSize}
	_, err := MapPartitionWithSnapshot(s.mapper, s.builder, s.images, logger.NullLogger, "_b", "system", rec, Initiated, 0)
	c.Assert(err, IsNil)

	c.Assert(UnmapPartitionWithSnapshot(s.mapper, s.images, "system"), IsNil)
	c.Check(s.mapper.State("system"), Equals, dm.Invalid)
	c.Check(s.mapper.State("system-base"), Equals, dm.Invalid)

	c.Assert(UnmapPartitionWithSnapshot(s.mapper, s.images, "system"), IsNil)
}

func (s *composerSuite) TestCollapseSwapsTableAndRemovesAuxiliaryDevices(c *C) {
	s.builder.setExtents("_b", "system", []Extent{{DeviceString: "253:10", StartSector: 0, LengthSectors: 2048}})
	s.builder.setExtents("_b", "system-cow", []Extent{{DeviceString: "253:20", StartSector: 0, LengthSectors: 1024}})

	rec := SnapshotRecord{
		State:            SnapshotCreated,
		DeviceSize:       2048 * sectorSize,
		SnapshotSize:     2048 * sectorSize,
		CowPartitionSize: 1024 * sectorSize,
	}
	_, err := MapPartitionWithSnapshot(s.mapper, s.builder, s.images, logger.NullLogger, "_b", "system", rec, Initiated, 0)
	c.Assert(err, IsNil)

	c.Assert(Collapse(s.mapper, s.images, s.builder, "_b", "system"), IsNil)

	c.Check(s.mapper.State("system"), Equals, dm.Active)
	c.Check(s.mapper.State("system-base"), Equals, dm.Invalid)
	c.Check(s.mapper.State("system-cow"), Equals, dm.Invalid)

	table, err := s.mapper.Table("system")
	c.Assert(err, IsNil)
	c.Assert(table, HasLen, 1)
	c.Check(table[0].TargetType, Equals, "linear")
}
