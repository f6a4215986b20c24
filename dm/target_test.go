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

package dm_test

import (
	. "gopkg.in/check.v1"

	"github.com/tawannacab87/platform-system-core/dm"
)

type targetSuite struct{}

var _ = Suite(&targetSuite{})

func (s *targetSuite) TestLinearParams(c *C) {
	l := dm.Linear{Start: 0, Length: 100, Dev: "253:4", Offset: 2048}
	c.Check(l.TypeName(), Equals, "linear")
	c.Check(l.Params(), Equals, "253:4 2048")
	start, length := l.Sectors()
	c.Check(start, Equals, uint64(0))
	c.Check(length, Equals, uint64(100))
}

func (s *targetSuite) TestSnapshotParams(c *C) {
	sn := dm.Snapshot{Start: 0, Length: 100, Base: "253:4", Cow: "253:5", Mode: dm.ModePersistent}
	c.Check(sn.TypeName(), Equals, "snapshot")
	c.Check(sn.Params(), Equals, "253:4 253:5 P 8")
}

func (s *targetSuite) TestSnapshotMergeParams(c *C) {
	sm := dm.SnapshotMerge{Start: 0, Length: 100, Base: "253:4", Cow: "253:5"}
	c.Check(sm.TypeName(), Equals, "snapshot-merge")
	c.Check(sm.Params(), Equals, "253:4 253:5 merge 8")
}

func (s *targetSuite) TestParseSnapshotParams(c *C) {
	base, cow, err := dm.ParseSnapshotParams("253:4 253:5 P 8")
	c.Assert(err, IsNil)
	c.Check(base, Equals, "253:4")
	c.Check(cow, Equals, "253:5")

	base, cow, err = dm.ParseSnapshotParams("253:4 253:5 merge 8")
	c.Assert(err, IsNil)
	c.Check(base, Equals, "253:4")
	c.Check(cow, Equals, "253:5")

	_, _, err = dm.ParseSnapshotParams("253:4")
	c.Assert(err, ErrorMatches, `.*malformed snapshot params.*`)
}

func (s *targetSuite) TestParseDeviceString(c *C) {
	maj, min, err := dm.ParseDeviceString("253:7")
	c.Assert(err, IsNil)
	c.Check(maj, Equals, uint32(253))
	c.Check(min, Equals, uint32(7))

	_, _, err = dm.ParseDeviceString("bogus")
	c.Assert(err, NotNil)
}
