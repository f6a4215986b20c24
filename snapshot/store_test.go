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
	"time"

	. "gopkg.in/check.v1"
)

type storeSuite struct {
	store *Store
}

var _ = Suite(&storeSuite{})

func (s *storeSuite) SetUpTest(c *C) {
	s.store = NewStore(c.MkDir())
}

func (s *storeSuite) TestReadGlobalDefaultsToNone(c *C) {
	sess, err := s.store.OpenSession(Shared)
	c.Assert(err, IsNil)
	defer sess.Close()
	c.Check(s.store.ReadGlobal(sess), Equals, None)
}

func (s *storeSuite) TestWriteGlobalRequiresExclusive(c *C) {
	sess, err := s.store.OpenSession(Shared)
	c.Assert(err, IsNil)
	defer sess.Close()
	err = s.store.WriteGlobal(sess, Initiated)
	c.Assert(err, ErrorMatches, `.*exclusive lock required, have shared`)
}

func (s *storeSuite) TestWriteGlobalRoundTrip(c *C) {
	sess, err := s.store.OpenSession(Exclusive)
	c.Assert(err, IsNil)
	defer sess.Close()

	c.Assert(s.store.WriteGlobal(sess, Initiated), IsNil)
	c.Check(s.store.ReadGlobal(sess), Equals, Initiated)
}

func (s *storeSuite) TestWriteGlobalRejectsCancelled(c *C) {
	sess, err := s.store.OpenSession(Exclusive)
	c.Assert(err, IsNil)
	defer sess.Close()
	err = s.store.WriteGlobal(sess, Cancelled)
	c.Assert(err, ErrorMatches, `.*cancelled is a transient state.*`)
}

func (s *storeSuite) TestRecordRoundTrip(c *C) {
	sess, err := s.store.OpenSession(Exclusive)
	c.Assert(err, IsNil)
	defer sess.Close()

	rec := SnapshotRecord{State: SnapshotCreated, DeviceSize: 1024, SnapshotSize: 512, CowPartitionSize: 512}
	c.Assert(s.store.WriteRecord(sess, "system_b", rec), IsNil)

	names, err := s.store.ListSnapshots(sess)
	c.Assert(err, IsNil)
	c.Check(names, DeepEquals, []string{"system_b"})

	got, err := s.store.ReadRecord(sess, "system_b")
	c.Assert(err, IsNil)
	c.Check(got, Equals, rec)

	c.Assert(s.store.DeleteRecord(sess, "system_b"), IsNil)
	names, err = s.store.ListSnapshots(sess)
	c.Assert(err, IsNil)
	c.Check(names, HasLen, 0)
}

func (s *storeSuite) TestDeleteRecordIsIdempotent(c *C) {
	sess, err := s.store.OpenSession(Exclusive)
	c.Assert(err, IsNil)
	defer sess.Close()
	c.Assert(s.store.DeleteRecord(sess, "nonexistent"), IsNil)
	c.Assert(s.store.DeleteRecord(sess, "nonexistent"), IsNil)
}

func (s *storeSuite) TestWriteRecordRejectsInvalidRecord(c *C) {
	sess, err := s.store.OpenSession(Exclusive)
	c.Assert(err, IsNil)
	defer sess.Close()
	err = s.store.WriteRecord(sess, "bad", SnapshotRecord{DeviceSize: 513})
	c.Assert(err, NotNil)
}

func (s *storeSuite) TestBootIndicatorRoundTrip(c *C) {
	_, err := s.store.ReadBootIndicator()
	c.Assert(err, NotNil)

	c.Assert(s.store.WriteBootIndicator("_a"), IsNil)
	got, err := s.store.ReadBootIndicator()
	c.Assert(err, IsNil)
	c.Check(got, Equals, "_a")

	s.store.RemoveBootIndicator()
	_, err = s.store.ReadBootIndicator()
	c.Assert(err, NotNil)
}

func (s *storeSuite) TestExclusiveSessionBlocksSecondExclusive(c *C) {
	sess1, err := s.store.OpenSession(Exclusive)
	c.Assert(err, IsNil)
	defer sess1.Close()

	done := make(chan struct{})
	go func() {
		sess2, err := s.store.OpenSession(Exclusive)
		c.Check(err, IsNil)
		if sess2 != nil {
			sess2.Close()
		}
		close(done)
	}()

	select {
	case <-done:
		c.Fatal("second exclusive session should not have been acquired while the first is held")
	case <-time.After(200 * time.Millisecond):
	}
	sess1.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		c.Fatal("second exclusive session was never acquired after the first was released")
	}
}
