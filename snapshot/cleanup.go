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

import "github.com/tawannacab87/platform-system-core/logger"

// noCopy marks a struct as move-only for go vet -copylocks: once a
// CleanupList has accumulated actions, copying it would duplicate the
// cleanup obligation, so CleanupList embeds this the same way sync.WaitGroup
// does.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// cleanupAction is one step of an auto-cleanup list (spec.md §4.C): a
// teardown step that was already attempted as a forward action and must be
// undone, in reverse order, if a later step in the same operation fails.
type cleanupAction struct {
	descr string
	run   func() error
}

// CleanupList accumulates cleanup actions in the order their corresponding
// forward actions succeeded, and can run them back off in LIFO order on
// Unwind, or discard them entirely on Release. It is move-only: pass it by
// pointer, never copy it once it holds actions.
type CleanupList struct {
	noCopy

	log     logger.Logger
	actions []cleanupAction
}

// NewCleanupList returns an empty list that logs teardown failures through
// log. A nil logger is replaced with the package's no-op logger.
func NewCleanupList(log logger.Logger) *CleanupList {
	if log == nil {
		log = logger.NullLogger
	}
	return &CleanupList{log: log}
}

// Add appends an arbitrary cleanup action.
func (c *CleanupList) Add(descr string, run func() error) {
	c.actions = append(c.actions, cleanupAction{descr: descr, run: run})
}

// AddUnmapDevice registers "unmap this device-mapper device" as the
// cleanup for a successful Create/LoadTableAndActivate.
func (c *CleanupList) AddUnmapDevice(mapper MapperClient, name string) {
	c.Add("unmap "+name, func() error {
		return mapper.DeleteIfExists(name)
	})
}

// AddUnmapImage registers "unmap and delete this backing image" as the
// cleanup for a successful cow image creation.
func (c *CleanupList) AddUnmapImage(images ImageManager, name string) {
	c.Add("delete image "+name, func() error {
		images.UnmapIfExists(name)
		return images.Delete(name)
	})
}

// AddDeleteRecord registers "delete this snapshot record" as the cleanup
// for a successful WriteRecord.
func (c *CleanupList) AddDeleteRecord(store *Store, sess *Session, name string) {
	c.Add("delete record "+name, func() error {
		return store.DeleteRecord(sess, name)
	})
}

// Release discards every accumulated action without running it: the
// operation they guarded completed successfully end to end.
func (c *CleanupList) Release() {
	c.actions = nil
}

// Unwind runs every accumulated action in reverse order (LIFO), logging
// but not stopping on individual failures, then discards the list. Unwind
// is the rollback path: call it when an operation fails partway through and
// everything recorded so far needs to be undone.
func (c *CleanupList) Unwind() {
	for i := len(c.actions) - 1; i >= 0; i-- {
		a := c.actions[i]
		if err := a.run(); err != nil {
			c.log.Notice("cleanup: " + a.descr + ": " + err.Error())
		}
	}
	c.actions = nil
}

// Len reports how many actions are currently pending.
func (c *CleanupList) Len() int {
	return len(c.actions)
}
