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

// Package snapshot implements the A/B update snapshotting engine: the
// state machine that sequences BeginUpdate -> CreateUpdateSnapshots ->
// FinishedSnapshotWrites -> (reboot) -> InitiateMerge -> ProcessUpdateState,
// the crash-safe on-disk record of each per-partition snapshot and of the
// global update, and the construction/teardown of the multi-layer virtual
// block device stacks that expose snapshotted partitions.
//
// The package does not compute what to snapshot (sizes and extent maps
// come from a caller-supplied CowCreator and PartitionBuilder), does not
// implement the copy-on-write format (the kernel owns that via package
// dm), and is not a general-purpose volume manager.
package snapshot
