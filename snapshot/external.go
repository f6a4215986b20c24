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

	"github.com/tawannacab87/platform-system-core/dm"
)

// Extent is a resolved run of sectors on a real block device: the device
// node that backs it plus its offset and length within that device. The
// Composer builds device-mapper linear targets directly out of Extents, so
// an Extent always carries its own device identity rather than requiring a
// separate resolution step.
type Extent struct {
	DeviceString  string
	StartSector   uint64
	LengthSectors uint64
}

// PartitionBuilder is the seam to the super-partition metadata layer
// (spec.md §4.E's "extent map"). It reports what the target slot's
// partition table actually looks like and can reserve COW space inside the
// same metadata, without the snapshot engine ever touching logical
// partition tables directly.
type PartitionBuilder interface {
	// HasUpdateAttribute reports whether the named partition on slot is
	// marked as updated content (as opposed to left over from a previous,
	// possibly abandoned, update).
	HasUpdateAttribute(slot, name string) bool

	// Extents returns the resolved sector runs backing the named
	// partition on slot.
	Extents(slot, name string) ([]Extent, error)

	// ReserveCowPartition grows (or creates) a `<name>-cow` partition on
	// slot to at least size bytes of free super-partition space and
	// returns its resolved extents. usable, when non-empty, is the
	// cow-creator's own scan of which free regions are safe to use (it
	// already knows the slot's metadata layout from planning); an
	// implementation may use it directly instead of re-scanning. It
	// returns fewer bytes of extents than requested, never more, if free
	// space runs out; the overflow is the caller's (the Composer's)
	// responsibility to cover with a COW image file instead.
	ReserveCowPartition(slot, name string, size uint64, usable []Extent) ([]Extent, error)

	// PersistMetadata commits any pending super-partition metadata change
	// for slot to disk.
	PersistMetadata(slot string) error

	// Partitions lists the non-cow-group partition names present on slot,
	// reading the named superpartition's metadata.
	Partitions(superDevice, slot string) ([]string, error)
}

// ImageManager is the seam to whatever facility provisions backing files
// for device-mapper targets that don't map directly onto real block
// devices: here, overflow COW images.
type ImageManager interface {
	// Create provisions a new, unmapped image of the given size; Map
	// attaches it as a device.
	Create(name string, size uint64) error
	// Exists reports whether an image with this name was already created.
	Exists(name string) bool
	// Delete removes a previously created image. It is an error to call
	// Delete on an image that is still mapped.
	Delete(name string) error
	// Map attaches the image to a loop (or equivalent) device and returns
	// its device-mapper "major:minor" string.
	Map(name string, timeout time.Duration) (string, error)
	// Path returns the backing device node path for an already-mapped
	// image, so callers can open it directly (e.g. to zero its header).
	Path(name string) (string, error)
	// Unmap detaches an image's backing device.
	Unmap(name string) error
	// UnmapIfExists detaches an image's backing device if it is currently
	// mapped; unlike Unmap it is not an error to call on an unmapped or
	// nonexistent image.
	UnmapIfExists(name string)
}

// DeviceNames supplies the handful of device-identity facts the engine
// needs but does not derive itself: current/other slot suffixes and the
// paths of the directories it persists state under.
type DeviceNames interface {
	// SlotSuffix returns the suffix (e.g. "_a") of the currently running
	// slot.
	SlotSuffix() string
	// OtherSlotSuffix returns the suffix of the slot that is not
	// currently running.
	OtherSlotSuffix() string
	// MetadataDir returns the directory the state store is rooted at.
	MetadataDir() string
	// IsOverlaySetup reports whether a writable overlay is active over
	// the real partitions, in which case new cow-backed snapshots must
	// not be created (the overlay's scratch partition eats into the free
	// space they need).
	IsOverlaySetup() bool
	// SuperPartitionName returns the block device name of the
	// superpartition that backs slot, e.g. "super".
	SuperPartitionName(slot string) string
}

// CowCreatorResult is the outcome of planning a single partition's COW
// needs: the partition's authoritative device size, how large a snapshot
// to create, how that size is split between spare super-partition space
// and an overflow image file, and which specific super-partition regions
// are safe to reserve for it.
type CowCreatorResult struct {
	DeviceSize       uint64
	SnapshotSize     uint64
	CowPartitionSize uint64
	CowFileSize      uint64
	UsableCowExtents []Extent
}

// CowCreator decides how big a snapshot and its backing COW need to be for
// one partition, given the size of its updated content. This is pulled out
// as its own seam because the sizing policy (estimated delta, compression
// ratio, spare capacity) is deliberately out of scope for the engine
// itself; spec.md §4.E assumes it arrives pre-computed per partition.
type CowCreator interface {
	Plan(partitionName string, deviceSize uint64) (CowCreatorResult, error)
}

// Manifest names every partition that participates in an update and the
// per-partition content size the CowCreator should plan against.
type Manifest struct {
	Partitions map[string]uint64
}

// MapperClient mirrors dm.Client's method set so the engine can be driven
// against a fake in tests, per spec.md §9's interface-over-subclassing
// guidance. *dm.Client satisfies this interface as-is.
type MapperClient interface {
	Create(name, uuidStr string) error
	Delete(name string) error
	DeleteIfExists(name string) error
	LoadTable(name string, table dm.Table) error
	Suspend(name string) error
	Resume(name string) error
	LoadTableAndActivate(name string, table dm.Table) error
	Status(name string) ([]dm.TargetInfo, error)
	Table(name string) ([]dm.TargetInfo, error)
	State(name string) dm.State
	Path(name string) (string, error)
	UniquePath(name string) (string, error)
	DeviceString(name string) (string, error)
	CreateDevice(name string, table dm.Table, timeout time.Duration) (string, error)
}
