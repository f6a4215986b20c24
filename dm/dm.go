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

// Package dm is a thin typed wrapper over the kernel's device-mapper
// control interface. It exposes just enough of device-mapper to compose
// the linear/snapshot/snapshot-merge stacks the snapshot lifecycle manager
// needs: creating and deleting named virtual devices, loading tables,
// suspending/resuming them, and reading back status and table strings.
//
// It does not attempt to be a general libdm/dmsetup replacement; there is
// no support for renaming devices, device-mapper messages, or listing all
// devices/targets known to the kernel.
package dm

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tawannacab87/platform-system-core/logger"
	"github.com/tawannacab87/platform-system-core/osutil"
)

// State is the coarse activation state of a device-mapper device.
type State int

const (
	Invalid State = iota
	Suspended
	Active
)

func (s State) String() string {
	switch s {
	case Suspended:
		return "suspended"
	case Active:
		return "active"
	default:
		return "invalid"
	}
}

// MapperError wraps a failure from the kernel's device-mapper control
// interface, carrying the underlying error so callers can inspect it with
// errors.As/errors.Unwrap without string matching.
type MapperError struct {
	Op     string
	Device string
	Err    error
}

func (e *MapperError) Error() string {
	if e.Device == "" {
		return fmt.Sprintf("device-mapper %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("device-mapper %s %q: %v", e.Op, e.Device, e.Err)
}

func (e *MapperError) Unwrap() error { return e.Err }

func mapperErr(op, device string, err error) error {
	if err == nil {
		return nil
	}
	return &MapperError{Op: op, Device: device, Err: err}
}

// Client is a process-wide handle to the kernel device-mapper control
// device. It has no mutable in-process state of its own: every device it
// creates lives in the kernel and is addressed by name, so a Client is
// safe to share across goroutines (the kernel serializes ioctls per
// device, and the snapshot lifecycle manager additionally serializes
// mutating operations behind the state-store file lock per spec.md §5).
type Client struct{}

// NewClient returns a handle to the kernel device-mapper control device.
// There is nothing to open eagerly; /dev/mapper/control is opened for the
// duration of each operation, matching the request/response shape of the
// underlying ioctls.
func NewClient() *Client { return &Client{} }

// Create allocates a new, empty named device. If uuid is empty a fresh one
// is generated, matching libdm's GenerateUuid(): the uuid is what later
// lets callers resolve a stable /dev/block/mapper/by-uuid/<uuid> path
// without racing the kernel's dm-N minor number assignment.
func (c *Client) Create(name, uuidStr string) error {
	if name == "" {
		return mapperErr("create", name, fmt.Errorf("unnamed device is not supported"))
	}
	if uuidStr == "" {
		uuidStr = uuid.NewString()
	}
	if err := osutil.DmIoctlDevCreate(name, uuidStr); err != nil {
		return mapperErr("create", name, err)
	}
	return nil
}

// Delete removes a named device.
func (c *Client) Delete(name string) error {
	if err := osutil.DmIoctlDevRemove(name); err != nil {
		return mapperErr("delete", name, err)
	}
	return nil
}

// DeleteIfExists removes a named device, treating "it doesn't exist" as
// success.
func (c *Client) DeleteIfExists(name string) error {
	if c.State(name) == Invalid {
		return nil
	}
	return c.Delete(name)
}

// LoadTable loads a new inactive table built from an ordered sequence of
// target specs. The table only becomes active once the device is resumed.
func (c *Client) LoadTable(name string, table Table) error {
	specs, err := table.ioctlSpecs()
	if err != nil {
		return mapperErr("load-table", name, err)
	}
	if err := osutil.DmIoctlTableLoad(name, specs); err != nil {
		return mapperErr("load-table", name, err)
	}
	return nil
}

// Suspend gates I/O to the device.
func (c *Client) Suspend(name string) error {
	if err := osutil.DmIoctlDevSuspend(name, true); err != nil {
		return mapperErr("suspend", name, err)
	}
	return nil
}

// Resume un-gates I/O, activating whatever table was most recently loaded.
func (c *Client) Resume(name string) error {
	if err := osutil.DmIoctlDevSuspend(name, false); err != nil {
		return mapperErr("resume", name, err)
	}
	return nil
}

// LoadTableAndActivate loads a table and resumes the device so the new
// table becomes active in one logical step.
func (c *Client) LoadTableAndActivate(name string, table Table) error {
	if err := c.LoadTable(name, table); err != nil {
		return err
	}
	return c.Resume(name)
}

// Status returns the per-target runtime status strings (sector counters
// for a snapshot target, for instance).
func (c *Client) Status(name string) ([]TargetInfo, error) {
	raw, err := osutil.DmIoctlTableStatusNamed(name)
	if err != nil {
		return nil, mapperErr("status", name, err)
	}
	return fromRaw(raw), nil
}

// Table returns the per-target parameter strings as loaded (contains
// underlying device identifiers rather than runtime counters).
func (c *Client) Table(name string) ([]TargetInfo, error) {
	raw, err := osutil.DmIoctlTableTable(name)
	if err != nil {
		return nil, mapperErr("table", name, err)
	}
	return fromRaw(raw), nil
}

// State reports whether a device is absent, suspended, or actively
// serving I/O.
func (c *Client) State(name string) State {
	status, err := osutil.DmIoctlDevStatus(name)
	if err != nil {
		return Invalid
	}
	const dmSuspendFlag = 1 << 1
	const dmActivePresentFlag = 1 << 5
	if status.Flags&dmActivePresentFlag != 0 && status.Flags&dmSuspendFlag == 0 {
		return Active
	}
	return Suspended
}

// Path returns the stable /dev/block/dm-<minor> node path for a device.
func (c *Client) Path(name string) (string, error) {
	status, err := osutil.DmIoctlDevStatus(name)
	if err != nil {
		return "", mapperErr("path", name, err)
	}
	return fmt.Sprintf("/dev/block/dm-%d", minor(status.Dev)), nil
}

// UniquePath returns the /dev/block/mapper/by-uuid/<uuid> path a device is
// guaranteed to have from the moment it is created, independent of
// whatever dm-N minor number the kernel happens to assign.
func (c *Client) UniquePath(name string) (string, error) {
	status, err := osutil.DmIoctlDevStatus(name)
	if err != nil {
		return "", mapperErr("unique-path", name, err)
	}
	if status.Uuid == "" {
		return "", mapperErr("unique-path", name, fmt.Errorf("device has no unique path"))
	}
	return "/dev/block/mapper/by-uuid/" + status.Uuid, nil
}

// DeviceString returns the "major:minor" form consumable as a parameter by
// other targets (the base/cow fields of a snapshot target's table line).
func (c *Client) DeviceString(name string) (string, error) {
	status, err := osutil.DmIoctlDevStatus(name)
	if err != nil {
		return "", mapperErr("device-string", name, err)
	}
	return fmt.Sprintf("%d:%d", major(status.Dev), minor(status.Dev)), nil
}

// WaitForDevicePath polls until path appears (or timeout elapses), for
// callers that need the node to exist before handing it off for I/O.
// A non-positive timeout returns immediately without waiting or erroring.
func WaitForDevicePath(path string, timeout time.Duration) error {
	if timeout <= 0 {
		return nil
	}
	deadline := time.Now().Add(timeout)
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for device path %q", path)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// CreateDevice is the common "create, load a table, activate, wait for the
// unique path" sequence libdm's DeviceMapper::CreateDevice performs, rolled
// into one call so composer.go doesn't have to repeat the cleanup-on-error
// dance inline.
func (c *Client) CreateDevice(name string, table Table, timeout time.Duration) (path string, err error) {
	if err := c.Create(name, ""); err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			c.DeleteIfExists(name)
		}
	}()

	if err := c.LoadTableAndActivate(name, table); err != nil {
		return "", err
	}

	uniquePath, err := c.UniquePath(name)
	if err != nil {
		return "", err
	}
	devPath, err := c.Path(name)
	if err != nil {
		return "", err
	}

	if timeout > 0 {
		if err := WaitForDevicePath(uniquePath, timeout); err != nil {
			logger.Debugf("dm: %v", err)
			return "", err
		}
	}
	return devPath, nil
}

func fromRaw(raw []osutil.TargetInfo) []TargetInfo {
	out := make([]TargetInfo, 0, len(raw))
	for _, r := range raw {
		out = append(out, TargetInfo{
			SectorStart: r.SectorStart,
			Length:      r.Length,
			TargetType:  r.TargetType,
			Params:      r.Params,
		})
	}
	return out
}

func major(dev uint64) uint32 { return uint32((dev >> 8) & 0xfff) }
func minor(dev uint64) uint32 {
	return uint32((dev & 0xff) | ((dev >> 12) &^ 0xff))
}

// ParseDeviceString parses the "major:minor" form used as a target
// parameter back into its two components.
func ParseDeviceString(s string) (major, minor uint32, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed device string %q", s)
	}
	maj, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed device string %q: %w", s, err)
	}
	min, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed device string %q: %w", s, err)
	}
	return uint32(maj), uint32(min), nil
}
