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

package osutil

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// dmControlPath is the character device the kernel exposes for talking to
// device-mapper out of band of any particular block device node.
const dmControlPath = "/dev/mapper/control"

// TargetInfo is one parsed entry from a DM_TABLE_STATUS reply (runtime
// status, or the loaded table when DM_STATUS_TABLE_FLAG is set): the
// target's type name plus its opaque parameter/status string.
type TargetInfo struct {
	SectorStart uint64
	Length      uint64
	TargetType  string
	Params      string
}

var (
	osOpenFile = os.OpenFile
	dmIoctl    = unixDmIoctl
)

func unixDmIoctl(fd uintptr, command int, data unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(command), uintptr(data))
	if errno != 0 {
		return errno
	}
	return nil
}

var nativeEndian binary.ByteOrder

func init() {
	buf := [2]byte{}
	*(*uint16)(unsafe.Pointer(&buf[0])) = uint16(0xABCD)
	switch buf {
	case [2]byte{0xCD, 0xAB}:
		nativeEndian = binary.LittleEndian
	case [2]byte{0xAB, 0xCD}:
		nativeEndian = binary.BigEndian
	default:
		panic("osutil: could not determine native byte order")
	}
}

// Endian returns the machine's native byte order, used to marshal the
// device-mapper ioctl structures which the kernel expects in host order.
func Endian() binary.ByteOrder {
	return nativeEndian
}

func openControlDevice() (*os.File, error) {
	f, err := osOpenFile(dmControlPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("cannot open %s: %w", dmControlPath, err)
	}
	return f, nil
}

func newDmIoctl(dataSize uint32) unix.DmIoctl {
	var io unix.DmIoctl
	io.Version[0] = 4
	io.Version[1] = 0
	io.Version[2] = 0
	io.Data_size = dataSize
	io.Data_start = unix.SizeofDmIoctl
	return io
}

// dmIoctlTableStatusBuf issues DM_TABLE_STATUS against the device identified
// by (major, minor), growing the buffer until the kernel stops reporting
// DM_BUFFER_FULL_FLAG, and returns the raw payload after the header.
func dmIoctlTableStatusBuf(major, minor uint32) ([]byte, unix.DmIoctl, error) {
	f, err := openControlDevice()
	if err != nil {
		return nil, unix.DmIoctl{}, err
	}
	defer f.Close()

	bufSize := uint32(4096)
	for {
		buf := make([]byte, bufSize)
		io := newDmIoctl(bufSize)
		io.Dev = unix.Mkdev(major, minor)

		out := new(bytes.Buffer)
		if err := binary.Write(out, Endian(), io); err != nil {
			return nil, unix.DmIoctl{}, err
		}
		copy(buf, out.Bytes())

		if err := dmIoctl(f.Fd(), unix.DM_TABLE_STATUS, unsafe.Pointer(&buf[0])); err != nil {
			return nil, unix.DmIoctl{}, err
		}

		var reply unix.DmIoctl
		if err := binary.Read(bytes.NewReader(buf[:unix.SizeofDmIoctl]), Endian(), &reply); err != nil {
			return nil, unix.DmIoctl{}, err
		}

		if reply.Flags&unix.DM_BUFFER_FULL_FLAG != 0 {
			if bufSize > 1<<24 {
				return nil, unix.DmIoctl{}, fmt.Errorf("table was too big for buffer")
			}
			bufSize *= 2
			continue
		}

		return buf, reply, nil
	}
}

// DmIoctlTableStatus returns the per-target status lines for the device
// identified by its kernel device number, as reported by DM_TABLE_STATUS.
func DmIoctlTableStatus(major, minor uint32) ([]TargetInfo, error) {
	buf, io, err := dmIoctlTableStatusBuf(major, minor)
	if err != nil {
		return nil, err
	}
	return parseDmTargetSpecs(buf, io)
}

func parseDmTargetSpecs(buf []byte, io unix.DmIoctl) ([]TargetInfo, error) {
	targets := make([]TargetInfo, 0, io.Target_count)
	cursor := io.Data_start
	dataEnd := io.Data_size
	if int(dataEnd) > len(buf) {
		dataEnd = uint32(len(buf))
	}

	for i := uint32(0); i < io.Target_count; i++ {
		if cursor+unix.SizeofDmTargetSpec > dataEnd {
			break
		}

		var spec unix.DmTargetSpec
		if err := binary.Read(bytes.NewReader(buf[cursor:cursor+unix.SizeofDmTargetSpec]), Endian(), &spec); err != nil {
			return nil, err
		}

		dataOffset := cursor + unix.SizeofDmTargetSpec
		nextCursor := io.Data_start + spec.Next
		if nextCursor > dataEnd {
			nextCursor = dataEnd
		}

		var params string
		if nextCursor > dataOffset {
			params = cString(buf[dataOffset:nextCursor])
		}

		targets = append(targets, TargetInfo{
			SectorStart: uint64(spec.Sector_start),
			Length:      uint64(spec.Length),
			TargetType:  cString(spec.Target_type[:]),
			Params:      params,
		})

		if spec.Next == 0 {
			break
		}
		cursor = nextCursor
	}

	return targets, nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// DeviceStatus is the subset of a DM_DEV_STATUS reply callers need: the
// kernel device number, the unique uuid assigned at creation, and the
// active/suspended/present flags.
type DeviceStatus struct {
	Dev         uint64
	Uuid        string
	Flags       uint32
	TargetCount uint32
	OpenCount   int32
}

func newDmIoctlNamed(name string, dataSize uint32) (unix.DmIoctl, error) {
	if len(name) >= len(unix.DmIoctl{}.Name) {
		return unix.DmIoctl{}, fmt.Errorf("device name %q is too long", name)
	}
	io := newDmIoctl(dataSize)
	copy(io.Name[:], name)
	return io, nil
}

func simpleNamedIoctl(command int, name string) (unix.DmIoctl, error) {
	f, err := openControlDevice()
	if err != nil {
		return unix.DmIoctl{}, err
	}
	defer f.Close()

	io, err := newDmIoctlNamed(name, unix.SizeofDmIoctl)
	if err != nil {
		return unix.DmIoctl{}, err
	}

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, Endian(), io); err != nil {
		return unix.DmIoctl{}, err
	}
	raw := buf.Bytes()

	if err := dmIoctl(f.Fd(), command, unsafe.Pointer(&raw[0])); err != nil {
		return unix.DmIoctl{}, err
	}

	var reply unix.DmIoctl
	if err := binary.Read(bytes.NewReader(raw), Endian(), &reply); err != nil {
		return unix.DmIoctl{}, err
	}
	return reply, nil
}

// DmIoctlDevCreate allocates a new, empty named device via DM_DEV_CREATE.
func DmIoctlDevCreate(name, uuid string) error {
	f, err := openControlDevice()
	if err != nil {
		return err
	}
	defer f.Close()

	io, err := newDmIoctlNamed(name, unix.SizeofDmIoctl)
	if err != nil {
		return err
	}
	if uuid != "" {
		if len(uuid) >= len(io.Uuid) {
			return fmt.Errorf("uuid %q is too long", uuid)
		}
		copy(io.Uuid[:], uuid)
	}

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, Endian(), io); err != nil {
		return err
	}
	raw := buf.Bytes()
	return dmIoctl(f.Fd(), unix.DM_DEV_CREATE, unsafe.Pointer(&raw[0]))
}

// DmIoctlDevRemove destroys a named device via DM_DEV_REMOVE.
func DmIoctlDevRemove(name string) error {
	_, err := simpleNamedIoctl(unix.DM_DEV_REMOVE, name)
	return err
}

// DmIoctlDevStatus issues DM_DEV_STATUS and returns the device's identity
// and state flags.
func DmIoctlDevStatus(name string) (DeviceStatus, error) {
	reply, err := simpleNamedIoctl(unix.DM_DEV_STATUS, name)
	if err != nil {
		return DeviceStatus{}, err
	}
	return DeviceStatus{
		Dev:         reply.Dev,
		Uuid:        cString(reply.Uuid[:]),
		Flags:       reply.Flags,
		TargetCount: reply.Target_count,
		OpenCount:   reply.Open_count,
	}, nil
}

// DmIoctlDevSuspend toggles I/O gating for a named device via DM_DEV_SUSPEND.
// Passing suspend=true sets DM_SUSPEND_FLAG; false resumes it by activating
// whatever table was most recently loaded.
func DmIoctlDevSuspend(name string, suspend bool) error {
	f, err := openControlDevice()
	if err != nil {
		return err
	}
	defer f.Close()

	io, err := newDmIoctlNamed(name, unix.SizeofDmIoctl)
	if err != nil {
		return err
	}
	if suspend {
		io.Flags |= unix.DM_SUSPEND_FLAG
	}

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, Endian(), io); err != nil {
		return err
	}
	raw := buf.Bytes()
	return dmIoctl(f.Fd(), unix.DM_DEV_SUSPEND, unsafe.Pointer(&raw[0]))
}

// DmTargetSpecInput is one target to be loaded via DM_TABLE_LOAD: a sector
// range, target type name, and opaque parameter string.
type DmTargetSpecInput struct {
	SectorStart uint64
	Length      uint64
	TargetType  string
	Params      string
}

// DmIoctlTableLoad loads an inactive table for a named device via
// DM_TABLE_LOAD. The table only becomes live after a subsequent
// DmIoctlDevSuspend(name, false) (resume).
func DmIoctlTableLoad(name string, targets []DmTargetSpecInput) error {
	f, err := openControlDevice()
	if err != nil {
		return err
	}
	defer f.Close()

	payload := new(bytes.Buffer)
	for _, t := range targets {
		var typeBuf [16]byte
		if len(t.TargetType) >= len(typeBuf) {
			return fmt.Errorf("dm table load: %s: target type %q exceeds %d bytes", name, t.TargetType, len(typeBuf)-1)
		}
		params := t.Params + "\x00"
		// device-mapper wants each target spec aligned to an 8-byte boundary
		for len(params)%8 != 0 {
			params += "\x00"
		}

		var spec unix.DmTargetSpec
		spec.Sector_start = t.SectorStart
		spec.Length = t.Length
		spec.Next = uint32(unix.SizeofDmTargetSpec + len(params))
		copy(typeBuf[:], t.TargetType)
		spec.Target_type = typeBuf

		if err := binary.Write(payload, Endian(), spec); err != nil {
			return err
		}
		payload.WriteString(params)
	}

	dataSize := unix.SizeofDmIoctl + uint32(payload.Len())
	io, err := newDmIoctlNamed(name, dataSize)
	if err != nil {
		return err
	}
	io.Target_count = uint32(len(targets))

	header := new(bytes.Buffer)
	if err := binary.Write(header, Endian(), io); err != nil {
		return err
	}

	raw := append(header.Bytes(), payload.Bytes()...)
	return dmIoctl(f.Fd(), unix.DM_TABLE_LOAD, unsafe.Pointer(&raw[0]))
}

// DmIoctlTableTable returns the per-target parameter strings most recently
// loaded for a named device via DM_TABLE_STATUS with DM_STATUS_TABLE_FLAG
// set (as opposed to runtime status counters).
func DmIoctlTableTable(name string) ([]TargetInfo, error) {
	return dmIoctlTableStatusNamed(name, unix.DM_STATUS_TABLE_FLAG)
}

// DmIoctlTableStatusNamed returns the runtime status lines for a named
// device via plain DM_TABLE_STATUS.
func DmIoctlTableStatusNamed(name string) ([]TargetInfo, error) {
	return dmIoctlTableStatusNamed(name, 0)
}

func dmIoctlTableStatusNamed(name string, flags uint32) ([]TargetInfo, error) {
	f, err := openControlDevice()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	bufSize := uint32(4096)
	for {
		buf := make([]byte, bufSize)
		io, err := newDmIoctlNamed(name, bufSize)
		if err != nil {
			return nil, err
		}
		io.Flags = flags

		out := new(bytes.Buffer)
		if err := binary.Write(out, Endian(), io); err != nil {
			return nil, err
		}
		copy(buf, out.Bytes())

		if err := dmIoctl(f.Fd(), unix.DM_TABLE_STATUS, unsafe.Pointer(&buf[0])); err != nil {
			return nil, err
		}

		var reply unix.DmIoctl
		if err := binary.Read(bytes.NewReader(buf[:unix.SizeofDmIoctl]), Endian(), &reply); err != nil {
			return nil, err
		}

		if reply.Flags&unix.DM_BUFFER_FULL_FLAG != 0 {
			if bufSize > 1<<24 {
				return nil, fmt.Errorf("table was too big for buffer")
			}
			bufSize *= 2
			continue
		}

		return parseDmTargetSpecs(buf, reply)
	}
}
