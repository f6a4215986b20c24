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

// Package loopimage is the default snapshot.ImageManager: overflow COW
// images are plain sparse files under a directory, mapped to loop devices
// on demand.
package loopimage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/freddierice/go-losetup/v2"
	"golang.org/x/sys/unix"

	"github.com/tawannacab87/platform-system-core/dm"
)

// Manager creates, maps, and removes sparse-file backed images under a
// single directory, one per named COW overflow file.
type Manager struct {
	Dir string

	mu      sync.Mutex
	devices map[string]losetup.Device
}

// NewManager returns a Manager rooted at dir. The directory is created
// lazily by Create.
func NewManager(dir string) *Manager {
	return &Manager{Dir: dir, devices: make(map[string]losetup.Device)}
}

func (m *Manager) path(name string) string {
	return filepath.Join(m.Dir, name+".img")
}

// Create provisions a sparse file of the given size. Images are created
// unmapped; callers map them explicitly with Map.
func (m *Manager) Create(name string, size uint64) error {
	if err := os.MkdirAll(m.Dir, 0700); err != nil {
		return fmt.Errorf("loopimage: create %s: %w", name, err)
	}
	path := m.path(name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("loopimage: create %s: %w", name, err)
	}
	defer f.Close()
	if err := f.Truncate(int64(size)); err != nil {
		os.Remove(path)
		return fmt.Errorf("loopimage: create %s: %w", name, err)
	}
	return nil
}

// Exists reports whether an image file with this name was already created.
func (m *Manager) Exists(name string) bool {
	_, err := os.Stat(m.path(name))
	return err == nil
}

// Delete removes the backing file. It is an error to call Delete while the
// image is still mapped.
func (m *Manager) Delete(name string) error {
	m.mu.Lock()
	_, mapped := m.devices[name]
	m.mu.Unlock()
	if mapped {
		return fmt.Errorf("loopimage: delete %s: still mapped", name)
	}
	if err := os.Remove(m.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("loopimage: delete %s: %w", name, err)
	}
	return nil
}

// Map attaches the backing file to a loop device and returns its
// device-mapper "major:minor" string, waiting up to timeout for the node to
// settle.
func (m *Manager) Map(name string, timeout time.Duration) (string, error) {
	m.mu.Lock()
	if dev, ok := m.devices[name]; ok {
		m.mu.Unlock()
		return deviceString(dev.Path())
	}
	m.mu.Unlock()

	dev, err := losetup.Attach(m.path(name), 0, false)
	if err != nil {
		return "", fmt.Errorf("loopimage: map %s: %w", name, err)
	}

	if timeout > 0 {
		if err := dm.WaitForDevicePath(dev.Path(), timeout); err != nil {
			dev.Detach()
			return "", fmt.Errorf("loopimage: map %s: %w", name, err)
		}
	}

	m.mu.Lock()
	m.devices[name] = dev
	m.mu.Unlock()

	return deviceString(dev.Path())
}

// Path returns the loop device node path for an already-mapped image.
func (m *Manager) Path(name string) (string, error) {
	m.mu.Lock()
	dev, ok := m.devices[name]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("loopimage: %s is not mapped", name)
	}
	return dev.Path(), nil
}

// Unmap detaches the loop device backing name.
func (m *Manager) Unmap(name string) error {
	m.mu.Lock()
	dev, ok := m.devices[name]
	if ok {
		delete(m.devices, name)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("loopimage: %s is not mapped", name)
	}
	if err := dev.Detach(); err != nil {
		return fmt.Errorf("loopimage: unmap %s: %w", name, err)
	}
	return nil
}

// UnmapIfExists detaches name's loop device if mapped; it is not an error
// to call this on an unmapped or nonexistent image.
func (m *Manager) UnmapIfExists(name string) {
	m.mu.Lock()
	_, ok := m.devices[name]
	m.mu.Unlock()
	if ok {
		m.Unmap(name)
	}
}

// deviceString stats the loop device node and renders its "major:minor"
// form, the shape device-mapper targets take as parameters.
func deviceString(devPath string) (string, error) {
	var st unix.Stat_t
	if err := unix.Stat(devPath, &st); err != nil {
		return "", fmt.Errorf("loopimage: stat %s: %w", devPath, err)
	}
	major := uint32((st.Rdev >> 8) & 0xfff)
	minor := uint32((st.Rdev & 0xff) | ((st.Rdev >> 12) &^ 0xff))
	return fmt.Sprintf("%d:%d", major, minor), nil
}
