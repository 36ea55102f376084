/*
   Copyright The fsavb Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package dm models device-mapper tables. The verity target renders
// the exact parameter string the kernel's dm-verity constructor
// expects; realizing a table as a device is left to a DeviceMapper
// implementation.
package dm

import (
	"fmt"
	"strings"
)

// TargetSpec is one row of a device-mapper table.
type TargetSpec struct {
	SectorStart uint64
	SectorCount uint64
	Type        string
	Params      string
}

func (t TargetSpec) String() string {
	return fmt.Sprintf("%d %d %s %s", t.SectorStart, t.SectorCount, t.Type, t.Params)
}

// Table is an ordered list of targets plus the device read-only flag.
type Table struct {
	Targets  []TargetSpec
	ReadOnly bool
}

// AddTarget appends a target to the table.
func (t *Table) AddTarget(spec TargetSpec) {
	t.Targets = append(t.Targets, spec)
}

// Valid reports whether the table has at least one target and the
// targets are contiguous from sector 0.
func (t *Table) Valid() bool {
	if len(t.Targets) == 0 {
		return false
	}
	var next uint64
	for _, target := range t.Targets {
		if target.SectorStart != next {
			return false
		}
		next = target.SectorStart + target.SectorCount
	}
	return true
}

func (t *Table) String() string {
	rows := make([]string, len(t.Targets))
	for i, target := range t.Targets {
		rows[i] = target.String()
	}
	return strings.Join(rows, "; ")
}

// DeviceMapper creates and resolves device-mapper devices. The boot
// binary provides an implementation backed by the kernel; tests use a
// recording fake.
type DeviceMapper interface {
	// CreateDevice loads the table into a new device with the given
	// name and resumes it.
	CreateDevice(name string, table *Table) error

	// DevicePathByName returns the /dev path of a device previously
	// created under name.
	DevicePathByName(name string) (string, error)
}

// DevicePath returns the conventional device node path for a
// device-mapper device name.
func DevicePath(name string) string {
	return "/dev/mapper/" + name
}
