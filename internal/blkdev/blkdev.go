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

// Package blkdev provides byte-level access to block devices: length
// probing, retrying positional reads, and waiting for device nodes to
// appear under /dev.
package blkdev

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Open opens a device read-only with close-on-exec set.
func Open(path string) (*os.File, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return os.NewFile(uintptr(fd), path), nil
}

// TotalSize returns the device length in bytes. The file offset is
// left where the caller had it.
func TotalSize(f *os.File) (int64, error) {
	fd := int(f.Fd())

	saved, err := unix.Seek(fd, 0, unix.SEEK_CUR)
	if err != nil {
		return -1, fmt.Errorf("failed to get current position: %w", err)
	}

	total, err := unix.Seek(fd, 0, unix.SEEK_END)
	if err != nil {
		return -1, fmt.Errorf("failed to seek to end of partition: %w", err)
	}

	if _, err := unix.Seek(fd, saved, unix.SEEK_SET); err != nil {
		return -1, fmt.Errorf("failed to seek back to offset %d: %w", saved, err)
	}

	return total, nil
}

// ReadAt reads len(buf) bytes from the device at the given offset,
// restarting reads interrupted by signals. It returns the number of
// bytes read, which is less than len(buf) only at end of device.
func ReadAt(f *os.File, buf []byte, offset int64) (int, error) {
	fd := int(f.Fd())

	read := 0
	for read < len(buf) {
		n, err := unix.Pread(fd, buf[read:], offset+int64(read))
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return read, err
		}
		if n == 0 {
			break
		}
		read += n
	}
	return read, nil
}

// WaitForFile polls for path to exist, returning true as soon as it
// does or false once the timeout has elapsed.
func WaitForFile(path string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if _, err := os.Stat(path); err == nil {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}
