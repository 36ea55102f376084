//go:build !linux

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

package blkdev

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// SetReadOnly is only supported on Linux.
func SetReadOnly(path string) error {
	return fmt.Errorf("setting %s read-only is not supported on this platform: %w", path, errdefs.ErrNotImplemented)
}
