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

package dm

import (
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Corruption policies accepted by dm-verity. An empty mode leaves the
// kernel default, which fails reads with EIO.
const (
	ModeRestartOnCorruption = "restart_on_corruption"
	ModeIgnoreCorruption    = "ignore_corruption"
)

// VerityTarget describes one dm-verity target. The zero value is not
// usable; fill in the geometry and digest fields, then apply the
// optional-argument methods before rendering.
//
// The rendered parameter string is
//
//	<version> <data_dev> <hash_dev> <data_block_size> <hash_block_size>
//	<num_data_blocks> <hash_start_block> <algorithm> <digest> <salt>
//	[<num_optional_args> <args>...]
//
// per the kernel's Documentation/admin-guide/device-mapper/verity.rst.
type VerityTarget struct {
	SectorStart uint64
	SectorCount uint64

	Version        uint32
	DataDevice     string
	HashDevice     string
	DataBlockSize  uint32
	HashBlockSize  uint32
	NumDataBlocks  uint64
	HashStartBlock uint64
	RootDigest     digest.Digest
	Salt           string

	optionalArgs []string
}

// UseFEC appends the forward-error-correction arguments referencing
// FEC data on the given device.
func (t *VerityTarget) UseFEC(device string, numRoots uint32, numBlocks, start uint64) {
	t.optionalArgs = append(t.optionalArgs,
		"use_fec_from_device", device,
		"fec_roots", fmt.Sprint(numRoots),
		"fec_blocks", fmt.Sprint(numBlocks),
		"fec_start", fmt.Sprint(start),
	)
}

// SetVerityMode appends a corruption-handling mode argument.
func (t *VerityTarget) SetVerityMode(mode string) {
	t.optionalArgs = append(t.optionalArgs, mode)
}

// IgnoreZeroBlocks makes the target skip verification of blocks that
// are all zeroes.
func (t *VerityTarget) IgnoreZeroBlocks() {
	t.optionalArgs = append(t.optionalArgs, "ignore_zero_blocks")
}

// Params renders the kernel table parameter string.
func (t *VerityTarget) Params() string {
	salt := t.Salt
	if salt == "" {
		salt = "-"
	}

	fields := []string{
		fmt.Sprint(t.Version),
		t.DataDevice,
		t.HashDevice,
		fmt.Sprint(t.DataBlockSize),
		fmt.Sprint(t.HashBlockSize),
		fmt.Sprint(t.NumDataBlocks),
		fmt.Sprint(t.HashStartBlock),
		t.RootDigest.Algorithm().String(),
		t.RootDigest.Encoded(),
		salt,
	}
	if len(t.optionalArgs) > 0 {
		fields = append(fields, fmt.Sprint(len(t.optionalArgs)))
		fields = append(fields, t.optionalArgs...)
	}
	return strings.Join(fields, " ")
}

// Spec returns the target as a table row.
func (t *VerityTarget) Spec() TargetSpec {
	return TargetSpec{
		SectorStart: t.SectorStart,
		SectorCount: t.SectorCount,
		Type:        "verity",
		Params:      t.Params(),
	}
}
