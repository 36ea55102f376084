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

// Package fsavb turns verified hashtree descriptors into dm-verity
// devices: it searches the verified VBMeta set for a partition's
// hashtree, builds the device-mapper table according to boot policy,
// and swaps the partition's block device for the verity device.
package fsavb

import (
	"context"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/opencontainers/go-digest"

	"github.com/DalavanCloud/fsavb/internal/blkdev"
	"github.com/DalavanCloud/fsavb/pkg/avb"
	"github.com/DalavanCloud/fsavb/pkg/bootconfig"
	"github.com/DalavanCloud/fsavb/pkg/dm"
	"github.com/DalavanCloud/fsavb/pkg/vbmeta"
)

// Entry carries the two fields the verity setup needs from a mount
// table record. The caller's fstab layer owns everything else.
type Entry struct {
	BlkDevice  string
	MountPoint string
}

// HashtreeInfo is a hashtree descriptor extracted from a verified
// image, with its salt and root digest copied out so the info remains
// valid after the verified set is dropped.
type HashtreeInfo struct {
	Descriptor *avb.HashtreeDescriptor
	Salt       string
	RootDigest digest.Digest
}

// GetHashtreeDescriptor searches the verified set for the first
// hashtree descriptor whose partition name matches exactly. Malformed
// descriptors encountered during the search are skipped with a
// warning.
func GetHashtreeDescriptor(ctx context.Context, partitionName string, images []*vbmeta.VBMetaData) (*HashtreeInfo, error) {
	for _, image := range images {
		descriptors, err := avb.Descriptors(image.Data())
		if err != nil {
			log.G(ctx).WithError(err).Warnf("%s: skipping image with invalid descriptors", image.Partition())
			continue
		}
		for i, raw := range descriptors {
			if raw.Tag != avb.DescriptorTagHashtree {
				continue
			}
			desc, err := avb.ParseHashtreeDescriptor(image.Data(), raw)
			if err != nil {
				log.G(ctx).WithError(err).Warnf("descriptor[%d] is invalid", i)
				continue
			}
			// The name is a length-delimited byte run, not a C string.
			if string(desc.PartitionName) != partitionName {
				continue
			}
			return &HashtreeInfo{
				Descriptor: desc,
				Salt:       hex.EncodeToString(desc.Salt),
				RootDigest: digest.NewDigestFromEncoded(
					digest.Algorithm(desc.HashAlgorithm), hex.EncodeToString(desc.RootDigest)),
			}, nil
		}
	}

	return nil, fmt.Errorf("partition descriptor not found: %s: %w", partitionName, errdefs.ErrNotFound)
}

// ConstructVerityTable builds the dm-verity table for a hashtree
// descriptor, mapping androidboot.veritymode onto the kernel's
// corruption policy. The same block device backs both data and hash
// areas.
func ConstructVerityTable(ctx context.Context, info *HashtreeInfo, blkDevice string, config bootconfig.List) (*dm.Table, error) {
	verityMode, ok := config.Value("veritymode")
	if !ok {
		// Defaults to enforcing when it's absent.
		verityMode = "enforcing"
	}

	var dmVerityMode string
	switch verityMode {
	case "enforcing":
		dmVerityMode = dm.ModeRestartOnCorruption
	case "logging":
		dmVerityMode = dm.ModeIgnoreCorruption
	case "eio":
		// Default dm_verity_mode is eio.
	default:
		log.G(ctx).Errorf("unknown androidboot.veritymode: %s", verityMode)
		return nil, fmt.Errorf("unknown veritymode %q: %w", verityMode, errdefs.ErrInvalidArgument)
	}

	desc := info.Descriptor
	target := &dm.VerityTarget{
		SectorStart:    0,
		SectorCount:    desc.ImageSize / 512,
		Version:        desc.DMVerityVersion,
		DataDevice:     blkDevice,
		HashDevice:     blkDevice,
		DataBlockSize:  desc.DataBlockSize,
		HashBlockSize:  desc.HashBlockSize,
		NumDataBlocks:  desc.ImageSize / uint64(desc.DataBlockSize),
		HashStartBlock: desc.TreeOffset / uint64(desc.HashBlockSize),
		RootDigest:     info.RootDigest,
		Salt:           info.Salt,
	}
	if desc.FECSize > 0 {
		target.UseFEC(blkDevice, desc.FECNumRoots,
			desc.FECOffset/uint64(desc.DataBlockSize),
			desc.FECOffset/uint64(desc.DataBlockSize))
	}
	if dmVerityMode != "" {
		target.SetVerityMode(dmVerityMode)
	}
	// Always use ignore_zero_blocks.
	target.IgnoreZeroBlocks()

	log.G(ctx).Infof("built verity table: '%s'", target.Params())

	table := &dm.Table{}
	table.AddTarget(target.Spec())
	return table, nil
}

// SetUpHashtree realizes the hashtree as a dm-verity device named
// after the mount-point basename, marks the underlying block device
// read-only, and rewrites the entry's block device to the verity
// device path.
func SetUpHashtree(ctx context.Context, entry *Entry, info *HashtreeInfo,
	config bootconfig.List, mapper dm.DeviceMapper, waitForVerityDev bool) error {
	table, err := ConstructVerityTable(ctx, info, entry.BlkDevice, config)
	if err != nil {
		log.G(ctx).WithError(err).Error("failed to construct verity table")
		return fmt.Errorf("failed to construct verity table: %w", err)
	}
	if !table.Valid() {
		return fmt.Errorf("constructed verity table is not valid: %w", errdefs.ErrInvalidArgument)
	}
	table.ReadOnly = true

	mountPoint := filepath.Base(entry.MountPoint)
	if err := mapper.CreateDevice(mountPoint, table); err != nil {
		log.G(ctx).WithError(err).Error("couldn't create verity device")
		return fmt.Errorf("couldn't create verity device %s: %w", mountPoint, err)
	}

	devPath, err := mapper.DevicePathByName(mountPoint)
	if err != nil {
		log.G(ctx).WithError(err).Error("couldn't get verity device path")
		return fmt.Errorf("couldn't get verity device path for %s: %w", mountPoint, err)
	}

	// Marks the underlying block device as read-only.
	if err := blkdev.SetReadOnly(entry.BlkDevice); err != nil {
		log.G(ctx).WithError(err).Warnf("failed to set %s read-only", entry.BlkDevice)
	}

	// Updates the entry to the verity device name.
	entry.BlkDevice = devPath

	// Makes sure we've set everything up properly.
	if waitForVerityDev && !blkdev.WaitForFile(devPath, 1*time.Second) {
		return fmt.Errorf("verity device %s did not appear: %w", devPath, errdefs.ErrNotFound)
	}

	return nil
}
