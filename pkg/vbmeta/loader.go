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

package vbmeta

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/containerd/log"

	"github.com/DalavanCloud/fsavb/internal/blkdev"
	"github.com/DalavanCloud/fsavb/pkg/avb"
)

// DevicePathFunc maps a device partition name (slot suffix already
// applied) to the path of its block-device node. It must not perform
// I/O.
type DevicePathFunc func(partitionName string) string

// RollbackDetectedFunc reports whether the given rollback index is
// older than the stored index for the partition.
type RollbackDetectedFunc func(partitionName string, rollbackIndex uint64) bool

// NoRollbackProtection is the default oracle: per-partition rollback
// indices have no tamper-evident store yet, so nothing is ever
// reported as rolled back.
func NoRollbackProtection(string, uint64) bool { return false }

// deviceWaitTimeout bounds how long the loader waits for a device node
// to appear after path construction.
const deviceWaitTimeout = 1 * time.Second

// Options configures a LoadAndVerify run.
type Options struct {
	// PartitionName is the top-level AVB partition to load, without
	// slot suffix.
	PartitionName string

	// ABSuffix and ABOtherSuffix are the slot suffixes for the current
	// and the other slot. Both are empty on non-A/B devices.
	ABSuffix      string
	ABOtherSuffix string

	// ExpectedPublicKeyBlob pins the key that must have signed the
	// top-level image. Empty means the image is the root of trust and
	// any embedded key is accepted.
	ExpectedPublicKeyBlob []byte

	// AllowVerificationError tolerates signature and pinned-key
	// failures instead of promoting them to hard errors.
	AllowVerificationError bool

	// LoadChained descends into chain-partition descriptors.
	LoadChained bool

	// RollbackProtection consults the rollback oracle for every loaded
	// image.
	RollbackProtection bool

	// DevicePath resolves partition names to device paths. Required.
	DevicePath DevicePathFunc

	// RollbackDetected overrides the rollback oracle. Nil selects
	// NoRollbackProtection.
	RollbackDetected RollbackDetectedFunc
}

// DevicePartitionName converts an AVB partition name to the device
// partition name for the booted slot: "system_other" drops its suffix
// and uses the other slot's suffix, everything else appends the
// current slot's. On non-A/B devices both suffixes are empty and the
// name passes through.
func DevicePartitionName(avbPartitionName, abSuffix, abOtherSuffix string) string {
	name, isOtherSlot := strings.CutSuffix(avbPartitionName, "_other")
	if isOtherSlot {
		return name + abOtherSuffix
	}
	return name + abSuffix
}

// LoadAndVerify loads the named partition's VBMeta image, verifies it,
// and descends depth-first into its chain partitions, first chain
// first. It returns the worst status encountered and the images loaded
// so far, in descent order; the set may be partial when the result is
// VerifyResultError.
//
// With AllowVerificationError unset the returned status is never
// VerifyResultErrorVerification; it collapses to VerifyResultError so
// production boots fail closed.
func LoadAndVerify(ctx context.Context, opts Options) (VerifyResult, []*VBMetaData) {
	if opts.RollbackDetected == nil {
		opts.RollbackDetected = NoRollbackProtection
	}

	var images []*VBMetaData
	result := loadAndVerify(ctx, &opts, opts.PartitionName, opts.ExpectedPublicKeyBlob, false, &images)
	return result, images
}

func loadAndVerify(ctx context.Context, opts *Options, partitionName string,
	expectedPublicKeyBlob []byte, isChainedVBMeta bool, images *[]*VBMetaData) VerifyResult {
	// The device path might be a symlink created by init; make sure it
	// is ready to access.
	devicePath := opts.DevicePath(DevicePartitionName(partitionName, opts.ABSuffix, opts.ABOtherSuffix))
	if !blkdev.WaitForFile(devicePath, deviceWaitTimeout) {
		log.G(ctx).Errorf("no such partition: %s", devicePath)
		return VerifyResultError
	}

	f, err := blkdev.Open(devicePath)
	if err != nil {
		log.G(ctx).WithError(err).Errorf("failed to open: %s", devicePath)
		return VerifyResultError
	}
	defer f.Close()

	vbmeta, verifyResult := verifyVBMetaData(ctx, f, partitionName, expectedPublicKeyBlob)
	if vbmeta == nil {
		log.G(ctx).Errorf("%s: failed to load vbmeta, result: %s", partitionName, verifyResult)
		return VerifyResultError
	}

	if !opts.AllowVerificationError && verifyResult == VerifyResultErrorVerification {
		log.G(ctx).Errorf("%s: allow verification error is not allowed", partitionName)
		return VerifyResultError
	}

	header, err := vbmeta.Header(true)
	if err != nil {
		log.G(ctx).WithError(err).Errorf("%s: failed to get vbmeta header", partitionName)
		return VerifyResultError
	}

	if opts.RollbackProtection && opts.RollbackDetected(partitionName, header.RollbackIndex) {
		return VerifyResultError
	}

	// vbmeta flags can only be set by the top-level vbmeta image.
	if isChainedVBMeta && header.Flags != 0 {
		log.G(ctx).Errorf("%s: chained vbmeta image has non-zero flags", partitionName)
		return VerifyResultError
	}

	*images = append(*images, vbmeta)

	// If verification has been disabled by setting a bit in the image,
	// we're done.
	if header.Flags&avb.FlagsVerificationDisabled != 0 {
		log.G(ctx).Warnf("VERIFICATION_DISABLED bit is set for partition: %s", partitionName)
		return verifyResult
	}

	if opts.LoadChained {
		chains, err := chainPartitionInfo(ctx, (*images)[len(*images)-1])
		if err != nil {
			return VerifyResultError
		}
		for _, chain := range chains {
			subResult := loadAndVerify(ctx, opts, chain.PartitionName, chain.PublicKeyBlob, true, images)
			if subResult != VerifyResultSuccess {
				// Might be Error or ErrorVerification.
				verifyResult = subResult
				if verifyResult == VerifyResultError {
					return verifyResult
				}
			}
		}
	}

	return verifyResult
}

// verifyVBMetaData locates and reads the partition's VBMeta blob, then
// checks its signature and the pinned key expectation. It returns the
// blob for Success and ErrorVerification, nil otherwise.
func verifyVBMetaData(ctx context.Context, f *os.File, partitionName string,
	expectedPublicKeyBlob []byte) (*VBMetaData, VerifyResult) {
	vbmetaOffset := uint64(0)
	vbmetaSize := uint64(avb.MaxVBMetaSize)
	isVBMetaPartition := strings.HasPrefix(partitionName, "vbmeta")

	if !isVBMetaPartition {
		footer, err := readFooter(f)
		if err != nil {
			log.G(ctx).WithError(err).Errorf("%s: failed to read avb footer", partitionName)
			return nil, VerifyResultError
		}
		vbmetaOffset = footer.VBMetaOffset
		vbmetaSize = footer.VBMetaSize
	}

	if vbmetaSize > avb.MaxVBMetaSize {
		log.G(ctx).Errorf("%s: vbmeta size %d in footer exceeds the maximum of %d",
			partitionName, vbmetaSize, avb.MaxVBMetaSize)
		return nil, VerifyResultError
	}

	vbmeta := NewVBMetaData(vbmetaSize, partitionName)
	n, err := blkdev.ReadAt(f, vbmeta.Buffer(), int64(vbmetaOffset))
	// Partial reads are allowed for vbmeta partitions, whose declared
	// size is the MaxVBMetaSize bound rather than the file length.
	if err != nil || (!isVBMetaPartition && uint64(n) != vbmetaSize) {
		log.G(ctx).WithError(err).Errorf("%s: failed to read vbmeta at offset %d with size %d",
			partitionName, vbmetaOffset, vbmetaSize)
		return nil, VerifyResultError
	}

	verifyResult := verifyVBMetaSignature(ctx, vbmeta, expectedPublicKeyBlob)
	if verifyResult == VerifyResultSuccess || verifyResult == VerifyResultErrorVerification {
		return vbmeta, verifyResult
	}
	return nil, verifyResult
}

// verifyVBMetaSignature maps the avb image verification onto the
// tri-state result, including the pinned-key comparison.
func verifyVBMetaSignature(ctx context.Context, vbmeta *VBMetaData, expectedPublicKeyBlob []byte) VerifyResult {
	publicKey, err := avb.VerifyVBMetaImage(vbmeta.Data())
	switch {
	case err == nil:
		if len(publicKey) == 0 {
			log.G(ctx).Errorf("%s: error verifying vbmeta image: failed to get public key", vbmeta.Partition())
			return VerifyResultError
		}
		if !verifyPublicKeyBlob(publicKey, expectedPublicKeyBlob) {
			log.G(ctx).Errorf("%s: error verifying vbmeta image: public key used to sign data "+
				"does not match key in chain descriptor", vbmeta.Partition())
			return VerifyResultErrorVerification
		}
		return VerifyResultSuccess

	case errors.Is(err, avb.ErrNotSigned),
		errors.Is(err, avb.ErrHashMismatch),
		errors.Is(err, avb.ErrSignatureMismatch):
		log.G(ctx).WithError(err).Errorf("%s: error verifying vbmeta image", vbmeta.Partition())
		return VerifyResultErrorVerification

	default:
		// Malformed header or unsupported version; no way to continue.
		log.G(ctx).WithError(err).Errorf("%s: error verifying vbmeta image", vbmeta.Partition())
		return VerifyResultError
	}
}

// verifyPublicKeyBlob compares the embedded signing key against the
// pinned expectation. An empty expectation denotes the top-level root
// of trust and always matches.
func verifyPublicKeyBlob(publicKey, expectedPublicKeyBlob []byte) bool {
	if len(expectedPublicKeyBlob) == 0 {
		return true
	}
	return bytes.Equal(publicKey, expectedPublicKeyBlob)
}

// readFooter reads and validates the AvbFooter stored in the last
// FooterSize bytes of the partition.
func readFooter(f *os.File) (*avb.Footer, error) {
	total, err := blkdev.TotalSize(f)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, avb.FooterSize)
	n, err := blkdev.ReadAt(f, buf, total-avb.FooterSize)
	if err != nil {
		return nil, err
	}
	if n != avb.FooterSize {
		return nil, avb.ErrInvalidFooter
	}

	return avb.ParseFooter(buf)
}
