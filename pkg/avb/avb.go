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

// Package avb implements the Android Verified Boot on-disk format:
// the VBMeta image header, the partition footer, descriptor framing,
// and signature verification of VBMeta images. All multi-byte integers
// are stored big-endian on disk.
package avb

import (
	"fmt"

	"github.com/containerd/errdefs"
)

const (
	// FooterSize is the fixed size of the AvbFooter structure stored in
	// the last FooterSize bytes of a partition.
	FooterSize = 64

	// HeaderSize is the fixed size of the VBMeta image header. The
	// authentication and auxiliary data blocks follow it immediately.
	HeaderSize = 256

	// MaxVBMetaSize bounds the size of any VBMeta image loaded at boot.
	MaxVBMetaSize = 64 * 1024

	footerMagic = "AVBf"
	headerMagic = "AVB0"

	footerVersionMajor = 1

	// Highest libavb release the header parser understands.
	versionMajor = 1
	versionMinor = 1
)

// VBMeta image header flags.
const (
	// FlagsHashtreeDisabled signals that dm-verity should not be set up
	// even though hashtree descriptors are present.
	FlagsHashtreeDisabled uint32 = 1 << 0

	// FlagsVerificationDisabled signals that the contents of the image
	// should be taken at face value; the vbmeta loader does not read its
	// chain descriptors and does not descend into chained partitions.
	FlagsVerificationDisabled uint32 = 1 << 1
)

// Errors returned by the footer, header and descriptor parsers and by
// VerifyVBMetaImage.
var (
	ErrInvalidFooter      = fmt.Errorf("invalid avb footer: %w", errdefs.ErrInvalidArgument)
	ErrInvalidHeader      = fmt.Errorf("invalid vbmeta header: %w", errdefs.ErrInvalidArgument)
	ErrInvalidDescriptor  = fmt.Errorf("invalid descriptor: %w", errdefs.ErrInvalidArgument)
	ErrUnsupportedVersion = fmt.Errorf("unsupported avb version: %w", errdefs.ErrInvalidArgument)
	ErrNotSigned          = fmt.Errorf("vbmeta image is not signed: %w", errdefs.ErrFailedPrecondition)
	ErrHashMismatch       = fmt.Errorf("vbmeta hash mismatch: %w", errdefs.ErrFailedPrecondition)
	ErrSignatureMismatch  = fmt.Errorf("vbmeta signature mismatch: %w", errdefs.ErrFailedPrecondition)
)

// Footer is the fixed-size structure stored at the tail of a
// non-vbmeta partition, locating the VBMeta blob within it.
type Footer struct {
	VersionMajor      uint32
	VersionMinor      uint32
	OriginalImageSize uint64
	VBMetaOffset      uint64
	VBMetaSize        uint64
}

// Header is the VBMeta image header in host byte order.
type Header struct {
	RequiredLibAVBVersionMajor uint32
	RequiredLibAVBVersionMinor uint32

	AuthenticationDataBlockSize uint64
	AuxiliaryDataBlockSize      uint64

	AlgorithmType uint32

	HashOffset uint64
	HashSize   uint64

	SignatureOffset uint64
	SignatureSize   uint64

	PublicKeyOffset uint64
	PublicKeySize   uint64

	PublicKeyMetadataOffset uint64
	PublicKeyMetadataSize   uint64

	DescriptorsOffset uint64
	DescriptorsSize   uint64

	RollbackIndex uint64

	Flags uint32

	RollbackIndexLocation uint32

	ReleaseString string
}
