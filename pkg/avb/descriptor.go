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

package avb

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Descriptor tags. Only hashtree and chain-partition descriptors are
// acted on; the rest are enumerated and ignored.
const (
	DescriptorTagProperty       uint64 = 0
	DescriptorTagHashtree       uint64 = 1
	DescriptorTagHash           uint64 = 2
	DescriptorTagKernelCmdline  uint64 = 3
	DescriptorTagChainPartition uint64 = 4
)

// descriptorSize is the length of the (tag, num_bytes_following)
// prefix every descriptor starts with.
const descriptorSize = 16

// RawDescriptor is a framing-validated view of one descriptor inside a
// VBMeta image: the byte range [Offset, Offset+Length) of the image,
// where the payload follows the 16-byte prefix. It borrows from the
// image buffer and must not outlive it.
type RawDescriptor struct {
	Tag    uint64
	Offset int
	Length int
}

// Descriptors enumerates the descriptors of a VBMeta image whose
// header has already been accepted. Each descriptor's framing is
// bounds-checked; a malformed descriptor terminates the walk with an
// error since the remainder of the region cannot be located.
func Descriptors(data []byte) ([]RawDescriptor, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}

	start := uint64(HeaderSize) + h.AuthenticationDataBlockSize + h.DescriptorsOffset
	end := start + h.DescriptorsSize
	if end < start || end > uint64(len(data)) {
		return nil, fmt.Errorf("descriptor region [%d, %d) out of bounds: %w", start, end, ErrInvalidHeader)
	}

	var descriptors []RawDescriptor
	for off := start; off < end; {
		if end-off < descriptorSize {
			return nil, fmt.Errorf("truncated descriptor at offset %d: %w", off, ErrInvalidHeader)
		}
		tag := binary.BigEndian.Uint64(data[off:])
		nbf := binary.BigEndian.Uint64(data[off+8:])
		if nbf%8 != 0 {
			return nil, fmt.Errorf("descriptor size %d not divisible by 8: %w", nbf, ErrInvalidHeader)
		}
		if nbf > end-off-descriptorSize {
			return nil, fmt.Errorf("descriptor at offset %d overruns region: %w", off, ErrInvalidHeader)
		}
		descriptors = append(descriptors, RawDescriptor{
			Tag:    tag,
			Offset: int(off),
			Length: descriptorSize + int(nbf),
		})
		off += descriptorSize + nbf
	}

	return descriptors, nil
}

// HashtreeDescriptor describes the dm-verity hash tree of one
// partition. PartitionName, Salt and RootDigest are views into the
// VBMeta image buffer; PartitionName is not NUL-terminated.
type HashtreeDescriptor struct {
	DMVerityVersion uint32
	ImageSize       uint64
	TreeOffset      uint64
	TreeSize        uint64
	DataBlockSize   uint32
	HashBlockSize   uint32
	FECNumRoots     uint32
	FECOffset       uint64
	FECSize         uint64
	HashAlgorithm   string
	Flags           uint32

	PartitionName []byte
	Salt          []byte
	RootDigest    []byte
}

type hashtreeWire struct {
	DMVerityVersion  uint32
	ImageSize        uint64
	TreeOffset       uint64
	TreeSize         uint64
	DataBlockSize    uint32
	HashBlockSize    uint32
	FECNumRoots      uint32
	FECOffset        uint64
	FECSize          uint64
	HashAlgorithm    [32]byte
	PartitionNameLen uint32
	SaltLen          uint32
	RootDigestLen    uint32
	Flags            uint32
	Reserved         [60]byte
}

// ParseHashtreeDescriptor validates and byteswaps a raw descriptor as
// a hashtree descriptor.
func ParseHashtreeDescriptor(data []byte, raw RawDescriptor) (*HashtreeDescriptor, error) {
	if raw.Tag != DescriptorTagHashtree {
		return nil, fmt.Errorf("descriptor tag %d is not hashtree: %w", raw.Tag, ErrInvalidDescriptor)
	}

	var wire hashtreeWire
	fixed := binary.Size(wire)
	if raw.Length < descriptorSize+fixed {
		return nil, fmt.Errorf("hashtree descriptor too short: %w", ErrInvalidDescriptor)
	}
	body := data[raw.Offset+descriptorSize : raw.Offset+raw.Length]
	if err := binary.Read(bytes.NewReader(body), binary.BigEndian, &wire); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidDescriptor)
	}

	expected := uint64(fixed) + uint64(wire.PartitionNameLen) + uint64(wire.SaltLen) + uint64(wire.RootDigestLen)
	if expected > uint64(len(body)) {
		return nil, fmt.Errorf("hashtree descriptor payload overruns descriptor: %w", ErrInvalidDescriptor)
	}

	name := body[fixed : fixed+int(wire.PartitionNameLen)]
	salt := body[fixed+int(wire.PartitionNameLen) : fixed+int(wire.PartitionNameLen)+int(wire.SaltLen)]
	digest := body[fixed+int(wire.PartitionNameLen)+int(wire.SaltLen) : expected]

	algorithm := wire.HashAlgorithm[:]
	if i := bytes.IndexByte(algorithm, 0); i >= 0 {
		algorithm = algorithm[:i]
	}

	return &HashtreeDescriptor{
		DMVerityVersion: wire.DMVerityVersion,
		ImageSize:       wire.ImageSize,
		TreeOffset:      wire.TreeOffset,
		TreeSize:        wire.TreeSize,
		DataBlockSize:   wire.DataBlockSize,
		HashBlockSize:   wire.HashBlockSize,
		FECNumRoots:     wire.FECNumRoots,
		FECOffset:       wire.FECOffset,
		FECSize:         wire.FECSize,
		HashAlgorithm:   string(algorithm),
		Flags:           wire.Flags,
		PartitionName:   name,
		Salt:            salt,
		RootDigest:      digest,
	}, nil
}

// ChainPartitionDescriptor pins the public key that must have signed a
// chained partition's VBMeta. PartitionName and PublicKey are views
// into the VBMeta image buffer.
type ChainPartitionDescriptor struct {
	RollbackIndexLocation uint32

	PartitionName []byte
	PublicKey     []byte
}

type chainWire struct {
	RollbackIndexLocation uint32
	PartitionNameLen      uint32
	PublicKeyLen          uint32
	Reserved              [64]byte
}

// ParseChainPartitionDescriptor validates and byteswaps a raw
// descriptor as a chain-partition descriptor.
func ParseChainPartitionDescriptor(data []byte, raw RawDescriptor) (*ChainPartitionDescriptor, error) {
	if raw.Tag != DescriptorTagChainPartition {
		return nil, fmt.Errorf("descriptor tag %d is not chain partition: %w", raw.Tag, ErrInvalidDescriptor)
	}

	var wire chainWire
	fixed := binary.Size(wire)
	if raw.Length < descriptorSize+fixed {
		return nil, fmt.Errorf("chain descriptor too short: %w", ErrInvalidDescriptor)
	}
	body := data[raw.Offset+descriptorSize : raw.Offset+raw.Length]
	if err := binary.Read(bytes.NewReader(body), binary.BigEndian, &wire); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidDescriptor)
	}

	expected := uint64(fixed) + uint64(wire.PartitionNameLen) + uint64(wire.PublicKeyLen)
	if expected > uint64(len(body)) {
		return nil, fmt.Errorf("chain descriptor payload overruns descriptor: %w", ErrInvalidDescriptor)
	}

	return &ChainPartitionDescriptor{
		RollbackIndexLocation: wire.RollbackIndexLocation,
		PartitionName:         body[fixed : fixed+int(wire.PartitionNameLen)],
		PublicKey:             body[fixed+int(wire.PartitionNameLen) : expected],
	}, nil
}
