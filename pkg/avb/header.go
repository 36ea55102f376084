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

// headerWire mirrors the on-disk AvbVBMetaImageHeader layout.
type headerWire struct {
	Magic                       [4]byte
	RequiredLibAVBVersionMajor  uint32
	RequiredLibAVBVersionMinor  uint32
	AuthenticationDataBlockSize uint64
	AuxiliaryDataBlockSize      uint64
	AlgorithmType               uint32
	HashOffset                  uint64
	HashSize                    uint64
	SignatureOffset             uint64
	SignatureSize               uint64
	PublicKeyOffset             uint64
	PublicKeySize               uint64
	PublicKeyMetadataOffset     uint64
	PublicKeyMetadataSize       uint64
	DescriptorsOffset           uint64
	DescriptorsSize             uint64
	RollbackIndex               uint64
	Flags                       uint32
	RollbackIndexLocation       uint32
	ReleaseString               [48]byte
	Reserved                    [80]byte
}

// ParseHeader byteswaps the first HeaderSize bytes of a VBMeta image
// into host order, checking magic and the required libavb version.
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("short header: %d bytes: %w", len(data), ErrInvalidHeader)
	}

	var wire headerWire
	if err := binary.Read(bytes.NewReader(data), binary.BigEndian, &wire); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidHeader)
	}

	if string(wire.Magic[:]) != headerMagic {
		return nil, fmt.Errorf("bad magic: %w", ErrInvalidHeader)
	}
	if wire.RequiredLibAVBVersionMajor != versionMajor ||
		wire.RequiredLibAVBVersionMinor > versionMinor {
		return nil, fmt.Errorf("requires libavb %d.%d: %w",
			wire.RequiredLibAVBVersionMajor, wire.RequiredLibAVBVersionMinor, ErrUnsupportedVersion)
	}

	release := wire.ReleaseString[:]
	if i := bytes.IndexByte(release, 0); i >= 0 {
		release = release[:i]
	}

	return &Header{
		RequiredLibAVBVersionMajor:  wire.RequiredLibAVBVersionMajor,
		RequiredLibAVBVersionMinor:  wire.RequiredLibAVBVersionMinor,
		AuthenticationDataBlockSize: wire.AuthenticationDataBlockSize,
		AuxiliaryDataBlockSize:      wire.AuxiliaryDataBlockSize,
		AlgorithmType:               wire.AlgorithmType,
		HashOffset:                  wire.HashOffset,
		HashSize:                    wire.HashSize,
		SignatureOffset:             wire.SignatureOffset,
		SignatureSize:               wire.SignatureSize,
		PublicKeyOffset:             wire.PublicKeyOffset,
		PublicKeySize:               wire.PublicKeySize,
		PublicKeyMetadataOffset:     wire.PublicKeyMetadataOffset,
		PublicKeyMetadataSize:       wire.PublicKeyMetadataSize,
		DescriptorsOffset:           wire.DescriptorsOffset,
		DescriptorsSize:             wire.DescriptorsSize,
		RollbackIndex:               wire.RollbackIndex,
		Flags:                       wire.Flags,
		RollbackIndexLocation:       wire.RollbackIndexLocation,
		ReleaseString:               string(release),
	}, nil
}
