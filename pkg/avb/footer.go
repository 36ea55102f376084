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

// footerWire mirrors the on-disk AvbFooter layout.
type footerWire struct {
	Magic             [4]byte
	VersionMajor      uint32
	VersionMinor      uint32
	OriginalImageSize uint64
	VBMetaOffset      uint64
	VBMetaSize        uint64
	Reserved          [28]byte
}

// ParseFooter validates the magic and version of a footer read from
// the last FooterSize bytes of a partition and byteswaps it into host
// order.
func ParseFooter(data []byte) (*Footer, error) {
	if len(data) < FooterSize {
		return nil, fmt.Errorf("short footer: %d bytes: %w", len(data), ErrInvalidFooter)
	}

	var wire footerWire
	if err := binary.Read(bytes.NewReader(data), binary.BigEndian, &wire); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidFooter)
	}

	if string(wire.Magic[:]) != footerMagic {
		return nil, fmt.Errorf("bad magic: %w", ErrInvalidFooter)
	}
	if wire.VersionMajor != footerVersionMajor {
		return nil, fmt.Errorf("footer version %d.%d: %w", wire.VersionMajor, wire.VersionMinor, ErrInvalidFooter)
	}

	return &Footer{
		VersionMajor:      wire.VersionMajor,
		VersionMinor:      wire.VersionMinor,
		OriginalImageSize: wire.OriginalImageSize,
		VBMetaOffset:      wire.VBMetaOffset,
		VBMetaSize:        wire.VBMetaSize,
	}, nil
}
