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

// Package vbmeta loads and verifies trees of signed VBMeta images and
// accumulates the verified set in descent order.
package vbmeta

import (
	"fmt"

	"github.com/DalavanCloud/fsavb/pkg/avb"
)

// VBMetaData is one loaded VBMeta image: the owned byte buffer and the
// AVB partition name it was read from. Descriptor views returned by
// the avb package borrow from Data and must not outlive it.
type VBMetaData struct {
	data      []byte
	partition string
	size      uint64
}

// NewVBMetaData allocates a zero-filled buffer of the given size for a
// partition's VBMeta image.
func NewVBMetaData(size uint64, partition string) *VBMetaData {
	return &VBMetaData{
		data:      make([]byte, size),
		partition: partition,
		size:      size,
	}
}

// Data returns the image bytes up to the effective size.
func (v *VBMetaData) Data() []byte { return v.data[:v.size] }

// Buffer returns the whole allocated buffer, which may be longer than
// the effective size for images read from vbmeta partitions.
func (v *VBMetaData) Buffer() []byte { return v.data }

// Partition returns the AVB partition name the image was loaded from.
func (v *VBMetaData) Partition() string { return v.partition }

// Size returns the effective image size.
func (v *VBMetaData) Size() uint64 { return v.size }

// Header parses the image header. With updateSize, the effective size
// is recomputed from the header's block sizes, shrinking Data to the
// exact image extent.
func (v *VBMetaData) Header(updateSize bool) (*avb.Header, error) {
	h, err := avb.ParseHeader(v.data)
	if err != nil {
		return nil, err
	}
	if updateSize {
		size := uint64(avb.HeaderSize) + h.AuthenticationDataBlockSize + h.AuxiliaryDataBlockSize
		if size > uint64(len(v.data)) {
			return nil, fmt.Errorf("header claims %d bytes but buffer holds %d: %w",
				size, len(v.data), avb.ErrInvalidHeader)
		}
		v.size = size
	}
	return h, nil
}
