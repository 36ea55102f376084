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

// Package avbtest builds signed VBMeta images for tests. The images
// are bit-compatible with the AVB on-disk format so they exercise the
// same code paths as images produced by real signing tools.
package avbtest

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"fmt"
	"math/big"
	"os"

	"github.com/DalavanCloud/fsavb/pkg/avb"
)

// ImageParams controls the shape of a generated VBMeta image.
type ImageParams struct {
	// Algorithm defaults to SHA256_RSA2048 when zero.
	Algorithm uint32
	// Unsigned produces an ALGORITHM_NONE image with an empty
	// authentication block.
	Unsigned      bool
	Flags         uint32
	RollbackIndex uint64
	ReleaseString string
	Descriptors   [][]byte
}

// GenerateKey returns a 2048-bit RSA signing key for tests.
func GenerateKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, 2048)
}

// PublicKeyBlob serializes a public key into the AVB key format:
// key_num_bits, n0inv, the modulus, and rr = (2^key_num_bits)^2 mod N.
func PublicKeyBlob(pub *rsa.PublicKey) []byte {
	bits := pub.N.BitLen()
	n := bits / 8

	b32 := new(big.Int).Lsh(big.NewInt(1), 32)
	n0inv := new(big.Int).ModInverse(pub.N, b32)
	n0inv.Sub(b32, n0inv)

	rr := new(big.Int).Lsh(big.NewInt(1), uint(2*bits))
	rr.Mod(rr, pub.N)

	blob := make([]byte, 8+2*n)
	binary.BigEndian.PutUint32(blob[0:], uint32(bits))
	binary.BigEndian.PutUint32(blob[4:], uint32(n0inv.Uint64()))
	pub.N.FillBytes(blob[8 : 8+n])
	rr.FillBytes(blob[8+n:])
	return blob
}

// SignImage assembles and signs a VBMeta image with the given key.
func SignImage(key *rsa.PrivateKey, params ImageParams) ([]byte, error) {
	algorithm := params.Algorithm
	if algorithm == 0 && !params.Unsigned {
		algorithm = avb.AlgorithmSHA256RSA2048
	}
	if params.Unsigned {
		algorithm = avb.AlgorithmNone
	}

	var publicKey []byte
	hashSize, signatureSize := 0, 0
	if algorithm != avb.AlgorithmNone {
		if algorithm != avb.AlgorithmSHA256RSA2048 {
			return nil, fmt.Errorf("unsupported test algorithm %d", algorithm)
		}
		publicKey = PublicKeyBlob(&key.PublicKey)
		hashSize = crypto.SHA256.Size()
		signatureSize = key.PublicKey.N.BitLen() / 8
	}

	// Auxiliary block: descriptors, then the public key, padded to 64.
	var aux bytes.Buffer
	for _, d := range params.Descriptors {
		aux.Write(d)
	}
	descriptorsSize := aux.Len()
	publicKeyOffset := aux.Len()
	aux.Write(publicKey)
	pad(&aux, 64)

	authSize := roundUp(hashSize+signatureSize, 64)

	header := make([]byte, avb.HeaderSize)
	copy(header, "AVB0")
	be32 := func(off int, v uint32) { binary.BigEndian.PutUint32(header[off:], v) }
	be64 := func(off int, v uint64) { binary.BigEndian.PutUint64(header[off:], v) }
	be32(4, 1) // required_libavb_version_major
	be32(8, 0) // required_libavb_version_minor
	be64(12, uint64(authSize))
	be64(20, uint64(aux.Len()))
	be32(28, algorithm)
	be64(32, 0)                     // hash_offset
	be64(40, uint64(hashSize))      // hash_size
	be64(48, uint64(hashSize))      // signature_offset
	be64(56, uint64(signatureSize)) // signature_size
	be64(64, uint64(publicKeyOffset))
	be64(72, uint64(len(publicKey)))
	be64(80, 0) // public_key_metadata_offset
	be64(88, 0) // public_key_metadata_size
	be64(96, 0) // descriptors_offset
	be64(104, uint64(descriptorsSize))
	be64(112, params.RollbackIndex)
	be32(120, params.Flags)
	be32(124, 0) // rollback_index_location
	release := params.ReleaseString
	if release == "" {
		release = "avbtest 1.1.0"
	}
	copy(header[128:128+47], release)

	var image bytes.Buffer
	image.Write(header)

	auth := make([]byte, authSize)
	if algorithm != avb.AlgorithmNone {
		hasher := crypto.SHA256.New()
		hasher.Write(header)
		hasher.Write(aux.Bytes())
		digest := hasher.Sum(nil)
		copy(auth, digest)

		signature, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest)
		if err != nil {
			return nil, err
		}
		copy(auth[hashSize:], signature)
	}
	image.Write(auth)
	image.Write(aux.Bytes())

	return image.Bytes(), nil
}

// HashtreeParams are the fields of a generated hashtree descriptor.
type HashtreeParams struct {
	PartitionName string
	ImageSize     uint64
	TreeOffset    uint64
	TreeSize      uint64
	DataBlockSize uint32
	HashBlockSize uint32
	FECNumRoots   uint32
	FECOffset     uint64
	FECSize       uint64
	HashAlgorithm string
	Salt          []byte
	RootDigest    []byte
}

// HashtreeDescriptor serializes a hashtree descriptor.
func HashtreeDescriptor(p HashtreeParams) []byte {
	if p.DataBlockSize == 0 {
		p.DataBlockSize = 4096
	}
	if p.HashBlockSize == 0 {
		p.HashBlockSize = 4096
	}
	if p.HashAlgorithm == "" {
		p.HashAlgorithm = "sha256"
	}

	var body bytes.Buffer
	w32 := func(v uint32) { binary.Write(&body, binary.BigEndian, v) }
	w64 := func(v uint64) { binary.Write(&body, binary.BigEndian, v) }
	w32(1) // dm_verity_version
	w64(p.ImageSize)
	w64(p.TreeOffset)
	w64(p.TreeSize)
	w32(p.DataBlockSize)
	w32(p.HashBlockSize)
	w32(p.FECNumRoots)
	w64(p.FECOffset)
	w64(p.FECSize)
	var algorithm [32]byte
	copy(algorithm[:], p.HashAlgorithm)
	body.Write(algorithm[:])
	w32(uint32(len(p.PartitionName)))
	w32(uint32(len(p.Salt)))
	w32(uint32(len(p.RootDigest)))
	w32(0) // flags
	body.Write(make([]byte, 60))
	body.WriteString(p.PartitionName)
	body.Write(p.Salt)
	body.Write(p.RootDigest)
	pad(&body, 8)

	return frame(avb.DescriptorTagHashtree, body.Bytes())
}

// ChainDescriptor serializes a chain-partition descriptor pinning the
// given public key blob for the named partition.
func ChainDescriptor(partitionName string, rollbackIndexLocation uint32, publicKey []byte) []byte {
	var body bytes.Buffer
	binary.Write(&body, binary.BigEndian, rollbackIndexLocation)
	binary.Write(&body, binary.BigEndian, uint32(len(partitionName)))
	binary.Write(&body, binary.BigEndian, uint32(len(publicKey)))
	body.Write(make([]byte, 64))
	body.WriteString(partitionName)
	body.Write(publicKey)
	pad(&body, 8)

	return frame(avb.DescriptorTagChainPartition, body.Bytes())
}

// Footer serializes an AvbFooter locating a VBMeta blob.
func Footer(originalImageSize, vbmetaOffset, vbmetaSize uint64) []byte {
	footer := make([]byte, avb.FooterSize)
	copy(footer, "AVBf")
	binary.BigEndian.PutUint32(footer[4:], 1) // version_major
	binary.BigEndian.PutUint32(footer[8:], 0) // version_minor
	binary.BigEndian.PutUint64(footer[12:], originalImageSize)
	binary.BigEndian.PutUint64(footer[20:], vbmetaOffset)
	binary.BigEndian.PutUint64(footer[28:], vbmetaSize)
	return footer
}

// WriteVBMetaPartition writes a bare VBMeta image to path, as stored
// on a dedicated vbmeta partition.
func WriteVBMetaPartition(path string, vbmeta []byte) error {
	return os.WriteFile(path, vbmeta, 0644)
}

// WriteFooteredPartition writes a partition image of the given size
// with the VBMeta blob appended before a trailing footer, as stored on
// a non-vbmeta partition.
func WriteFooteredPartition(path string, partitionSize int, vbmeta []byte) error {
	if partitionSize < len(vbmeta)+avb.FooterSize {
		return fmt.Errorf("partition size %d too small for %d-byte vbmeta", partitionSize, len(vbmeta))
	}

	image := make([]byte, partitionSize)
	vbmetaOffset := partitionSize - avb.FooterSize - roundUp(len(vbmeta), 4096)
	if vbmetaOffset < 0 {
		vbmetaOffset = 0
	}
	copy(image[vbmetaOffset:], vbmeta)
	copy(image[partitionSize-avb.FooterSize:],
		Footer(uint64(vbmetaOffset), uint64(vbmetaOffset), uint64(len(vbmeta))))

	return os.WriteFile(path, image, 0644)
}

func frame(tag uint64, body []byte) []byte {
	framed := make([]byte, 16+len(body))
	binary.BigEndian.PutUint64(framed, tag)
	binary.BigEndian.PutUint64(framed[8:], uint64(len(body)))
	copy(framed[16:], body)
	return framed
}

func pad(b *bytes.Buffer, align int) {
	if rem := b.Len() % align; rem != 0 {
		b.Write(make([]byte, align-rem))
	}
}

func roundUp(n, align int) int {
	return (n + align - 1) / align * align
}
