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
	"crypto"
	"crypto/rsa"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/binary"
	"fmt"
	"math/big"
)

// Signing algorithms defined by the AVB format.
const (
	AlgorithmNone uint32 = iota
	AlgorithmSHA256RSA2048
	AlgorithmSHA256RSA4096
	AlgorithmSHA256RSA8192
	AlgorithmSHA512RSA2048
	AlgorithmSHA512RSA4096
	AlgorithmSHA512RSA8192
)

type algorithmProps struct {
	hash    crypto.Hash
	keyBits int
}

var algorithms = map[uint32]algorithmProps{
	AlgorithmSHA256RSA2048: {crypto.SHA256, 2048},
	AlgorithmSHA256RSA4096: {crypto.SHA256, 4096},
	AlgorithmSHA256RSA8192: {crypto.SHA256, 8192},
	AlgorithmSHA512RSA2048: {crypto.SHA512, 2048},
	AlgorithmSHA512RSA4096: {crypto.SHA512, 4096},
	AlgorithmSHA512RSA8192: {crypto.SHA512, 8192},
}

// rsaKeyHeaderSize is the (key_num_bits, n0inv) prefix of the AVB
// public key format; the modulus and the precomputed rr value follow,
// each key_num_bits/8 bytes long.
const rsaKeyHeaderSize = 8

// parseRSAPublicKey decodes an AVB-format public key blob. The n0inv
// and rr montgomery helpers carried by the format are precomputation
// for bignum-free firmware and are not needed here.
func parseRSAPublicKey(blob []byte, wantBits int) (*rsa.PublicKey, error) {
	if len(blob) < rsaKeyHeaderSize {
		return nil, fmt.Errorf("public key blob too short: %d bytes", len(blob))
	}
	bits := binary.BigEndian.Uint32(blob)
	if int(bits) != wantBits {
		return nil, fmt.Errorf("public key is %d bits, algorithm requires %d", bits, wantBits)
	}
	n := int(bits) / 8
	if len(blob) != rsaKeyHeaderSize+2*n {
		return nil, fmt.Errorf("public key blob is %d bytes, want %d", len(blob), rsaKeyHeaderSize+2*n)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(blob[rsaKeyHeaderSize : rsaKeyHeaderSize+n]),
		E: 65537,
	}, nil
}

// VerifyVBMetaImage checks the integrity of a VBMeta image: header
// sanity, the hash over the header and auxiliary blocks, and the
// signature made with the public key embedded in the auxiliary block.
// On success it returns that embedded key blob so the caller can
// compare it against a pinned expectation.
//
// ErrNotSigned, ErrHashMismatch and ErrSignatureMismatch mean the
// image parses but fails verification; anything else means the image
// cannot be used at all.
func VerifyVBMetaImage(data []byte) ([]byte, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}

	if h.AuthenticationDataBlockSize%64 != 0 || h.AuxiliaryDataBlockSize%64 != 0 {
		return nil, fmt.Errorf("block sizes not multiples of 64: %w", ErrInvalidHeader)
	}

	authStart := uint64(HeaderSize)
	auxStart := authStart + h.AuthenticationDataBlockSize
	total := auxStart + h.AuxiliaryDataBlockSize
	if total < auxStart || total > uint64(len(data)) {
		return nil, fmt.Errorf("image is %d bytes, header wants %d: %w", len(data), total, ErrInvalidHeader)
	}

	if h.HashOffset+h.HashSize < h.HashOffset ||
		h.HashOffset+h.HashSize > h.AuthenticationDataBlockSize ||
		h.SignatureOffset+h.SignatureSize < h.SignatureOffset ||
		h.SignatureOffset+h.SignatureSize > h.AuthenticationDataBlockSize {
		return nil, fmt.Errorf("authentication block fields out of bounds: %w", ErrInvalidHeader)
	}
	if h.PublicKeyOffset+h.PublicKeySize < h.PublicKeyOffset ||
		h.PublicKeyOffset+h.PublicKeySize > h.AuxiliaryDataBlockSize ||
		h.DescriptorsOffset+h.DescriptorsSize < h.DescriptorsOffset ||
		h.DescriptorsOffset+h.DescriptorsSize > h.AuxiliaryDataBlockSize {
		return nil, fmt.Errorf("auxiliary block fields out of bounds: %w", ErrInvalidHeader)
	}

	if h.AlgorithmType == AlgorithmNone {
		return nil, ErrNotSigned
	}
	props, ok := algorithms[h.AlgorithmType]
	if !ok {
		return nil, fmt.Errorf("unknown algorithm %d: %w", h.AlgorithmType, ErrInvalidHeader)
	}
	if h.HashSize != uint64(props.hash.Size()) || h.SignatureSize != uint64(props.keyBits/8) {
		return nil, fmt.Errorf("hash or signature size does not match algorithm %d: %w", h.AlgorithmType, ErrInvalidHeader)
	}
	if h.PublicKeySize == 0 {
		return nil, fmt.Errorf("signed image carries no public key: %w", ErrInvalidHeader)
	}

	authBlock := data[authStart:auxStart]
	auxBlock := data[auxStart:total]

	// The signed payload is the header block followed by the auxiliary
	// block; the authentication block holding hash and signature is
	// excluded.
	hasher := props.hash.New()
	hasher.Write(data[:HeaderSize])
	hasher.Write(auxBlock)
	digest := hasher.Sum(nil)

	storedHash := authBlock[h.HashOffset : h.HashOffset+h.HashSize]
	if !bytes.Equal(digest, storedHash) {
		return nil, ErrHashMismatch
	}

	publicKey := auxBlock[h.PublicKeyOffset : h.PublicKeyOffset+h.PublicKeySize]
	key, err := parseRSAPublicKey(publicKey, props.keyBits)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrSignatureMismatch)
	}

	signature := authBlock[h.SignatureOffset : h.SignatureOffset+h.SignatureSize]
	if err := rsa.VerifyPKCS1v15(key, props.hash, digest, signature); err != nil {
		return nil, ErrSignatureMismatch
	}

	return publicKey, nil
}
