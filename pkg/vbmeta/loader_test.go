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
	"context"
	"crypto/rsa"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DalavanCloud/fsavb/internal/avbtest"
	"github.com/DalavanCloud/fsavb/pkg/avb"
)

const systemPartitionSize = 64 * 1024

var (
	rootKey  *rsa.PrivateKey
	chainKey *rsa.PrivateKey
)

func init() {
	var err error
	if rootKey, err = avbtest.GenerateKey(); err != nil {
		panic(err)
	}
	if chainKey, err = avbtest.GenerateKey(); err != nil {
		panic(err)
	}
}

// testDevices lays out partition images in a temp dir and returns the
// loader options addressing them.
func testDevices(t *testing.T) (string, Options) {
	t.Helper()
	dir := t.TempDir()
	return dir, Options{
		PartitionName: "vbmeta",
		LoadChained:   true,
		DevicePath: func(partition string) string {
			return filepath.Join(dir, partition+".img")
		},
	}
}

// chainedSetup writes a top-level vbmeta chaining "system" with
// chainKey pinned, and a footered system partition signed by signKey.
func chainedSetup(t *testing.T, dir string, signKey *rsa.PrivateKey, tamperSignature bool) {
	t.Helper()

	systemVBMeta, err := avbtest.SignImage(signKey, avbtest.ImageParams{
		Descriptors: [][]byte{avbtest.HashtreeDescriptor(avbtest.HashtreeParams{
			PartitionName: "system",
			ImageSize:     16 * 4096,
		})},
	})
	require.NoError(t, err)
	if tamperSignature {
		header, err := avb.ParseHeader(systemVBMeta)
		require.NoError(t, err)
		systemVBMeta[avb.HeaderSize+int(header.SignatureOffset)] ^= 0xff
	}
	require.NoError(t, avbtest.WriteFooteredPartition(
		filepath.Join(dir, "system.img"), systemPartitionSize, systemVBMeta))

	topVBMeta, err := avbtest.SignImage(rootKey, avbtest.ImageParams{
		Descriptors: [][]byte{
			avbtest.ChainDescriptor("system", 1, avbtest.PublicKeyBlob(&chainKey.PublicKey)),
		},
	})
	require.NoError(t, err)
	require.NoError(t, avbtest.WriteVBMetaPartition(filepath.Join(dir, "vbmeta.img"), topVBMeta))
}

func TestDevicePartitionName(t *testing.T) {
	for _, tc := range []struct {
		name, abSuffix, abOtherSuffix, want string
	}{
		{"system", "_a", "_b", "system_a"},
		{"system_other", "_a", "_b", "system_b"},
		{"system", "", "", "system"},
		{"system_other", "", "", "system"},
		{"vbmeta", "_b", "_a", "vbmeta_b"},
	} {
		assert.Equal(t, tc.want, DevicePartitionName(tc.name, tc.abSuffix, tc.abOtherSuffix))
	}
}

func TestLoadAndVerifyChainSuccess(t *testing.T) {
	dir, opts := testDevices(t)
	chainedSetup(t, dir, chainKey, false)

	result, images := LoadAndVerify(context.Background(), opts)
	assert.Equal(t, VerifyResultSuccess, result)
	require.Len(t, images, 2)
	assert.Equal(t, "vbmeta", images[0].Partition())
	assert.Equal(t, "system", images[1].Partition())

	// Only the top-level image may carry flags.
	header, err := images[1].Header(false)
	require.NoError(t, err)
	assert.Zero(t, header.Flags)
}

func TestLoadAndVerifyChainKeyMismatch(t *testing.T) {
	dir, opts := testDevices(t)
	// System is signed by a key other than the one pinned in the chain
	// descriptor.
	otherKey, err := avbtest.GenerateKey()
	require.NoError(t, err)
	chainedSetup(t, dir, otherKey, false)

	opts.AllowVerificationError = true
	result, images := LoadAndVerify(context.Background(), opts)
	assert.Equal(t, VerifyResultErrorVerification, result)
	assert.Len(t, images, 2)
}

func TestLoadAndVerifyChainSignatureInvalid(t *testing.T) {
	t.Run("tolerated", func(t *testing.T) {
		dir, opts := testDevices(t)
		chainedSetup(t, dir, chainKey, true)
		opts.AllowVerificationError = true

		result, images := LoadAndVerify(context.Background(), opts)
		assert.Equal(t, VerifyResultErrorVerification, result)
		assert.Len(t, images, 2)
	})

	t.Run("fail closed", func(t *testing.T) {
		dir, opts := testDevices(t)
		chainedSetup(t, dir, chainKey, true)

		result, images := LoadAndVerify(context.Background(), opts)
		assert.Equal(t, VerifyResultError, result)
		assert.Len(t, images, 1)
	})
}

func TestLoadAndVerifyVerificationDisabled(t *testing.T) {
	dir, opts := testDevices(t)

	// Two chains are declared but must not be loaded; their partition
	// images intentionally do not exist.
	topVBMeta, err := avbtest.SignImage(rootKey, avbtest.ImageParams{
		Flags: avb.FlagsVerificationDisabled,
		Descriptors: [][]byte{
			avbtest.ChainDescriptor("system", 1, avbtest.PublicKeyBlob(&chainKey.PublicKey)),
			avbtest.ChainDescriptor("vendor", 2, avbtest.PublicKeyBlob(&chainKey.PublicKey)),
		},
	})
	require.NoError(t, err)
	require.NoError(t, avbtest.WriteVBMetaPartition(filepath.Join(dir, "vbmeta.img"), topVBMeta))

	result, images := LoadAndVerify(context.Background(), opts)
	assert.Equal(t, VerifyResultSuccess, result)
	assert.Len(t, images, 1)
}

func TestLoadAndVerifyChainedFlagsRejected(t *testing.T) {
	dir, opts := testDevices(t)

	systemVBMeta, err := avbtest.SignImage(chainKey, avbtest.ImageParams{
		Flags: avb.FlagsHashtreeDisabled,
	})
	require.NoError(t, err)
	require.NoError(t, avbtest.WriteFooteredPartition(
		filepath.Join(dir, "system.img"), systemPartitionSize, systemVBMeta))

	topVBMeta, err := avbtest.SignImage(rootKey, avbtest.ImageParams{
		Descriptors: [][]byte{
			avbtest.ChainDescriptor("system", 1, avbtest.PublicKeyBlob(&chainKey.PublicKey)),
		},
	})
	require.NoError(t, err)
	require.NoError(t, avbtest.WriteVBMetaPartition(filepath.Join(dir, "vbmeta.img"), topVBMeta))

	result, images := LoadAndVerify(context.Background(), opts)
	assert.Equal(t, VerifyResultError, result)
	assert.Len(t, images, 1)
}

func TestLoadAndVerifyPinnedTopLevelKey(t *testing.T) {
	dir, opts := testDevices(t)
	chainedSetup(t, dir, chainKey, false)

	t.Run("matching", func(t *testing.T) {
		opts.ExpectedPublicKeyBlob = avbtest.PublicKeyBlob(&rootKey.PublicKey)
		result, _ := LoadAndVerify(context.Background(), opts)
		assert.Equal(t, VerifyResultSuccess, result)
	})

	t.Run("mismatched", func(t *testing.T) {
		opts.ExpectedPublicKeyBlob = avbtest.PublicKeyBlob(&chainKey.PublicKey)
		result, _ := LoadAndVerify(context.Background(), opts)
		assert.Equal(t, VerifyResultError, result)
	})
}

func TestLoadAndVerifyRollbackDetected(t *testing.T) {
	dir, opts := testDevices(t)
	chainedSetup(t, dir, chainKey, false)

	opts.RollbackProtection = true
	opts.RollbackDetected = func(partition string, index uint64) bool {
		return partition == "vbmeta"
	}

	result, images := LoadAndVerify(context.Background(), opts)
	assert.Equal(t, VerifyResultError, result)
	assert.Empty(t, images)
}

func TestLoadAndVerifyFooterDeclaresOversizedVBMeta(t *testing.T) {
	dir, opts := testDevices(t)
	opts.PartitionName = "system"

	image := make([]byte, systemPartitionSize)
	copy(image[systemPartitionSize-avb.FooterSize:],
		avbtest.Footer(0, 0, 2*avb.MaxVBMetaSize))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "system.img"), image, 0644))

	result, images := LoadAndVerify(context.Background(), opts)
	assert.Equal(t, VerifyResultError, result)
	assert.Empty(t, images)
}

func TestLoadAndVerifyMissingDevice(t *testing.T) {
	_, opts := testDevices(t)

	result, images := LoadAndVerify(context.Background(), opts)
	assert.Equal(t, VerifyResultError, result)
	assert.Empty(t, images)
}

func TestLoadAndVerifyFooterInvariant(t *testing.T) {
	dir, opts := testDevices(t)
	chainedSetup(t, dir, chainKey, false)
	opts.PartitionName = "system"

	result, _ := LoadAndVerify(context.Background(), opts)
	require.Equal(t, VerifyResultSuccess, result)

	f, err := os.Open(filepath.Join(dir, "system.img"))
	require.NoError(t, err)
	defer f.Close()

	footer, err := readFooter(f)
	require.NoError(t, err)
	assert.LessOrEqual(t, footer.VBMetaOffset+footer.VBMetaSize,
		uint64(systemPartitionSize-avb.FooterSize))
}

func TestVerifyResultString(t *testing.T) {
	assert.Equal(t, "ResultSuccess", VerifyResultSuccess.String())
	assert.Equal(t, "ResultError", VerifyResultError.String())
	assert.Equal(t, "ResultErrorVerification", VerifyResultErrorVerification.String())
	assert.Equal(t, "ResultUnknown", VerifyResult(17).String())
}
