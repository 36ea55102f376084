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
	"fmt"

	"github.com/containerd/log"

	"github.com/DalavanCloud/fsavb/pkg/avb"
)

// ChainInfo names a chained sub-VBMeta partition and pins the public
// key required to verify it. Both fields are copies owned by the
// ChainInfo.
type ChainInfo struct {
	PartitionName string
	PublicKeyBlob []byte
}

// chainPartitionInfo collects the chain-partition descriptors of a
// verified image. Any malformed descriptor is fatal: silently skipping
// one would let an attacker drop a verification step.
func chainPartitionInfo(ctx context.Context, v *VBMetaData) ([]ChainInfo, error) {
	descriptors, err := avb.Descriptors(v.Data())
	if err != nil {
		log.G(ctx).WithError(err).Errorf("%s: invalid descriptors in vbmeta", v.Partition())
		return nil, err
	}

	var chains []ChainInfo
	for i, raw := range descriptors {
		if raw.Tag != avb.DescriptorTagChainPartition {
			continue
		}
		desc, err := avb.ParseChainPartitionDescriptor(v.Data(), raw)
		if err != nil {
			log.G(ctx).WithError(err).Errorf("chain descriptor[%d] is invalid in vbmeta: %s", i, v.Partition())
			return nil, fmt.Errorf("chain descriptor %d in %s: %w", i, v.Partition(), err)
		}
		chains = append(chains, ChainInfo{
			PartitionName: string(desc.PartitionName),
			PublicKeyBlob: append([]byte(nil), desc.PublicKey...),
		})
	}

	return chains, nil
}
