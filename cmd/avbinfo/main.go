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

// avbinfo dumps the AVB metadata of a partition image: footer, VBMeta
// header, and the descriptors the boot-time loader acts on.
package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/containerd/log"
	"github.com/urfave/cli/v2"

	"github.com/DalavanCloud/fsavb/internal/blkdev"
	"github.com/DalavanCloud/fsavb/pkg/avb"
)

func main() {
	app := &cli.App{
		Name:      "avbinfo",
		Usage:     "inspect AVB metadata in a partition image",
		ArgsUsage: "<image>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
			&cli.BoolFlag{
				Name:  "footer",
				Usage: "treat the image as a non-vbmeta partition with a trailing footer",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "avbinfo: %s\n", err)
		os.Exit(1)
	}
}

func run(clix *cli.Context) error {
	if clix.Bool("debug") {
		if err := log.SetLevel("debug"); err != nil {
			return err
		}
	}
	if clix.NArg() != 1 {
		return cli.ShowAppHelp(clix)
	}

	f, err := blkdev.Open(clix.Args().First())
	if err != nil {
		return err
	}
	defer f.Close()

	vbmetaOffset := uint64(0)
	vbmetaSize := uint64(avb.MaxVBMetaSize)

	if clix.Bool("footer") {
		total, err := blkdev.TotalSize(f)
		if err != nil {
			return err
		}
		buf := make([]byte, avb.FooterSize)
		if _, err := blkdev.ReadAt(f, buf, total-avb.FooterSize); err != nil {
			return err
		}
		footer, err := avb.ParseFooter(buf)
		if err != nil {
			return err
		}
		printFooter(footer)
		vbmetaOffset = footer.VBMetaOffset
		vbmetaSize = footer.VBMetaSize
	}

	if vbmetaSize > avb.MaxVBMetaSize {
		return fmt.Errorf("vbmeta size %d exceeds the maximum of %d", vbmetaSize, avb.MaxVBMetaSize)
	}

	data := make([]byte, vbmetaSize)
	if _, err := blkdev.ReadAt(f, data, int64(vbmetaOffset)); err != nil {
		return err
	}

	header, err := avb.ParseHeader(data)
	if err != nil {
		return err
	}
	printHeader(header)

	if _, err := avb.VerifyVBMetaImage(data); err != nil {
		fmt.Printf("Verification:            FAILED (%v)\n", err)
	} else {
		fmt.Printf("Verification:            OK\n")
	}

	descriptors, err := avb.Descriptors(data)
	if err != nil {
		return err
	}
	for i, raw := range descriptors {
		printDescriptor(data, i, raw)
	}
	return nil
}

func printFooter(footer *avb.Footer) {
	fmt.Printf("Footer version:          %d.%d\n", footer.VersionMajor, footer.VersionMinor)
	fmt.Printf("Original image size:     %d bytes\n", footer.OriginalImageSize)
	fmt.Printf("VBMeta offset:           %d\n", footer.VBMetaOffset)
	fmt.Printf("VBMeta size:             %d bytes\n", footer.VBMetaSize)
}

func printHeader(header *avb.Header) {
	fmt.Printf("Minimum libavb version:  %d.%d\n",
		header.RequiredLibAVBVersionMajor, header.RequiredLibAVBVersionMinor)
	fmt.Printf("Authentication block:    %d bytes\n", header.AuthenticationDataBlockSize)
	fmt.Printf("Auxiliary block:         %d bytes\n", header.AuxiliaryDataBlockSize)
	fmt.Printf("Algorithm:               %d\n", header.AlgorithmType)
	fmt.Printf("Rollback index:          %d\n", header.RollbackIndex)
	fmt.Printf("Flags:                   %#x\n", header.Flags)
	fmt.Printf("Release string:          %q\n", header.ReleaseString)
}

func printDescriptor(data []byte, index int, raw avb.RawDescriptor) {
	switch raw.Tag {
	case avb.DescriptorTagHashtree:
		desc, err := avb.ParseHashtreeDescriptor(data, raw)
		if err != nil {
			fmt.Printf("Descriptor[%d]:           invalid hashtree descriptor (%v)\n", index, err)
			return
		}
		fmt.Printf("Descriptor[%d]:           hashtree\n", index)
		fmt.Printf("    Partition name:      %s\n", desc.PartitionName)
		fmt.Printf("    Image size:          %d bytes\n", desc.ImageSize)
		fmt.Printf("    Tree offset:         %d\n", desc.TreeOffset)
		fmt.Printf("    Data block size:     %d\n", desc.DataBlockSize)
		fmt.Printf("    Hash block size:     %d\n", desc.HashBlockSize)
		fmt.Printf("    Hash algorithm:      %s\n", desc.HashAlgorithm)
		fmt.Printf("    Salt:                %s\n", hex.EncodeToString(desc.Salt))
		fmt.Printf("    Root digest:         %s\n", hex.EncodeToString(desc.RootDigest))
		if desc.FECSize > 0 {
			fmt.Printf("    FEC size:            %d bytes at %d, %d roots\n",
				desc.FECSize, desc.FECOffset, desc.FECNumRoots)
		}
	case avb.DescriptorTagChainPartition:
		desc, err := avb.ParseChainPartitionDescriptor(data, raw)
		if err != nil {
			fmt.Printf("Descriptor[%d]:           invalid chain descriptor (%v)\n", index, err)
			return
		}
		fmt.Printf("Descriptor[%d]:           chain partition\n", index)
		fmt.Printf("    Partition name:      %s\n", desc.PartitionName)
		fmt.Printf("    Rollback location:   %d\n", desc.RollbackIndexLocation)
		fmt.Printf("    Public key:          %d bytes\n", len(desc.PublicKey))
	default:
		fmt.Printf("Descriptor[%d]:           tag %d (%d bytes)\n", index, raw.Tag, raw.Length)
	}
}
