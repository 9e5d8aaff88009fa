package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dialohq/fxfsp/internal/scan"
	"github.com/dialohq/fxfsp/internal/services"
)

var infoCmd = &cobra.Command{
	Use:   "info <device>",
	Short: "Print the superblock summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		opts, err := scanOptions(path)
		if err != nil {
			return err
		}

		handler := services.ScanHandler{
			OnSuperblock: func(info *scan.SuperblockInfo) scan.Control {
				fmt.Printf("UUID:             %s\n", info.UUID)
				fmt.Printf("format:           v%d\n", formatVersion(info))
				fmt.Printf("block size:       %d\n", info.BlockSize)
				fmt.Printf("sector size:      %d\n", info.SectorSize)
				fmt.Printf("inode size:       %d\n", info.InodeSize)
				fmt.Printf("AGs:              %d x %d blocks\n", info.AgCount, info.AgBlocks)
				fmt.Printf("root inode:       %d\n", info.RootIno)
				fmt.Printf("ftype:            %v\n", info.HasFtype)
				fmt.Printf("nrext64:          %v\n", info.HasNrext64)
				fmt.Printf("sparse inodes:    %v\n", info.HasSparseInodes)
				fmt.Printf("finobt:           %v\n", info.HasFinobt)
				fmt.Printf("reflink:          %v\n", info.HasReflink)
				return scan.Break(nil)
			},
		}

		return services.Scan(path, opts, handler)
	},
}

func formatVersion(info *scan.SuperblockInfo) int {
	if info.V5 {
		return 5
	}
	return 4
}

func init() {
	addTuningFlags(infoCmd)
	rootCmd.AddCommand(infoCmd)
}
