package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Tachikoma/common/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the Tachikoma version",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println(version.Info())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
