package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Tachikoma/common/version"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Tachikoma daemon",
	Long: `Run the control plane in the foreground: the reconciliation loop, the
periodic resource sweep, and the optional health endpoint.

The daemon watches every configured backend and corrects drift between
tracked records and backend reality. Stop it with Ctrl+C.`,
	Run: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) {
	fmt.Printf("Tachikoma %s\n", version.Info())

	a, err := app.New(loadConfig(cmd))
	if err != nil {
		Fatal("%v", err)
	}
	defer a.Stop()

	if err := a.Run(); err != nil {
		Fatal("%v", err)
	}
}
