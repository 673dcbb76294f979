package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Tachikoma/internal/tachikoma/blueprint"
)

var blueprintsCmd = &cobra.Command{
	Use:   "blueprints",
	Short: "List available agent blueprints",
	Run:   runBlueprints,
}

var blueprintShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Render a blueprint with placeholder values",
	Args:  cobra.ExactArgs(1),
	Run:   runBlueprintShow,
}

func init() {
	rootCmd.AddCommand(blueprintsCmd)
	blueprintsCmd.AddCommand(blueprintShowCmd)
}

func runBlueprints(cmd *cobra.Command, _ []string) {
	a := openApp(cmd)
	defer a.Stop()

	names, err := a.Blueprints().List()
	if err != nil {
		Fatal("listing blueprints: %v", err)
	}
	if len(names) == 0 {
		fmt.Println("no blueprints found")
		return
	}
	for _, n := range names {
		fmt.Println(n)
	}
}

func runBlueprintShow(cmd *cobra.Command, args []string) {
	a := openApp(cmd)
	defer a.Stop()

	rendered, err := a.Blueprints().Render(args[0], blueprint.Vars{
		AgentID:   "example",
		AgentName: "example",
		AgentType: "generic",
		HostName:  "example",
	})
	if err != nil {
		Fatal("rendering blueprint %s: %v", args[0], err)
	}
	fmt.Print(string(rendered))
}
