package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked agents",
	Run:   runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().Bool("json", false, "Output JSON")
	listCmd.Flags().Duration("timeout", 30*time.Second, "Overall operation deadline")
}

func runList(cmd *cobra.Command, _ []string) {
	a := openApp(cmd)
	defer a.Stop()

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	agents, err := a.Manager().List(ctx)
	if err != nil {
		Fatal("listing agents: %v", err)
	}

	if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(agents)
		return
	}

	if len(agents) == 0 {
		fmt.Println("no agents found")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATE\tHOST\tRUNTIME\tCREATED")
	for _, ag := range agents {
		state := ag.State
		if ag.Unreachable {
			state += " (unreachable)"
		}
		runtime := "-"
		if ag.RuntimeID.Valid {
			runtime = ag.RuntimeID.String
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			ag.ID, ag.Type, state, ag.HostID, runtime,
			ag.CreatedAt.Format(time.RFC3339))
	}
	_ = w.Flush()
}
