package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Tachikoma/internal/tachikoma/backend"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/gc"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Reclaim unused backend resources",
	Long: `Sweep the configured backends for reclaimable resources and destroy the
ones the filters select.

Filters AND together, and a sweep with no filters selects nothing, so a
bare "tachikoma gc" is always safe. Resources referenced by a live agent
are excluded unless --force is given.

Examples:
  tachikoma gc --min-age 48h
  tachikoma gc --category volume --state unused
  tachikoma gc --name 'tachikoma-ci-*' --min-age 2h --force`,
	Run: runGC,
}

func init() {
	rootCmd.AddCommand(gcCmd)

	f := gcCmd.Flags()
	f.StringArray("category", nil, "Resource category to sweep (repeatable; default all)")
	f.Duration("min-age", 0, "Select resources at least this old")
	f.String("name", "", "Select resources whose name matches this glob")
	f.StringArray("tag", nil, "Select resources carrying this tag, key or key=value (repeatable)")
	f.StringArray("not-tag", nil, "Exclude resources carrying this tag (repeatable)")
	f.StringArray("state", nil, "Select resources in this state (repeatable)")
	f.StringArray("host", nil, "Select resources belonging to this host (repeatable)")
	f.Bool("force", false, "Include resources referenced by a live agent")
	f.Duration("timeout", 5*time.Minute, "Overall operation deadline")
}

func runGC(cmd *cobra.Command, _ []string) {
	a := openApp(cmd)
	defer a.Stop()

	names, _ := cmd.Flags().GetStringArray("category")
	categories := backend.AllCategories()
	if len(names) > 0 {
		categories = categories[:0]
		for _, n := range names {
			c, err := backend.ParseCategory(n)
			if err != nil {
				Fatal("%v", err)
			}
			categories = append(categories, c)
		}
	}

	minAge, _ := cmd.Flags().GetDuration("min-age")
	nameGlob, _ := cmd.Flags().GetString("name")
	tags, _ := cmd.Flags().GetStringArray("tag")
	notTags, _ := cmd.Flags().GetStringArray("not-tag")
	states, _ := cmd.Flags().GetStringArray("state")
	hosts, _ := cmd.Flags().GetStringArray("host")
	force, _ := cmd.Flags().GetBool("force")

	sel := gc.Selection{
		MinAge:   minAge,
		NameGlob: nameGlob,
		HasTags:  tags,
		NotTags:  notTags,
		States:   states,
		HostIDs:  hosts,
		Force:    force,
	}
	if sel.Empty() {
		fmt.Println("no filters given; nothing selected (see --help)")
		return
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	report, err := a.GCEngine().Sweep(ctx, gc.Request{
		Categories: categories,
		Selection:  sel,
	})
	if err != nil {
		Fatal("sweep failed: %v", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CATEGORY\tEXAMINED\tDESTROYED\tSKIPPED\tERRORS")
	for _, c := range report.Categories {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n",
			c.Category, c.Examined, len(c.Destroyed), c.Skipped, len(c.Errors))
	}
	_ = w.Flush()

	for _, c := range report.Categories {
		for _, e := range c.Errors {
			fmt.Fprintf(os.Stderr, "warning: %v\n", e)
		}
	}

	fmt.Printf("destroyed %d resource(s) in %s\n",
		report.TotalDestroyed(), report.Finished.Sub(report.Started).Round(time.Millisecond))
	if n := report.TotalErrors(); n > 0 {
		Fatal("%d resource(s) could not be destroyed", n)
	}
}
