package cmd

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Tachikoma/internal/tachikoma/backend"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/codesync"
)

var syncCmd = &cobra.Command{
	Use:   "sync <agent-id>",
	Short: "Move code between the operator machine and a sandbox",
	Long: `Synchronise a working copy with the agent's sandbox, over git history
or as a file mirror.

Git mode refuses to run over uncommitted changes unless a policy says
otherwise: --policy stash shelves and restores them, --policy force
proceeds regardless. Mirror mode copies files directly and takes
--include/--exclude filters.

Examples:
  tachikoma sync builder-1 --local ./src --direction push
  tachikoma sync builder-1 --local ./src --direction pull --policy stash
  tachikoma sync probe --local ./assets --mode mirror --exclude '*.tmp'`,
	Args: cobra.ExactArgs(1),
	Run:  runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)

	f := syncCmd.Flags()
	f.String("direction", "push", "Transfer direction: push or pull")
	f.String("mode", "git", "Transfer mechanism: git or mirror")
	f.String("policy", "abort", "Uncommitted-changes policy for git mode: abort, stash, or force")
	f.String("local", "", "Local working copy (required)")
	f.String("remote", "", "Path inside the sandbox (default: its work directory)")
	f.StringArray("include", nil, "Mirror-mode include pattern (repeatable)")
	f.StringArray("exclude", nil, "Mirror-mode exclude pattern (repeatable)")
	f.Duration("timeout", 5*time.Minute, "Overall operation deadline")
	_ = syncCmd.MarkFlagRequired("local")
}

func runSync(cmd *cobra.Command, args []string) {
	a := openApp(cmd)
	defer a.Stop()

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	_, hostRec, err := a.Manager().Describe(ctx, args[0])
	if err != nil {
		Fatal("%v", err)
	}
	if hostRec == nil {
		Fatal("agent %s has no sandbox to sync with", args[0])
	}

	provider, ok := a.Providers()[hostRec.Backend]
	if !ok {
		Fatal("backend %s is not configured", hostRec.Backend)
	}
	host, err := provider.AttachHost(ctx, backend.HostRef{
		ID:      hostRec.ID,
		Name:    hostRec.Name,
		Address: hostRec.Address.String,
		Dir:     hostRec.Dir.String,
	})
	if err != nil {
		Fatal("attaching sandbox %s: %v", hostRec.ID, err)
	}

	direction, _ := cmd.Flags().GetString("direction")
	mode, _ := cmd.Flags().GetString("mode")
	policy, _ := cmd.Flags().GetString("policy")
	local, _ := cmd.Flags().GetString("local")
	remote, _ := cmd.Flags().GetString("remote")
	include, _ := cmd.Flags().GetStringArray("include")
	exclude, _ := cmd.Flags().GetStringArray("exclude")

	if remote == "" {
		remote = path.Join(host.Dir(), "work")
	}

	result, err := a.SyncEngine().Sync(ctx, host, codesync.Descriptor{
		Direction:  codesync.Direction(direction),
		Mode:       codesync.Mode(mode),
		Policy:     codesync.Policy(policy),
		LocalPath:  local,
		RemotePath: remote,
		Include:    include,
		Exclude:    exclude,
		Timeout:    timeout,
	})
	if err != nil {
		Fatal("sync failed: %v", err)
	}

	switch codesync.Mode(mode) {
	case codesync.ModeMirror:
		fmt.Printf("mirrored %d file(s), %d byte(s)\n",
			result.FilesTransferred, result.BytesTransferred)
	default:
		fmt.Printf("synced branch %s (%d commit(s))\n", result.Branch, result.Commits)
	}
	if result.Stashed {
		fmt.Println("uncommitted changes were stashed and restored")
	}
	for _, p := range result.Conflicts {
		fmt.Printf("conflict: %s\n", p)
	}
}
