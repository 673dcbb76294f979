package cmd

import (
	"context"
	"fmt"
	"os/user"
	"time"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Tachikoma/internal/tachikoma/blueprint"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/lifecycle"
)

var createCmd = &cobra.Command{
	Use:   "create <name> [-- command...]",
	Short: "Create and start an agent sandbox",
	Long: `Create a sandbox on the chosen backend, start the agent process in it,
and track both.

The agent is shaped by a blueprint (--blueprint) or by flags; flags win
over blueprint values. Arguments after -- replace the agent command.

Examples:
  tachikoma create builder-1 --blueprint worker
  tachikoma create probe --backend docker --image alpine:3.20 -- sh -c 'while true; do date; sleep 60; done'`,
	Args: cobra.MinimumNArgs(1),
	Run:  runCreate,
}

func init() {
	rootCmd.AddCommand(createCmd)

	f := createCmd.Flags()
	f.String("blueprint", "", "Blueprint to shape the agent from")
	f.String("backend", "", "Backend to create the sandbox on (default from config)")
	f.String("type", "", "Agent type label")
	f.String("image", "", "Sandbox image, on backends that use one")
	f.StringArray("env", nil, "Extra environment as KEY=VALUE (repeatable)")
	f.Duration("timeout", 2*time.Minute, "Overall operation deadline")
}

func runCreate(cmd *cobra.Command, args []string) {
	name := args[0]
	command := args[1:]

	a := openApp(cmd)
	defer a.Stop()

	flagType, _ := cmd.Flags().GetString("type")

	req := lifecycle.CreateRequest{
		Name:  name,
		Actor: currentActor(),
	}

	// Blueprint values first, then flags on top.
	if bpName, _ := cmd.Flags().GetString("blueprint"); bpName != "" {
		bp, err := a.Blueprints().Load(bpName, blueprint.Vars{
			AgentID:   name,
			AgentName: name,
			AgentType: flagType,
			HostName:  name,
		})
		if err != nil {
			Fatal("loading blueprint %s: %v", bpName, err)
		}
		req.Backend = bp.Host.Backend
		req.Type = bp.Metadata.Type
		req.Image = bp.Host.Image
		req.Command = bp.Agent.Command
		req.Env = mergeEnv(bp.Host.Env, bp.Agent.Env)
	}

	if v, _ := cmd.Flags().GetString("backend"); v != "" {
		req.Backend = v
	}
	if req.Backend == "" {
		req.Backend = a.Config().DefaultBackend
	}
	if flagType != "" {
		req.Type = flagType
	}
	if v, _ := cmd.Flags().GetString("image"); v != "" {
		req.Image = v
	}
	if len(command) > 0 {
		req.Command = command
	}
	envPairs, _ := cmd.Flags().GetStringArray("env")
	extra, err := splitEnv(envPairs)
	if err != nil {
		Fatal("%v", err)
	}
	req.Env = mergeEnv(req.Env, extra)

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	agent, err := a.Manager().Create(ctx, req)
	if err != nil {
		Fatal("creating %s: %v", name, err)
	}
	fmt.Printf("created %s on %s (state %s)\n", agent.ID(), req.Backend, agent.State())
}

// mergeEnv overlays b on a without mutating either.
func mergeEnv(a, b map[string]string) map[string]string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// currentActor names the invoking operator for notifications.
func currentActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "operator"
}
