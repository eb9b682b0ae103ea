package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/corvino/meshroom/internal/client"
	"github.com/corvino/meshroom/internal/protocol"
	"github.com/spf13/cobra"
)

// sessionFlags are shared by commands that briefly join the session over
// WebSocket to emit one event.
type sessionFlags struct {
	kind    string
	aiLabel string
	wait    time.Duration
}

func (f *sessionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.kind, "type", "human", "participant type: human or ai")
	cmd.Flags().StringVar(&f.aiLabel, "ai-name", "", "AI label shown next to the display name")
	cmd.Flags().DurationVar(&f.wait, "wait", 3*time.Second, "how long to wait for the broadcast")
}

// emit joins as flagName, sends one event once identified and waits for the
// broadcast named expect, which it prints. The connection counts as a
// participant while it is open.
func (f *sessionFlags) emit(cmd *cobra.Command, expect string, send func(context.Context, *client.WSConn) error) error {
	if flagName == "" {
		return fmt.Errorf("name is required (use -n or MESH_NAME)")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), f.wait)
	defer cancel()

	ws := client.NewWSConn(flagServer, protocol.IdentifyPayload{
		Name:    flagName,
		Kind:    f.kind,
		AILabel: f.aiLabel,
	}, nil)
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		ws.Run(ctx)
	}()
	defer func() {
		ws.Close()
		<-runDone
	}()

	if err := send(ctx, ws); err != nil {
		return err
	}
	for {
		select {
		case ev, ok := <-ws.Events():
			if !ok {
				return fmt.Errorf("connection closed before %s", expect)
			}
			if ev.Event != expect {
				continue
			}
			for _, line := range formatEvent(ev, false) {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		case <-ctx.Done():
			return fmt.Errorf("no %s within %s", expect, f.wait)
		}
	}
}

func newSummonCmd() *cobra.Command {
	var (
		sf    sessionFlags
		depth int
		mode  string
	)

	cmd := &cobra.Command{
		Use:   "summon <circuit>",
		Short: "Announce a circuit to every participant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := protocol.SummonPayload{Name: args[0], Mode: mode}
			if cmd.Flags().Changed("depth") {
				p.Depth = &depth
			}
			if err := protocol.Validate(p); err != nil {
				return err
			}
			return sf.emit(cmd, protocol.EventCircuitSummoned, func(ctx context.Context, ws *client.WSConn) error {
				return ws.SummonCircuit(ctx, p)
			})
		},
	}

	sf.register(cmd)
	cmd.Flags().IntVar(&depth, "depth", 1, "thought depth")
	cmd.Flags().StringVar(&mode, "mode", "", "circuit mode: active, deep-thinking, meshing (default: active)")
	return cmd
}

func newMeshCmd() *cobra.Command {
	var sf sessionFlags

	cmd := &cobra.Command{
		Use:   "mesh",
		Short: "Initiate the mesh",
		Long: `Joins the session and asks it to activate the mesh. Activation needs at
least two participants, this command included; otherwise nothing is
broadcast and the command times out.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return sf.emit(cmd, protocol.EventMeshActivated, func(ctx context.Context, ws *client.WSConn) error {
				return ws.InitiateMesh(ctx)
			})
		},
	}

	sf.register(cmd)
	return cmd
}

func newRelayCmd() *cobra.Command {
	var (
		sf      sessionFlags
		pattern string
	)

	cmd := &cobra.Command{
		Use:   "relay <to> <thought...>",
		Short: "Relay a thought to another circuit (mesh must be active)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := protocol.RelayPayload{
				From:    flagName,
				To:      args[0],
				Thought: strings.Join(args[1:], " "),
				Pattern: pattern,
			}
			if flagName == "" {
				return fmt.Errorf("name is required (use -n or MESH_NAME)")
			}
			if err := protocol.Validate(p); err != nil {
				return err
			}
			return sf.emit(cmd, protocol.EventCircuitEmergence, func(ctx context.Context, ws *client.WSConn) error {
				return ws.Relay(ctx, p)
			})
		},
	}

	sf.register(cmd)
	cmd.Flags().StringVar(&pattern, "pattern", "", "optional pattern label")
	return cmd
}
