// main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/petervdpas/goopcall/internal/app"
	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/config"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "goopcall",
		Short:        "Two-party calls negotiated through a shared record store",
		SilenceUsage: true,
	}
	root.AddCommand(newPeerCmd(), newCallCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "goopcall v%s\n", appVersion)
		},
	}
}

func newPeerCmd() *cobra.Command {
	var (
		id         string
		setup      bool
		autoAccept bool
	)
	cmd := &cobra.Command{
		Use:   "peer <directory>",
		Short: "Run a call participant from a peer directory",
		Long: "Run a call participant. The directory holds goopcall.json; a default\n" +
			"config is created on first run (--id is then required).",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			absDir, cfgPath, cfg, err := loadPeer(args[0], id)
			if err != nil {
				return err
			}
			if setup {
				cfg = app.PromptInteractive(os.Stdin, cmd.OutOrStdout(), absDir, cfgPath, cfg)
				if err := config.Save(cfgPath, cfg); err != nil {
					return fmt.Errorf("save config: %w", err)
				}
			}

			printPeerBanner(absDir, cfgPath, cfg)

			ctx, cancel := signalContext()
			defer cancel()
			return app.Run(ctx, app.Options{
				PeerDir:    absDir,
				CfgPath:    cfgPath,
				Cfg:        cfg,
				AutoAccept: autoAccept,
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "identity for a new peer directory")
	cmd.Flags().BoolVar(&setup, "setup", false, "edit the config interactively before starting")
	cmd.Flags().BoolVar(&autoAccept, "auto-accept", false, "answer every incoming call")
	return cmd
}

func newCallCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "call <directory> <remote-id>",
		Short: "Call a remote participant and stay on the line until the call ends",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			absDir, cfgPath, cfg, err := loadPeer(args[0], id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			ctx, cancel := signalContext()
			defer cancel()

			return app.Call(ctx, app.Options{PeerDir: absDir, CfgPath: cfgPath, Cfg: cfg}, args[1], func(st call.Status) {
				line := fmt.Sprintf("%s  %-11s health=%s", st.ID, st.State, st.Health)
				if st.Reason != "" {
					line += " reason=" + string(st.Reason)
				}
				if st.Stalled {
					line += " media=stalled"
				}
				if st.Restarted {
					line += " restarted"
				}
				fmt.Fprintln(out, line)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "identity for a new peer directory")
	return cmd
}

func loadPeer(dirArg, id string) (absDir, cfgPath string, cfg config.Config, err error) {
	absDir, err = filepath.Abs(dirArg)
	if err != nil {
		return "", "", cfg, fmt.Errorf("invalid peer directory: %w", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return "", "", cfg, fmt.Errorf("create peer directory: %w", err)
	}

	cfgPath = filepath.Join(absDir, config.FileName)
	cfg, created, err := config.Ensure(cfgPath, id)
	if err != nil {
		return "", "", cfg, fmt.Errorf("load config: %w", err)
	}
	if created {
		fmt.Printf("Created %s\n", cfgPath)
	}
	return absDir, cfgPath, cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printPeerBanner(peerDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                   goopcall participant                 ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Printf("Identity:       %s\n", cfg.Identity.ID)
	fmt.Printf("Store:          %s\n", cfg.Store.Driver)
	fmt.Println()

	if cfg.Viewer.HTTPAddr != "" {
		_, url := app.LocalAPIAddr(cfg.Viewer.HTTPAddr)
		fmt.Printf("Call API:       %s/api/call\n", url)
		if cfg.Push.WSServe {
			fmt.Printf("Push relay:     %s/api/push\n", url)
		}
	}
	if cfg.Push.WSURL != "" {
		fmt.Printf("Following:      %s\n", cfg.Push.WSURL)
	}
	if cfg.Push.PubSubEnabled {
		fmt.Printf("Gossip topic:   %s\n", cfg.Push.Topic)
	}

	fmt.Println("Starting peer... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
