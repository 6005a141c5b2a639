package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cordum/toolforge/core/controlplane/gateway"
	"github.com/cordum/toolforge/core/executor"
	"github.com/cordum/toolforge/core/infra/buildinfo"
	"github.com/cordum/toolforge/core/infra/bus"
	"github.com/cordum/toolforge/core/infra/config"
	"github.com/cordum/toolforge/core/infra/logging"
	"github.com/cordum/toolforge/core/store"
	"github.com/cordum/toolforge/core/tool/snapshots"
)

type rootOptions struct {
	policyPath string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logging.Error("toolforge", "command failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "toolforge",
		Short:         "Tool authoring, review and execution control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.policyPath, "policy", "", "lifecycle policy file (defaults to LIFECYCLE_POLICY_PATH)")
	root.AddCommand(
		newServeCmd(opts),
		newReapCmd(opts),
		newEchoWorkerCmd(opts),
		newPolicyCmd(opts),
		newVersionCmd(),
	)
	return root
}

func (o *rootOptions) load() (*config.Config, *config.Policy, error) {
	cfg := config.Load()
	path := o.policyPath
	if path == "" {
		path = cfg.PolicyPath
	}
	policy, err := config.LoadPolicy(path)
	if err != nil {
		// Only an explicit --policy must exist.
		if o.policyPath != "" || !errors.Is(err, fs.ErrNotExist) {
			return nil, nil, err
		}
		logging.Warn("toolforge", "lifecycle policy not found, using defaults", "path", path)
	}
	return cfg, policy, nil
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway and the snapshot reaper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, policy, err := opts.load()
			if err != nil {
				return err
			}
			buildinfo.Log("toolforge")
			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()
			return gateway.Run(ctx, cfg, policy)
		},
	}
}

func newReapCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Purge expired sandbox snapshots once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, policy, err := opts.load()
			if err != nil {
				return err
			}
			st, err := store.Open(cmd.Context(), cfg, policy)
			if err != nil {
				return err
			}
			defer st.Close()
			n, err := snapshots.New(st).Purge(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d snapshots\n", n)
			return nil
		},
	}
}

func newEchoWorkerCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "echo-worker",
		Short: "Answer execution requests with the echo executor (development)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, policy, err := opts.load()
			if err != nil {
				return err
			}
			nb, err := bus.NewNatsBus(cfg.NatsURL)
			if err != nil {
				return fmt.Errorf("connect nats: %w", err)
			}
			defer nb.Close()
			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()
			return executor.ServeNATS(ctx, nb.Conn(), cfg.ExecutorSubject, executor.Echo(), policy.ExecutorTimeout())
		},
	}
}

func newPolicyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "policy",
		Short: "Print the effective lifecycle policy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, policy, err := opts.load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "draft_lock_ttl: %s\n", policy.DraftLockTTL())
			fmt.Fprintf(out, "snapshot_ttl: %s\n", policy.SnapshotTTL())
			fmt.Fprintf(out, "snapshot_purge_grace: %s\n", policy.SnapshotGrace())
			fmt.Fprintf(out, "max_snapshot_bytes: %d\n", policy.MaxSnapshotBytes)
			fmt.Fprintf(out, "executor_timeout: %s\n", policy.ExecutorTimeout())
			fmt.Fprintf(out, "executor_concurrency: %d\n", policy.ExecutorConcurrency)
			fmt.Fprintf(out, "chat_history_ttl: %s\n", policy.ChatHistoryTTL())
			fmt.Fprintf(out, "tx_max_retries: %d\n", policy.TxMaxRetries)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.Info())
		},
	}
}

func signalAwareContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
