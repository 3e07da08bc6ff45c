// file: cmd/kube-notifier/cmd/checkpoint.go

package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/fx147/kube-notifier/internal/config"
	"github.com/fx147/kube-notifier/internal/printer"
	"github.com/fx147/kube-notifier/pkg/checkpoint"
)

func newCheckpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "checkpoint",
		Aliases: []string{"checkpoints", "cp"},
		Short:   "List or delete persisted watch checkpoints",
		Example: `  # List all checkpoints in the default bolt database
  kube-notifier checkpoint --checkpoint-backend bolt

  # Forget the checkpoint of pods in the default namespace
  kube-notifier checkpoint delete core/v1/pods/default --checkpoint-backend bolt`,
		Args:              cobra.NoArgs,
		PersistentPreRunE: bindCheckpointFlags,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(store checkpoint.Store) error {
				entries, err := store.List(cmd.Context())
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No checkpoints found.")
					return nil
				}
				printer.PrintCheckpointsTable(cmd.OutOrStdout(), entries, time.Now())
				return nil
			})
		},
	}
	addCheckpointFlags(cmd.PersistentFlags())

	cmd.AddCommand(&cobra.Command{
		Use:   "delete KEY",
		Short: "Delete a persisted checkpoint so the next run starts with a full list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(store checkpoint.Store) error {
				if err := store.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "checkpoint %q deleted\n", args[0])
				return nil
			})
		},
	})
	return cmd
}

func addCheckpointFlags(flags *pflag.FlagSet) {
	flags.String("checkpoint-backend", "", "Checkpoint backend: bolt or file")
	flags.String("checkpoint-path", "", "Path of the checkpoint database file or directory")
}

func bindCheckpointFlags(cmd *cobra.Command, _ []string) error {
	return bindFlags(cmd.Flags(), map[string]string{
		"checkpoint-backend": "checkpoint.backend",
		"checkpoint-path":    "checkpoint.path",
	})
}

// withStore 打开配置的 checkpoint 存储，调用 fn 之后关闭它。
func withStore(fn func(store checkpoint.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateCheckpoint(); err != nil {
		return err
	}
	if cfg.Checkpoint.Backend == config.BackendNone {
		return fmt.Errorf("checkpoint backend is %q, nothing is persisted", config.BackendNone)
	}

	store, err := openStore(cfg.Checkpoint)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}
