package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/tabflow/log"
	"github.com/dshills/tabflow/queue"
)

func newEnqueueCmd(f *rootFlags) *cobra.Command {
	var (
		workflowID  int64
		version     int64
		publishSpec string
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Publish a render request for a workflow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load()
			if err != nil {
				return err
			}
			if publishSpec != "" && !json.Valid([]byte(publishSpec)) {
				return fmt.Errorf("--publish-spec is not valid JSON")
			}

			ctx := cmd.Context()
			b, err := openBackends(ctx, cfg, log.Default)
			if err != nil {
				return err
			}
			defer b.Close()

			if version == 0 {
				if version, err = b.store.StateVersion(ctx, workflowID); err != nil {
					return fmt.Errorf("look up workflow %d: %w", workflowID, err)
				}
			}
			var spec json.RawMessage
			if publishSpec != "" {
				spec = json.RawMessage(publishSpec)
			}
			m := queue.NewMessage(workflowID, version, spec)
			if err := b.queue.Publish(ctx, m); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), m.ID)
			return nil
		},
	}
	cmd.Flags().Int64Var(&workflowID, "workflow", 0, "workflow id")
	cmd.Flags().Int64Var(&version, "version", 0, "state version to render (default: current)")
	cmd.Flags().StringVar(&publishSpec, "publish-spec", "", "JSON passed through to requeued requests")
	_ = cmd.MarkFlagRequired("workflow")
	return cmd
}
