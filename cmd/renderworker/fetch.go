package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/tabflow/kernel"
	"github.com/dshills/tabflow/log"
	"github.com/dshills/tabflow/render"
	"github.com/dshills/tabflow/render/emit"
)

func newFetchCmd(f *rootFlags) *cobra.Command {
	var workflowID, stepID int64
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Run a step's fetch and request a render if its data changed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			b, err := openBackends(ctx, cfg, log.Default)
			if err != nil {
				return err
			}
			defer b.Close()

			k, err := newKernel(cfg, log.Default)
			if err != nil {
				return err
			}
			defer k.Close()

			opts := []render.Option{render.WithLogger(log.Default), render.WithEmitter(emit.NewLogEmitter(log.Default))}
			if cfg.Worker.TempDir != "" {
				opts = append(opts, render.WithTempDir(cfg.Worker.TempDir))
			}
			fetcher, err := render.NewFetcher(b.store, b.blobs, kernel.NewRegistry(k, cfg.Worker.ModuleDir), k, b.queue, opts...)
			if err != nil {
				return err
			}

			out, err := fetcher.Fetch(ctx, workflowID, stepID)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			switch {
			case out.Skipped:
				fmt.Fprintln(w, "skipped")
			case out.Changed:
				fmt.Fprintf(w, "changed: state version %d, %d errors\n", out.StateVersion, len(out.Errors))
			default:
				fmt.Fprintln(w, "unchanged")
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&workflowID, "workflow", 0, "workflow id")
	cmd.Flags().Int64Var(&stepID, "step", 0, "step id")
	_ = cmd.MarkFlagRequired("workflow")
	_ = cmd.MarkFlagRequired("step")
	return cmd
}
