package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dshills/tabflow/kernel"
	"github.com/dshills/tabflow/log"
)

func newModulesCmd(f *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modules",
		Short: "List and validate the modules in the module directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load()
			if err != nil {
				return err
			}
			k, err := newKernel(cfg, log.Default)
			if err != nil {
				return err
			}
			defer k.Close()
			registry := kernel.NewRegistry(k, cfg.Worker.ModuleDir)

			slugs, err := registry.Slugs()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MODULE\tKIND\tSTATUS")
			failed := 0
			for _, slug := range slugs {
				m, err := registry.Load(cmd.Context(), slug)
				if err != nil {
					failed++
					fmt.Fprintf(w, "%s\t-\t%v\n", slug, err)
					continue
				}
				fmt.Fprintf(w, "%s\t%s\tok\n", slug, m.Spec().Kind)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d modules failed to load", failed, len(slugs))
			}
			return nil
		},
	}
	return cmd
}
