package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"meshmon/internal/metrics"
)

func newExportCmd(_ *globals) *cobra.Command {
	export := &cobra.Command{
		Use:   "export",
		Short: "Export stored probe results",
	}

	var (
		src resultSource
		out string
	)
	csvCmd := &cobra.Command{
		Use:   "csv",
		Short: "Write probe results as CSV",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				return errors.New("--out is required")
			}
			if err := src.required(); err != nil {
				return err
			}
			items, err := src.load(cmd.Context())
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				return err
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := metrics.WriteCSV(f, items); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d results to %s\n", len(items), out)
			return nil
		},
	}
	src.register(csvCmd)
	csvCmd.Flags().StringVar(&out, "out", "", "output file")
	export.AddCommand(csvCmd)
	return export
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
