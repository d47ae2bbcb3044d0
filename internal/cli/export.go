package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var (
	exportOut    string
	exportPolicy bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export memory records as JSON lines",
	Long: `Write every memory record as one JSON object per line, to stdout or to
--out. With --policy the policy chunks are exported instead.`,
	Args: cobra.NoArgs,
	RunE: runExport,
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import memory records from a JSONL export",
	Long: `Load memory records written by "tripmate export". Records whose id is
already stored are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output file (default stdout)")
	exportCmd.Flags().BoolVar(&exportPolicy, "policy", false, "export policy chunks instead of memory")
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}

type exporter interface {
	ExportAll(ctx context.Context, w io.Writer) (int, error)
}

func runExport(cmd *cobra.Command, args []string) error {
	a, err := newApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	var src exporter = a.memory
	what := "memory record(s)"
	if exportPolicy {
		src = a.policy
		what = "policy chunk(s)"
	}

	w := cmd.OutOrStdout()
	if exportOut != "" {
		f, err := os.Create(exportOut)
		if err != nil {
			return fmt.Errorf("failed to create export file: %w", err)
		}
		defer f.Close()
		w = f
	}

	n, err := src.ExportAll(cmd.Context(), w)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d %s\n", n, what)
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	a, err := newApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := a.memory.Import(cmd.Context(), f)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d memory record(s)\n", n)
	return nil
}
