package cli

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/tripmate/pkg/policy"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [path...]",
	Short: "Add policy documents and re-index the policy directory",
	Long: `Copy the given files or directories into the policy directory, then sync
the policy index with it. Without arguments the directory is only re-synced.
Sources whose files are no longer in the directory are removed from the index.`,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	a, err := newApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	loader := policy.NewLoader()
	dir := a.cfg.Policy.Dir
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create policy directory: %w", err)
	}

	for _, path := range args {
		copied, err := copyPolicyDocs(loader, path, dir)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Added %d document(s) from %s\n", copied, path)
	}

	result, err := policy.IngestDir(cmd.Context(), a.policy, loader, dir, a.log.Component("policy"))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Indexed %d file(s), %d chunk(s), removed %d source(s) in %s\n",
		result.Files, result.Chunks, result.Removed, result.Elapsed.Round(time.Millisecond))
	for _, failed := range result.Failed {
		fmt.Fprintf(out, "  failed: %s\n", failed)
	}
	return nil
}

// copyPolicyDocs copies supported documents from src into dir. A directory
// keeps its own name and layout below dir.
func copyPolicyDocs(loader *policy.Loader, src, dir string) (int, error) {
	info, err := os.Stat(src)
	if err != nil {
		return 0, err
	}

	if !info.IsDir() {
		if !loader.Supported(src) {
			return 0, fmt.Errorf("%w: %s", policy.ErrUnsupportedDocument, src)
		}
		return 1, copyFile(src, filepath.Join(dir, filepath.Base(src)))
	}

	base := filepath.Join(dir, filepath.Base(filepath.Clean(src)))
	copied := 0
	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !loader.Supported(path) {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if err := copyFile(path, filepath.Join(base, rel)); err != nil {
			return err
		}
		copied++
		return nil
	})
	return copied, err
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
