package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harun/tripmate/pkg/assembler"
	"github.com/harun/tripmate/pkg/memory"
	"github.com/harun/tripmate/pkg/router"
)

var (
	queryTopK int
	queryUser string
)

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Search the policy index or a user's memory",
	Long: `Print the policy chunks most similar to the text. With --user the
user's memory records are searched instead.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().IntVarP(&queryTopK, "top-k", "k", 0, "number of results (default policy.top_k)")
	queryCmd.Flags().StringVar(&queryUser, "user", "", "search this user's memory instead of policy")
	rootCmd.AddCommand(queryCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	a, err := newApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	text := strings.Join(args, " ")
	k := queryTopK
	if k <= 0 {
		k = a.cfg.Policy.TopK
	}
	out := cmd.OutOrStdout()

	if queryUser != "" {
		records, err := a.memory.Similar(cmd.Context(), queryUser, text, k)
		if err != nil && !errors.Is(err, memory.ErrEmbeddingFailure) {
			return err
		}
		if len(records) == 0 {
			fmt.Fprintln(out, "No matching memories.")
			return nil
		}
		for _, r := range records {
			fmt.Fprintf(out, "%.3f  [%s] %s  %s\n", r.Score, r.Kind, r.CreatedAt.Format("2006-01-02 15:04"), r.Text)
		}
		return nil
	}

	chunks, err := a.policy.Query(cmd.Context(), text, k)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		fmt.Fprintln(out, assembler.NoPolicyFound)
		return nil
	}
	for i, c := range chunks {
		fmt.Fprintf(out, "#%d  %s (chunk %d, score %.3f)\n%s\n\n", i+1, c.SourceID, c.Index, c.Score, router.Truncate(c.Text, 400))
	}
	return nil
}
