package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/satchel-app/satchel/core/retrieval"
)

var (
	searchTopK int
	searchWeb  bool
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the workspace",
	Long: `Runs the hybrid retrieval pipeline over entities, indexed chunks
and memories.

Examples:
  satchel search "cell membrane transport"
  satchel search --top-k 20 "essay feedback"
  satchel search --json "osmosis" | jq '.chunks'`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)

	searchCmd.Flags().IntVarP(&searchTopK, "top-k", "k", 8, "Maximum results per source")
	searchCmd.Flags().BoolVar(&searchWeb, "web", false, "Include the web search leg")
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	result, err := a.retriever.Retrieve(ctx, retrieval.Request{
		Query:      args[0],
		TopK:       searchTopK,
		IncludeWeb: searchWeb,
	})
	if err != nil {
		return err
	}

	if flagJSON {
		return json.NewEncoder(os.Stdout).Encode(result)
	}

	printItems("entities", result.Entities)
	printItems("chunks", result.Chunks)
	printItems("memories", result.Memories)
	printItems("web", result.Web)
	return nil
}

func printItems(heading string, items []retrieval.Item) {
	if len(items) == 0 {
		return
	}
	fmt.Printf("%s:\n", heading)
	for _, item := range items {
		title := item.Title
		if title == "" {
			title = item.ID
		}
		fmt.Printf("  %.3f  %s\n", item.Score, title)
		if item.Snippet != "" {
			fmt.Printf("         %s\n", item.Snippet)
		}
	}
}
