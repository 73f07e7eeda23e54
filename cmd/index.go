package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage the search index",
}

var indexRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Index all pending resources once",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		total := 0
		for {
			n, err := a.indexer.DrainOnce(ctx)
			if err != nil {
				return err
			}
			total += n
			if n == 0 {
				break
			}
		}
		fmt.Printf("indexed %d resources\n", total)
		return nil
	},
}

var indexResourceCmd = &cobra.Command{
	Use:   "resource <resource-id>",
	Short: "Index one resource synchronously",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.indexer.IndexResource(ctx, args[0]); err != nil {
			return err
		}
		fmt.Println("indexed", args[0])
		return nil
	},
}

var indexPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List resources waiting to be indexed",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		pending, err := a.states.ListPending(ctx, 100)
		if err != nil {
			return err
		}
		if flagJSON {
			return json.NewEncoder(os.Stdout).Encode(pending)
		}
		for _, id := range pending {
			fmt.Println(id)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.AddCommand(indexRunCmd)
	indexCmd.AddCommand(indexResourceCmd)
	indexCmd.AddCommand(indexPendingCmd)
}
