package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/satchel-app/satchel/core/memory"
)

var (
	memoryFolder string
	memoryMode   string
	memoryTopK   int
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Manage long-term memories",
}

var memoryListCmd = &cobra.Command{
	Use:   "list [folder-pattern]",
	Short: "List memories, optionally filtered by a folder glob",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		pattern := ""
		if len(args) > 0 {
			pattern = args[0]
		}
		memories, err := a.memories.List(ctx, pattern)
		if err != nil {
			return err
		}
		if flagJSON {
			return json.NewEncoder(os.Stdout).Encode(memories)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tFOLDER\tTITLE")
		for _, m := range memories {
			fmt.Fprintf(w, "%s\t%s\t%s\n", m.NoteID, m.FolderPath, m.Title)
		}
		return w.Flush()
	},
}

var memorySearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search memories",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		hits, err := a.memories.Search(ctx, args[0], memoryTopK)
		if err != nil {
			return err
		}
		if flagJSON {
			return json.NewEncoder(os.Stdout).Encode(hits)
		}
		for _, hit := range hits {
			fmt.Printf("%.3f  %s  %s\n", hit.Score, hit.NoteID, hit.Title)
		}
		return nil
	},
}

var memoryWriteCmd = &cobra.Command{
	Use:   "write <title> <content>",
	Short: "Store a memory",
	Long: `Stores a memory. With --mode the write is applied verbatim; without
it the smart path decides whether the fact is new, an update, or already
known.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		title, content := args[0], args[1]

		if memoryMode != "" {
			result, err := a.memories.Write(ctx, memory.WriteParams{
				FolderPath: memoryFolder,
				Title:      title,
				Content:    content,
				Mode:       memory.WriteMode(memoryMode),
			})
			if err != nil {
				return err
			}
			a.audit.Record(ctx, "memory.write", "note", result.NoteID, nil)
			fmt.Println(result.NoteID)
			return nil
		}

		result, err := a.memories.WriteSmart(ctx, memoryFolder, title, content)
		if err != nil {
			return err
		}
		if flagJSON {
			return json.NewEncoder(os.Stdout).Encode(result)
		}
		fmt.Printf("%s (%s)\n", result.NoteID, result.Event)
		return nil
	},
}

var memoryDeleteCmd = &cobra.Command{
	Use:   "delete <note-id>",
	Short: "Delete a memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.memories.Delete(ctx, args[0]); err != nil {
			return err
		}
		a.audit.Record(ctx, "memory.delete", "note", args[0], nil)
		fmt.Println("deleted", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(memoryCmd)
	memoryCmd.AddCommand(memoryListCmd)
	memoryCmd.AddCommand(memorySearchCmd)
	memoryCmd.AddCommand(memoryWriteCmd)
	memoryCmd.AddCommand(memoryDeleteCmd)

	memoryWriteCmd.Flags().StringVar(&memoryFolder, "folder", "", "Subfolder path under the memory root")
	memoryWriteCmd.Flags().StringVar(&memoryMode, "mode", "", "Verbatim write mode: create, update or append")
	memorySearchCmd.Flags().IntVarP(&memoryTopK, "top-k", "k", 5, "Maximum results")
}
