package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/satchel-app/satchel/core/config"
	"github.com/satchel-app/satchel/core/library"
)

var (
	flagNotesTag       string
	flagNotesFavorites bool
	flagNotesKeyword   string
	flagNotesLimit     int
)

var notesCmd = &cobra.Command{
	Use:   "notes",
	Short: "Browse and move notes in and out of the library",
}

var notesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		notes, err := a.notes.ListAdvanced(ctx, library.ListOptions{
			Tag:           flagNotesTag,
			FavoritesOnly: flagNotesFavorites,
			Keyword:       flagNotesKeyword,
			Limit:         flagNotesLimit,
		})
		if err != nil {
			return err
		}
		if flagJSON {
			return json.NewEncoder(os.Stdout).Encode(notes)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tUPDATED\tTAGS\tTITLE")
		for _, n := range notes {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", n.ID, n.UpdatedAt, strings.Join(n.Tags, ","), n.Title)
		}
		return w.Flush()
	},
}

var notesExportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Export all notes to a JSON document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		data, err := a.exporter.ExportNotes(ctx)
		if err != nil {
			return err
		}
		if err := os.WriteFile(args[0], data, 0o644); err != nil {
			return err
		}
		a.audit.Record(ctx, "notes.export", "library", "", map[string]any{"path": args[0], "bytes": len(data)})
		fmt.Printf("wrote %d bytes to %s\n", len(data), args[0])
		return nil
	},
}

var notesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import notes from a JSON document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.GuardMaintenance(); err != nil {
			return err
		}
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		result, err := a.exporter.ImportNotes(ctx, data)
		if err != nil {
			return err
		}
		a.audit.Record(ctx, "notes.import", "library", "", result)
		fmt.Printf("created %d notes (%d folders, %d skipped)\n",
			result.Created, result.FoldersCreated, result.Skipped)
		return nil
	},
}

func init() {
	notesListCmd.Flags().StringVar(&flagNotesTag, "tag", "", "filter by tag")
	notesListCmd.Flags().BoolVar(&flagNotesFavorites, "favorites", false, "favorites only")
	notesListCmd.Flags().StringVar(&flagNotesKeyword, "keyword", "", "title keyword filter")
	notesListCmd.Flags().IntVar(&flagNotesLimit, "limit", 0, "maximum rows to return")

	rootCmd.AddCommand(notesCmd)
	notesCmd.AddCommand(notesListCmd)
	notesCmd.AddCommand(notesExportCmd)
	notesCmd.AddCommand(notesImportCmd)
}
