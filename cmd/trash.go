package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/satchel-app/satchel/core/config"
)

var trashCmd = &cobra.Command{
	Use:   "trash",
	Short: "Inspect and empty the trash",
}

var trashListCmd = &cobra.Command{
	Use:   "list",
	Short: "List soft-deleted items",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		type trashed struct {
			Kind      string  `json:"kind"`
			ID        string  `json:"id"`
			Title     string  `json:"title"`
			DeletedAt *string `json:"deleted_at"`
		}
		var items []trashed

		if notes, err := a.notes.ListDeleted(ctx); err == nil {
			for _, n := range notes {
				items = append(items, trashed{"note", n.ID, n.Title, n.DeletedAt})
			}
		}
		if maps, err := a.mindmaps.ListDeleted(ctx); err == nil {
			for _, m := range maps {
				items = append(items, trashed{"mindmap", m.ID, m.Title, m.DeletedAt})
			}
		}
		if essays, err := a.essays.ListDeleted(ctx); err == nil {
			for _, e := range essays {
				items = append(items, trashed{"essay", e.ID, e.Title, e.DeletedAt})
			}
		}
		if exams, err := a.exams.ListDeleted(ctx); err == nil {
			for _, e := range exams {
				items = append(items, trashed{"exam", e.ID, e.ExamName, e.DeletedAt})
			}
		}
		if files, err := a.files.ListDeleted(ctx); err == nil {
			for _, f := range files {
				items = append(items, trashed{"file", f.ID, f.Title, f.DeletedAt})
			}
		}
		if folders, err := a.folders.ListDeleted(ctx); err == nil {
			for _, f := range folders {
				items = append(items, trashed{"folder", f.ID, f.Title, f.DeletedAt})
			}
		}

		if flagJSON {
			return json.NewEncoder(os.Stdout).Encode(items)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KIND\tID\tDELETED\tTITLE")
		for _, item := range items {
			deleted := ""
			if item.DeletedAt != nil {
				deleted = *item.DeletedAt
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", item.Kind, item.ID, deleted, item.Title)
		}
		return w.Flush()
	},
}

var trashRestoreCmd = &cobra.Command{
	Use:   "restore <note-id>",
	Short: "Restore a soft-deleted note",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		note, err := a.notes.Restore(ctx, args[0])
		if err != nil {
			return err
		}
		a.audit.Record(ctx, "trash.restore", "note", note.ID, nil)
		fmt.Println("restored", note.ID)
		return nil
	},
}

var trashEmptyCmd = &cobra.Command{
	Use:   "empty",
	Short: "Permanently purge everything in the trash",
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

		n, err := a.notes.EmptyTrash(ctx)
		if err != nil {
			return err
		}
		a.audit.Record(ctx, "trash.empty", "trash", "", map[string]int{"notes": n})
		fmt.Printf("purged %d notes\n", n)

		swept, err := a.resources.SweepOrphanBlobs(a.pool.DB())
		if err != nil {
			return err
		}
		fmt.Printf("swept %d orphan blobs\n", swept)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(trashCmd)
	trashCmd.AddCommand(trashListCmd)
	trashCmd.AddCommand(trashRestoreCmd)
	trashCmd.AddCommand(trashEmptyCmd)
}
