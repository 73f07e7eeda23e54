package cmd

import (
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/satchel-app/satchel/core/library"
)

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "Manage imported documents",
}

var filesAddCmd = &cobra.Command{
	Use:   "add <path>",
	Short: "Import a document into the library",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		payload, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		base := filepath.Base(args[0])
		mimeType := mime.TypeByExtension(filepath.Ext(base))
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}

		file, err := a.files.Create(ctx, library.CreateFileParams{
			Title:    strings.TrimSuffix(base, filepath.Ext(base)),
			Payload:  payload,
			MimeType: mimeType,
		})
		if err != nil {
			return err
		}
		a.audit.Record(ctx, "files.add", "file", file.ID,
			map[string]any{"mime_type": mimeType, "bytes": len(payload)})
		fmt.Println(file.ID)
		return nil
	},
}

var filesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List imported documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		files, err := a.files.List(ctx)
		if err != nil {
			return err
		}
		if flagJSON {
			return json.NewEncoder(os.Stdout).Encode(files)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tUPDATED\tTITLE")
		for _, f := range files {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.ID, f.MimeType, f.UpdatedAt, f.Title)
		}
		return w.Flush()
	},
}

var filesCatCmd = &cobra.Command{
	Use:   "cat <file-id>",
	Short: "Write a document's payload to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		payload, err := a.files.Content(ctx, args[0])
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(payload)
		return err
	},
}

func init() {
	rootCmd.AddCommand(filesCmd)
	filesCmd.AddCommand(filesAddCmd)
	filesCmd.AddCommand(filesListCmd)
	filesCmd.AddCommand(filesCatCmd)
}
