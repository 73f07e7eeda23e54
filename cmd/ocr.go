package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/satchel-app/satchel/core/errors"
	"github.com/satchel-app/satchel/core/library"
	"github.com/satchel-app/satchel/core/ocr"
)

var (
	flagOCRText bool
	flagOCRExam string
)

var ocrCmd = &cobra.Command{
	Use:   "ocr <file>",
	Short: "Recognize the text in a document",
	Long: `Runs a page recognition session over an image file and streams
progress. With --text the recognized transcript is printed to stdout
when the session completes; with --exam an exam sheet is created from
the file and the recognition outcome is stored on it.`,
	Args: cobra.ExactArgs(1),
	RunE: runOCR,
}

func init() {
	ocrCmd.Flags().BoolVar(&flagOCRText, "text", false, "Print the recognized text")
	ocrCmd.Flags().StringVar(&flagOCRExam, "exam", "", "Create an exam sheet with this name from the document")
	rootCmd.AddCommand(ocrCmd)
}

func runOCR(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if a.ocr == nil {
		return errors.Configuration("no recognition backend available; set ocr.provider_endpoint or a GEMINI_API_KEY")
	}

	doc, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	var sheet *library.ExamSheet
	if flagOCRExam != "" {
		sheet, err = a.exams.Create(ctx, library.CreateExamParams{
			ExamName: flagOCRExam,
			Payload:  doc,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "exam %s\n", sheet.ID)
	}

	session, err := a.ocr.Start(ctx, doc)
	if err != nil {
		return err
	}

	for event := range session.Events() {
		if flagJSON {
			if err := json.NewEncoder(os.Stdout).Encode(event); err != nil {
				return err
			}
			continue
		}
		switch event.Type {
		case ocr.EventStarted:
			fmt.Fprintf(os.Stderr, "session %s: %d pages\n", event.SessionID, event.Total)
		case ocr.EventPageCompleted:
			fmt.Fprintf(os.Stderr, "page %d/%d done\n", event.Completed, event.Total)
		case ocr.EventPageFailed, ocr.EventPageRenderFailed:
			fmt.Fprintf(os.Stderr, "page %d failed: %s\n", event.PageIndex, event.Error)
		case ocr.EventRetrying:
			fmt.Fprintf(os.Stderr, "page %d retry %d/%d\n", event.PageIndex, event.Attempt, event.MaxAttempts)
		}
	}

	summary := session.Summary()
	if summary == nil {
		return errors.InvalidOperation("session ended without a summary")
	}

	if sheet != nil {
		if summary.SuccessCount > 0 {
			preview, ocrPages := ocr.ExamOutcome(session)
			if err := a.exams.CompleteRecognition(ctx, sheet.ID, preview, ocrPages); err != nil {
				return err
			}
			a.audit.Record(ctx, "exam.recognized", "exam", sheet.ID, summary)
		} else {
			if err := a.exams.FailRecognition(ctx, sheet.ID); err != nil {
				return err
			}
		}
	}

	if !flagJSON {
		fmt.Fprintf(os.Stderr, "recognized %d/%d pages\n", summary.SuccessCount, summary.TotalPages)
	}

	if flagOCRText {
		results, _ := session.Results()
		for page := 1; page <= summary.TotalPages; page++ {
			if result, ok := results[page]; ok {
				fmt.Println(result.Text())
			}
		}
	}
	if summary.HasFailures {
		return errors.InvalidOperation("%d pages failed recognition", summary.FailedCount+summary.RenderFailedCount)
	}
	return nil
}
