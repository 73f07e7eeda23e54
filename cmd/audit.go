package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var flagAuditLimit int

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the mutation audit log",
}

var auditRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "Show the most recent audit records",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		records, err := a.audit.Recent(ctx, flagAuditLimit)
		if err != nil {
			return err
		}
		if flagJSON {
			return json.NewEncoder(os.Stdout).Encode(records)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tOPERATION\tENTITY\tID\tDETAIL")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				r.CreatedAt, r.Operation, r.Entity, orDash(r.EntityID), orDash(r.Detail))
		}
		return w.Flush()
	},
}

var auditHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Report audit log write health",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		health := a.audit.Health()
		if flagJSON {
			return json.NewEncoder(os.Stdout).Encode(health)
		}
		if health.Healthy {
			fmt.Println("healthy")
			return nil
		}
		fmt.Printf("degraded: %d failed writes, last error: %s\n", health.Failures, health.LastError)
		return nil
	},
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func init() {
	auditRecentCmd.Flags().IntVarP(&flagAuditLimit, "limit", "n", 50, "maximum records to show")

	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditRecentCmd)
	auditCmd.AddCommand(auditHealthCmd)
}
