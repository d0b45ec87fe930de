package cli

import (
	"fmt"
	"os"

	"prbot/internal/db"
	"prbot/internal/parser"

	"github.com/spf13/cobra"
)

var parseSource string

var parseCmd = &cobra.Command{
	Use:   "parse <payload.json>",
	Short: "Dry-run a webhook payload through a parser",
	Long:  "Parse a saved webhook payload and print the error report a job would be created from. Nothing is written to the database.",
	Args:  cobra.ExactArgs(1),
	RunE:  runParse,
}

func init() {
	parseCmd.Flags().StringVar(&parseSource, "source", db.SourceSentry, "payload source")
	rootCmd.AddCommand(parseCmd)
}

func runParse(cmd *cobra.Command, args []string) error {
	p, err := parser.DefaultRegistry().Get(parseSource)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	report, err := p.Parse(raw)
	if err != nil {
		return err
	}
	if jsonOut {
		printJSON(report)
		return nil
	}
	fmt.Print(parser.Summary(report))
	return nil
}
