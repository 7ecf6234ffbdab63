package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"fno-scanner/internal/notify"
	"fno-scanner/internal/store"
	"fno-scanner/internal/verdict"
)

// verdictRow is the CSV shape of one journaled verdict.
type verdictRow struct {
	CreatedAt   string  `csv:"created_at"`
	Symbol      string  `csv:"symbol"`
	Kind        string  `csv:"kind"`
	Confidence  int     `csv:"confidence_pct"`
	EntryType   string  `csv:"entry_type"`
	EntryStrike float64 `csv:"entry_strike"`
	StopLoss    float64 `csv:"stop_loss"`
	TargetPct   float64 `csv:"target_pct"`
	Risk        string  `csv:"risk"`
	TrapScore   int     `csv:"trap_score"`
	NetScore    int     `csv:"net_score"`
	Momentum    float64 `csv:"momentum"`
	Reasons     string  `csv:"reasons"`
	Flags       string  `csv:"flags"`
}

func toVerdictRow(v verdict.Verdict) *verdictRow {
	row := &verdictRow{
		CreatedAt:  v.CreatedAt.Format(time.RFC3339),
		Symbol:     v.Symbol,
		Kind:       string(v.Kind),
		Confidence: v.ConfidencePct,
		EntryType:  string(v.EntryType),
		StopLoss:   v.StopLoss,
		TargetPct:  v.TargetPct,
		Risk:       string(v.Risk),
		TrapScore:  v.TrapScore,
		NetScore:   v.NetScore,
		Momentum:   v.Momentum,
	}
	if v.EntryStrike != nil {
		row.EntryStrike = *v.EntryStrike
	}
	reasons := make([]string, 0, len(v.KeyReasons))
	for _, r := range v.KeyReasons {
		reasons = append(reasons, string(r.Code))
	}
	row.Reasons = strings.Join(reasons, ";")
	flags := make([]string, 0, len(v.RedFlags))
	for _, f := range v.RedFlags {
		flags = append(flags, string(f.Code))
	}
	row.Flags = strings.Join(flags, ";")
	return row
}

func newVerdictsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verdicts",
		Short: "Query the verdict journal",
		Long: `List journaled verdicts, newest first.

Reads the local SQLite journal, or the Postgres archive with --archive.`,
		Example: `  fno-scanner verdicts --symbol NIFTY --since 6h
  fno-scanner verdicts --kind TRAP --limit 20
  fno-scanner verdicts --since 24h --csv > verdicts.csv`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			symbol, _ := cmd.Flags().GetString("symbol")
			kind, _ := cmd.Flags().GetString("kind")
			since, _ := cmd.Flags().GetDuration("since")
			limit, _ := cmd.Flags().GetInt("limit")
			archive, _ := cmd.Flags().GetBool("archive")

			filter := store.VerdictFilter{
				Symbol: strings.ToUpper(symbol),
				Kind:   verdict.Kind(strings.ToUpper(kind)),
				Limit:  limit,
			}
			if since > 0 {
				filter.Since = app.Now().Add(-since)
			}

			ctx, cancel := context.WithTimeout(cmdContext(cmd), 30*time.Second)
			defer cancel()

			journal, err := app.openQueryJournal(ctx, archive)
			if err != nil {
				return err
			}
			defer journal.Close()

			verdicts, err := journal.Verdicts(ctx, filter)
			if err != nil {
				return err
			}

			switch {
			case output.IsJSON():
				return output.JSON(verdicts)
			case output.IsCSV():
				rows := make([]*verdictRow, 0, len(verdicts))
				for _, v := range verdicts {
					rows = append(rows, toVerdictRow(v))
				}
				return output.CSV(rows)
			}

			if len(verdicts) == 0 {
				output.Info("No verdicts found")
				return nil
			}

			table := NewTable(output, "TIME", "SYMBOL", "VERDICT", "CONF", "TRAP", "NET", "ENTRY")
			for _, v := range verdicts {
				entry := "-"
				if v.EntryStrike != nil {
					entry = fmt.Sprintf("%s %.0f", v.EntryType, *v.EntryStrike)
				}
				table.AddRow(
					FormatDateTime(v.CreatedAt),
					v.Symbol,
					output.Kind(v.Kind),
					fmt.Sprintf("%d%%", v.ConfidencePct),
					fmt.Sprintf("%d", v.TrapScore),
					output.Signed("%.0f", float64(v.NetScore)),
					entry,
				)
			}
			table.Render()

			if verbose, _ := cmd.Flags().GetBool("reasons"); verbose {
				output.Println()
				for _, v := range verdicts {
					output.Bold("%s  %s", FormatTime(v.CreatedAt), notify.Headline(&v))
					for _, r := range v.KeyReasons {
						output.Printf("  • %s\n", notify.DescribeReason(r))
					}
					for _, f := range v.RedFlags {
						output.Warning("  ! %s", notify.DescribeFlag(f))
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().String("symbol", "", "filter by symbol")
	cmd.Flags().String("kind", "", "filter by verdict kind (e.g. STRONG_BUY, TRAP)")
	cmd.Flags().Duration("since", 24*time.Hour, "only verdicts newer than this (0 for all)")
	cmd.Flags().Int("limit", 50, "maximum rows")
	cmd.Flags().Bool("archive", false, "query the Postgres archive")
	cmd.Flags().Bool("reasons", false, "print reasons and red flags")
	cmd.Flags().Bool("csv", false, "output in CSV format")

	return cmd
}

// openQueryJournal opens the SQLite journal, or the Postgres archive when archive is set.
func (a *App) openQueryJournal(ctx context.Context, archive bool) (store.Journal, error) {
	if !archive {
		return a.openJournal()
	}
	pg, _, err := a.openArchive(ctx)
	if err != nil {
		return nil, err
	}
	if pg == nil {
		return nil, fmt.Errorf("storage.postgres.dsn is not configured")
	}
	return pg, nil
}
