package cli

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"fno-scanner/internal/notify"
	"fno-scanner/internal/pipeline"
	"fno-scanner/internal/security"
	"fno-scanner/pkg/utils"
)

// chainRow is the CSV shape of one priced contract.
type chainRow struct {
	Strike   float64 `csv:"strike"`
	Kind     string  `csv:"kind"`
	LTP      float64 `csv:"ltp"`
	OI       int64   `csv:"oi"`
	OIChange int64   `csv:"oi_change"`
	Volume   int64   `csv:"volume"`
	IV       float64 `csv:"iv"`
	Solved   bool    `csv:"iv_solved"`
	Delta    float64 `csv:"delta"`
	Gamma    float64 `csv:"gamma"`
	Theta    float64 `csv:"theta"`
	Vega     float64 `csv:"vega"`
}

func newOnceCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "once <symbol>",
		Short: "Run a single scan cycle for one symbol",
		Long: `Fetch, price and evaluate one option chain and print the verdict.

The verdict is journaled like any scanner cycle. Use --chain to list the
priced contracts around ATM and --csv to export them.`,
		Example: `  fno-scanner once NIFTY
  fno-scanner once BANKNIFTY --chain --strikes 5
  fno-scanner once NIFTY --csv > chain.csv`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			symbol, err := security.ValidateSymbol(args[0])
			if err != nil {
				return err
			}
			showChain, _ := cmd.Flags().GetBool("chain")
			strikes, _ := cmd.Flags().GetInt("strikes")

			ctx, cancel := context.WithTimeout(cmdContext(cmd), app.Config.Pipeline.CycleTimeout)
			defer cancel()

			rt, err := app.NewRuntime(ctx, RuntimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()

			item, err := watchItem(ctx, rt, symbol)
			if err != nil {
				return err
			}

			res, err := rt.Scanner.Cycle(ctx, item)
			if err != nil {
				output.Error("Cycle failed for %s: %v", symbol, err)
				return err
			}

			switch {
			case output.IsJSON():
				return output.JSON(res)
			case output.IsCSV():
				return output.CSV(chainRows(res, 0))
			}

			printCycle(output, res)
			if showChain {
				output.Println()
				printChain(output, res, strikes)
			}
			return nil
		},
	}

	cmd.Flags().Bool("chain", false, "print the priced chain around ATM")
	cmd.Flags().Int("strikes", 5, "strikes per side of ATM for --chain")
	cmd.Flags().Bool("csv", false, "export the priced chain as CSV")

	return cmd
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printCycle(output *Output, res *pipeline.CycleResult) {
	v := res.Verdict
	output.Bold("%s", notify.Headline(v))
	if res.Degraded {
		output.Warning("Degraded cycle: signals unavailable")
	}
	output.Printf("  Expiry:      %s (%d days)\n", res.Expiry.Format("02-Jan-2006"), res.DTE)
	output.Printf("  Spot / ATM:  %s / %s\n", notify.FormatPrice(res.Spot), notify.FormatPrice(res.ATM))
	output.Printf("  Verdict:     %s  %d%%  %s\n", output.Kind(v.Kind), v.ConfidencePct, v.Risk)
	output.Printf("  Trap score:  %d   Net score: %s   Momentum: %.1f\n", v.TrapScore, output.Signed("%.0f", float64(v.NetScore)), v.Momentum)
	if v.EntryStrike != nil {
		output.Printf("  Entry:       %s %s  SL %s  target %s\n", v.EntryType, notify.FormatPrice(*v.EntryStrike),
			notify.FormatPrice(v.StopLoss), utils.FormatPercent(v.TargetPct))
	}
	output.Printf("  Holding:     %s\n", v.HoldingPeriod)
	if res.Degraded {
		return
	}

	output.Println()
	output.Bold("Signals")
	output.Printf("  PCR:         %s OI  %s volume\n", FormatPCR(res.PCR.ByOI), FormatPCR(res.PCR.ByVolume))
	output.Printf("  ATM IV:      %s  rank %.0f\n", FormatIV(res.ATMIV), res.IVRank)
	output.Printf("  Net GEX:     %s\n", utils.FormatCompact(res.Exposure.GEX))
	if res.Exposure.HasFlipLevel {
		output.Printf("  Gamma flip:  %s\n", notify.FormatPrice(res.Exposure.FlipLevel))
	}
	output.Printf("  Walls:       call %s  put %s  max pain %s\n",
		notify.FormatPrice(res.Walls.CallWall), notify.FormatPrice(res.Walls.PutWall), notify.FormatPrice(res.MaxPain))
	output.Printf("  Buildup:     %s\n", res.Buildup)
	output.Printf("  Bias:        %s %s\n", res.Bias.Verdict, output.Signed("%.1f", res.Bias.Final))
	if res.Posture != nil {
		output.Printf("  Posture:     RSI %.1f  VWAP %s\n", res.Posture.RSI, notify.FormatPrice(res.Posture.VWAP))
	}

	if len(v.KeyReasons) > 0 {
		output.Println()
		output.Bold("Reasons")
		for _, r := range v.KeyReasons {
			output.Printf("  • %s\n", notify.DescribeReason(r))
		}
	}
	if len(v.RedFlags) > 0 {
		output.Println()
		output.Bold("Red flags")
		for _, f := range v.RedFlags {
			output.Warning("  ! %s", notify.DescribeFlag(f))
		}
	}

	if len(res.Structures) > 0 {
		output.Println()
		output.Bold("Structures")
		for _, s := range res.Structures {
			output.Printf("  %-22s %-8s %s\n", s.Kind, s.Conviction, s.Bias)
		}
	}
}

// chainRows returns the priced rows, limited to strikes per side of ATM when strikes > 0.
func chainRows(res *pipeline.CycleResult, strikes int) []*chainRow {
	var lo, hi float64
	if strikes > 0 && res.Snapshot != nil {
		all := res.Snapshot.Strikes()
		idx := sort.SearchFloat64s(all, res.ATM)
		from := idx - strikes
		if from < 0 {
			from = 0
		}
		to := idx + strikes
		if to >= len(all) {
			to = len(all) - 1
		}
		if len(all) > 0 {
			lo, hi = all[from], all[to]
		}
	}

	rows := make([]*chainRow, 0, len(res.Priced))
	for _, p := range res.Priced {
		if strikes > 0 && (p.Strike < lo || p.Strike > hi) {
			continue
		}
		rows = append(rows, &chainRow{
			Strike:   p.Strike,
			Kind:     string(p.Kind),
			LTP:      p.LastPrice,
			OI:       p.OpenInterest,
			OIChange: res.Deltas[p.Key()],
			Volume:   p.Volume,
			IV:       utils.Round(p.IV, 4),
			Solved:   p.IVConfident,
			Delta:    p.Greeks.Delta,
			Gamma:    p.Greeks.Gamma,
			Theta:    p.Greeks.Theta,
			Vega:     p.Greeks.Vega,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Strike != rows[j].Strike {
			return rows[i].Strike < rows[j].Strike
		}
		return rows[i].Kind < rows[j].Kind
	})
	return rows
}

func printChain(output *Output, res *pipeline.CycleResult, strikes int) {
	table := NewTable(output, "STRIKE", "TYPE", "LTP", "OI", "ΔOI", "IV", "DELTA", "THETA")
	for _, r := range chainRows(res, strikes) {
		strike := fmt.Sprintf("%.0f", r.Strike)
		if r.Strike == res.ATM {
			strike += " *"
		}
		iv := FormatIV(r.IV)
		if !r.Solved {
			iv += "?"
		}
		table.AddRow(
			strike,
			r.Kind,
			fmt.Sprintf("%.2f", r.LTP),
			FormatOI(r.OI),
			FormatOIChange(r.OIChange),
			iv,
			fmt.Sprintf("%.3f", r.Delta),
			fmt.Sprintf("%.2f", r.Theta),
		)
	}
	table.Render()
}
