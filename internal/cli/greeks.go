package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"fno-scanner/internal/broker"
	"fno-scanner/internal/models"
	"fno-scanner/internal/pricing"
	"fno-scanner/pkg/utils"
)

// contractFlags are the inputs shared by the greeks and iv commands.
type contractFlags struct {
	future float64
	strike float64
	expiry time.Time
	kinds  []models.OptionKind
	t      float64
}

func addContractFlags(cmd *cobra.Command) {
	cmd.Flags().Float64("future", 0, "futures price of the underlying (required)")
	cmd.Flags().Float64("strike", 0, "strike price (default: nearest 50 to the future)")
	cmd.Flags().String("expiry", "", "expiry date YYYY-MM-DD (default: this week's Thursday)")
	cmd.Flags().String("kind", "", "CE or PE (default: both)")
	cmd.MarkFlagRequired("future")
}

func parseContractFlags(cmd *cobra.Command, now time.Time) (contractFlags, error) {
	var c contractFlags
	c.future, _ = cmd.Flags().GetFloat64("future")
	c.strike, _ = cmd.Flags().GetFloat64("strike")
	expiry, _ := cmd.Flags().GetString("expiry")
	kind, _ := cmd.Flags().GetString("kind")

	if c.future <= 0 {
		return c, fmt.Errorf("--future must be positive")
	}
	if c.strike <= 0 {
		c.strike = utils.RoundToTick(c.future, 50)
	}

	if expiry == "" {
		c.expiry = broker.WeeklyExpiry(now)
	} else {
		d, err := time.ParseInLocation("2006-01-02", expiry, utils.IndiaLocation)
		if err != nil {
			return c, fmt.Errorf("invalid --expiry %q: %w", expiry, err)
		}
		c.expiry = d
	}

	switch strings.ToUpper(kind) {
	case "":
		c.kinds = []models.OptionKind{models.Call, models.Put}
	case string(models.Call):
		c.kinds = []models.OptionKind{models.Call}
	case string(models.Put):
		c.kinds = []models.OptionKind{models.Put}
	default:
		return c, fmt.Errorf("--kind must be CE or PE, got %q", kind)
	}

	c.t = pricing.TimeToExpiry(c.expiry, now)
	return c, nil
}

type greeksRow struct {
	Kind   models.OptionKind  `json:"kind"`
	Strike float64            `json:"strike"`
	IV     float64            `json:"iv"`
	Greeks models.GreekResult `json:"greeks"`
}

func newGreeksCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "greeks",
		Short: "Price an option and its Greeks with Black-76",
		Example: `  fno-scanner greeks --future 21540 --strike 21500 --iv 13.5
  fno-scanner greeks --future 48200 --kind PE --iv 16 --expiry 2024-01-31`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			now := app.Now()
			c, err := parseContractFlags(cmd, now)
			if err != nil {
				return err
			}
			ivPct, _ := cmd.Flags().GetFloat64("iv")
			if ivPct <= 0 {
				return fmt.Errorf("--iv must be positive")
			}
			sigma := ivPct / 100

			rows := make([]greeksRow, 0, len(c.kinds))
			for _, k := range c.kinds {
				g := pricing.RoundGreeks(pricing.PriceAndGreeks(c.future, c.strike, c.t, sigma, k))
				rows = append(rows, greeksRow{Kind: k, Strike: c.strike, IV: sigma, Greeks: g})
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"future":         c.future,
					"expiry":         c.expiry.Format("2006-01-02"),
					"time_to_expiry": c.t,
					"days_to_expiry": utils.DaysToExpiry(c.expiry, now),
					"contracts":      rows,
				})
			}

			output.Bold("Black-76  F=%.2f  K=%.0f  σ=%s", c.future, c.strike, FormatIV(sigma))
			output.Dim("Expiry %s, %s to close", c.expiry.Format("02-Jan-2006"), FormatDuration(time.Duration(c.t*365*24*float64(time.Hour))))
			printGreeks(output, rows)
			return nil
		},
	}

	addContractFlags(cmd)
	cmd.Flags().Float64("iv", 0, "implied volatility in percent (required)")
	cmd.MarkFlagRequired("iv")
	return cmd
}

func newIVCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "iv",
		Short:   "Solve implied volatility from an option price",
		Example: `  fno-scanner iv --future 21540 --strike 21500 --kind CE --price 132.5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			now := app.Now()
			c, err := parseContractFlags(cmd, now)
			if err != nil {
				return err
			}
			if len(c.kinds) != 1 {
				return fmt.Errorf("--kind is required")
			}
			price, _ := cmd.Flags().GetFloat64("price")
			if price <= 0 {
				return fmt.Errorf("--price must be positive")
			}

			kind := c.kinds[0]
			res := pricing.ImpliedVolatility(price, c.future, c.strike, c.t, kind)
			g := pricing.RoundGreeks(pricing.PriceAndGreeks(c.future, c.strike, c.t, res.Sigma, kind))

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"kind":       kind,
					"strike":     c.strike,
					"price":      price,
					"iv":         res.Sigma,
					"converged":  res.Converged,
					"iterations": res.Iterations,
					"residual":   res.Residual,
					"greeks":     g,
				})
			}

			output.Bold("%s %.0f @ %.2f", kind, c.strike, price)
			if res.Converged {
				output.Success("IV %s (%d iterations, residual %.4f)", FormatIV(res.Sigma), res.Iterations, res.Residual)
			} else {
				output.Warning("IV %s did not converge (residual %.4f)", FormatIV(res.Sigma), res.Residual)
			}
			printGreeks(output, []greeksRow{{Kind: kind, Strike: c.strike, IV: res.Sigma, Greeks: g}})
			return nil
		},
	}

	addContractFlags(cmd)
	cmd.Flags().Float64("price", 0, "option premium (required)")
	cmd.MarkFlagRequired("price")
	return cmd
}

func printGreeks(output *Output, rows []greeksRow) {
	table := NewTable(output, "TYPE", "PRICE", "DELTA", "GAMMA", "THETA", "VEGA", "VANNA", "CHARM")
	for _, r := range rows {
		g := r.Greeks
		table.AddRow(
			string(r.Kind),
			fmt.Sprintf("%.2f", g.Price),
			fmt.Sprintf("%.4f", g.Delta),
			fmt.Sprintf("%.6f", g.Gamma),
			fmt.Sprintf("%.2f", g.Theta),
			fmt.Sprintf("%.2f", g.Vega),
			fmt.Sprintf("%.4f", g.Vanna),
			fmt.Sprintf("%.4f", g.Charm),
		)
	}
	table.Render()
}
