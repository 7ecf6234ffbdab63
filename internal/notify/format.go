package notify

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"fno-scanner/internal/verdict"
	"fno-scanner/pkg/utils"
)

// FormatPrice renders a price with two decimals and Indian grouping.
func FormatPrice(p float64) string {
	return utils.FormatIndianCurrency(decimal.NewFromFloat(p).Round(2).InexactFloat64())
}

// DescribeReason renders one supporting signal for humans.
func DescribeReason(r verdict.Reason) string {
	switch r.Code {
	case verdict.ReasonBuildup:
		return "OI buildup: " + humanize(r.Label)
	case verdict.ReasonVelocity:
		return fmt.Sprintf("OI velocity spike (z=%.2f)", r.Value)
	case verdict.ReasonStructure:
		s := fmt.Sprintf("%s (%.0f%% conf)", humanize(r.Label), r.Value)
		if r.Detail != nil && len(r.Detail.Legs) > 0 {
			strikes := make([]string, 0, len(r.Detail.Legs))
			for _, l := range r.Detail.Legs {
				strikes = append(strikes, fmt.Sprintf("%.0f%s", l.Strike, l.Kind))
			}
			s += " at " + strings.Join(strikes, "/")
		}
		return s
	case verdict.ReasonFIIFlow:
		return fmt.Sprintf("FII net buying ₹%s Cr", decimal.NewFromFloat(r.Value).StringFixed(0))
	case verdict.ReasonNegativeGEX:
		return "Negative dealer gamma " + utils.FormatCompact(r.Value)
	}
	return string(r.Code)
}

// DescribeFlag renders one caution for humans.
func DescribeFlag(f verdict.Flag) string {
	switch f.Code {
	case verdict.FlagNearExpiry:
		return fmt.Sprintf("Expiry in %.0f day(s)", f.Value)
	case verdict.FlagIVRankHigh:
		return fmt.Sprintf("IV rank %.0f, options are expensive", f.Value)
	case verdict.FlagPCRExtreme:
		return fmt.Sprintf("Extreme PCR %.2f", f.Value)
	case verdict.FlagComputation:
		return "Computation failed: " + f.Detail
	case verdict.FlagTrapUnwinding:
		return "Trap: long unwinding after a rally"
	case verdict.FlagTrapStraddle:
		return "Trap: straddle writing near expiry"
	case verdict.FlagTrapHedging:
		return "Trap: put buying is hedging, not bearish"
	case verdict.FlagTrapIlliquid:
		return fmt.Sprintf("Trap: OI spike at illiquid strike %.1f%% from ATM", f.Value)
	case verdict.FlagTrapIVRank:
		return fmt.Sprintf("Trap: IV rank %.0f", f.Value)
	}
	if f.Detail != "" {
		return f.Detail
	}
	return string(f.Code)
}

// Headline is the one-line summary of a verdict.
func Headline(v *verdict.Verdict) string {
	s := fmt.Sprintf("%s %s %d%%", v.Symbol, humanize(string(v.Kind)), v.ConfidencePct)
	if v.Actionable() {
		s += " | " + humanize(string(v.EntryType))
		if v.EntryStrike != nil {
			s += fmt.Sprintf(" %.0f", *v.EntryStrike)
		}
		s += fmt.Sprintf(" | SL %s | target %s | %s", FormatPrice(v.StopLoss), utils.FormatPercent(v.TargetPct), humanize(string(v.HoldingPeriod)))
	}
	return s
}

func humanize(code string) string {
	return strings.ReplaceAll(strings.ToLower(code), "_", " ")
}
