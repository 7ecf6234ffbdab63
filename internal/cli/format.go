package cli

import (
	"fmt"
	"time"

	"fno-scanner/internal/models"
	"fno-scanner/pkg/utils"
)

// FormatOI formats open interest or volume in compact Indian units.
func FormatOI(oi int64) string {
	abs := oi
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs >= 10000000: // 1 crore
		return fmt.Sprintf("%.2f Cr", float64(oi)/10000000)
	case abs >= 100000: // 1 lakh
		return fmt.Sprintf("%.2f L", float64(oi)/100000)
	case abs >= 1000:
		return fmt.Sprintf("%.2f K", float64(oi)/1000)
	}
	return fmt.Sprintf("%d", oi)
}

// FormatOIChange formats a signed OI change.
func FormatOIChange(delta int64) string {
	if delta > 0 {
		return "+" + FormatOI(delta)
	}
	return FormatOI(delta)
}

// FormatIV formats a volatility fraction as a percentage.
func FormatIV(iv float64) string {
	if iv <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.2f%%", iv*100)
}

// FormatPCR formats a put-call ratio.
func FormatPCR(pcr float64) string {
	return fmt.Sprintf("%.2f", pcr)
}

// FormatGreeks formats the first-order Greeks.
func FormatGreeks(g models.GreekResult) string {
	return fmt.Sprintf("Δ %.4f  Γ %.6f  Θ %.2f  V %.2f", g.Delta, g.Gamma, g.Theta, g.Vega)
}

// FormatTime formats a time in IST.
func FormatTime(t time.Time) string {
	return t.In(utils.IndiaLocation).Format("15:04:05")
}

// FormatDateTime formats a datetime in IST.
func FormatDateTime(t time.Time) string {
	return t.In(utils.IndiaLocation).Format("02-Jan-2006 15:04:05")
}

// FormatDuration formats a duration in human-readable form.
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	} else if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}
