package cli

import (
	"context"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"fno-scanner/internal/broker"
	"fno-scanner/internal/models"
	"fno-scanner/internal/scheduler"
	"fno-scanner/internal/store"
	"fno-scanner/pkg/utils"
)

type scheduleRow struct {
	Symbol   string          `json:"symbol"`
	Tier     models.ScanTier `json:"tier"`
	DTE      int             `json:"days_to_expiry"`
	Interval time.Duration   `json:"interval_ns"`
}

func newScheduleCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Show the market phase and refresh interval per symbol",
		Long: `Show the current market phase and the refresh interval each watchlist
symbol would get now. Days to expiry assume the weekly Thursday expiry.

Use --at to preview another time of day (HH:MM, IST).`,
		Example: `  fno-scanner schedule
  fno-scanner schedule --at 15:05`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			now := app.Now()
			if at, _ := cmd.Flags().GetString("at"); at != "" {
				hm, err := time.ParseInLocation("15:04", at, utils.IndiaLocation)
				if err != nil {
					return err
				}
				now = time.Date(now.Year(), now.Month(), now.Day(), hm.Hour(), hm.Minute(), 0, 0, utils.IndiaLocation)
			}

			items, err := app.watchlist(cmdContext(cmd))
			if err != nil {
				return err
			}

			table := app.Config.ScheduleTable()
			phase := scheduler.PhaseAt(now)
			dte := utils.DaysToExpiry(broker.WeeklyExpiry(now), now)
			rows := scheduleRows(table, items, phase, dte)

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"time":        now,
					"phase":       phase,
					"trading_day": utils.IsTradingDay(now),
					"symbols":     rows,
				})
			}

			output.Bold("%s  phase %s", FormatDateTime(now), phase)
			if !utils.IsTradingDay(now) {
				output.Warning("Not a trading day; the scanner idles unless ignore_calendar is set")
			}
			output.Println()

			t := NewTable(output, "SYMBOL", "TIER", "DTE", "INTERVAL")
			for _, r := range rows {
				t.AddRow(r.Symbol, string(r.Tier), strconv.Itoa(r.DTE), FormatDuration(r.Interval))
			}
			t.Render()

			output.Println()
			output.Dim("Base intervals (priority / standard)")
			for _, p := range scheduler.Phases {
				line := "  %-11s %s / %s"
				if p == phase {
					output.Info(line, p, FormatDuration(table[p][models.TierPriority]), FormatDuration(table[p][models.TierStandard]))
					continue
				}
				output.Dim(line, p, FormatDuration(table[p][models.TierPriority]), FormatDuration(table[p][models.TierStandard]))
			}
			return nil
		},
	}

	cmd.Flags().String("at", "", "evaluate at HH:MM IST today")
	return cmd
}

func scheduleRows(table scheduler.Table, items []models.WatchItem, phase scheduler.Phase, dte int) []scheduleRow {
	rows := make([]scheduleRow, 0, len(items))
	for _, it := range items {
		tier := it.Tier
		if tier == "" {
			tier = models.TierStandard
		}
		rows = append(rows, scheduleRow{
			Symbol:   it.Symbol,
			Tier:     tier,
			DTE:      dte,
			Interval: table.IntervalFor(tier, phase, dte),
		})
	}
	return rows
}

// watchlist reads the configured watchlist without wiring a runtime.
func (a *App) watchlist(ctx context.Context) ([]models.WatchItem, error) {
	if !a.Config.Storage.WatchlistFromDB {
		return store.StaticWatchlist(a.Config.Watchlist).Watchlist(ctx)
	}
	db, err := a.openJournal()
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return db.Watchlist(ctx)
}
