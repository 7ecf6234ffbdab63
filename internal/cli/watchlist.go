package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"fno-scanner/internal/models"
	"fno-scanner/internal/security"
)

func newWatchlistCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watchlist",
		Short: "Manage tracked instruments",
		Long: `List the active watchlist, or edit the SQLite watchlist.

The scanner reads the SQLite watchlist only when storage.watchlist_from_db
is set; otherwise the [[watchlist]] entries of config.toml are used.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List tracked instruments",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			items, err := app.watchlist(cmdContext(cmd))
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(items)
			}
			if len(items) == 0 {
				output.Info("Watchlist is empty")
				return nil
			}

			source := "config.toml"
			if app.Config.Storage.WatchlistFromDB {
				source = app.Config.Storage.SQLitePath
			}
			output.Dim("Source: %s", source)

			table := NewTable(output, "SYMBOL", "TIER", "LOT", "TOKEN", "ALERT")
			for _, it := range items {
				alert := "default"
				if it.AlertThreshold > 0 {
					alert = fmt.Sprintf("%.0f%%", it.AlertThreshold)
				}
				table.AddRow(it.Symbol, string(it.Tier), fmt.Sprintf("%d", it.LotSize), fmt.Sprintf("%d", it.Token), alert)
			}
			table.Render()
			return nil
		},
	})

	add := &cobra.Command{
		Use:     "add <symbol>",
		Short:   "Add or update an instrument in the SQLite watchlist",
		Example: `  fno-scanner watchlist add RELIANCE --tier standard --lot 250 --token 738561 --alert 75`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			tier, _ := cmd.Flags().GetString("tier")
			lot, _ := cmd.Flags().GetInt("lot")
			token, _ := cmd.Flags().GetUint32("token")
			alert, _ := cmd.Flags().GetFloat64("alert")

			symbol, err := security.ValidateSymbol(args[0])
			if err != nil {
				return err
			}
			item := models.WatchItem{
				Symbol:         symbol,
				Tier:           models.ScanTier(strings.ToUpper(tier)),
				AlertThreshold: alert,
				LotSize:        lot,
				Token:          token,
			}
			if !item.Tier.Valid() {
				return fmt.Errorf("--tier must be priority or standard, got %q", tier)
			}
			if alert < 0 || alert > 100 {
				return fmt.Errorf("--alert must be within [0, 100]")
			}

			db, err := app.openJournal()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.UpsertWatchItem(cmdContext(cmd), item); err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(item)
			}
			output.Success("✓ %s added (%s)", item.Symbol, item.Tier)
			if !app.Config.Storage.WatchlistFromDB {
				output.Warning("storage.watchlist_from_db is false; the scanner uses config.toml")
			}
			return nil
		},
	}
	add.Flags().String("tier", string(models.TierStandard), "scan tier: priority or standard")
	add.Flags().Int("lot", 0, "contract lot size")
	add.Flags().Uint32("token", 0, "instrument token of the underlying")
	add.Flags().Float64("alert", 0, "alert confidence threshold (0 uses the default)")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <symbol>",
		Short: "Remove an instrument from the SQLite watchlist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			symbol, err := security.ValidateSymbol(args[0])
			if err != nil {
				return err
			}

			db, err := app.openJournal()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.RemoveWatchItem(cmdContext(cmd), symbol); err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]string{"removed": symbol})
			}
			output.Success("✓ %s removed", symbol)
			return nil
		},
	})

	return cmd
}
