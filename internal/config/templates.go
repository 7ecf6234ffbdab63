package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# F&O Scanner Configuration

[feed]
# Upstream feed: "kite" or "sim" (synthetic market for dry runs)
source = "sim"
# REST call timeout
timeout = "10s"
# Push-feed buffer; the oldest tick is dropped when full
tick_buffer = 1024

[feed.sim]
seed = 42
# Strikes per side of ATM
strikes = 15
volatility = 0.14
tick_every = "1s"

# Request budgets per endpoint class. burst is the sliding-window cap,
# rate the sustained pace per window.
[ratelimit.option_chain]
rate = 8
burst = 12
window = "1m"

[ratelimit.historical]
rate = 4
burst = 5
window = "1m"

# Base refresh intervals per market phase. Expiry proximity shortens them.
# Phases: pre_market, opening, midday, closing, eod
[schedule.closing]
priority = "30s"
standard = "90s"

[cache]
sweep_interval = "1m"

[fetch]
chain_ttl = "170s"
quote_ttl = "5s"
historical_ttl = "1h"
instrument_ttl = "24h"
max_attempts = 3
rate_limit_backoff = "5s"
# Relative OI change below which a row is left out of chain deltas
compression_floor = 0.005

[breaker]
failure_threshold = 5
success_threshold = 2
timeout = "30s"

[structure]
# Minimum absolute OI change per contract
min_oi_change = 500
# Smaller leg must be at least this share of the larger
pair_ratio = 0.4
ratio_spread_skew = 2.0
# Also require |OI change| >= this % of current OI (0 disables)
significant_change_pct = 0

[verdict]
# Trap score above which the verdict is TRAP
trap_threshold = 70
# Trap score contributions
straddle_weight = 35
hedging_weight = 36
strong_momentum = 75
watch_momentum = 60

[pipeline]
# Concurrent scan cycles
workers = 12
tick_interval = "5s"
cycle_timeout = "45s"
candle_interval = "5minute"
# Skip weekends unless true
ignore_calendar = false

# Previous session institutional flows, in crores
[pipeline.macro]
fii_net_cr = 0.0
dii_net_cr = 0.0

[storage]
# Verdict journal and watchlist (defaults to ~/.config/fno-scanner/scanner.db)
# sqlite_path = ""
# Read the watchlist from SQLite instead of this file
watchlist_from_db = false

[storage.postgres]
# Optional archive; also settable via FNO_PG_DSN
dsn = ""
max_conns = 4

[stream]
enabled = true
price_max_age = "10s"

[stream.server]
addr = "127.0.0.1:8765"

[notify]
# Minimum confidence for alerts when a symbol sets none
default_threshold = 70.0
# Suppress repeats of the same verdict kind
cooldown = "15m"
terminal = true
bell = false

[log]
level = "info"
console = true
file = true

[[watchlist]]
symbol = "NIFTY"
tier = "PRIORITY"
alert_threshold = 70.0
lot_size = 75
token = 256265

[[watchlist]]
symbol = "BANKNIFTY"
tier = "PRIORITY"
alert_threshold = 75.0
lot_size = 15
token = 260105

[[watchlist]]
symbol = "FINNIFTY"
tier = "STANDARD"
lot_size = 40
token = 257801
`

const credentialsTemplate = `# F&O Scanner Credentials
# WARNING: Keep this file secure! Do not commit to version control.

[kite]
api_key = ""
api_secret = ""
# Daily session token. Update it and send SIGHUP to a running scanner.
access_token = ""
`

func createTemplate(configDir, name, template string, perm os.FileMode) (string, error) {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, name+".toml")
	if err := os.WriteFile(path, []byte(template), perm); err != nil {
		return "", fmt.Errorf("writing %s template: %w", name, err)
	}

	return path, nil
}
