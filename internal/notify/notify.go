// Package notify delivers actionable verdicts to people.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"

	"fno-scanner/internal/logging"
	"fno-scanner/internal/stream"
	"fno-scanner/internal/verdict"
)

// Notifier delivers one verdict.
type Notifier interface {
	Notify(ctx context.Context, v *verdict.Verdict) error
}

// Config gates which verdicts are delivered.
type Config struct {
	DefaultThreshold float64       `mapstructure:"default_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	Terminal         bool          `mapstructure:"terminal"`
	Bell             bool          `mapstructure:"bell"`
}

// DefaultConfig returns the default gating.
func DefaultConfig() Config {
	return Config{
		DefaultThreshold: 70,
		Cooldown:         15 * time.Minute,
		Terminal:         true,
	}
}

// ShouldAlert reports whether v clears threshold. Neutral never alerts; traps always clear.
func ShouldAlert(v *verdict.Verdict, threshold float64) bool {
	switch {
	case v.Kind == verdict.Neutral:
		return false
	case v.Kind == verdict.Trap:
		return true
	}
	return float64(v.ConfidencePct) >= threshold
}

// Dispatcher applies per-symbol thresholds and a repeat cooldown, then fans out.
type Dispatcher struct {
	cfg       Config
	notifiers []Notifier
	logger    zerolog.Logger
	now       func() time.Time

	mu         sync.Mutex
	thresholds map[string]float64
	last       map[string]sent
}

type sent struct {
	kind verdict.Kind
	at   time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg Config, logger zerolog.Logger, notifiers ...Notifier) *Dispatcher {
	return &Dispatcher{
		cfg:        cfg,
		notifiers:  notifiers,
		logger:     logger.With().Str("component", "notify").Logger(),
		now:        time.Now,
		thresholds: make(map[string]float64),
		last:       make(map[string]sent),
	}
}

// SetClock replaces the wall clock.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// SetThreshold sets the alert threshold of symbol. Zero falls back to the default.
func (d *Dispatcher) SetThreshold(symbol string, threshold float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.thresholds[strings.ToUpper(symbol)] = threshold
}

func (d *Dispatcher) threshold(symbol string) float64 {
	if t, ok := d.thresholds[symbol]; ok && t > 0 {
		return t
	}
	return d.cfg.DefaultThreshold
}

// admit applies the threshold and suppresses a repeat of the same kind within the cooldown.
func (d *Dispatcher) admit(v *verdict.Verdict) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !ShouldAlert(v, d.threshold(v.Symbol)) {
		return false
	}
	now := d.now()
	if prev, ok := d.last[v.Symbol]; ok && prev.kind == v.Kind && now.Sub(prev.at) < d.cfg.Cooldown {
		return false
	}
	d.last[v.Symbol] = sent{kind: v.Kind, at: now}
	return true
}

// Dispatch delivers v to every notifier when it passes the gate.
func (d *Dispatcher) Dispatch(ctx context.Context, v *verdict.Verdict) error {
	if !d.admit(v) {
		return nil
	}
	var errs []error
	for _, n := range d.notifiers {
		if err := n.Notify(ctx, v); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		d.logger.Warn().Err(err).Str("symbol", v.Symbol).Msg("Notification failed")
		return err
	}
	return nil
}

// OnEvent implements stream.Consumer.
func (d *Dispatcher) OnEvent(ev stream.Event) {
	if ev.Verdict == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = d.Dispatch(ctx, ev.Verdict)
}

// Types implements stream.Consumer.
func (d *Dispatcher) Types() []stream.EventType {
	return []stream.EventType{stream.EventVerdict}
}

// LogNotifier writes verdicts to the structured log.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(ctx context.Context, v *verdict.Verdict) error {
	logging.LogVerdict(n.logger, v.Symbol, string(v.Kind), float64(v.ConfidencePct), float64(v.TrapScore), float64(v.NetScore))
	return nil
}

// TerminalNotifier prints a colored alert block.
type TerminalNotifier struct {
	mu   sync.Mutex
	w    io.Writer
	bell bool
}

// NewTerminalNotifier creates a TerminalNotifier writing to w.
func NewTerminalNotifier(w io.Writer, bell bool) *TerminalNotifier {
	return &TerminalNotifier{w: w, bell: bell}
}

// KindColor returns the display color of a verdict kind.
func KindColor(k verdict.Kind) *color.Color {
	switch {
	case k == verdict.Trap:
		return color.New(color.FgMagenta, color.Bold)
	case k.Bullish():
		if k.Strong() {
			return color.New(color.FgGreen, color.Bold)
		}
		return color.New(color.FgGreen)
	case k.Bearish():
		if k.Strong() {
			return color.New(color.FgRed, color.Bold)
		}
		return color.New(color.FgRed)
	}
	return color.New(color.FgWhite)
}

// Notify implements Notifier.
func (n *TerminalNotifier) Notify(ctx context.Context, v *verdict.Verdict) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.bell {
		fmt.Fprint(n.w, "\a")
	}
	if _, err := KindColor(v.Kind).Fprintln(n.w, Headline(v)); err != nil {
		return err
	}
	for _, r := range v.KeyReasons {
		fmt.Fprintf(n.w, "  + %s\n", DescribeReason(r))
	}
	warn := color.New(color.FgYellow)
	for _, f := range v.RedFlags {
		warn.Fprintf(n.w, "  ! %s\n", DescribeFlag(f))
	}
	return nil
}
