package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/protocore/internal/bootstrap"
	"github.com/roach88/protocore/internal/channel"
	"github.com/roach88/protocore/internal/engine"
	"github.com/roach88/protocore/internal/metrics"
	"github.com/roach88/protocore/internal/protocol"
	"github.com/roach88/protocore/internal/retry"
	"github.com/roach88/protocore/internal/store"
)

// RecoverOptions holds flags for the recover command.
type RecoverOptions struct {
	*RootOptions
	DB          string
	Attachments string
	// Foreground runs the foreground recovery instead of the startup one.
	Foreground bool
	FirstTime  bool
	// Drain steps the resumed messages. Outbound messages are recorded, not
	// sent.
	Drain bool
	// JournalRetention is the age past which journaled messages of no
	// instance are deleted at startup.
	JournalRetention time.Duration
}

// ActionReport is the result of one recovery action.
type ActionReport struct {
	Action   string        `json:"action"`
	Repaired int           `json:"repaired"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
}

// HeldMessage is an outbound message recovery produced but did not send.
type HeldMessage struct {
	Family      string `json:"family"`
	InstanceUID string `json:"instance_uid"`
	Message     string `json:"message"`
	Channel     string `json:"channel"`
}

// RecoverResult is the outcome of the recover command.
type RecoverResult struct {
	Actions  []ActionReport     `json:"actions"`
	Resumed  int                `json:"resumed"`
	Executed int                `json:"executed,omitempty"`
	Dropped  int                `json:"dropped,omitempty"`
	Held     []HeldMessage      `json:"held,omitempty"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
}

// RenderText prints one line per action and a summary.
func (r RecoverResult) RenderText(w io.Writer) {
	for _, a := range r.Actions {
		status := "ok"
		if a.Error != "" {
			status = "FAILED: " + a.Error
		}
		fmt.Fprintf(w, "%-30s repaired %-4d %-10s %s\n", a.Action, a.Repaired, a.Duration.Round(time.Microsecond), status)
	}
	fmt.Fprintf(w, "resumed %d journaled messages\n", r.Resumed)
	if r.Executed > 0 || r.Dropped > 0 {
		fmt.Fprintf(w, "executed %d steps, dropped %d messages\n", r.Executed, r.Dropped)
	}
	for _, h := range r.Held {
		fmt.Fprintf(w, "held %s %s over %s for %s\n", h.Family, h.Message, h.Channel, h.InstanceUID)
	}
	names := make([]string, 0, len(r.Metrics))
	for name := range r.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "%s %g\n", name, r.Metrics[name])
	}
}

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecoverOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Run bootstrap recovery against a database",
		Long: `Run the recovery a process performs at startup: delete push
registrations and orphaned rows, remove orphaned attachment directories and
stale journaled messages, then re-enqueue every journaled protocol message.

No transport is attached. Server deletions stay persisted and inbox
notifications are only counted. With --drain the resumed messages are stepped
and their outbound messages are held and listed instead of sent.

Exit codes:
  0 - Every action succeeded
  1 - One or more actions failed
  2 - Command error (unopenable database, etc.)

Examples:
  protocore recover --db protocore.db --attachments attachments
  protocore recover --db protocore.db --foreground --first-time=false
  protocore recover --db protocore.db --drain --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecover(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.DB, "db", "", "database path (default from config)")
	cmd.Flags().StringVar(&opts.Attachments, "attachments", "", "attachments directory (default from config)")
	cmd.Flags().BoolVar(&opts.Foreground, "foreground", false, "run the foreground recovery instead of the startup one")
	cmd.Flags().BoolVar(&opts.FirstTime, "first-time", true, "with --foreground, also replay inbox notifications")
	cmd.Flags().BoolVar(&opts.Drain, "drain", false, "step the resumed messages")
	cmd.Flags().DurationVar(&opts.JournalRetention, "journal-retention", bootstrap.DefaultJournalRetention,
		"at startup, delete journaled messages of no instance older than this")

	return cmd
}

// holdingDelegate records outbound messages instead of posting them.
type holdingDelegate struct {
	mu       sync.Mutex
	families map[protocol.FamilyID]*protocol.Family
	held     []HeldMessage
}

func (d *holdingDelegate) Post(_ context.Context, ob channel.Outbound) (channel.Receipt, error) {
	name := fmt.Sprintf("message(%d)", ob.MessageKind)
	if f, ok := d.families[protocol.FamilyID(ob.Family)]; ok {
		name = f.MessageName(protocol.MessageKind(ob.MessageKind))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.held = append(d.held, HeldMessage{
		Family:      ob.Family,
		InstanceUID: ob.InstanceUID.String(),
		Message:     name,
		Channel:     ob.Channel.Type().String(),
	})
	return channel.Receipt{}, nil
}

func runRecover(cmd *cobra.Command, opts *RecoverOptions) error {
	ctx := cmd.Context()
	cfg := opts.Config
	path := opts.DB
	if path == "" {
		path = cfg.Database
	}
	attachments := opts.Attachments
	if attachments == "" {
		attachments = cfg.AttachmentsDir
	}

	s, err := store.Open(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "open database", err)
	}
	defer s.Close()

	reg := prometheus.NewRegistry()
	m, err := metrics.NewEngine(reg)
	if err != nil {
		return WrapExitError(ExitCommandError, "register metrics", err)
	}

	families := knownFamilies()
	delegate := &holdingDelegate{families: families}
	list := make([]*protocol.Family, 0, len(families))
	for _, f := range families {
		list = append(list, f)
	}
	eng, err := engine.New(s, delegate, list,
		engine.WithMetrics(m),
		engine.WithMaxSteps(cfg.Engine.MaxStepsPerDrain),
		engine.WithSASDigits(cfg.SASDigits),
		engine.WithLogger(opts.Logger),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "create engine", err)
	}

	scheduler := retry.NewScheduler(retry.WithLogger(opts.Logger), retry.WithMetrics(m))
	coord := bootstrap.New(s,
		bootstrap.WithResumer(eng),
		bootstrap.WithScheduler(scheduler),
		bootstrap.WithBackoff(cfg.Retry.StandardDelay, cfg.Retry.MaximumDelay),
		bootstrap.WithAttachmentsDir(attachments),
		bootstrap.WithJournalRetention(opts.JournalRetention),
		bootstrap.WithNotificationWorkers(cfg.NotificationWorkers),
		bootstrap.WithLogger(opts.Logger),
	)
	defer coord.Close()

	var reports []bootstrap.Report
	var recoverErr error
	if opts.Foreground {
		reports, recoverErr = coord.ApplicationAppearedOnScreen(ctx, opts.FirstTime)
	} else {
		reports, recoverErr = coord.FinalizeInitialization(ctx)
	}

	result := RecoverResult{Actions: []ActionReport{}, Resumed: eng.Pending()}
	for _, r := range reports {
		ar := ActionReport{Action: r.Action, Repaired: r.Repaired, Duration: r.Duration}
		if r.Err != nil {
			ar.Error = r.Err.Error()
		}
		result.Actions = append(result.Actions, ar)
	}

	if opts.Drain {
		outcomes, err := eng.Drain(ctx)
		if err != nil {
			opts.Logger.Warn("drain finished with errors", "error", err)
		}
		for _, o := range outcomes {
			if o.Executed {
				result.Executed++
			}
			if o.Dropped != "" {
				result.Dropped++
			}
		}
		delegate.mu.Lock()
		result.Held = delegate.held
		delegate.mu.Unlock()
	}
	result.Metrics = gatherMetrics(reg, opts.Logger.Warn)

	if err := opts.formatter(cmd).Success(result); err != nil {
		return err
	}
	if recoverErr != nil {
		return WrapExitError(ExitFailure, "recovery", recoverErr)
	}
	return nil
}

// gatherMetrics flattens counters and gauges with non-zero values into
// name{labels} keys.
func gatherMetrics(reg *prometheus.Registry, warn func(string, ...any)) map[string]float64 {
	families, err := reg.Gather()
	if err != nil {
		warn("gather metrics", "error", err)
		return nil
	}
	out := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var v float64
			switch {
			case m.GetCounter() != nil:
				v = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				v = m.GetGauge().GetValue()
			default:
				continue
			}
			if v == 0 {
				continue
			}
			key := mf.GetName()
			if labels := m.GetLabel(); len(labels) > 0 {
				key += "{"
				for i, l := range labels {
					if i > 0 {
						key += ","
					}
					key += fmt.Sprintf("%s=%q", l.GetName(), l.GetValue())
				}
				key += "}"
			}
			out[key] = v
		}
	}
	return out
}
