package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/protocore/internal/ident"
	"github.com/roach88/protocore/internal/protocol"
	"github.com/roach88/protocore/internal/protocol/trust"
	"github.com/roach88/protocore/internal/store"
)

// InstancesOptions holds flags for the instances command.
type InstancesOptions struct {
	*RootOptions
	DB    string
	Owner string        // hex identity, empty for all owners
	Prune time.Duration // delete terminal instances and stale journal entries older than this first
}

// InstanceRow is one persisted protocol instance.
type InstanceRow struct {
	Owner       string    `json:"owner"`
	InstanceUID string    `json:"instance_uid"`
	Family      string    `json:"family"`
	State       string    `json:"state"`
	Version     int64     `json:"version"`
	Terminal    bool      `json:"terminal"`
	Journaled   int       `json:"journaled"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// InstancesResult is the outcome of the instances command.
type InstancesResult struct {
	Instances []InstanceRow `json:"instances"`
	Pruned    int64         `json:"pruned"`
	// JournalPruned counts deleted journal entries of no instance.
	JournalPruned int64 `json:"journal_pruned"`
}

// RenderText prints one instance per line.
func (r InstancesResult) RenderText(w io.Writer) {
	if r.Pruned > 0 {
		fmt.Fprintf(w, "pruned %d terminal instances\n", r.Pruned)
	}
	if r.JournalPruned > 0 {
		fmt.Fprintf(w, "pruned %d stale journal entries\n", r.JournalPruned)
	}
	if len(r.Instances) == 0 {
		fmt.Fprintln(w, "no instances")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "OWNER\tINSTANCE\tFAMILY\tSTATE\tVERSION\tJOURNALED\tUPDATED")
	for _, in := range r.Instances {
		state := in.State
		if in.Terminal {
			state += " (terminal)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			in.Owner, in.InstanceUID, in.Family, state, in.Version, in.Journaled,
			in.UpdatedAt.UTC().Format(time.RFC3339))
	}
	tw.Flush()
}

// NewInstancesCommand creates the instances command.
func NewInstancesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InstancesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "instances",
		Short: "List persisted protocol instances",
		Long: `List the protocol instances persisted in a database, with their state,
version and the number of journaled messages still waiting for them.

Examples:
  protocore instances --db protocore.db
  protocore instances --db protocore.db --owner aa01
  protocore instances --db protocore.db --prune 720h`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstances(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.DB, "db", "", "database path (default from config)")
	cmd.Flags().StringVar(&opts.Owner, "owner", "", "only list instances of this owned identity (hex)")
	cmd.Flags().DurationVar(&opts.Prune, "prune", 0,
		"delete terminal instances not updated, and journal entries of no instance received, for this long")

	return cmd
}

func runInstances(cmd *cobra.Command, opts *InstancesOptions) error {
	ctx := cmd.Context()
	path := opts.DB
	if path == "" {
		path = opts.Config.Database
	}
	var owner ident.Identity
	if opts.Owner != "" {
		id, err := ident.ParseIdentity(opts.Owner)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --owner", err)
		}
		owner = id
	}
	if opts.Prune < 0 {
		return NewExitError(ExitCommandError, "--prune must not be negative")
	}

	s, err := store.Open(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "open database", err)
	}
	defer s.Close()

	result := InstancesResult{Instances: []InstanceRow{}}
	if opts.Prune > 0 {
		cutoff := time.Now().Add(-opts.Prune)
		n, err := s.PruneTerminal(ctx, cutoff)
		if err != nil {
			return WrapExitError(ExitFailure, "prune", err)
		}
		result.Pruned = n
		opts.Logger.Info("pruned terminal instances", "count", n, "older_than", opts.Prune)

		n, err = s.PruneJournal(ctx, cutoff)
		if err != nil {
			return WrapExitError(ExitFailure, "prune journal", err)
		}
		result.JournalPruned = n
		opts.Logger.Info("pruned stale journal entries", "count", n, "older_than", opts.Prune)
	}

	instances, err := s.ListInstances(ctx, owner)
	if err != nil {
		return WrapExitError(ExitFailure, "list instances", err)
	}
	families := knownFamilies()
	for _, in := range instances {
		journal, err := s.PendingForInstance(ctx, in.Owner, in.InstanceUID)
		if err != nil {
			return WrapExitError(ExitFailure, "read journal", err)
		}
		result.Instances = append(result.Instances, InstanceRow{
			Owner:       in.Owner.String(),
			InstanceUID: in.InstanceUID.String(),
			Family:      in.Family,
			State:       stateName(families, in),
			Version:     in.Version,
			Terminal:    in.Terminal,
			Journaled:   len(journal),
			UpdatedAt:   in.UpdatedAt,
		})
	}

	return opts.formatter(cmd).Success(result)
}

// knownFamilies returns the protocol families the binary can run.
func knownFamilies() map[protocol.FamilyID]*protocol.Family {
	f := trust.Family()
	return map[protocol.FamilyID]*protocol.Family{f.ID: f}
}

func stateName(families map[protocol.FamilyID]*protocol.Family, in store.Instance) string {
	if f, ok := families[protocol.FamilyID(in.Family)]; ok {
		return f.StateName(protocol.StateKind(in.StateKind))
	}
	return fmt.Sprintf("state(%d)", in.StateKind)
}
