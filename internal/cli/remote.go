package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/epochalarm/internal/broker"
	"github.com/snehjoshi/epochalarm/pkg/client"
)

func (o *RootOptions) client() *client.Client {
	var opts []client.ClientOption
	if o.APIKey != "" {
		opts = append(opts, client.WithAPIKey(o.APIKey))
	}
	return client.New(o.Addr, opts...)
}

// emit writes v as indented JSON when --format=json, otherwise calls text.
func (o *RootOptions) emit(w io.Writer, v any, text func()) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text()
	return nil
}

func parseID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil {
		return 0, usageError("message number %q is not an integer", s)
	}
	return id, nil
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "submit <seconds> <message-number> <text>",
		Short: "Schedule an alarm on a running server",
		Long: `Schedule an alarm on a running server. A pending alarm with the same
message number is replaced.

Example:
  alarmd submit 10 3 "tea is ready"`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			secs, err := strconv.Atoi(args[0])
			if err != nil {
				return usageError("seconds %q is not an integer", args[0])
			}
			if !broker.SecondsInRange(secs) {
				return usageError("seconds %d is out of range", secs)
			}
			id, err := parseID(args[1])
			if err != nil {
				return err
			}

			res, err := rootOpts.client().Submit(cmd.Context(), id, time.Duration(secs)*time.Second, args[2])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return rootOpts.emit(out, res, func() {
				fmt.Fprintf(out, "Alarm Request Received at <%d>:<%d %s>\n", res.SubmittedAt.Unix(), res.Seconds, res.Message)
				if res.Replaced != nil {
					fmt.Fprintf(out, "Alarm with Message Number(%d) EXISTS! Replacing that alarm.\n", id)
				}
				if res.Truncated {
					fmt.Fprintln(out, "(message truncated)")
				}
			})
		},
	}
}

// NewCancelCommand creates the cancel command.
func NewCancelCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <message-number>",
		Short: "Cancel a pending alarm",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			err = rootOpts.client().Cancel(cmd.Context(), id)
			out := cmd.OutOrStdout()
			switch {
			case client.IsNotFound(err):
				fmt.Fprintf(out, "No alarm with Message(%d) to cancel\n", id)
				return &ExitError{Code: ExitFailure, Err: err}
			case err != nil:
				return err
			}
			return rootOpts.emit(out, map[string]any{"id": id, "canceled": true}, func() {
				fmt.Fprintf(out, "Alarm Message(%d) canceled\n", id)
			})
		},
	}
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show pending alarms in firing order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			alarms, err := rootOpts.client().Pending(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return rootOpts.emit(out, alarms, func() {
				if len(alarms) == 0 {
					fmt.Fprintln(out, "no pending alarms")
					return
				}
				for _, a := range alarms {
					fmt.Fprintf(out, "%s  in %-8s %d Message(%d) %s\n",
						a.FireAt.Local().Format(time.TimeOnly),
						time.Until(a.FireAt).Round(time.Second),
						a.Seconds, a.ID, a.Message)
				}
			})
		},
	}
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		limit int
		id    int
		tk    string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show how past alarms ended, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if tk != "" {
				rec, err := rootOpts.client().Record(cmd.Context(), tk)
				if err != nil {
					return err
				}
				return rootOpts.emit(out, rec, func() {
					fmt.Fprintf(out, "%s  %-8s %d Message(%d) %s\n",
						rec.At.Local().Format(time.DateTime), rec.Outcome, rec.Seconds, rec.ID, rec.Message)
				})
			}

			var only *int
			if cmd.Flags().Changed("id") {
				only = &id
			}
			recs, err := rootOpts.client().History(cmd.Context(), limit, only)
			if err != nil {
				return err
			}
			return rootOpts.emit(out, recs, func() {
				for _, r := range recs {
					fmt.Fprintf(out, "%s  %-8s %d Message(%d) %s\n",
						r.At.Local().Format(time.DateTime), r.Outcome, r.Seconds, r.ID, r.Message)
				}
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum records to show")
	cmd.Flags().IntVar(&id, "id", 0, "only show this message number")
	cmd.Flags().StringVar(&tk, "ticket", "", "show the single record for this ticket")
	return cmd
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	var id int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print alarms as they fire",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var only *int
			if cmd.Flags().Changed("id") {
				only = &id
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			out := cmd.OutOrStdout()
			return rootOpts.client().Watch(ctx, only, func(f client.Fired) {
				_ = rootOpts.emit(out, f, func() {
					fmt.Fprintf(out, "%d Message(%d) %s\n", f.Seconds, f.ID, f.Message)
				})
			})
		},
	}
	cmd.Flags().IntVar(&id, "id", 0, "only show this message number")
	return cmd
}
