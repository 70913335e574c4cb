package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/plotsync/internal/models"
	"github.com/zulandar/plotsync/internal/reconcile"
	"github.com/zulandar/plotsync/internal/status"
)

func newThreadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "thread",
		Short: "Inspect and drive plot threads",
		Long:  "One-shot operations on the forum thread of a single plot.",
	}
	cmd.AddCommand(newThreadRegisterCmd())
	cmd.AddCommand(newThreadEventCmd())
	cmd.AddCommand(newThreadArchiveCmd())
	cmd.AddCommand(newThreadSyncCmd())
	cmd.AddCommand(newThreadLinkCmd())
	cmd.AddCommand(newThreadFeedbackCmd())
	cmd.AddCommand(newThreadDetachCmd())
	cmd.AddCommand(newThreadListCmd())
	return cmd
}

func newThreadRegisterCmd() *cobra.Command {
	var (
		initial  string
		override bool
	)
	cmd := &cobra.Command{
		Use:   "register <plot-id>",
		Short: "Open a thread for a plot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runThreadRegister(cmd, args[0], initial, override)
		},
	}
	cmd.Flags().StringVar(&initial, "status", status.OnGoing.String(), "initial thread status")
	cmd.Flags().BoolVar(&override, "override", false, "open a new thread even if the plot already has one")
	return cmd
}

func runThreadRegister(cmd *cobra.Command, rawID, initial string, override bool) error {
	plotID, err := parsePlotID(rawID)
	if err != nil {
		return err
	}
	s, err := status.Parse(strings.ToUpper(initial))
	if err != nil {
		return err
	}
	a, err := openReconciler(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	rec, err := a.rec.RegisterNewThread(cmd.Context(), plotID, s, override)
	if err != nil {
		return err
	}
	printRecord(cmd.OutOrStdout(), "Registered", rec)
	return nil
}

func newThreadEventCmd() *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:   "event <plot-id> <event>",
		Short: "Apply a lifecycle event to a plot's thread",
		Long: "Applies one lifecycle event, opening the thread first if the plot has none.\n" +
			"Events: " + strings.Join(reconcile.EventNames(), ", ") + ".",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runThreadEvent(cmd, args[0], args[1], feedback)
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "reviewer feedback for the rejected event")
	return cmd
}

func runThreadEvent(cmd *cobra.Command, rawID, name, feedback string) error {
	plotID, err := parsePlotID(rawID)
	if err != nil {
		return err
	}
	ev, err := reconcile.ParseEvent(name, feedback)
	if err != nil {
		return err
	}
	a, err := openReconciler(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	rec, err := a.rec.ApplyLifecycleEvent(cmd.Context(), plotID, ev)
	if err != nil {
		return err
	}
	printRecord(cmd.OutOrStdout(), "Updated", rec)
	return nil
}

func newThreadArchiveCmd() *cobra.Command {
	var override bool
	cmd := &cobra.Command{
		Use:   "archive <plot-id>",
		Short: "Archive a plot's thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runThreadArchive(cmd, args[0], override)
		},
	}
	cmd.Flags().BoolVar(&override, "override", false, "open a new archived thread instead of reusing the current one")
	return cmd
}

func runThreadArchive(cmd *cobra.Command, rawID string, override bool) error {
	plotID, err := parsePlotID(rawID)
	if err != nil {
		return err
	}
	a, err := openReconciler(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	rec, err := a.rec.Archive(cmd.Context(), plotID, override)
	if err != nil {
		return err
	}
	printRecord(cmd.OutOrStdout(), "Archived", rec)
	return nil
}

func newThreadSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <plot-id>",
		Short: "Bring a plot's thread in line with the plot database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runThreadSync(cmd, args[0])
		},
	}
}

func runThreadSync(cmd *cobra.Command, rawID string) error {
	plotID, err := parsePlotID(rawID)
	if err != nil {
		return err
	}
	a, err := openReconciler(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	rec, changed, err := a.rec.Sync(cmd.Context(), plotID)
	if err != nil {
		return err
	}
	if !changed {
		fmt.Fprintf(cmd.OutOrStdout(), "Plot %d is already up to date (%s).\n", plotID, rec.Status)
		return nil
	}
	printRecord(cmd.OutOrStdout(), "Synced", rec)
	return nil
}

func newThreadLinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "link <plot-id> <discord-user-id>",
		Short: "Mention the plot owner's Discord account on the thread",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runThreadLink(cmd, args[0], args[1])
		},
	}
}

func runThreadLink(cmd *cobra.Command, rawID, userID string) error {
	plotID, err := parsePlotID(rawID)
	if err != nil {
		return err
	}
	if _, err := strconv.ParseUint(userID, 10, 64); err != nil {
		return fmt.Errorf("invalid discord user id %q", userID)
	}
	a, err := openReconciler(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	rec, err := a.rec.LinkOwner(cmd.Context(), plotID, userID)
	if err != nil {
		return err
	}
	printRecord(cmd.OutOrStdout(), "Linked", rec)
	return nil
}

func newThreadFeedbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "feedback <plot-id> [text]",
		Short: "Replace the review feedback on a rejected thread",
		Long:  "Replaces the feedback shown on a rejected thread. Without text the feedback is cleared.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var text string
			if len(args) == 2 {
				text = args[1]
			}
			return runThreadFeedback(cmd, args[0], text)
		},
	}
}

func runThreadFeedback(cmd *cobra.Command, rawID, text string) error {
	plotID, err := parsePlotID(rawID)
	if err != nil {
		return err
	}
	a, err := openReconciler(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	rec, err := a.rec.SetFeedback(cmd.Context(), plotID, text)
	if err != nil {
		return err
	}
	printRecord(cmd.OutOrStdout(), "Updated", rec)
	return nil
}

func newThreadDetachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detach <message-id>",
		Short: "Forget a thread without touching Discord",
		Long: "Removes one registry row. The forum thread itself is left as it is; the\n" +
			"plot can then be registered again.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runThreadDetach(cmd, args[0])
		},
	}
}

func runThreadDetach(cmd *cobra.Command, rawID string) error {
	messageID, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid message id %q", rawID)
	}
	a, err := openReconciler(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.rec.DeleteRegistration(cmd.Context(), messageID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Detached message %d.\n", messageID)
	return nil
}

func newThreadListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [plot-id]",
		Short: "List registered threads",
		Long: "With a plot id, lists every thread registered for that plot, newest first.\n" +
			"Without one, lists the current thread of every tracked plot.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return runThreadListCurrent(cmd)
			}
			return runThreadList(cmd, args[0])
		},
	}
}

func runThreadList(cmd *cobra.Command, rawID string) error {
	plotID, err := parsePlotID(rawID)
	if err != nil {
		return err
	}
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	recs, err := a.reg.ListByPlot(cmd.Context(), plotID)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(recs) == 0 {
		fmt.Fprintf(out, "No threads registered for plot %d.\n", plotID)
		return nil
	}
	writeRecords(out, recs)
	return nil
}

func runThreadListCurrent(cmd *cobra.Command) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	recs, err := a.reg.ListCurrent(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(recs) == 0 {
		fmt.Fprintln(out, "No threads registered.")
		return nil
	}
	writeRecords(out, recs)
	return nil
}

// openReconciler loads the app and connects to the forum.
func openReconciler(cmd *cobra.Command) (*app, error) {
	a, err := loadApp(cmd)
	if err != nil {
		return nil, err
	}
	if err := a.withReconciler(cmd.Context(), true); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func parsePlotID(raw string) (int32, error) {
	n, err := strconv.ParseInt(raw, 10, 32)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid plot id %q", raw)
	}
	return int32(n), nil
}

func printRecord(w io.Writer, verb string, rec *models.ThreadRecord) {
	fmt.Fprintf(w, "%s plot %d: thread %d, message %d, status %s\n",
		verb, rec.PlotID, rec.ThreadID, rec.MessageID, rec.Status)
}

func writeRecords(w io.Writer, recs []models.ThreadRecord) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MESSAGE\tPLOT\tTHREAD\tSTATUS\tOWNER\tFEEDBACK")
	for _, r := range recs {
		owner := r.OwnerRef
		if r.OwnerPlatformID != nil && *r.OwnerPlatformID != "" {
			owner += " (" + *r.OwnerPlatformID + ")"
		}
		feedback := "-"
		if r.Feedback != nil {
			feedback = *r.Feedback
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%s\t%s\n", r.MessageID, r.PlotID, r.ThreadID, r.Status, owner, feedback)
	}
	tw.Flush()
}
