package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newSessionsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and end sessions",
	}
	cmd.AddCommand(
		newSessionShowCmd(opts),
		newSessionMessagesCmd(opts),
		newSessionAuditCmd(opts),
		newSessionEndCmd(opts),
	)
	return cmd
}

func newSessionShowCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session and its tool calls",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := opts.client().GetSession(cmd.Context(), args[0])
			if err != nil {
				if isNotFound(err) {
					return fmt.Errorf("session %s not found", args[0])
				}
				return err
			}
			out := cmd.OutOrStdout()
			if opts.asJSON {
				return printJSON(out, view)
			}
			s := view.Session
			fmt.Fprintf(out, "session    %s\nuser       %s\ncustomer   %s\nstatus     %s\nspecialist %s\nhistory    %s\nexpires    %s\n",
				s.ID, s.UserID, s.CustomerID, s.Status, s.ActiveSpecialist,
				strings.Join(s.SpecialistHistory, " -> "), s.ExpiresAt.Local().Format("2006-01-02 15:04:05"))
			if len(view.ToolCalls) == 0 {
				return nil
			}
			fmt.Fprintln(out)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TOOL CALL\tTOOL\tSPECIALIST\tVERDICT\tSTATUS\tATTEMPTS")
			for _, tc := range view.ToolCalls {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n",
					tc.ID, tc.ToolName, tc.RequestingSpecialist, tc.PolicyVerdict, tc.Status, tc.Attempts)
			}
			return tw.Flush()
		},
	}
}

func newSessionMessagesCmd(opts *globalOptions) *cobra.Command {
	var (
		afterSeq int64
		limit    int
		all      bool
	)
	cmd := &cobra.Command{
		Use:   "messages <session-id>",
		Short: "Print the conversation of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cursor := afterSeq
			for {
				page, err := opts.client().ListMessages(cmd.Context(), args[0], cursor, limit)
				if err != nil {
					return err
				}
				for _, m := range page.Messages {
					if opts.asJSON {
						if err := printJSON(out, m); err != nil {
							return err
						}
						continue
					}
					who := string(m.Role)
					if m.SpecialistID != "" {
						who += "/" + m.SpecialistID
					}
					fmt.Fprintf(out, "#%d %s: %s\n", m.Seq, who, m.Content)
					cursor = m.Seq
				}
				if opts.asJSON && len(page.Messages) > 0 {
					cursor = page.Messages[len(page.Messages)-1].Seq
				}
				if !all || !page.HasMore || len(page.Messages) == 0 {
					return nil
				}
			}
		},
	}
	cmd.Flags().Int64Var(&afterSeq, "after", 0, "only messages after this sequence number")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().BoolVar(&all, "all", false, "follow pages until the end")
	return cmd
}

func newSessionAuditCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "audit <session-id>",
		Short: "Print the audit trail of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := opts.client().ListAudit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tKIND\tACTOR\tVERDICT\tOUTCOME\tREF")
			for _, e := range entries {
				ref := e.ToolCallID
				if e.ApprovalID != "" {
					ref = e.ApprovalID
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", e.Seq, e.Kind, e.Actor, e.Verdict, e.Outcome, ref)
			}
			return tw.Flush()
		},
	}
}

func newSessionEndCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "end <session-id>",
		Short: "End a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := opts.client().EndSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), sess)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s %s\n", sess.ID, sess.Status)
			return nil
		},
	}
}
