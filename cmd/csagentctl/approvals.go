package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/csagent/internal/domain"
)

func newApprovalsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "List and resolve pending approvals",
	}
	cmd.AddCommand(newApprovalsListCmd(opts))
	cmd.AddCommand(newApprovalsDecideCmd(opts, true))
	cmd.AddCommand(newApprovalsDecideCmd(opts, false))
	return cmd
}

func newApprovalsListCmd(opts *globalOptions) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending approvals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pending, err := opts.client().ListApprovals(cmd.Context(), sessionID)
			if err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), pending)
			}
			if len(pending) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no pending approvals")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "APPROVAL\tSESSION\tTOOL\tSPECIALIST\tREQUESTED\tARGUMENTS")
			for _, p := range pending {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					p.Approval.ID, p.Approval.SessionID, p.ToolCall.ToolName, p.ToolCall.RequestingSpecialist,
					p.Approval.CreatedAt.Local().Format("15:04:05"), p.ToolCall.Arguments)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "only approvals of this session")
	return cmd
}

func newApprovalsDecideCmd(opts *globalOptions, approve bool) *cobra.Command {
	var resolvedBy, comment string
	use, short := "reject <approval-id>", "Reject a pending approval"
	if approve {
		use, short = "approve <approval-id>", "Approve a pending approval and run its tool call"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			by := resolvedBy
			if by == "" {
				by = opts.user
			}
			res, err := opts.client().Decide(cmd.Context(), args[0], approve, by, comment)
			if err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			printResolution(cmd, res)
			return nil
		},
	}
	cmd.Flags().StringVar(&resolvedBy, "as", "", "approver name when auth is off (defaults to --user)")
	cmd.Flags().StringVar(&comment, "comment", "", "note recorded with the decision")
	return cmd
}

func printResolution(cmd *cobra.Command, res *domain.Resolution) {
	out := cmd.OutOrStdout()
	ap := res.Approval
	if res.Replayed {
		fmt.Fprintf(out, "approval %s was already %s by %s\n", ap.ID, ap.Status, ap.ResolvedBy)
	} else {
		fmt.Fprintf(out, "approval %s %s by %s\n", ap.ID, ap.Status, ap.ResolvedBy)
	}
	if tc := res.ToolCall; tc != nil {
		switch {
		case tc.Error != nil:
			fmt.Fprintf(out, "tool call %s %s: %s\n", tc.ToolName, tc.Status, tc.Error.Message)
		case len(tc.Result) > 0:
			fmt.Fprintf(out, "tool call %s %s %s\n", tc.ToolName, tc.Status, tc.Result)
		default:
			fmt.Fprintf(out, "tool call %s %s\n", tc.ToolName, tc.Status)
		}
	}
}
