package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/csagent/internal/domain"
	v1 "github.com/xiaot623/gogo/csagent/internal/transport/http/v1"
)

type globalOptions struct {
	server string
	token  string
	user   string
	asJSON bool
}

func (o *globalOptions) client() *Client {
	return NewClient(o.server, o.token, o.user)
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:           "csagentctl",
		Short:         "Operator client for the customer-success agent engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.server, "server", envOr("CSA_SERVER", "http://localhost:8080"), "engine base URL")
	cmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("CSA_TOKEN"), "bearer token when the engine requires auth")
	cmd.PersistentFlags().StringVar(&opts.user, "user", os.Getenv("CSA_USER"), "user id sent as X-User-ID when auth is off")
	cmd.PersistentFlags().BoolVar(&opts.asJSON, "json", false, "print raw JSON")

	cmd.AddCommand(newChatCmd(opts))
	cmd.AddCommand(newApprovalsCmd(opts))
	cmd.AddCommand(newSessionsCmd(opts))
	cmd.AddCommand(newWatchCmd(opts))
	cmd.AddCommand(newTokenCmd())

	return cmd
}

func newChatCmd(opts *globalOptions) *cobra.Command {
	var req domain.ChatRequest

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send a message and stream the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Message = strings.Join(args, " ")
			out := cmd.OutOrStdout()
			return opts.client().Chat(cmd.Context(), req, func(ev StreamEvent) error {
				if opts.asJSON {
					return printJSON(out, ev)
				}
				return printStreamEvent(out, ev)
			})
		},
	}
	cmd.Flags().StringVar(&req.SessionID, "session", "", "continue this session")
	cmd.Flags().StringVar(&req.CustomerID, "customer", "", "customer the conversation is about")
	return cmd
}

func printStreamEvent(w io.Writer, ev StreamEvent) error {
	switch ev.Type {
	case domain.StreamToken:
		var p domain.TokenPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		fmt.Fprint(w, p.Text)
	case domain.StreamToolStart:
		var p domain.ToolStartPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		fmt.Fprintf(w, "\n[tool] %s %s\n", p.ToolName, p.Arguments)
	case domain.StreamToolEnd:
		var p domain.ToolEndPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		if p.Error != nil {
			fmt.Fprintf(w, "[tool] %s %s: %s\n", p.ToolName, p.Status, p.Error.Message)
		} else {
			fmt.Fprintf(w, "[tool] %s %s %s\n", p.ToolName, p.Status, p.Result)
		}
	case domain.StreamPendingApproval:
		var p domain.PendingApprovalPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		fmt.Fprintf(w, "[approval needed] %s %s\n  approve: csagentctl approvals approve %s\n  reject:  csagentctl approvals reject %s\n",
			p.ToolName, p.Arguments, p.ApprovalID, p.ApprovalID)
	case domain.StreamDone:
		var p domain.DonePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		fmt.Fprintf(w, "\n-- session %s, specialist %s (%s)\n", p.SessionID, p.Specialist, p.Routing.Method)
	case domain.StreamError:
		var p domain.ErrorPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		return fmt.Errorf("%s: %s", p.Code, p.Message)
	}
	return nil
}

func newTokenCmd() *cobra.Command {
	var (
		secret string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Sign an approver token for local use",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return fmt.Errorf("--secret or CSA_JWT_SECRET is required")
			}
			token, err := v1.IssueToken(secret, args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("CSA_JWT_SECRET"), "HS256 signing secret")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime, 0 for no expiry")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
