package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/csagent/internal/domain"
)

func newWatchCmd(opts *globalOptions) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream approval and session pushes until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return opts.client().Watch(cmd.Context(), sessionID, func(ev domain.PushEvent) {
				if opts.asJSON {
					_ = printJSON(out, ev)
					return
				}
				printPushEvent(out, ev)
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "only pushes for this session")
	return cmd
}

func printPushEvent(w io.Writer, ev domain.PushEvent) {
	ts := time.UnixMilli(ev.Ts).Local().Format("15:04:05")
	data, _ := json.Marshal(ev.Data)
	if ev.SessionID != "" {
		fmt.Fprintf(w, "%s %-18s %s %s\n", ts, ev.Type, ev.SessionID, data)
		return
	}
	fmt.Fprintf(w, "%s %-18s %s\n", ts, ev.Type, data)
}
