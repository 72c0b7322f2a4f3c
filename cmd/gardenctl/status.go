package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/gardenlens/backend/internal/client"
	"github.com/gardenlens/backend/internal/generation"
)

type statusOptions struct {
	baseURL  string
	token    string
	wait     bool
	interval time.Duration
	attempts uint
	asJSON   bool
}

func newStatusCmd(d *deps) *cobra.Command {
	opts := &statusOptions{}
	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a generation job's status, optionally waiting for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("job id must be a UUID: %w", err)
			}
			base := opts.baseURL
			if base == "" {
				cfg, err := d.loadConfig()
				if err != nil {
					return err
				}
				base = cfg.PublicBaseURL
			}
			c := client.New(base, opts.token, nil)

			var st *generation.Status
			if opts.wait {
				p := &client.Poller{
					Client:   c,
					Interval: opts.interval,
					Attempts: opts.attempts,
					OnUpdate: func(s *generation.Status) {
						_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", s.JobID, s.Status)
					},
				}
				st, err = p.Wait(cmd.Context(), jobID)
				if errors.Is(err, client.ErrPollTimeout) {
					return fmt.Errorf("%s is still running: %w", jobID, err)
				}
			} else {
				st, err = c.Status(cmd.Context(), jobID)
			}
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), st, opts.asJSON)
		},
	}
	cmd.Flags().StringVar(&opts.baseURL, "base-url", "", "API base URL (defaults to PUBLIC_BASE_URL)")
	cmd.Flags().StringVar(&opts.token, "token", "", "session token of the job owner")
	cmd.Flags().BoolVar(&opts.wait, "wait", false, "poll until the job finishes")
	cmd.Flags().DurationVar(&opts.interval, "interval", 2*time.Second, "polling interval")
	cmd.Flags().UintVar(&opts.attempts, "attempts", 90, "maximum polls before giving up")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print the raw status document")
	return cmd
}

func printStatus(w io.Writer, st *generation.Status, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	_, _ = fmt.Fprintf(w, "job %s: %s (refunded: %t)\n", st.JobID, st.Status, st.Refunded)
	for _, a := range st.Areas {
		detail := ""
		switch {
		case a.ResultReference != nil:
			detail = *a.ResultReference
		case a.Error != nil:
			detail = *a.Error
		}
		_, _ = fmt.Fprintf(w, "  %s\t%s\t%d%%\t%s\n", a.AreaID, a.Status, a.Progress, detail)
	}
	return nil
}
