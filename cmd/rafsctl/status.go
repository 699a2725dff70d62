package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"rafsctl/internal/nydusd"
	"rafsctl/internal/store"
)

type sessionView struct {
	ID         string `json:"id"`
	ImageID    string `json:"image_id,omitempty"`
	Mountpoint string `json:"mountpoint"`
	State      string `json:"state"`
	PID        int    `json:"pid,omitempty"`
	Mode       string `json:"mode,omitempty"`
	APISock    string `json:"api_sock,omitempty"`
	ConfigPath string `json:"config_path,omitempty"`
	LastError  string `json:"last_error,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"`
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recorded daemon sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, ctx, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit sessions as JSON")
	return cmd
}

func runStatus(cmd *cobra.Command, ctx *commandContext, asJSON bool) error {
	return ctx.withStore(func(st *store.Store) error {
		records, err := st.ListSessions(cmd.Context())
		if err != nil {
			return err
		}

		if asJSON {
			views := make([]sessionView, 0, len(records))
			for _, record := range records {
				view := sessionView{
					ID:         record.ID,
					ImageID:    record.ImageID,
					Mountpoint: record.Mountpoint,
					State:      record.State,
					PID:        record.PID,
					Mode:       record.Mode,
					APISock:    record.APISock,
					ConfigPath: record.ConfigPath,
					LastError:  record.LastError,
				}
				if !record.CreatedAt.IsZero() {
					view.CreatedAt = record.CreatedAt.UTC().Format(time.RFC3339)
				}
				views = append(views, view)
			}
			return writeJSON(cmd, views)
		}

		out := cmd.OutOrStdout()
		rows := buildSessionRows(records, time.Now(), nydusd.ProcessAlive)
		if len(rows) == 0 {
			fmt.Fprintln(out, "No sessions recorded.")
			return nil
		}
		fmt.Fprintln(out, renderTable(
			[]column{
				{title: "ID"},
				{title: "Mountpoint"},
				{title: "State"},
				{title: "PID", right: true},
				{title: "Age", right: true},
			},
			rows,
		))
		return nil
	})
}
