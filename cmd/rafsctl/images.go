package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"rafsctl/internal/store"
)

type imageView struct {
	ID            string `json:"id"`
	SourcePath    string `json:"source_path,omitempty"`
	BootstrapPath string `json:"bootstrap_path"`
	BlobID        string `json:"blob_id"`
	Backend       string `json:"backend"`
	FSVersion     string `json:"fs_version,omitempty"`
	Compressor    string `json:"compressor,omitempty"`
	SizeBytes     int64  `json:"size_bytes"`
	ParentID      string `json:"parent_id,omitempty"`
	CreatedAt     string `json:"created_at,omitempty"`
}

func newImagesCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "images",
		Short: "List built images in the inventory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImages(cmd, ctx, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit images as JSON")
	return cmd
}

func runImages(cmd *cobra.Command, ctx *commandContext, asJSON bool) error {
	return ctx.withStore(func(st *store.Store) error {
		records, err := st.ListImages(cmd.Context())
		if err != nil {
			return err
		}

		if asJSON {
			views := make([]imageView, 0, len(records))
			for _, record := range records {
				view := imageView{
					ID:            record.ID,
					SourcePath:    record.SourcePath,
					BootstrapPath: record.BootstrapPath,
					BlobID:        record.BlobID,
					Backend:       record.Backend,
					FSVersion:     record.FSVersion,
					Compressor:    record.Compressor,
					SizeBytes:     record.SizeBytes,
					ParentID:      record.ParentID,
				}
				if !record.CreatedAt.IsZero() {
					view.CreatedAt = record.CreatedAt.UTC().Format(time.RFC3339)
				}
				views = append(views, view)
			}
			return writeJSON(cmd, views)
		}

		out := cmd.OutOrStdout()
		rows := buildImageRows(records)
		if len(rows) == 0 {
			fmt.Fprintln(out, "No images recorded.")
			return nil
		}
		fmt.Fprintln(out, renderTable(
			[]column{
				{title: "ID"},
				{title: "Blob ID"},
				{title: "Backend"},
				{title: "FS"},
				{title: "Size", right: true},
			},
			rows,
		))
		return nil
	})
}
