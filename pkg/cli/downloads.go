package cli

import (
	"context"
	"encoding/json"
	"fetchkit/pkg/common"
	"fetchkit/pkg/display"
	"fetchkit/pkg/engine"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newGetCommand(opts *globalOptions) *cobra.Command {
	var (
		name       string
		pluginID   string
		dir        string
		exact      bool
		extractDir string
	)

	cmd := &cobra.Command{
		Use:   "get <url>",
		Short: "Download a file and wait for it to finish",
		Long: `Download a file through the plugin matching the URL host.
Interrupting the command cancels the download.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			disp := display.NewWriterDisplay(cmd.ErrOrStderr())
			app, err := openApp(opts, cmd.ErrOrStderr(), disp)
			if err != nil {
				return err
			}
			defer app.Close()

			if dir == "" {
				if err := app.EnsureDownloadDir(); err != nil {
					return err
				}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rec, err := app.Engine.Start(context.Background(), engine.StartRequest{
				URL:      args[0],
				Filename: name,
				PluginID: pluginID,
				Dir:      dir,
				Mode:     app.Mode(exact),
			})
			if err != nil {
				return err
			}

			final, err := waitOrCancel(ctx, app.Engine, rec.ID)
			if err != nil {
				return err
			}
			if final.Status != common.StatusCompleted {
				if final.Error != "" {
					return fmt.Errorf("download %s: %s", final.Status, final.Error)
				}
				return fmt.Errorf("download %s", final.Status)
			}

			out := final.Path
			if extractDir != "" {
				out, err = app.Engine.Extract(ctx, final.ID, extractDir)
				if err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "File name to save as (derived from the URL by default)")
	cmd.Flags().StringVar(&pluginID, "plugin", "", "Use this plugin instead of matching by host")
	cmd.Flags().StringVar(&dir, "dir", "", "Save into this directory")
	cmd.Flags().BoolVar(&exact, "exact", false, "Fail instead of renaming when the file exists")
	cmd.Flags().StringVar(&extractDir, "extract", "", "Extract the downloaded archive into this directory")
	return cmd
}

// waitOrCancel waits for the download, cancelling it when ctx is done first.
func waitOrCancel(ctx context.Context, eng *engine.Engine, id string) (*common.DownloadRecord, error) {
	finished := make(chan struct{})
	defer close(finished)

	go func() {
		select {
		case <-ctx.Done():
			slog.Info("Cancelling download", "id", id)
			if err := eng.Cancel(id); err != nil {
				slog.Debug("Cancel had no effect", "id", id, "error", err)
			}
		case <-finished:
		}
	}()

	return eng.Wait(context.Background(), id)
}

func newListCommand(opts *globalOptions) *cobra.Command {
	var query string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded downloads",
		Long: `List recorded downloads. With --query the records are passed as a JSON
array to a jq expression and every result is printed as JSON.`,
		Example: `  fetchkit list --query '.[] | select(.status == "failed") | .url'`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(opts, cmd.ErrOrStderr(), nil)
			if err != nil {
				return err
			}
			defer app.Close()

			recs := app.Engine.Records()
			if query == "" {
				if len(recs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No downloads recorded.")
					return nil
				}
				display.NewWriterDisplay(cmd.OutOrStdout()).RenderRecords(recs)
				return nil
			}

			results, err := queryRecords(cmd.Context(), query, recs)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, v := range results {
				if err := enc.Encode(v); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "jq expression applied to the records")
	return cmd
}

func newExtractCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "extract <id> [dir]",
		Short: "Extract a completed download",
		Long: `Extract a completed archive download. Without a directory the archive is
extracted next to itself into a folder named after it.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			disp := display.NewWriterDisplay(cmd.ErrOrStderr())
			app, err := openApp(opts, cmd.ErrOrStderr(), disp)
			if err != nil {
				return err
			}
			defer app.Close()

			dest := ""
			if len(args) == 2 {
				dest = args[1]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out, err := app.Engine.Extract(ctx, args[0], dest)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func newRegisterCommand(opts *globalOptions) *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "register <path> [filename]",
		Short: "Record a file obtained elsewhere as a completed download",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			info, err := os.Stat(path)
			if err != nil {
				return fmt.Errorf("failed to register %s: %w", args[0], err)
			}
			filename := ""
			if len(args) == 2 {
				filename = args[1]
			}

			app, err := openApp(opts, cmd.ErrOrStderr(), nil)
			if err != nil {
				return err
			}
			defer app.Close()

			rec, err := app.Engine.RegisterManual(id, filename, path)
			if err != nil {
				return err
			}
			slog.Info("Registered download", "id", rec.ID, "path", path, "size", humanize.Bytes(uint64(info.Size())))
			fmt.Fprintln(cmd.OutOrStdout(), rec.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Download id (generated by default)")
	return cmd
}

func newRemoveCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>...",
		Aliases: []string{"forget"},
		Short:   "Forget finished downloads; files are kept",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(opts, cmd.ErrOrStderr(), nil)
			if err != nil {
				return err
			}
			defer app.Close()

			for _, id := range args {
				if err := app.Engine.Forget(id); err != nil {
					return fmt.Errorf("failed to remove %s: %w", id, err)
				}
			}
			return nil
		},
	}
}
