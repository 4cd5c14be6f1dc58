package cli

import (
	"context"
	"fetchkit/pkg/common"
	"fetchkit/pkg/display"
	"fetchkit/pkg/engine"
	"fetchkit/pkg/events"
	"fmt"
	"log/slog"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

func newWatchCommand(opts *globalOptions) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "watch <url>...",
		Short: "Download several files with a live progress view",
		Long: `Start every URL and show live progress. Keys: up/down select,
c cancels the selected download, q cancels everything and quits.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// info logs would tear the view
			if !cmd.Flags().Changed("log-level") {
				opts.logLevel = "warn"
			}
			ch := events.NewChannel(256)
			app, err := openApp(opts, cmd.ErrOrStderr(), ch)
			if err != nil {
				return err
			}
			defer app.Close()
			if dir == "" {
				if err := app.EnsureDownloadDir(); err != nil {
					return err
				}
			}

			var recs []*common.DownloadRecord
			for _, url := range args {
				rec, err := app.Engine.Start(context.Background(), engine.StartRequest{
					URL:  url,
					Dir:  dir,
					Mode: app.Mode(false),
				})
				if err != nil {
					return fmt.Errorf("failed to start %s: %w", url, err)
				}
				recs = append(recs, rec)
			}

			model := newWatchModel(app.Engine, ch, recs)
			p := tea.NewProgram(model,
				tea.WithContext(cmd.Context()),
				tea.WithInput(cmd.InOrStdin()),
				tea.WithOutput(cmd.OutOrStdout()),
			)
			final, err := p.Run()
			if err != nil {
				return err
			}
			if m, ok := final.(watchModel); ok && m.failed() > 0 {
				return fmt.Errorf("%d of %d downloads did not complete", m.failed(), len(m.ids))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "Save into this directory")
	return cmd
}

// canceller is the part of the engine the view drives.
type canceller interface {
	Cancel(id string) error
}

type downloadMsg events.DownloadEvent

type watchRow struct {
	rec *common.DownloadRecord
	bar progress.Model
}

type watchModel struct {
	eng    canceller
	ch     *events.Channel
	theme  *display.Theme
	ids    []string
	rows   map[string]*watchRow
	cursor int
	done   bool
}

func newWatchModel(eng canceller, ch *events.Channel, recs []*common.DownloadRecord) watchModel {
	m := watchModel{
		eng:   eng,
		ch:    ch,
		theme: display.DefaultTheme(),
		rows:  map[string]*watchRow{},
	}
	for _, rec := range recs {
		m.ids = append(m.ids, rec.ID)
		m.rows[rec.ID] = &watchRow{
			rec: rec.Clone(),
			bar: progress.New(progress.WithDefaultGradient(), progress.WithWidth(30), progress.WithoutPercentage()),
		}
	}
	return m
}

func (m watchModel) Init() tea.Cmd {
	return waitForEvent(m.ch)
}

func waitForEvent(ch *events.Channel) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		return downloadMsg(<-ch.Downloads)
	}
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			for _, id := range m.ids {
				if !m.rows[id].rec.Status.Terminal() {
					m.cancel(id)
				}
			}
			m.done = true
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.ids)-1 {
				m.cursor++
			}
		case "c":
			if len(m.ids) > 0 {
				m.cancel(m.ids[m.cursor])
			}
		}
		return m, nil

	case tea.WindowSizeMsg:
		for _, row := range m.rows {
			row.bar.Width = max(10, min(40, msg.Width/3))
		}
		return m, nil

	case downloadMsg:
		if row, ok := m.rows[msg.DownloadID]; ok {
			row.rec.Status = msg.Status
			row.rec.Progress = msg.Progress
			row.rec.Error = msg.Error
		}
		if m.allTerminal() {
			m.done = true
			return m, tea.Quit
		}
		return m, waitForEvent(m.ch)
	}
	return m, nil
}

func (m watchModel) cancel(id string) {
	if err := m.eng.Cancel(id); err != nil {
		slog.Debug("Cancel had no effect", "id", id, "error", err)
		return
	}
	// the cancelled event may be dropped; reflect it at once
	m.rows[id].rec.Status = common.StatusCancelled
	m.rows[id].rec.Progress = 0
}

func (m watchModel) allTerminal() bool {
	for _, row := range m.rows {
		if !row.rec.Status.Terminal() {
			return false
		}
	}
	return true
}

func (m watchModel) failed() int {
	n := 0
	for _, row := range m.rows {
		if row.rec.Status != common.StatusCompleted {
			n++
		}
	}
	return n
}

func (m watchModel) View() string {
	var sb strings.Builder
	sb.WriteString(m.theme.Styled(m.theme.Bold, m.theme.IconDownload+" Downloads") + "\n\n")

	for i, id := range m.ids {
		row := m.rows[id]
		cursor := "  "
		if i == m.cursor && !m.done {
			cursor = m.theme.Styled(m.theme.Cyan, m.theme.Arrow) + " "
		}
		status := string(row.rec.Status)
		fmt.Fprintf(&sb, "%s%s %s%s %s %3.0f%%  %s\n",
			cursor,
			m.theme.Styled(m.theme.Dim, display.ShortID(id)),
			m.theme.Status(row.rec.Status),
			strings.Repeat(" ", max(0, 12-len(status))),
			row.bar.ViewAs(common.ClampPercent(row.rec.Progress)/100),
			row.rec.Progress,
			row.rec.Filename,
		)
		if row.rec.Error != "" {
			fmt.Fprintf(&sb, "    %s %s\n", m.theme.BoxLast, m.theme.Styled(m.theme.Red, row.rec.Error))
		}
	}

	if !m.done {
		sb.WriteString("\n" + m.theme.Styled(m.theme.Dim, "↑/↓ select • c cancel • q quit") + "\n")
	}
	return sb.String()
}
