package clientcli

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/gdxviewer/query-server/pkg/client"
)

func newBrowseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "browse <source>",
		Short: "Interactively browse a GDX file's symbols",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source := args[0]
			ctx := cmd.Context()

			c, err := startClient(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = c.Stop() }()

			m := newBrowseModel(ctx, c, source)
			p := tea.NewProgram(m)
			go forwardEvents(ctx, c, p)

			_, err = p.Run()
			return err
		},
	}
}

// forwardEvents relays server-pushed materialization events into the
// running program so progress updates repaint without user input.
func forwardEvents(ctx context.Context, c *client.Client, p *tea.Program) {
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				return
			}
			p.Send(browseEventMsg{ev})
		case <-ctx.Done():
			return
		}
	}
}

type browseState int

const (
	stateLoadingSymbols browseState = iota
	stateSymbolList
	stateMaterializing
	statePreviewTable
	stateError
)

type symbolItem struct{ s symbol }

func (i symbolItem) Title() string { return i.s.Name }
func (i symbolItem) Description() string {
	return fmt.Sprintf("%s, %d dims, %d records", i.s.Type, i.s.DimensionCount, i.s.RecordCount)
}
func (i symbolItem) FilterValue() string { return i.s.Name }

type openedMsg struct {
	docID   string
	symbols []symbol
	err     error
}

type materializedMsg struct {
	symbolName string
	result     materializeSymbolResult
	err        error
}

type browseEventMsg struct{ event client.Event }

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	// colorEnabled is false in terminals that can't render ANSI color
	// (or when NO_COLOR is set), so plain text is used instead of
	// falling back to garbled escape codes.
	colorEnabled = termenv.EnvColorProfile() != termenv.Ascii
)

func styled(style lipgloss.Style, s string) string {
	if !colorEnabled {
		return s
	}
	return style.Render(s)
}

type browseModel struct {
	ctx    context.Context
	client *client.Client
	source string
	docID  string

	state       browseState
	list        list.Model
	spinner     spinner.Model
	table       table.Model
	statusLine  string
	errMessage  string
	activeQuery string
}

func newBrowseModel(ctx context.Context, c *client.Client, source string) browseModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot

	l := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	l.Title = "Symbols in " + source
	l.SetShowStatusBar(false)

	return browseModel{
		ctx:     ctx,
		client:  c,
		source:  source,
		state:   stateLoadingSymbols,
		list:    l,
		spinner: sp,
	}
}

func (m browseModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.openDocumentCmd())
}

func (m browseModel) openDocumentCmd() tea.Cmd {
	return func() tea.Msg {
		docID, symbols, err := openDocument(m.ctx, m.client, m.source)
		return openedMsg{docID: docID, symbols: symbols, err: err}
	}
}

func (m browseModel) materializeCmd(symbolName string) tea.Cmd {
	return func() tea.Msg {
		result, err := materializeSymbol(m.ctx, m.client, m.docID, symbolName)
		return materializedMsg{symbolName: symbolName, result: result, err: err}
	}
}

func (m browseModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.list.SetSize(msg.Width, msg.Height-4)
		m.table.SetWidth(msg.Width)
		m.table.SetHeight(msg.Height - 4)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "esc":
			if m.state == statePreviewTable || m.state == stateError {
				m.state = stateSymbolList
				return m, nil
			}
		case "enter":
			if m.state == stateSymbolList {
				if item, ok := m.list.SelectedItem().(symbolItem); ok {
					m.state = stateMaterializing
					m.activeQuery = item.s.Name
					return m, tea.Batch(m.spinner.Tick, m.materializeCmd(item.s.Name))
				}
			}
		}

	case openedMsg:
		if msg.err != nil {
			m.state = stateError
			m.errMessage = msg.err.Error()
			return m, nil
		}
		m.docID = msg.docID
		items := make([]list.Item, len(msg.symbols))
		for i, s := range msg.symbols {
			items[i] = symbolItem{s}
		}
		m.list.SetItems(items)
		m.state = stateSymbolList
		return m, nil

	case materializedMsg:
		if msg.err != nil {
			m.state = stateError
			m.errMessage = msg.err.Error()
			return m, nil
		}
		columns := make([]table.Column, len(msg.result.Columns))
		for i, c := range msg.result.Columns {
			columns[i] = table.Column{Title: c, Width: max(len(c)+2, 12)}
		}
		rows := make([]table.Row, len(msg.result.PreviewRows))
		for i, r := range msg.result.PreviewRows {
			row := make(table.Row, len(msg.result.Columns))
			for j, c := range msg.result.Columns {
				row[j] = formatValue(r[c])
			}
			rows[i] = row
		}
		m.table = table.New(table.WithColumns(columns), table.WithRows(rows), table.WithFocused(true))
		m.statusLine = fmt.Sprintf("%s: %s (%d of %d rows shown)", msg.symbolName, msg.result.Status, msg.result.PreviewRowCount, msg.result.TotalRowCount)
		m.state = statePreviewTable
		return m, nil

	case browseEventMsg:
		if msg.event.Name == "materializationProgress" {
			m.statusLine = fmt.Sprintf("materializing %s...", m.activeQuery)
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	switch m.state {
	case stateSymbolList:
		m.list, cmd = m.list.Update(msg)
	case statePreviewTable:
		m.table, cmd = m.table.Update(msg)
	}
	return m, cmd
}

func (m browseModel) View() string {
	switch m.state {
	case stateLoadingSymbols:
		return fmt.Sprintf("\n  %s Opening %s...\n", m.spinner.View(), m.source)
	case stateMaterializing:
		return fmt.Sprintf("\n  %s Materializing %s...\n", m.spinner.View(), m.activeQuery)
	case stateError:
		return "\n  " + styled(errorStyle, "Error: "+m.errMessage) + "\n\n" + styled(helpStyle, "  press esc to go back, q to quit") + "\n"
	case statePreviewTable:
		var b strings.Builder
		b.WriteString(styled(titleStyle, m.statusLine))
		b.WriteString("\n")
		b.WriteString(m.table.View())
		b.WriteString("\n" + styled(helpStyle, "  esc: back to symbols · q: quit"))
		return b.String()
	default:
		return m.list.View()
	}
}
