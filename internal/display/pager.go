package display

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fsnotify/fsnotify"
	"github.com/muesli/reflow/wordwrap"
)

var (
	pagerTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	pagerInfoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))
)

// Page shows content in an interactive full-screen pager.
func Page(title, content string) error {
	prog := tea.NewProgram(
		&pagerModel{title: title, content: content},
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	_, err := prog.Run()
	return err
}

// Follow shows content that re-renders whenever the given file changes, for
// tailing a live audit trail. The pager starts pinned to the bottom.
func Follow(title, path string, render func() (string, error)) error {
	content, err := render()
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", path, err)
	}

	prog := tea.NewProgram(
		&pagerModel{
			title:   title,
			content: content,
			live:    true,
			render:  render,
			watcher: watcher,
			follow:  true,
		},
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	_, err = prog.Run()
	watcher.Close()
	return err
}

// trailChangedMsg is sent when the watched file gains new records.
type trailChangedMsg struct{}

type pagerModel struct {
	viewport viewport.Model
	title    string
	content  string
	wrapped  string
	ready    bool

	live    bool
	follow  bool // pinned to the newest records
	render  func() (string, error)
	watcher *fsnotify.Watcher

	searching   bool
	searchInput textinput.Model
	searchQuery string
	searchLines []int
	searchIndex int
	searchMiss  bool
}

func (m *pagerModel) Init() tea.Cmd {
	if m.live && m.watcher != nil {
		return m.watchTrail()
	}
	return nil
}

// watchTrail blocks until the trail file changes, debouncing bursts of
// appends.
func (m *pagerModel) watchTrail() tea.Cmd {
	return func() tea.Msg {
		for {
			select {
			case event, ok := <-m.watcher.Events:
				if !ok {
					return nil
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					time.Sleep(100 * time.Millisecond)
					return trailChangedMsg{}
				}
			case _, ok := <-m.watcher.Errors:
				if !ok {
					return nil
				}
			}
		}
	}
}

func (m *pagerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	if m.searching {
		switch msg := msg.(type) {
		case tea.KeyMsg:
			switch msg.String() {
			case "enter":
				m.searchQuery = m.searchInput.Value()
				m.searching = false
				m.runSearch()
				if len(m.searchLines) > 0 {
					m.jumpToMatch(0)
				}
				return m, nil
			case "esc", "ctrl+c":
				m.searching = false
				m.searchQuery = ""
				m.searchLines = nil
				m.searchMiss = false
				return m, nil
			}
		}
		m.searchInput, cmd = m.searchInput.Update(msg)
		return m, cmd
	}

	switch msg := msg.(type) {
	case trailChangedMsg:
		if m.render != nil {
			if fresh, err := m.render(); err == nil {
				offset := m.viewport.YOffset
				m.content = fresh
				m.wrapped = wrapContent(m.content, m.viewport.Width)
				m.viewport.SetContent(m.wrapped)
				if m.follow {
					m.viewport.GotoBottom()
				} else {
					m.viewport.YOffset = offset
				}
				if m.searchQuery != "" {
					m.runSearch()
				}
			}
		}
		cmds = append(cmds, m.watchTrail())

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "esc":
			if m.searchQuery != "" {
				m.searchQuery = ""
				m.searchLines = nil
				m.searchMiss = false
			} else {
				return m, tea.Quit
			}
		case "g":
			m.follow = false
			m.viewport.GotoTop()
		case "G":
			m.viewport.GotoBottom()
		case "f", "F":
			// Toggle follow; pinning jumps to the newest records.
			m.follow = !m.follow
			if m.follow {
				m.viewport.GotoBottom()
			}
		case "/":
			m.searching = true
			m.searchInput = textinput.New()
			m.searchInput.Placeholder = "Search..."
			m.searchInput.Focus()
			m.searchInput.CharLimit = 100
			m.searchInput.Width = 40
			if m.searchQuery != "" {
				m.searchInput.SetValue(m.searchQuery)
			}
			return m, textinput.Blink
		case "n":
			if len(m.searchLines) > 0 {
				m.searchIndex = (m.searchIndex + 1) % len(m.searchLines)
				m.jumpToMatch(m.searchIndex)
			}
		case "N":
			if len(m.searchLines) > 0 {
				m.searchIndex--
				if m.searchIndex < 0 {
					m.searchIndex = len(m.searchLines) - 1
				}
				m.jumpToMatch(m.searchIndex)
			}
		default:
			// Manual scrolling unpins follow mode.
			if msg.String() == "up" || msg.String() == "k" || msg.String() == "pgup" {
				m.follow = false
			}
		}

	case tea.WindowSizeMsg:
		headerHeight := 1
		footerHeight := 1
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)
			m.viewport.YPosition = headerHeight
			m.wrapped = wrapContent(m.content, msg.Width)
			m.viewport.SetContent(m.wrapped)
			if m.follow {
				m.viewport.GotoBottom()
			}
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - headerHeight - footerHeight
			m.wrapped = wrapContent(m.content, msg.Width)
			m.viewport.SetContent(m.wrapped)
			if m.searchQuery != "" {
				m.runSearch()
			}
		}
	}

	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// runSearch collects line numbers matching the query in the wrapped content.
func (m *pagerModel) runSearch() {
	m.searchLines = nil
	m.searchIndex = 0
	m.searchMiss = false
	if m.searchQuery == "" {
		return
	}

	query := strings.ToLower(m.searchQuery)
	for i, line := range strings.Split(m.wrapped, "\n") {
		if strings.Contains(strings.ToLower(line), query) {
			m.searchLines = append(m.searchLines, i)
		}
	}
	if len(m.searchLines) == 0 {
		m.searchMiss = true
	}
}

// jumpToMatch centers the given match on screen.
func (m *pagerModel) jumpToMatch(index int) {
	if index < 0 || index >= len(m.searchLines) {
		return
	}
	m.follow = false
	target := m.searchLines[index] - m.viewport.Height/2
	limit := m.viewport.TotalLineCount() - m.viewport.Height
	if target > limit {
		target = limit
	}
	if target < 0 {
		target = 0
	}
	m.viewport.YOffset = target
}

func (m *pagerModel) View() string {
	if !m.ready {
		return "\n  Loading..."
	}

	title := pagerTitleStyle.Render(m.title)
	line := strings.Repeat("─", maxInt(0, m.viewport.Width-lipgloss.Width(title)))
	header := lipgloss.JoinHorizontal(lipgloss.Center, title, pagerInfoStyle.Render(line))

	percent := 100
	if span := m.viewport.TotalLineCount() - m.viewport.Height; span > 0 {
		percent = m.viewport.YOffset * 100 / span
		if percent > 100 {
			percent = 100
		}
	}
	info := fmt.Sprintf(" %d%% ", percent)

	var footer string
	if m.searching {
		prompt := warnStyle.Render("/")
		footer = prompt + m.searchInput.View()
	} else {
		var help string
		switch {
		case m.searchMiss:
			help = fmt.Sprintf(" %s │ /: search ", errorStyle.Render("Pattern not found"))
		case len(m.searchLines) > 0:
			match := warnStyle.Render(fmt.Sprintf("[%d/%d]", m.searchIndex+1, len(m.searchLines)))
			help = fmt.Sprintf(" %s │ n/N: next/prev │ /: search │ esc: clear ", match)
		case m.live && m.follow:
			help = fmt.Sprintf(" %s │ q: quit │ /: search │ f: unpin │ g/G: top/bottom ", successStyle.Bold(true).Render("● FOLLOW"))
		case m.live:
			help = fmt.Sprintf(" %s │ q: quit │ /: search │ f: follow │ g/G: top/bottom ", successStyle.Render("● LIVE"))
		default:
			help = " q: quit │ /: search │ n/N: next/prev │ g/G: top/bottom "
		}
		fill := strings.Repeat("─", maxInt(0, m.viewport.Width-lipgloss.Width(help)-lipgloss.Width(info)))
		footer = pagerInfoStyle.Render(help) + pagerInfoStyle.Render(fill) + pagerInfoStyle.Render(info)
	}

	return header + "\n" + m.viewport.View() + "\n" + footer
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// wrapContent wraps each line to the terminal width, preserving the timeline
// column alignment on continuation lines.
func wrapContent(content string, width int) string {
	if width <= 0 {
		return content
	}

	var result []string
	for _, line := range strings.Split(content, "\n") {
		if lipgloss.Width(line) <= width {
			result = append(result, line)
			continue
		}
		wrapped := wordwrap.String(line, width)
		result = append(result, strings.Split(wrapped, "\n")...)
	}
	return strings.Join(result, "\n")
}
