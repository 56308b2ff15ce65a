// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

package tui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ccheshirecat/streamlog/internal/render"
	"github.com/ccheshirecat/streamlog/internal/tail"
)

const (
	filterTimeout = 10 * time.Second
	headerHeight  = 1
	footerHeight  = 2
)

// FilterSetter changes the filter of the session being viewed.
type FilterSetter interface {
	SetFilter(ctx context.Context, expr string) error
}

// Options configures Run.
type Options struct {
	Session    string
	Filters    FilterSetter
	Dialer     tail.Dialer
	RetryDelay time.Duration
	MaxLines   int
	// Filter is shown as the active filter until it is changed.
	Filter string
	Render render.Func
	Logger *slog.Logger
}

type updateMsg struct{}

type stateMsg struct {
	state tail.State
	err   error
}

type filterMsg struct {
	expr string
	err  error
}

type streamClosedMsg struct{}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	helpStyle   = lipgloss.NewStyle().Faint(true)
	filterStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("13"))
)

// Run launches the Bubble Tea log viewer and blocks until the user quits or
// ctx ends.
func Run(ctx context.Context, opts Options) error {
	if opts.Filters == nil || opts.Dialer == nil {
		return errors.New("tui: filters and dialer are required")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	f := newFeed(ctx)
	buf := tail.NewBuffer(opts.MaxLines)
	follower, err := tail.New(tail.Options{
		Dialer:     opts.Dialer,
		Buffer:     buf,
		Render:     opts.Render,
		RetryDelay: opts.RetryDelay,
		Logger:     opts.Logger,
		OnState:    f.state,
		OnUpdate:   f.update,
	})
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		err := follower.Run(ctx)
		// Callbacks only fire from inside Run.
		close(f.ch)
		done <- err
	}()

	m := newModel(ctx, cancel, opts, buf, f)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err = p.Run()
	cancel()
	<-done
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}

// feed carries tail callbacks into the program. Buffer updates are
// coalesced: at most one updateMsg is in flight and the model reads the
// whole buffer when it arrives.
type feed struct {
	ctx     context.Context
	ch      chan tea.Msg
	pending atomic.Bool
}

func newFeed(ctx context.Context) *feed {
	return &feed{ctx: ctx, ch: make(chan tea.Msg, 16)}
}

func (f *feed) update() {
	if f.pending.CompareAndSwap(false, true) {
		f.send(updateMsg{})
	}
}

func (f *feed) state(s tail.State, err error) {
	f.send(stateMsg{state: s, err: err})
}

func (f *feed) send(msg tea.Msg) {
	select {
	case f.ch <- msg:
	case <-f.ctx.Done():
	}
}

func waitEventCmd(f *feed) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-f.ch
		if !ok {
			return streamClosedMsg{}
		}
		if _, ok := msg.(updateMsg); ok {
			f.pending.Store(false)
		}
		return msg
	}
}

func setFilterCmd(ctx context.Context, filters FilterSetter, expr string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, filterTimeout)
		defer cancel()
		return filterMsg{expr: expr, err: filters.SetFilter(ctx, expr)}
	}
}

type model struct {
	ctx     context.Context
	cancel  context.CancelFunc
	session string
	filters FilterSetter
	buf     *tail.Buffer
	feed    *feed

	viewport viewport.Model
	input    textinput.Model
	editing  bool
	ready    bool

	filter    string
	state     tail.State
	stateErr  error
	err       error
	streamEOF bool
	lines     int
}

func newModel(ctx context.Context, cancel context.CancelFunc, opts Options, buf *tail.Buffer, f *feed) model {
	input := textinput.New()
	input.Prompt = "filter> "
	input.Placeholder = "substring, empty shows everything"
	input.CharLimit = 4096
	return model{
		ctx:      ctx,
		cancel:   cancel,
		session:  opts.Session,
		filters:  opts.Filters,
		buf:      buf,
		feed:     f,
		viewport: viewport.New(80, 20),
		input:    input,
		filter:   opts.Filter,
	}
}

func (m model) Init() tea.Cmd {
	return waitEventCmd(m.feed)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-headerHeight-footerHeight, 1)
		m.input.Width = max(msg.Width-len(m.input.Prompt)-1, 10)
		m.ready = true
		m.refresh()
		return m, nil
	case tea.KeyMsg:
		if m.editing {
			return m.updateEditing(msg)
		}
		switch msg.String() {
		case "q", "ctrl+c":
			m.cancel()
			return m, tea.Quit
		case "/", "f":
			m.editing = true
			m.input.SetValue(m.filter)
			m.input.CursorEnd()
			return m, m.input.Focus()
		case "c":
			return m, setFilterCmd(m.ctx, m.filters, "")
		case "g", "home":
			m.viewport.GotoTop()
			return m, nil
		}
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	case updateMsg:
		m.refresh()
		return m, waitEventCmd(m.feed)
	case stateMsg:
		m.state = msg.state
		m.stateErr = msg.err
		return m, waitEventCmd(m.feed)
	case filterMsg:
		if msg.err != nil {
			m.err = fmt.Errorf("set filter: %w", msg.err)
			return m, nil
		}
		m.filter = msg.expr
		m.err = nil
		return m, nil
	case streamClosedMsg:
		m.streamEOF = true
		return m, nil
	}
	return m, nil
}

func (m model) updateEditing(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		m.editing = false
		m.input.Blur()
		return m, setFilterCmd(m.ctx, m.filters, m.input.Value())
	case "esc":
		m.editing = false
		m.input.Blur()
		return m, nil
	case "ctrl+c":
		m.cancel()
		return m, tea.Quit
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// refresh copies the buffer, newest line first, into the viewport.
func (m *model) refresh() {
	entries := m.buf.Snapshot()
	m.lines = len(entries)
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(e.Rendered)
	}
	m.viewport.SetContent(b.String())
}

func (m model) View() string {
	if !m.ready {
		return "starting…"
	}
	return m.header() + "\n" + m.viewport.View() + "\n" + m.footer()
}

func (m model) header() string {
	var status string
	switch m.state {
	case tail.StateConnected:
		status = okStyle.Render("● connected")
	case tail.StateReconnecting:
		status = warnStyle.Render("● reconnecting")
	case tail.StateStopped:
		status = errStyle.Render("● stopped")
	default:
		status = helpStyle.Render("● connecting")
	}
	filter := helpStyle.Render("(none)")
	if m.filter != "" {
		filter = filterStyle.Render(fmt.Sprintf("%q", m.filter))
	}
	return fmt.Sprintf("%s  %s  filter %s  %d lines  %s",
		titleStyle.Render("STREAMLOG"), status, filter, m.lines, helpStyle.Render(m.session))
}

func (m model) footer() string {
	var status string
	switch {
	case m.err != nil:
		status = errStyle.Render(m.err.Error())
	case m.streamEOF:
		status = warnStyle.Render("log stream closed")
	case m.state == tail.StateReconnecting && m.stateErr != nil:
		status = warnStyle.Render("connection lost: " + m.stateErr.Error())
	}
	if m.editing {
		return status + "\n" + m.input.View()
	}
	return status + "\n" + helpStyle.Render("/ filter  c clear  ↑/↓ scroll  g top  q quit")
}
