package ui

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Task is a slow call shown behind a spinner. Run returns a short summary
// such as "12 members" that the final frame prints next to the title.
type Task struct {
	Title string
	Run   func(ctx context.Context) (string, error)
}

// RunTask runs task behind a spinner on stderr that shows the elapsed time
// and leaves a one-line result behind. Without a terminal the task just
// runs. Ctrl+C cancels the task's context.
func RunTask(ctx context.Context, task Task) error {
	if !IsInteractive() {
		_, err := task.Run(ctx)
		return err
	}

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := newTaskModel(task.Title, time.Now)
	p := tea.NewProgram(m, tea.WithOutput(os.Stderr), tea.WithContext(ctx))
	go func() {
		summary, err := task.Run(taskCtx)
		p.Send(taskDoneMsg{summary: summary, err: err})
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("spinner: %w", err)
	}
	if m.cancelled {
		cancel()
		return context.Canceled
	}
	return m.err
}

type taskDoneMsg struct {
	summary string
	err     error
}

type taskModel struct {
	spinner spinner.Model
	title   string
	now     func() time.Time
	started time.Time

	finished  bool
	took      time.Duration
	summary   string
	err       error
	cancelled bool
}

func newTaskModel(title string, now func() time.Time) *taskModel {
	return &taskModel{
		spinner: spinner.New(
			spinner.WithSpinner(spinner.MiniDot),
			spinner.WithStyle(lipgloss.NewStyle().Foreground(purple)),
		),
		title:   title,
		now:     now,
		started: now(),
	}
}

func (m *taskModel) Init() tea.Cmd { return m.spinner.Tick }

func (m *taskModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() != "ctrl+c" {
			return m, nil
		}
		m.cancelled = true
		return m, tea.Quit
	case taskDoneMsg:
		m.finished = true
		m.took = m.now().Sub(m.started)
		m.summary, m.err = msg.summary, msg.err
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View keeps the result line on screen after the program exits.
func (m *taskModel) View() string {
	switch {
	case m.cancelled:
		return WarnMsg("%s cancelled", m.title) + "\n"
	case m.finished && m.err != nil:
		return ErrorMsg("%s failed after %s", m.title, Duration(m.took)) + "\n"
	case m.finished:
		line := m.title
		if m.summary != "" {
			line += ": " + m.summary
		}
		return SuccessMsg("%s %s", line, Muted("("+Duration(m.took)+")")) + "\n"
	default:
		elapsed := m.now().Sub(m.started)
		return m.spinner.View() + " " + m.title + " " + Muted(Duration(elapsed.Truncate(100*time.Millisecond))) + "\n"
	}
}
