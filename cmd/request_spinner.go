package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bnema/tether/internal/domain"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	spinnerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("69"))
	retryStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

// retryFunc is handed to the request so the pipeline can announce a failover.
type retryFunc func(next domain.Endpoint, cause error)

type requestDoneMsg struct {
	err error
}

type requestRetryMsg struct {
	host  string
	cause string
}

// requestSpinnerModel tracks one in-flight request: which host it is on and
// why it moved there.
type requestSpinnerModel struct {
	spinner spinner.Model
	label   string
	host    string
	cause   string
	run     tea.Cmd
	err     error
	done    bool
}

func newRequestSpinnerModel(label string, run tea.Cmd) requestSpinnerModel {
	return requestSpinnerModel{
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(spinnerStyle)),
		label:   label,
		run:     run,
	}
}

func (m requestSpinnerModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.run)
}

func (m requestSpinnerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case requestRetryMsg:
		m.host = msg.host
		m.cause = msg.cause
		return m, nil
	case requestDoneMsg:
		m.done = true
		m.err = msg.err
		return m, tea.Quit
	default:
		return m, nil
	}
}

func (m requestSpinnerModel) View() string {
	if m.done {
		return ""
	}
	if m.host == "" {
		return fmt.Sprintf("%s %s", m.spinner.View(), m.label)
	}

	return fmt.Sprintf("%s %s %s", m.spinner.View(), m.label, retryStyle.Render(fmt.Sprintf("retrying on %s after %s", m.host, m.cause)))
}

// describeRetryCause keeps the spinner line short; the full error is logged by
// the pipeline.
func describeRetryCause(err error) string {
	var serverErr *domain.ServerError
	if errors.As(err, &serverErr) {
		return fmt.Sprintf("status %d", serverErr.StatusCode)
	}
	var netErr *domain.TransientNetworkError
	if errors.As(err, &netErr) {
		return "network error"
	}
	if err == nil {
		return "failure"
	}
	return err.Error()
}

// runRequestSpinner shows a spinner on output while run executes and switches
// its label when run reports a failover. It returns run's error.
func runRequestSpinner(ctx context.Context, output io.Writer, label string, run func(context.Context, retryFunc) error) error {
	var program *tea.Program
	onRetry := func(next domain.Endpoint, cause error) {
		program.Send(requestRetryMsg{host: next.BaseAddress, cause: describeRetryCause(cause)})
	}

	program = tea.NewProgram(
		newRequestSpinnerModel(label, func() tea.Msg {
			return requestDoneMsg{err: run(ctx, onRetry)}
		}),
		tea.WithInput(nil),
		tea.WithOutput(output),
		tea.WithContext(ctx),
	)

	finalModel, err := program.Run()
	if err != nil {
		return err
	}

	result, ok := finalModel.(requestSpinnerModel)
	if !ok {
		return fmt.Errorf("unexpected final spinner model type %T", finalModel)
	}

	return result.err
}
