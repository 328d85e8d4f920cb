package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/muesli/termenv"
)

// Logger is the package-level structured logger.
var Logger *log.Logger

// Styles, set by Init.
var (
	headerStyle  lipgloss.Style
	successStyle lipgloss.Style
	warningStyle lipgloss.Style
	errorStyle   lipgloss.Style
	dimStyle     lipgloss.Style
	boldStyle    lipgloss.Style
	promptStyle  lipgloss.Style
	accentStyle  lipgloss.Style
)

// Init sets up color detection, lipgloss styles, and the structured logger.
// Call this once at CLI startup.
func Init(noColorFlag bool) {
	noColor := noColorFlag || os.Getenv("NO_COLOR") != ""

	// Pre-set dark background to prevent termenv OSC query that leaks ^[[I focus events
	lipgloss.SetHasDarkBackground(true)

	if noColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	} else {
		lipgloss.SetColorProfile(termenv.EnvColorProfile())
	}

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	successStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	warningStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	dimStyle = lipgloss.NewStyle().Faint(true)
	boldStyle = lipgloss.NewStyle().Bold(true)
	promptStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	accentStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("13"))

	Logger = log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: false,
		Prefix:          "vireon",
	})
	if noColor {
		Logger.SetStyles(log.DefaultStyles())
	}
}

// SetVerbose switches the logger to debug level.
func SetVerbose(v bool) {
	if Logger == nil {
		return
	}
	if v {
		Logger.SetLevel(log.DebugLevel)
	} else {
		Logger.SetLevel(log.InfoLevel)
	}
}

func Bold(s string) string   { return boldStyle.Render(s) }
func Dim(s string) string    { return dimStyle.Render(s) }
func Red(s string) string    { return errorStyle.Render(s) }
func Green(s string) string  { return successStyle.Render(s) }
func Yellow(s string) string { return warningStyle.Render(s) }

// Logo renders the vireon capsule mark to stderr.
func Logo() {
	shell := lipgloss.NewStyle().Foreground(lipgloss.Color("63"))
	core := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	seal := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))

	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, shell.Render("╭───────────╮"))
	fmt.Fprintln(os.Stderr, shell.Render("│ ")+core.Render("V I R E O N")+shell.Render("│"))
	fmt.Fprintln(os.Stderr, shell.Render("╰────")+seal.Render("◆")+shell.Render("──────╯"))
}

// LogoWithTagline renders the logo with a tagline underneath.
func LogoWithTagline(tagline string) {
	Logo()
	if tagline != "" {
		fmt.Fprintln(os.Stderr, dimStyle.Render("  "+tagline))
	}
	fmt.Fprintln(os.Stderr)
}

// Status prints a styled status message.
func Status(msg string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", accentStyle.Render("▸"), msg)
}

// Warning prints a styled warning message.
func Warning(msg string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", warningStyle.Render("⚠"), msg)
}

// Error prints a styled error message.
func Error(msg string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", errorStyle.Render("✗"), msg)
}

// Info prints a styled informational message.
func Info(msg string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", accentStyle.Render("▸"), msg)
}

// Success prints a green check with a message.
func Success(msg string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", successStyle.Render("✓"), msg)
}

// Detail prints an indented key-value detail line.
func Detail(key, value string) {
	label := dimStyle.Render(fmt.Sprintf("  %s", key))
	fmt.Fprintf(os.Stderr, "%s %s\n", label, value)
}

// KeyValue prints a bold key with a value, for structured output blocks.
func KeyValue(key, value string) {
	fmt.Fprintf(os.Stderr, "  %s  %s\n", boldStyle.Render(key), value)
}

// SectionHeader prints a styled section divider with a label.
func SectionHeader(label string) {
	line := headerStyle.Render(fmt.Sprintf("── %s ──", label))
	fmt.Fprintf(os.Stderr, "\n%s\n\n", line)
}

// EmptyState prints a styled message for empty results.
func EmptyState(msg string) {
	fmt.Fprintf(os.Stderr, "  %s\n", dimStyle.Render(msg))
}

// Verdict prints the outcome of one verification check followed by its
// error lines, verbatim.
func Verdict(check string, ok bool, errs []string) {
	if ok {
		Success(fmt.Sprintf("%s: pass", check))
		return
	}
	Error(fmt.Sprintf("%s: FAIL (%d)", check, len(errs)))
	for _, e := range errs {
		fmt.Fprintf(os.Stderr, "    %s %s\n", errorStyle.Render("-"), e)
	}
}

// CommandBanner renders a small branded banner for a command.
func CommandBanner(command string, subtitle string) {
	brand := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Render("V · I · R · E · O · N")

	cmdLine := accentStyle.Render(fmt.Sprintf("─── %s ───", strings.ToUpper(command)))

	content := fmt.Sprintf("%s\n%s", brand, cmdLine)
	if subtitle != "" {
		content += "\n" + dimStyle.Render(subtitle)
	}

	box := lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("63")).
		PaddingLeft(1).
		PaddingRight(1).
		Render(content)

	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, box)
	fmt.Fprintln(os.Stderr)
}

// Table prints a formatted table with headers and rows to stdout.
func Table(headers []string, rows [][]string) {
	RenderTable(os.Stdout, headers, rows)
}

// RenderTable writes a formatted table to w.
func RenderTable(w io.Writer, headers []string, rows [][]string) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)

	header := make(table.Row, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	t.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, len(row))
		for i, cell := range row {
			r[i] = cell
		}
		t.AppendRow(r)
	}
	t.Render()
}

// =============================================================================
// Bubbletea-based interactive prompts
// =============================================================================

// confirmModel is a bubbletea model for y/n confirmation.
type confirmModel struct {
	prompt   string
	cursor   int // 0 = yes, 1 = no
	decided  bool
	accepted bool
}

func (m confirmModel) Init() tea.Cmd { return nil }

func (m confirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "y", "Y":
			m.accepted = true
			m.decided = true
			return m, tea.Quit
		case "n", "N":
			m.accepted = false
			m.decided = true
			return m, tea.Quit
		case "left", "h":
			m.cursor = 0
		case "right", "l":
			m.cursor = 1
		case "enter", " ":
			m.accepted = m.cursor == 0
			m.decided = true
			return m, tea.Quit
		case "ctrl+c", "esc":
			m.accepted = false
			m.decided = true
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m confirmModel) View() string {
	var yes, no string
	if m.cursor == 0 {
		yes = successStyle.Render("▸ Yes ")
		no = dimStyle.Render("  No  ")
	} else {
		yes = dimStyle.Render("  Yes ")
		no = errorStyle.Render("▸ No  ")
	}

	return fmt.Sprintf("%s\n\n  %s  %s\n\n%s",
		promptStyle.Render(m.prompt),
		yes, no,
		dimStyle.Render("  ←/→ to select • enter to confirm • y/n for quick select"))
}

// Confirm prompts the user with a yes/no question and returns the response.
func Confirm(prompt string) (bool, error) {
	m := confirmModel{prompt: prompt, cursor: 0}
	p := tea.NewProgram(m, tea.WithOutput(os.Stderr))
	result, err := p.Run()
	if err != nil {
		return false, err
	}
	fmt.Fprintln(os.Stderr) // newline after prompt
	return result.(confirmModel).accepted, nil
}

// Spinner displays an animated spinner with a message on stderr.
// Call Stop() to clear it. Stop() is safe to call multiple times.
type Spinner struct {
	msg      string
	stop     chan struct{}
	done     sync.WaitGroup
	stopOnce sync.Once
}

// NewSpinner starts a spinner with the given message.
func NewSpinner(msg string) *Spinner {
	s := &Spinner{
		msg:  msg,
		stop: make(chan struct{}),
	}
	s.done.Add(1)
	go s.run()
	return s
}

func (s *Spinner) run() {
	defer s.done.Done()
	frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
	i := 0
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()

	// Render first frame immediately so spinner is visible even if stopped quickly
	frame := accentStyle.Render(frames[0])
	fmt.Fprintf(os.Stderr, "\r%s %s", frame, dimStyle.Render(s.msg))
	i++

	for {
		select {
		case <-s.stop:
			fmt.Fprintf(os.Stderr, "\r\033[K")
			return
		case <-ticker.C:
			frame := accentStyle.Render(frames[i%len(frames)])
			fmt.Fprintf(os.Stderr, "\r%s %s", frame, dimStyle.Render(s.msg))
			i++
		}
	}
}

// Stop halts the spinner and clears its line.
// Safe to call multiple times.
func (s *Spinner) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.done.Wait()
}
