// Package tui is the interactive recorder shown by `memocapture record`.
package tui

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/audiolibrelab/memocapture/internal/service"
	"github.com/audiolibrelab/memocapture/internal/session"
	"github.com/audiolibrelab/memocapture/internal/ui"

	tea "github.com/charmbracelet/bubbletea"
)

// PollInterval is how often the model refreshes the status snapshot
const PollInterval = 100 * time.Millisecond

const noticeTimeout = 4 * time.Second

// Model is the root bubbletea model for the recorder TUI.
type Model struct {
	svc  service.Service
	name string

	status  service.Status
	pending string

	width  int
	height int

	notice    string
	noticeSeq int
	errorMsg  string

	quitting bool
}

// New creates a model driving svc. name labels takes started from the TUI.
func New(svc service.Service, name string) Model {
	return Model{
		svc:    svc,
		name:   name,
		status: svc.Status(),
	}
}

// Init starts status polling.
func (m Model) Init() tea.Cmd {
	return tea.Batch(statusCmd(m.svc), pollCmd())
}

func pollCmd() tea.Cmd {
	return tea.Tick(PollInterval, func(time.Time) tea.Msg {
		return pollMsg{}
	})
}

func statusCmd(svc service.Service) tea.Cmd {
	return func() tea.Msg {
		return StatusMsg{Status: svc.Status()}
	}
}

// actionCmd runs a service call off the update loop; start may block on
// device acquisition.
func actionCmd(action string, fn func() (*service.Recording, error)) tea.Cmd {
	return func() tea.Msg {
		rec, err := fn()
		return ActionResultMsg{Action: action, Err: err, Recording: rec}
	}
}

func clearNoticeCmd(seq int) tea.Cmd {
	return tea.Tick(noticeTimeout, func(time.Time) tea.Msg {
		return ClearNoticeMsg{Seq: seq}
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case pollMsg:
		if m.quitting {
			return m, nil
		}
		return m, tea.Batch(statusCmd(m.svc), pollCmd())

	case StatusMsg:
		prev := m.status
		m.status = msg.Status
		if prev.State == session.StateRecording && msg.Status.State == session.StateStopped && m.pending == "" {
			if rec := msg.Status.LastRecording; rec != nil {
				return m.setNotice(fmt.Sprintf("Reached the %s limit, saved %s", formatDuration(msg.Status.MaxDurationSeconds), filepath.Base(rec.File)))
			}
		}
		return m, nil

	case ActionResultMsg:
		m.pending = ""
		m.status = m.svc.Status()
		if msg.Err != nil {
			m.errorMsg = describeError(msg.Err)
			return m, nil
		}
		m.errorMsg = ""
		var notice string
		switch msg.Action {
		case "stop":
			if msg.Recording != nil {
				notice = "Saved " + filepath.Base(msg.Recording.File)
				if msg.Recording.Partial {
					notice += " (incomplete)"
				}
			}
		case "discard":
			notice = "Take discarded"
		}
		if notice == "" {
			return m, nil
		}
		return m.setNotice(notice)

	case ClearNoticeMsg:
		if msg.Seq == m.noticeSeq {
			m.notice = ""
		}
		return m, nil
	}

	return m, nil
}

func (m Model) setNotice(text string) (Model, tea.Cmd) {
	m.noticeSeq++
	m.notice = text
	return m, clearNoticeCmd(m.noticeSeq)
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case KeyQuit, KeyQuitUpper, KeyCtrlC:
		// Quitting drops whatever is in progress; saved files stay.
		m.quitting = true
		m.svc.Discard()
		return m, tea.Quit
	}

	if m.pending != "" {
		return m, nil
	}

	svc := m.svc
	switch msg.String() {
	case KeySpace:
		switch m.status.State {
		case session.StateIdle, session.StateStopped:
			m.pending = "start"
			name := m.name
			return m, actionCmd("start", func() (*service.Recording, error) {
				return nil, svc.Start(context.Background(), name)
			})
		case session.StateRecording:
			m.pending = "pause"
			return m, actionCmd("pause", func() (*service.Recording, error) {
				return nil, svc.Pause()
			})
		case session.StatePaused:
			m.pending = "resume"
			return m, actionCmd("resume", func() (*service.Recording, error) {
				return nil, svc.Resume()
			})
		}

	case KeyStop:
		if m.status.State.Active() {
			m.pending = "stop"
			return m, actionCmd("stop", svc.Stop)
		}

	case KeyPlayback:
		if m.status.State == session.StateStopped {
			m.pending = "playback"
			return m, actionCmd("playback", func() (*service.Recording, error) {
				return nil, svc.TogglePlayback()
			})
		}

	case KeyDiscard:
		if m.status.State != session.StateIdle {
			m.pending = "discard"
			return m, actionCmd("discard", func() (*service.Recording, error) {
				svc.Discard()
				return nil, nil
			})
		}
	}
	return m, nil
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	width := m.width
	if width == 0 {
		width = 48
	}

	var sections []string
	sections = append(sections, m.renderHeader())
	sections = append(sections, ui.DividerStyle.Render(strings.Repeat("─", width)))
	sections = append(sections, m.renderStatusLine())

	if st := m.status; st.State == session.StateStopped && st.LastRecording != nil {
		sections = append(sections, ui.DimStyle.Render("Last take: "+st.LastRecording.File))
	}
	if m.notice != "" {
		sections = append(sections, ui.NoticeStyle.Render(m.notice))
	}
	if m.errorMsg != "" {
		sections = append(sections, m.renderErrorBar())
	} else if m.status.Error != "" {
		sections = append(sections, ui.ErrorStyle.Render("Error: ")+ui.ErrorTextStyle.Render(m.status.Error))
	}

	sections = append(sections, ui.DividerStyle.Render(strings.Repeat("─", width)))
	sections = append(sections, m.renderFooter())

	return strings.Join(sections, "\n") + "\n"
}

func (m Model) renderHeader() string {
	title := ui.TitleStyle.Render("MEMOCAPTURE")

	var info []string
	if m.status.Device != "" {
		info = append(info, m.status.Device)
	}
	if m.status.Profile != "" {
		info = append(info, "profile "+m.status.Profile)
	}
	if m.name != "" {
		info = append(info, "“"+m.name+"”")
	}
	if len(info) == 0 {
		return title
	}
	return title + ui.DimStyle.Render(" · "+strings.Join(info, " · "))
}

func (m Model) renderStatusLine() string {
	st := m.status
	line := renderBadge(st.State, st.Playing) + "  " +
		ui.DurationStyle.Render(formatDuration(st.DurationSeconds)) +
		ui.DimStyle.Render(" / "+formatDuration(st.MaxDurationSeconds))

	if st.State.Active() {
		line += "  " + renderLevelMeter("MIC", st.Level)
	}
	if st.Format != "" {
		line += "  " + ui.DimStyle.Render(st.Format)
	}
	if m.pending == "start" {
		line += "  " + ui.DimStyle.Render("opening device…")
	}
	return line
}

func renderBadge(state session.State, playing bool) string {
	switch state {
	case session.StateRecording:
		return ui.RecordingBadgeStyle.Render("● REC")
	case session.StatePaused:
		return ui.PausedBadgeStyle.Render("❚❚ PAUSED")
	case session.StateStopped:
		if playing {
			return ui.StoppedBadgeStyle.Render("▶ PLAYING")
		}
		return ui.StoppedBadgeStyle.Render("■ STOPPED")
	}
	return ui.IdleBadgeStyle.Render("○ IDLE")
}

func renderLevelMeter(label string, level float64) string {
	const barLen = 8
	filled := int(level * barLen)
	if filled > barLen {
		filled = barLen
	}

	var bar string
	for i := 0; i < barLen; i++ {
		if i < filled {
			pct := float64(i) / float64(barLen)
			switch {
			case pct >= 0.85:
				bar += ui.LevelRedStyle.Render("█")
			case pct > 0.6:
				bar += ui.LevelYellowStyle.Render("█")
			default:
				bar += ui.LevelGreenStyle.Render("█")
			}
		} else {
			bar += ui.LevelGrayStyle.Render("░")
		}
	}
	return ui.MicLabelStyle.Render(label) + " " + bar
}

func (m Model) renderErrorBar() string {
	return ui.ErrorStyle.Render("Error: ") + ui.ErrorTextStyle.Render(m.errorMsg)
}

func (m Model) renderFooter() string {
	var parts []string
	key := func(k, desc string) {
		parts = append(parts, ui.FooterKeyStyle.Render(k)+ui.FooterDescStyle.Render(" "+desc))
	}

	switch m.status.State {
	case session.StateIdle:
		key("Space", "Record")
	case session.StateRecording:
		key("Space", "Pause")
		key("s", "Stop")
		key("d", "Discard")
	case session.StatePaused:
		key("Space", "Resume")
		key("s", "Stop")
		key("d", "Discard")
	case session.StateStopped:
		key("Space", "New take")
		if m.status.Playing {
			key("p", "Pause playback")
		} else {
			key("p", "Play")
		}
		key("d", "Discard")
	}
	key("q", "Quit")

	return strings.Join(parts, "  ")
}

// Helpers

func describeError(err error) string {
	var serr *session.Error
	if errors.As(err, &serr) {
		return serr.Message()
	}
	return err.Error()
}

func formatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h, m, s := seconds/3600, (seconds/60)%60, seconds%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
