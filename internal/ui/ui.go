// Package ui renders daemon state for the terminal.
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mschirtzinger/filewatchd/internal/daemon"
	"github.com/mschirtzinger/filewatchd/internal/model"
)

const (
	ColorPrimary   = lipgloss.Color("#7C3AED")
	ColorMuted     = lipgloss.Color("#6B7280")
	ColorSuccess   = lipgloss.Color("#10B981")
	ColorError     = lipgloss.Color("#EF4444")
	ColorWarning   = lipgloss.Color("#F59E0B")
	ColorHighlight = lipgloss.Color("#3B82F6")
)

var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary)

	LabelStyle = lipgloss.NewStyle().
			Foreground(ColorMuted).
			Width(14)

	SuccessStyle = lipgloss.NewStyle().
			Foreground(ColorSuccess)

	ErrorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorError)

	WarningStyle = lipgloss.NewStyle().
			Foreground(ColorWarning)

	IDStyle = lipgloss.NewStyle().
		Foreground(ColorHighlight)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorMuted).
			Padding(0, 1)
)

func field(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, LabelStyle.Render(label), value)
}

// RenderStatus formats a daemon status snapshot.
func RenderStatus(s daemon.Status) string {
	var b strings.Builder

	b.WriteString(TitleStyle.Render("filewatchd"))
	b.WriteString("\n")

	mode := "queue"
	if s.Direct {
		mode = "direct"
	}
	b.WriteString(field("Server", s.Server) + "\n")
	b.WriteString(field("Mode", mode) + "\n")

	push := ErrorStyle.Render("disconnected")
	if s.Push.Connected {
		push = SuccessStyle.Render("connected")
	}
	if s.Push.Failures > 0 {
		push += WarningStyle.Render(fmt.Sprintf(" (%d failures)", s.Push.Failures))
	}
	b.WriteString(field("Push", push) + "\n")

	refresh := "never"
	if !s.LastRefresh.IsZero() {
		refresh = s.LastRefresh.Format(time.DateTime)
	}
	if s.RefreshErr != "" {
		refresh += " " + ErrorStyle.Render(s.RefreshErr)
	}
	b.WriteString(field("Refreshed", refresh) + "\n")

	if s.Delivery != nil {
		d := s.Delivery
		b.WriteString(field("Delivery", fmt.Sprintf("%d groups, %d/%d chunks acked, %d in flight",
			d.Groups, d.Acked, d.Chunks, d.InFlight)) + "\n")
		b.WriteString(field("Sent", fmt.Sprintf("%d ok, %d failed", d.Sent, d.Failed)) + "\n")
	}

	if len(s.Projects) == 0 {
		b.WriteString("\n" + WarningStyle.Render("No projects watched"))
		return b.String()
	}

	rows := make([]string, 0, len(s.Projects))
	for _, p := range s.Projects {
		rows = append(rows, renderProjectStatus(p))
	}
	b.WriteString("\n" + strings.Join(rows, "\n"))
	return b.String()
}

func renderProjectStatus(p daemon.ProjectStatus) string {
	lines := []string{
		IDStyle.Render(p.ProjectID),
		field("Path", p.Path),
		field("Watching", fmt.Sprintf("%d dirs, %d files", p.Directories, p.Files)),
		field("Pending", fmt.Sprintf("%d events", p.PendingEvents)),
	}
	if p.SyncRuns > 0 || p.SyncActive {
		state := fmt.Sprintf("%d runs, %d failed", p.SyncRuns, p.SyncFailures)
		if p.SyncActive {
			state += ", " + SuccessStyle.Render("running")
		}
		lines = append(lines, field("Sync", state))
	}
	if p.SyncSince > 0 {
		lines = append(lines, field("Since", time.UnixMilli(p.SyncSince).Format(time.DateTime)))
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

// RenderWatchList formats the server's watch list.
func RenderWatchList(projects []model.ProjectToWatch) string {
	if len(projects) == 0 {
		return WarningStyle.Render("Watch list is empty")
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render(fmt.Sprintf("%d projects", len(projects))))
	for _, p := range projects {
		b.WriteString("\n")
		b.WriteString(IDStyle.Render(p.ProjectID) + "\n")
		b.WriteString(field("Path", p.PathToMonitor) + "\n")
		var ignores []string
		ignores = append(ignores, p.Filters.IgnoredPaths...)
		ignores = append(ignores, p.Filters.IgnoredFilenames...)
		if len(ignores) > 0 {
			b.WriteString(field("Ignores", strings.Join(ignores, ", ")) + "\n")
		}
		if len(p.RefPaths) > 0 {
			b.WriteString(field("Refs", strings.Join(p.RefPaths, ", ")) + "\n")
		}
		if p.CreationTime > 0 {
			b.WriteString(field("Created", time.UnixMilli(p.CreationTime).Format(time.DateTime)) + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
