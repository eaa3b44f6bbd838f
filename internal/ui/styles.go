package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/untoldecay/ChangeFlow/internal/types"
)

// Core palette. 256-color values degrade gracefully on 16-color terminals.
var (
	ColorAccent = lipgloss.Color("39")  // blue
	ColorPass   = lipgloss.Color("42")  // green
	ColorWarn   = lipgloss.Color("214") // orange
	ColorFail   = lipgloss.Color("196") // red
	ColorMuted  = lipgloss.Color("245") // gray
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(ColorAccent)
	passStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	warnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	failStyle   = lipgloss.NewStyle().Foreground(ColorFail)
	mutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	boldStyle   = lipgloss.NewStyle().Bold(true)
	slugStyle   = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)
)

// Status icons used in listings and confirmations.
const (
	IconPass = "✓"
	IconWarn = "⚠"
	IconFail = "✗"
)

// Per-status styles for change listings.
var (
	StatusDraftStyle    = lipgloss.NewStyle().Foreground(ColorAccent)
	StatusLockedStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	StatusArchivedStyle = lipgloss.NewStyle().Foreground(ColorMuted)
)

// RenderAccent renders s in the accent color.
func RenderAccent(s string) string { return render(accentStyle, s) }

// RenderPass renders s in the success color.
func RenderPass(s string) string { return render(passStyle, s) }

// RenderWarn renders s in the warning color.
func RenderWarn(s string) string { return render(warnStyle, s) }

// RenderFail renders s in the failure color.
func RenderFail(s string) string { return render(failStyle, s) }

// RenderMuted renders s dimmed.
func RenderMuted(s string) string { return render(mutedStyle, s) }

// RenderBold renders s bold.
func RenderBold(s string) string { return render(boldStyle, s) }

// RenderSlug renders a change slug the way headers display it.
func RenderSlug(s string) string { return render(slugStyle, s) }

// GetStatusStyle returns the style for a change status.
func GetStatusStyle(status types.ChangeStatus) lipgloss.Style {
	switch status {
	case types.StatusLocked:
		return StatusLockedStyle
	case types.StatusArchived:
		return StatusArchivedStyle
	default:
		return StatusDraftStyle
	}
}

// GetStatusIcon returns the icon for a change status.
func GetStatusIcon(status types.ChangeStatus) string {
	switch status {
	case types.StatusLocked:
		return "●"
	case types.StatusArchived:
		return IconPass
	default:
		return "○"
	}
}

// RenderStatus renders a status word in its color.
func RenderStatus(status types.ChangeStatus) string {
	return render(GetStatusStyle(status), string(status))
}

// RenderStatusIcon renders the status icon in its color.
func RenderStatusIcon(status types.ChangeStatus) string {
	return render(GetStatusStyle(status), GetStatusIcon(status))
}

func render(style lipgloss.Style, s string) string {
	if !ShouldUseColor() {
		return s
	}
	return style.Render(s)
}
