package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"

	"buildloop/internal/progress"
	"buildloop/internal/taxonomy"
)

var (
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	passStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	pauseStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("208"))
	blockedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
)

func outcomeStyle(state taxonomy.SpineState, o taxonomy.TerminalOutcome) lipgloss.Style {
	switch {
	case state == taxonomy.StateCheckpoint:
		return pauseStyle
	case o == taxonomy.OutcomePass:
		return passStyle
	case o == taxonomy.OutcomeBlocked:
		return blockedStyle
	default:
		return pauseStyle
	}
}

// field prints one aligned "label  value" line; empty values are skipped.
func field(w io.Writer, label, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-14s", label)), value)
}

// stepPrinter writes one line per step transition.
func stepPrinter(w io.Writer) progress.Emitter {
	return progress.Func(func(ev progress.Event) {
		mark := "·"
		switch ev.Status {
		case progress.StatusDone:
			mark = passStyle.Render("✓")
		case progress.StatusError:
			mark = blockedStyle.Render("✗")
		case progress.StatusSuspended:
			mark = pauseStyle.Render("‖")
		case progress.StatusSkipped:
			mark = labelStyle.Render("-")
		case progress.StatusRunning:
			return
		}
		line := fmt.Sprintf("%s %s", mark, ev.Step)
		if ev.Step == "attempt" {
			line = fmt.Sprintf("%s attempt %d", mark, ev.StepIndex)
		}
		if ev.Message != "" {
			line += labelStyle.Render("  " + ev.Message)
		}
		fmt.Fprintln(w, line)
	})
}
