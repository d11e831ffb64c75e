package main

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	keyword   = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575")).Render
	paragraph = lipgloss.NewStyle().Width(78).Padding(0, 0, 0, 2).Render

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	faintStyle  = lipgloss.NewStyle().Faint(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87"))
)

// styled reports whether stdout is a terminal that gets colored output.
func styled() bool {
	return term.IsTerminal(int(os.Stdout.Fd())) //nolint:gosec
}

func header(s string) string {
	if !styled() {
		return s
	}
	return headerStyle.Render(s)
}

func faint(s string) string {
	if !styled() {
		return s
	}
	return faintStyle.Render(s)
}

func failure(s string) string {
	if !styled() {
		return s
	}
	return errorStyle.Render(s)
}
