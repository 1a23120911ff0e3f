package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/go-fillmask/fillmask"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	labelStyle = lipgloss.NewStyle().Bold(true).Width(16)
	tokenStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Width(20)
	barStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("62"))
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
)

const barWidth = 30

// renderPredictions formats predictions as a ranked list, with a bar proportional to each score.
func renderPredictions(text string, predictions []fillmask.Prediction) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(text))
	sb.WriteString("\n")
	for ii, p := range predictions {
		bar := strings.Repeat("█", int(p.Score*barWidth+0.5))
		fmt.Fprintf(&sb, "%3d. %s %7.4f %s\n", ii+1, tokenStyle.Render(p.Token), p.Score, barStyle.Render(bar))
	}
	return sb.String()
}

// renderFields formats name/value pairs, one per line.
func renderFields(title string, fields [][2]string) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(title))
	sb.WriteString("\n")
	for _, field := range fields {
		sb.WriteString(labelStyle.Render(field[0]))
		sb.WriteString(field[1])
		sb.WriteString("\n")
	}
	return sb.String()
}
