package ui

import (
	"strings"
	"unicode/utf8"
)

const (
	reset      = "\033[0m"
	bold       = "\033[1m"
	ember      = "\033[38;5;208m"
	amber      = "\033[38;5;214m"
	lemon      = "\033[38;5;226m"
	mint       = "\033[38;5;121m"
	cobalt     = "\033[38;5;33m"
	deepIndigo = "\033[38;5;61m"
	fuchsia    = "\033[38;5;177m"
)

const tagline = "procgroup  •  process hierarchy lens"

// wordmark spells PROCGRP.
var wordmark = [][]string{
	{"██████╗ ", "██╔══██╗", "██████╔╝", "██╔═══╝ ", "██║     ", "╚═╝     "},
	{"██████╗ ", "██╔══██╗", "██████╔╝", "██╔══██╗", "██║  ██║", "╚═╝  ╚═╝"},
	{" ██████╗ ", "██╔═══██╗", "██║   ██║", "██║   ██║", "╚██████╔╝", " ╚═════╝ "},
	{" ██████╗", "██╔════╝", "██║     ", "██║     ", "╚██████╗", " ╚═════╝"},
	{" ██████╗ ", "██╔════╝ ", "██║  ███╗", "██║   ██║", "╚██████╔╝", " ╚═════╝ "},
	{"██████╗ ", "██╔══██╗", "██████╔╝", "██╔══██╗", "██║  ██║", "╚═╝  ╚═╝"},
	{"██████╗ ", "██╔══██╗", "██████╔╝", "██╔═══╝ ", "██║     ", "╚═╝     "},
}

var gradient = []string{ember, amber, lemon, mint, cobalt, deepIndigo, fuchsia}

// Width is the number of terminal columns the colored wordmark needs.
func Width() int {
	w := 0
	for _, letter := range wordmark {
		w += utf8.RuneCountInString(letter[0]) + 2
	}
	return w
}

// Banner renders the colored PROCGRP block letters above the tagline. When
// the terminal is narrower than the letters only the tagline is shown;
// width <= 0 means unknown.
func Banner(width int) string {
	var b strings.Builder

	if width <= 0 || width >= Width() {
		rows := make([]string, len(wordmark[0]))
		for i, letter := range wordmark {
			color := gradient[i%len(gradient)]
			for row := 0; row < len(letter); row++ {
				rows[row] += color + letter[row] + "  "
			}
		}
		for _, line := range rows {
			b.WriteString(bold + line + reset + "\n")
		}
		b.WriteString("\n")
	}

	b.WriteString(bold + ember + "procgroup" + reset + strings.TrimPrefix(tagline, "procgroup") + "\n\n")
	return b.String()
}
