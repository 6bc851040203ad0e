package errors

import (
	"fmt"
	"io"
	"strings"

	"github.com/sugawarayuuta/sonnet"
)

// Terminal styles.
const (
	fgRed    = "\033[31m"
	fgYellow = "\033[33m"
	fgCyan   = "\033[36m"
	fgWhite  = "\033[37m"
	fgGray   = "\033[90m"
	attrBold = "\033[1m"
	reset    = "\033[0m"
)

// detailWidth is the column at which Detail text wraps.
const detailWidth = 70

var plain bool

// DisableColors makes every formatter emit plain text.
func DisableColors() { plain = true }

// EnableColors turns ANSI styling back on.
func EnableColors() { plain = false }

// paint wraps text in the given styles unless colors are disabled.
func paint(text string, styles ...string) string {
	if plain || len(styles) == 0 {
		return text
	}
	return strings.Join(styles, "") + text + reset
}

// Format renders the error as a block for terminal output: a header line,
// then location, detail, cause and hint, each indented and followed by a
// blank line.
func (e *ClientError) Format() string {
	var b strings.Builder

	label := "ERROR:"
	if e.Code != "" {
		label = "ERROR " + e.Code + ":"
	}
	fmt.Fprintf(&b, "\n%s %s\n\n", paint(label, fgRed, attrBold), paint(e.Message, fgWhite))

	section := func(lines ...string) {
		for _, l := range lines {
			fmt.Fprintf(&b, "  %s\n", l)
		}
		b.WriteByte('\n')
	}
	if e.Location != nil {
		section(paint(e.Location.String(), fgCyan))
	}
	if e.Detail != "" {
		section(wrapText(e.Detail, detailWidth)...)
	}
	if e.Wrapped != nil {
		section(paint("Cause:", fgGray) + " " + e.Wrapped.Error())
	}
	if e.Suggestion != "" {
		section(paint("Hint:", fgYellow) + " " + e.Suggestion)
	}
	return b.String()
}

// FormatCompact is Error prefixed with the location, if any.
func (e *ClientError) FormatCompact() string {
	if e.Location == nil {
		return e.Error()
	}
	return e.Location.String() + ": " + e.Error()
}

type jsonLocation struct {
	File string `json:"file"`
	Line int    `json:"line,omitempty"`
}

type jsonError struct {
	Code       string        `json:"code,omitempty"`
	Category   Category      `json:"category"`
	Message    string        `json:"message"`
	Detail     string        `json:"detail,omitempty"`
	Location   *jsonLocation `json:"location,omitempty"`
	Suggestion string        `json:"suggestion,omitempty"`
	Cause      string        `json:"cause,omitempty"`
}

// FormatJSON encodes the error for machine consumers.
func (e *ClientError) FormatJSON() string {
	out := jsonError{
		Code:       e.Code,
		Category:   e.Category,
		Message:    e.Message,
		Detail:     e.Detail,
		Suggestion: e.Suggestion,
	}
	if e.Location != nil {
		out.Location = &jsonLocation{File: e.Location.File, Line: e.Location.Line}
	}
	if e.Wrapped != nil {
		out.Cause = e.Wrapped.Error()
	}
	data, err := sonnet.Marshal(out)
	if err != nil {
		return fmt.Sprintf(`{"message":%q}`, e.Message)
	}
	return string(data)
}

// wrapText greedily packs the words of text into lines of at most width
// columns. A single word longer than width gets a line of its own.
func wrapText(text string, width int) []string {
	words := strings.Fields(text)
	var lines []string
	start, n := 0, 0
	for i, w := range words {
		if i > start && n+1+len(w) > width {
			lines = append(lines, strings.Join(words[start:i], " "))
			start, n = i, 0
		}
		if n > 0 {
			n++
		}
		n += len(w)
	}
	if start < len(words) {
		lines = append(lines, strings.Join(words[start:], " "))
	}
	return lines
}

// Print writes err to w. A *ClientError anywhere in the chain is printed in
// full; other errors get a one-line header.
func Print(w io.Writer, err error) {
	if err == nil {
		return
	}
	if ce := FromError(err, ""); ce != nil && ce.Code != "" {
		fmt.Fprint(w, ce.Format())
		return
	}
	fmt.Fprintf(w, "\n%s %s\n\n", paint("ERROR:", fgRed, attrBold), err.Error())
}
