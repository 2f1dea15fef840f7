package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// StreamMode selects how generated text reaches the terminal.
type StreamMode string

const (
	// StreamInstant flushes every token as it arrives.
	StreamInstant StreamMode = "instant"
	// StreamSmooth batches tokens into short flush intervals to cut
	// syscall churn on fast models.
	StreamSmooth StreamMode = "smooth"
	// StreamQuiet holds all output until Flush.
	StreamQuiet StreamMode = "quiet"
)

const smoothFlushInterval = 50 * time.Millisecond

// ParseStreamMode maps a flag value to a mode, defaulting to instant.
func ParseStreamMode(s string) StreamMode {
	switch StreamMode(s) {
	case StreamSmooth:
		return StreamSmooth
	case StreamQuiet:
		return StreamQuiet
	default:
		return StreamInstant
	}
}

// StreamWriter paces generated tokens onto w and keeps the full text
// for the caller. With raw set, control characters print as escapes so
// tokenizer output stays visible.
type StreamWriter struct {
	mode      StreamMode
	out       *bufio.Writer
	raw       bool
	lastFlush time.Time
	all       strings.Builder
}

func NewStreamWriter(w io.Writer, mode StreamMode, raw bool) *StreamWriter {
	return &StreamWriter{
		mode:      mode,
		out:       bufio.NewWriterSize(w, 4096),
		raw:       raw,
		lastFlush: time.Now(),
	}
}

// Write handles one decoded token.
func (w *StreamWriter) Write(token string) {
	w.all.WriteString(token)
	switch w.mode {
	case StreamQuiet:
	case StreamSmooth:
		_, _ = w.out.WriteString(w.render(token))
		if time.Since(w.lastFlush) >= smoothFlushInterval {
			_ = w.out.Flush()
			w.lastFlush = time.Now()
		}
	default:
		_, _ = w.out.WriteString(w.render(token))
		_ = w.out.Flush()
	}
}

// Flush drains any buffered output and returns the accumulated text.
func (w *StreamWriter) Flush() string {
	text := w.all.String()
	if w.mode == StreamQuiet {
		_, _ = w.out.WriteString(w.render(text))
	}
	_ = w.out.Flush()
	return text
}

func (w *StreamWriter) render(s string) string {
	if !w.raw {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		b.WriteString(escapeRune(r))
	}
	return b.String()
}

func escapeRune(r rune) string {
	switch r {
	case '\n':
		return `\n`
	case '\r':
		return `\r`
	case '\t':
		return `\t`
	case '\\':
		return `\\`
	default:
		if strconv.IsPrint(r) {
			return string(r)
		}
		return fmt.Sprintf(`\u%04x`, r)
	}
}
