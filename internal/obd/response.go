// Package obd is a minimal ELM327-style codec: prompt framing, adapter AT
// commands, and a handful of mode 01 readings.
package obd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/rbright/obdgate/internal/job"
)

// Prompt terminates every adapter response.
const Prompt = '>'

var (
	busInitError      = regexp.MustCompile(`BUS\s*INIT.*ERROR`)
	negativeResponse  = regexp.MustCompile(`^7F[0-9A-F]{2}12`)
	searchingProgress = "SEARCHING..."
)

// ReadResponse reads one response up to the prompt and returns its
// non-empty lines joined by '\n', without the prompt or search progress.
func ReadResponse(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	b := make([]byte, 1)
	for {
		n, err := r.Read(b)
		if n == 1 {
			if b[0] == Prompt {
				return clean(buf.Bytes()), nil
			}
			buf.WriteByte(b[0])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("response ended before prompt: %w: %w", io.ErrUnexpectedEOF, err)
			}
			return nil, err
		}
	}
}

func clean(raw []byte) []byte {
	var lines []string
	for _, line := range strings.FieldsFunc(string(raw), func(r rune) bool { return r == '\r' || r == '\n' }) {
		line = strings.TrimSpace(strings.ReplaceAll(line, searchingProgress, ""))
		if line != "" {
			lines = append(lines, line)
		}
	}
	return []byte(strings.Join(lines, "\n"))
}

// check classifies adapter error replies. Unsupported requests wrap
// job.ErrUnsupported; adapter or bus failures wrap job.ErrExecution.
func check(response []byte) (string, error) {
	text := strings.TrimSpace(string(clean(response)))
	upper := strings.ToUpper(text)
	compact := strings.ReplaceAll(upper, " ", "")

	switch {
	case text == "":
		return "", fmt.Errorf("%w: empty response", job.ErrExecution)
	case strings.Contains(upper, "NO DATA"), text == "?", negativeResponse.MatchString(compact):
		return "", fmt.Errorf("%w: adapter replied %q", job.ErrUnsupported, text)
	case strings.Contains(upper, "UNABLE TO CONNECT"),
		busInitError.MatchString(upper),
		strings.Contains(upper, "STOPPED"),
		strings.Contains(upper, "ERROR"):
		return "", fmt.Errorf("%w: adapter replied %q", job.ErrExecution, text)
	}
	return text, nil
}
