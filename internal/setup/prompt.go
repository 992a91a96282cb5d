// Package setup implements the interactive first-run wizard and the systemd
// user unit that keeps the emotionsync daemon running.
package setup

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Prompter asks questions on w and reads answers line by line from r.
type Prompter struct {
	scanner *bufio.Scanner
	w       io.Writer
}

// NewPrompter creates a Prompter wired to the given reader and writer.
func NewPrompter(r io.Reader, w io.Writer) *Prompter {
	return &Prompter{scanner: bufio.NewScanner(r), w: w}
}

// String prompts the user for a text value. If the user presses Enter without
// typing anything, defaultVal is returned. An empty defaultVal means the field
// is required and the prompt repeats until a non-empty value is given.
func (p *Prompter) String(label, defaultVal string) string {
	for {
		if defaultVal != "" {
			_, _ = fmt.Fprintf(p.w, "  %s [%s]: ", label, defaultVal)
		} else {
			_, _ = fmt.Fprintf(p.w, "  %s: ", label)
		}

		if !p.scanner.Scan() {
			return defaultVal
		}

		val := strings.TrimSpace(p.scanner.Text())
		if val == "" {
			if defaultVal != "" {
				return defaultVal
			}
			_, _ = fmt.Fprintf(p.w, "  (a value is required)\n")
			continue
		}
		return val
	}
}

// Secret prompts for a credential. Input is echoed. An empty answer keeps
// current when one is set.
func (p *Prompter) Secret(label, current string) string {
	for {
		if current != "" {
			_, _ = fmt.Fprintf(p.w, "  %s [keep current]: ", label)
		} else {
			_, _ = fmt.Fprintf(p.w, "  %s: ", label)
		}

		if !p.scanner.Scan() {
			return current
		}

		val := strings.TrimSpace(p.scanner.Text())
		if val == "" {
			if current != "" {
				return current
			}
			_, _ = fmt.Fprintf(p.w, "  (a value is required)\n")
			continue
		}
		return val
	}
}

// Confirm asks a yes/no question. An empty answer yields defaultYes.
func (p *Prompter) Confirm(label string, defaultYes bool) bool {
	hint := "[y/N]"
	if defaultYes {
		hint = "[Y/n]"
	}

	_, _ = fmt.Fprintf(p.w, "  %s %s: ", label, hint)

	if !p.scanner.Scan() {
		return defaultYes
	}

	answer := strings.TrimSpace(strings.ToLower(p.scanner.Text()))
	if answer == "" {
		return defaultYes
	}
	return answer == "y" || answer == "yes"
}

// Select lists options and returns the zero-based index of the one picked.
// def is the index chosen on an empty answer; -1 means an answer is required.
func (p *Prompter) Select(label string, options []string, def int) (int, error) {
	if len(options) == 0 {
		return -1, fmt.Errorf("no options to select from")
	}

	_, _ = fmt.Fprintf(p.w, "  %s:\n", label)
	for i, opt := range options {
		_, _ = fmt.Fprintf(p.w, "    %d) %s\n", i+1, opt)
	}

	for {
		if def >= 0 && def < len(options) {
			_, _ = fmt.Fprintf(p.w, "  Choice [1-%d, default %d]: ", len(options), def+1)
		} else {
			_, _ = fmt.Fprintf(p.w, "  Choice [1-%d]: ", len(options))
		}

		if !p.scanner.Scan() {
			return -1, fmt.Errorf("no input")
		}

		val := strings.TrimSpace(p.scanner.Text())
		if val == "" && def >= 0 && def < len(options) {
			return def, nil
		}
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 || n > len(options) {
			_, _ = fmt.Fprintf(p.w, "  (enter a number between 1 and %d)\n", len(options))
			continue
		}
		return n - 1, nil
	}
}

// Duration prompts for a Go duration such as "30m". Unparseable input or a
// value below min re-prompts.
func (p *Prompter) Duration(label string, def, min time.Duration) time.Duration {
	for {
		val := p.String(label, def.String())
		d, err := time.ParseDuration(val)
		if err != nil || d < min {
			_, _ = fmt.Fprintf(p.w, "  (enter a duration of at least %s, e.g. 45m)\n", min)
			continue
		}
		return d
	}
}
