// Package cli provides terminal prompt helpers for the setup wizard.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Prompter reads answers from In and writes questions to Out.
type Prompter struct {
	In      io.Reader
	Out     io.Writer
	scanner *bufio.Scanner
	eof     bool
}

// DefaultPrompter returns a Prompter connected to stdin/stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

// Printf writes formatted output, ignoring write errors.
func (p *Prompter) Printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.Out, format, args...)
}

func (p *Prompter) readLine() string {
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.In)
	}
	if p.scanner.Scan() {
		return strings.TrimSpace(p.scanner.Text())
	}
	p.eof = true
	return ""
}

// Ask reads one line, returning defaultVal when the answer is empty.
func (p *Prompter) Ask(question, defaultVal string) string {
	if defaultVal != "" {
		p.Printf("%s [%s]: ", question, defaultVal)
	} else {
		p.Printf("%s: ", question)
	}
	if line := p.readLine(); line != "" {
		return line
	}
	return defaultVal
}

// AskSecret reads a value without echo when In is a terminal. An empty
// answer returns generated, which the caller typically fills with a random
// secret.
func (p *Prompter) AskSecret(question, generated string) string {
	if generated != "" {
		p.Printf("%s [enter to generate]: ", question)
	} else {
		p.Printf("%s: ", question)
	}

	var ans string
	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		p.Printf("\n")
		if err == nil {
			ans = strings.TrimSpace(string(b))
		}
	} else {
		ans = p.readLine()
	}

	if ans == "" {
		return generated
	}
	return ans
}

// AskInt reads an integer no smaller than minVal. Invalid answers are asked again;
// end of input returns defaultVal.
func (p *Prompter) AskInt(question string, defaultVal, minVal int) int {
	for {
		ans := p.Ask(question, strconv.Itoa(defaultVal))
		n, err := strconv.Atoi(ans)
		if err == nil && n >= minVal {
			return n
		}
		if p.eof {
			return defaultVal
		}
		p.Printf("  Please enter a whole number >= %d.\n", minVal)
	}
}

// Choose presents a numbered list of options and returns the selected value.
func (p *Prompter) Choose(question string, options []string, defaultIdx int) string {
	p.Printf("%s\n", question)
	for i, opt := range options {
		marker := "  "
		if i == defaultIdx {
			marker = "> "
		}
		p.Printf("%s%d) %s\n", marker, i+1, opt)
	}

	for {
		ans := p.Ask("Choice", strconv.Itoa(defaultIdx+1))
		if n, err := strconv.Atoi(ans); err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		if p.eof {
			return options[defaultIdx]
		}
		p.Printf("  Please enter a number between 1 and %d.\n", len(options))
	}
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	ans := p.Ask(fmt.Sprintf("%s [%s]", question, hint), "")
	if ans == "" {
		return defaultYes
	}
	return strings.HasPrefix(strings.ToLower(ans), "y")
}
