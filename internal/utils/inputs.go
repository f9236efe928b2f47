package utils

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// ErrNoInput is returned when the reader is exhausted before a line was read.
var ErrNoInput = errors.New("no input")

// PromptYesNoWithReader prompts for yes/no until a valid answer is given.
// End of input counts as "no".
func PromptYesNoWithReader(prompt string, reader io.Reader, writer io.Writer) bool {
	scanner := bufio.NewScanner(reader)

	for {
		_, _ = fmt.Fprintf(writer, "%s (y/n): ", prompt)
		if !scanner.Scan() {
			return false
		}

		switch strings.TrimSpace(strings.ToLower(scanner.Text())) {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
	}
}

// ReadLineWithReader prints prompt and reads one trimmed line from reader.
func ReadLineWithReader(prompt string, reader io.Reader, writer io.Writer) (string, error) {
	if prompt != "" {
		_, _ = fmt.Fprint(writer, prompt)
	}
	scanner := bufio.NewScanner(reader)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", errors.Wrap(err, "failed to read input")
		}
		return "", ErrNoInput
	}
	return strings.TrimSpace(scanner.Text()), nil
}
