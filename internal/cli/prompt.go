package cli

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"
)

var errNotInteractive = errors.New("--ask-password needs a terminal on stdin")

// readPassword prompts on stderr and reads a password without echo.
func readPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errNotInteractive
	}
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}
