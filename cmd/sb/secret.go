package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// promptSecret reads the worker secret from the terminal without echo. Used
// when the config carries no secret; refuses to proceed when stdin is not a
// terminal, so daemonized runs fail fast instead of hanging on a prompt.
func promptSecret(out io.Writer) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("secret is not configured and stdin is not a terminal; set secret in the config file")
	}

	fmt.Fprint(out, "Worker secret: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}

	secret := strings.TrimSpace(string(raw))
	if secret == "" {
		return "", fmt.Errorf("secret is required")
	}
	return secret, nil
}
