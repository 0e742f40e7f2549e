package utils

import (
	"fmt"
	"os"

	"golang.org/x/crypto/ssh/terminal"
)

// IsTerminal reports whether stdout is attached to a terminal.
func IsTerminal() bool {
	return terminal.IsTerminal(int(os.Stdout.Fd()))
}

// PromptPassword reads a password from the controlling terminal without
// echo. It fails when stdin is not a terminal.
func PromptPassword(prompt string) (string, error) {
	if !terminal.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	pass, err := terminal.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(pass), nil
}
