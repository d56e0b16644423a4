package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// resolvePassphrase returns value when set and otherwise prompts on the
// terminal. Whitespace-only passphrases are rejected.
func resolvePassphrase(value string, stderr io.Writer) (string, error) {
	if value != "" {
		if strings.TrimSpace(value) == "" {
			return "", errors.New("keystore passphrase cannot be blank")
		}
		return value, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("keystore passphrase required; pass --passphrase or set ESCROW_KEY_PASSPHRASE")
	}
	fmt.Fprint(stderr, "Keystore passphrase: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return "", errors.New("keystore passphrase cannot be blank")
	}
	return string(raw), nil
}
