/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// readSecret is swapped out in tests to avoid touching the terminal.
var readSecret = func() ([]byte, error) {
	return term.ReadPassword(int(os.Stdin.Fd()))
}

// promptSecret reads a secret twice without echo and requires both to match.
func promptSecret(w io.Writer, label string) (string, error) {
	fmt.Fprintf(w, "%s: ", label)
	first, err := readSecret()
	fmt.Fprintln(w)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(w, "Repeat %s: ", label)
	second, err := readSecret()
	fmt.Fprintln(w)
	if err != nil {
		return "", err
	}
	if !bytes.Equal(first, second) {
		return "", errors.New("values do not match")
	}
	if len(first) == 0 {
		return "", fmt.Errorf("%s must not be empty", label)
	}
	return string(first), nil
}
