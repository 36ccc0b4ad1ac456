package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"golang.org/x/term"

	apperrors "vault-db-backup/internal/errors"
)

// Prompter fills in missing connection options from an attached terminal.
type Prompter struct {
	reader       *bufio.Reader
	out          io.Writer
	fd           int
	isTerminal   func(fd uintptr) bool
	readPassword func(fd int) ([]byte, error)
}

// NewPrompter creates a prompter reading from stdin and writing to stderr.
func NewPrompter() *Prompter {
	return &Prompter{
		reader: bufio.NewReader(os.Stdin),
		out:    os.Stderr,
		fd:     int(os.Stdin.Fd()),
		isTerminal: func(fd uintptr) bool {
			return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
		},
		readPassword: term.ReadPassword,
	}
}

// Interactive reports whether stdin is a terminal.
func (p *Prompter) Interactive() bool {
	return p.isTerminal != nil && p.isTerminal(uintptr(p.fd))
}

// Complete prompts for the host when it is missing. Username and password are
// prompted only when no credentials are configured at all.
func (p *Prompter) Complete(cfg *Config) error {
	if cfg.Database.Host != "" {
		return nil
	}

	prefix := EnvPrefix(cfg.Engine)
	if !p.Interactive() {
		return apperrors.NewConfigurationError(
			fmt.Sprintf("%s_HOST is not set and no terminal is attached", prefix), nil).
			WithContext("option", prefix+"_HOST")
	}

	host, err := p.promptLine(fmt.Sprintf("%s host: ", cfg.Engine))
	if err != nil {
		return err
	}
	if host == "" {
		return apperrors.NewConfigurationError("no host entered", nil).WithContext("option", prefix+"_HOST")
	}
	cfg.Database.Host = host

	if cfg.HasExplicitCredentials() || cfg.Vault.Secret != "" {
		return nil
	}

	username, err := p.promptLine("Username: ")
	if err != nil {
		return err
	}
	cfg.Database.Username = username

	if username != "" && cfg.Database.Password == "" {
		password, err := p.promptPassword("Password: ")
		if err != nil {
			return err
		}
		cfg.Database.Password = password
	}
	return nil
}

func (p *Prompter) promptLine(label string) (string, error) {
	fmt.Fprint(p.out, label)
	input, err := p.reader.ReadString('\n')
	if err != nil && !(err == io.EOF && input != "") {
		return "", apperrors.NewConfigurationError("failed to read input", err)
	}
	return strings.TrimSpace(input), nil
}

func (p *Prompter) promptPassword(label string) (string, error) {
	fmt.Fprint(p.out, label)
	raw, err := p.readPassword(p.fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return "", apperrors.NewConfigurationError("failed to read password", err)
	}
	return string(raw), nil
}
