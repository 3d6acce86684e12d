// Package secret resolves signing secrets for operator tooling.
package secret

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source lazily resolves a secret from an environment variable or by
// prompting on the terminal. The first successful value is cached.
type Source struct {
	envVar string
	prompt string

	lookupEnv    func(string) (string, bool)
	isTerminal   func(fd int) bool
	readPassword func(fd int) ([]byte, error)

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a source that checks envVar before prompting with
// prompt on stderr.
func NewSource(envVar, prompt string) *Source {
	return &Source{
		envVar:       strings.TrimSpace(envVar),
		prompt:       prompt,
		lookupEnv:    os.LookupEnv,
		isTerminal:   term.IsTerminal,
		readPassword: term.ReadPassword,
	}
}

// Get returns the cached secret or resolves it on first use. Whitespace-only
// values are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() { s.value, s.err = s.resolve() })
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := s.lookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}

	fd := int(os.Stdin.Fd())
	if !s.isTerminal(fd) {
		if s.envVar == "" {
			return "", errors.New("signing secret required and no terminal available")
		}
		return "", fmt.Errorf("signing secret required; set %s or run interactively", s.envVar)
	}

	fmt.Fprint(os.Stderr, s.prompt)
	raw, err := s.readPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return "", errors.New("signing secret cannot be empty")
	}
	return string(raw), nil
}
