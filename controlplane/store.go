// Package controlplane connects the platform to the experiment planner: a
// small set of named string variables shared through a Store, an HTTP
// server exposing them, and the closed-loop Runner that starts a recipe
// whenever the planner raises Start.
package controlplane

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
)

// Variables of the closed-loop handshake.
const (
	KeyStart  = "Start"
	KeyEnd    = "End"
	KeyRecipe = "Recipe"
	KeyUptime = "uptime"
	KeyError  = "Error"
)

var (
	ErrNotFound = errors.New("controlplane: variable not found")
	ErrReadOnly = errors.New("controlplane: variable is read-only")
)

// Store holds the control-plane variables.
type Store interface {
	Get(ctx context.Context, name string) (string, error)
	Set(ctx context.Context, name, value string) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	vars *xsync.MapOf[string, string]
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a MemoryStore holding initial.
func NewMemoryStore(initial map[string]string) *MemoryStore {
	s := &MemoryStore{vars: xsync.NewMapOf[string, string]()}
	for k, v := range initial {
		s.vars.Store(k, v)
	}

	return s
}

// DefaultVariables returns the variables a fresh control plane starts with.
func DefaultVariables() map[string]string {
	return map[string]string{
		KeyStart:  "0",
		KeyEnd:    "0",
		KeyRecipe: "",
		KeyUptime: "0",
	}
}

func (s *MemoryStore) Get(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	v, ok := s.vars.Load(name)
	if !ok {
		return "", ErrNotFound
	}

	return v, nil
}

func (s *MemoryStore) Set(ctx context.Context, name, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.vars.Store(name, value)

	return nil
}

// Snapshot returns a copy of every variable.
func (s *MemoryStore) Snapshot() map[string]string {
	out := make(map[string]string, s.vars.Size())
	s.vars.Range(func(k, v string) bool {
		out[k] = v
		return true
	})

	return out
}

// readFlag reads a 0/1 variable; a missing or empty variable reads 0.
func readFlag(ctx context.Context, s Store, name string) (int, error) {
	v, err := s.Get(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}

	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}

	return int(f), nil
}

// FormatValues renders values in the comma-separated recipe layout.
func FormatValues(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}

	return strings.Join(parts, ",")
}
