package controlplane

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingStore logs every Set on top of a MemoryStore.
type recordingStore struct {
	*MemoryStore

	mu   sync.Mutex
	sets []string
}

func newRecordingStore(initial map[string]string) *recordingStore {
	return &recordingStore{MemoryStore: NewMemoryStore(initial)}
}

func (s *recordingStore) Set(ctx context.Context, name, value string) error {
	s.mu.Lock()
	s.sets = append(s.sets, name+"="+value)
	s.mu.Unlock()

	return s.MemoryStore.Set(ctx, name, value)
}

func (s *recordingStore) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.sets...)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(DefaultVariables())

	v, err := s.Get(ctx, KeyStart)
	require.NoError(t, err)
	assert.Equal(t, "0", v)

	require.NoError(t, s.Set(ctx, KeyRecipe, "1,2,3,4"))
	v, err = s.Get(ctx, KeyRecipe)
	require.NoError(t, err)
	assert.Equal(t, "1,2,3,4", v)

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, map[string]string{
		KeyStart: "0", KeyEnd: "0", KeyRecipe: "1,2,3,4", KeyUptime: "0",
	}, s.Snapshot())
}

func TestMemoryStore_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewMemoryStore(nil)
	require.ErrorIs(t, s.Set(ctx, KeyStart, "1"), context.Canceled)
	_, err := s.Get(ctx, KeyStart)
	require.ErrorIs(t, err, context.Canceled)
}

func TestReadFlag(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(map[string]string{"one": "1", "float": "1.0", "empty": " ", "bad": "yes"})

	tests := []struct {
		name    string
		want    int
		wantErr bool
	}{
		{"one", 1, false},
		{"float", 1, false},
		{"empty", 0, false},
		{"missing", 0, false},
		{"bad", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readFlag(ctx, s, tt.name)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatValues(t *testing.T) {
	assert.Equal(t, "500,60,2.5,150,5,20", FormatValues([]float64{500, 60, 2.5, 150, 5, 20}))
	assert.Empty(t, FormatValues(nil))
}

// TestRedisStore runs against a real server when REDIS_ADDR is set.
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	ctx := context.Background()
	s, err := NewRedisStore(ctx, RedisOptions{Addr: addr, Prefix: "echem-test:"})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set(ctx, KeyStart, "1"))
	v, err := s.Get(ctx, KeyStart)
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	_, err = s.Get(ctx, "never-written")
	require.ErrorIs(t, err, ErrNotFound)
}
