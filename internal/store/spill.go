package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/openclass/nexusai-gateway/internal/domain"
	"github.com/openclass/nexusai-gateway/internal/errs"
)

// SpillBuffer persists ChatEntry writes made while the metadata store is
// unreachable, as newline-delimited JSON capped at maxEntries. Drain
// replays them in order once the store recovers (§4.1, §7 Degraded).
type SpillBuffer struct {
	mu         sync.Mutex
	path       string
	maxEntries int
}

func NewSpillBuffer(dir string, maxEntries int) *SpillBuffer {
	return &SpillBuffer{path: filepath.Join(dir, "spill.ndjson"), maxEntries: maxEntries}
}

func (b *SpillBuffer) Append(ctx context.Context, e *domain.ChatEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n, _ := b.count(); n >= b.maxEntries {
		return errs.New(errs.KindResourceUnavailable, "spill buffer full, entry dropped")
	}

	f, err := os.OpenFile(b.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open spill buffer: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal spilled entry: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write spilled entry: %w", err)
	}
	return nil
}

func (b *SpillBuffer) count() (int, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	n := 0
	for _, c := range data {
		if c == '\n' {
			n++
		}
	}
	return n, nil
}

// Drain replays every spilled entry into dst in order, then truncates the
// buffer. Entries that fail to replay are kept for the next attempt.
func (b *SpillBuffer) Drain(ctx context.Context, dst ChatEntryStore) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read spill buffer: %w", err)
	}
	if len(data) == 0 {
		return 0, nil
	}

	var remaining []byte
	replayed := 0
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var e domain.ChatEntry
		if err := dec.Decode(&e); err != nil {
			break
		}
		if err := dst.AppendChatEntry(ctx, &e); err != nil {
			line, _ := json.Marshal(e)
			remaining = append(remaining, line...)
			remaining = append(remaining, '\n')
			continue
		}
		replayed++
	}

	if len(remaining) == 0 {
		if err := os.Remove(b.path); err != nil && !os.IsNotExist(err) {
			return replayed, fmt.Errorf("truncate spill buffer: %w", err)
		}
		return replayed, nil
	}
	if err := os.WriteFile(b.path, remaining, 0o600); err != nil {
		return replayed, fmt.Errorf("rewrite spill buffer: %w", err)
	}
	return replayed, nil
}
