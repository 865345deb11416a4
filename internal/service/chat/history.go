package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zhouzirui/tts-relay/internal/model/chat"
)

var ErrEmptyExchange = errors.New("prompt and reply must not both be empty")

// HistoryStore keeps the conversation in a JSON file of {role, content} turns.
// An empty path keeps history in memory only.
type HistoryStore struct {
	mu    sync.RWMutex
	path  string
	turns []chat.Turn
}

// NewHistoryStore loads the history file if it exists.
func NewHistoryStore(path string) (*HistoryStore, error) {
	s := &HistoryStore{path: path}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read history: %w", err)
	}

	if len(strings.TrimSpace(string(data))) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.turns); err != nil {
		return nil, fmt.Errorf("parse history %s: %w", path, err)
	}
	return s, nil
}

// Turns returns a copy of the stored turns, oldest first.
func (s *HistoryStore) Turns() []chat.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	copied := make([]chat.Turn, len(s.turns))
	copy(copied, s.turns)
	return copied
}

// Transcript renders the history as "Role: content" lines.
func (s *HistoryStore) Transcript() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var b strings.Builder
	for _, turn := range s.turns {
		fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Content)
	}
	return b.String()
}

// Append records one prompt/reply exchange and persists the file.
func (s *HistoryStore) Append(prompt, reply string) error {
	if prompt == "" && reply == "" {
		return ErrEmptyExchange
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	turns := make([]chat.Turn, 0, len(s.turns)+2)
	turns = append(turns, s.turns...)
	turns = append(turns,
		chat.Turn{Role: chat.RoleUser, Content: prompt},
		chat.Turn{Role: chat.RoleAssistant, Content: reply},
	)
	if err := s.persistLocked(turns); err != nil {
		return err
	}
	s.turns = turns
	return nil
}

// Reset clears the history.
func (s *HistoryStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.persistLocked(nil); err != nil {
		return err
	}
	s.turns = nil
	return nil
}

func (s *HistoryStore) persistLocked(turns []chat.Turn) error {
	if s.path == "" {
		return nil
	}

	if turns == nil {
		turns = []chat.Turn{}
	}
	data, err := json.MarshalIndent(turns, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create history dir: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace history: %w", err)
	}
	return nil
}
