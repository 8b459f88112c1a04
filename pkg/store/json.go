package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JSONStore implements Store using a JSON file for persistence.
type JSONStore struct {
	path       string
	businesses map[string]*Business // keyed by URL
	mu         sync.RWMutex
}

// storeData is the JSON structure for the store file.
type storeData struct {
	Version    int         `json:"version"`
	UpdatedAt  string      `json:"updated_at"`
	Businesses []*Business `json:"businesses"`
}

const currentVersion = 1

// NewJSONStore creates a new JSON-based store at the given path.
// If the file doesn't exist, it will be created on first write.
func NewJSONStore(path string) (*JSONStore, error) {
	s := &JSONStore{
		path:       path,
		businesses: make(map[string]*Business),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := s.load(); err != nil {
			return nil, fmt.Errorf("failed to load store: %w", err)
		}
	}

	return s, nil
}

func (s *JSONStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	var stored storeData
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("failed to parse JSON: %w", err)
	}

	s.businesses = make(map[string]*Business, len(stored.Businesses))
	for _, b := range stored.Businesses {
		s.businesses[b.URL] = b
	}
	return nil
}

// save writes the store to disk. Callers hold the write lock.
func (s *JSONStore) save() error {
	list := make([]*Business, 0, len(s.businesses))
	for _, b := range s.businesses {
		list = append(list, b)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].URL < list[j].URL })

	stored := storeData{
		Version:    currentVersion,
		UpdatedAt:  time.Now().Format(time.RFC3339),
		Businesses: list,
	}

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	// Write to temp file first, then rename
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Upsert inserts or merges businesses keyed by URL.
func (s *JSONStore) Upsert(_ context.Context, businesses ...Business) ([]Business, error) {
	for i := range businesses {
		if err := businesses[i].Validate(); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	out := make([]Business, 0, len(businesses))
	for _, in := range businesses {
		b, ok := s.businesses[in.URL]
		if !ok {
			b = &Business{ID: uuid.New().String(), URL: in.URL, CreatedAt: now}
			s.businesses[in.URL] = b
		}
		b.merge(in)
		b.UpdatedAt = now
		out = append(out, *b)
	}

	if err := s.save(); err != nil {
		return nil, err
	}
	return out, nil
}

// GetByURL returns the business with the given URL.
func (s *JSONStore) GetByURL(_ context.Context, url string) (*Business, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.businesses[url]
	if !ok {
		return nil, notFound("url", url)
	}
	cp := *b
	return &cp, nil
}

// GetByConversationID returns the business annotated with conversationID.
func (s *JSONStore) GetByConversationID(_ context.Context, conversationID string) (*Business, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if b := s.findConversation(conversationID); b != nil {
		cp := *b
		return &cp, nil
	}
	return nil, notFound("conversation_id", conversationID)
}

func (s *JSONStore) findConversation(conversationID string) *Business {
	if conversationID == "" {
		return nil
	}
	for _, b := range s.businesses {
		if b.ConversationID == conversationID {
			return b
		}
	}
	return nil
}

// SetConversationID annotates the business at url.
func (s *JSONStore) SetConversationID(_ context.Context, url, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.businesses[url]
	if !ok {
		return notFound("url", url)
	}
	if b.ConversationID == conversationID {
		return nil
	}
	b.ConversationID = conversationID
	b.UpdatedAt = time.Now()
	return s.save()
}

// SetQuote records the extraction result for a conversation.
func (s *JSONStore) SetQuote(_ context.Context, conversationID string, quote *float64, notes *string) (*Business, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.findConversation(conversationID)
	if b == nil {
		return nil, notFound("conversation_id", conversationID)
	}
	b.Quote = quote
	b.Notes = notes
	b.UpdatedAt = time.Now()
	if err := s.save(); err != nil {
		return nil, err
	}
	cp := *b
	return &cp, nil
}

// List returns all businesses, most recently updated first.
func (s *JSONStore) List(_ context.Context) ([]Business, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]Business, 0, len(s.businesses))
	for _, b := range s.businesses {
		list = append(list, *b)
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})
	return list, nil
}

// Count returns the number of stored businesses.
func (s *JSONStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.businesses)
}

// Close is a no-op; every write is already on disk.
func (s *JSONStore) Close() error {
	return nil
}
