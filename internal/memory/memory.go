// Package memory stores past user/assistant exchanges in a chromem-go vector
// collection and retrieves the most relevant ones for prompt augmentation.
package memory

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
)

const (
	collectionName = "chat_memory"
	sessionKey     = "session_id"

	// DefaultTopK is the number of past exchanges retrieved when none is specified.
	DefaultTopK = 3
	// ContextSeparator joins retrieved records into one context block.
	ContextSeparator = "\n---\n"
)

// Service is a read/write façade over the vector store.
type Service struct {
	db         *chromem.DB
	collection *chromem.Collection
}

// New opens the memory index. A non-empty dir persists the collection there;
// an empty dir keeps it in memory.
func New(dir string, embed chromem.EmbeddingFunc) (*Service, error) {
	var db *chromem.DB
	if dir == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(dir, false)
		if err != nil {
			return nil, fmt.Errorf("open vector store at %s: %w", dir, err)
		}
	}

	col, err := db.GetOrCreateCollection(collectionName, map[string]string{"hnsw:space": "cosine"}, embed)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}

	log.Printf("[MemoryService] Collection %q ready with %d record(s) (dir=%q)", collectionName, col.Count(), dir)
	return &Service{db: db, collection: col}, nil
}

// FormatInteraction renders one exchange as stored in the index.
func FormatInteraction(userText, assistantText string) string {
	return "User: " + userText + "\nAssistant: " + assistantText
}

// AddInteraction stores one user/assistant exchange tagged with its session.
func (s *Service) AddInteraction(ctx context.Context, sessionID, userText, assistantText string) error {
	doc := chromem.Document{
		ID:       uuid.NewString(),
		Content:  FormatInteraction(userText, assistantText),
		Metadata: map[string]string{sessionKey: sessionID},
	}
	if err := s.collection.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add interaction for session %s: %w", sessionID, err)
	}
	log.Printf("[MemoryService] Stored interaction %s for session %s", doc.ID, sessionID)
	return nil
}

// GetRelevantContext returns up to topK past exchanges most similar to query,
// joined by ContextSeparator, or "" when nothing matches. When sessionID is
// non-empty only that session's records are considered.
func (s *Service) GetRelevantContext(ctx context.Context, query, sessionID string, topK int) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", nil
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	// chromem-go rejects nResults larger than the collection
	if n := s.collection.Count(); n == 0 {
		return "", nil
	} else if topK > n {
		topK = n
	}

	var where map[string]string
	if sessionID != "" {
		where = map[string]string{sessionKey: sessionID}
	}

	results, err := s.collection.Query(ctx, query, topK, where, nil)
	if err != nil {
		return "", fmt.Errorf("query memory: %w", err)
	}

	docs := make([]string, 0, len(results))
	for _, r := range results {
		docs = append(docs, r.Content)
	}
	return strings.Join(docs, ContextSeparator), nil
}

// DeleteSession removes every record that belongs to sessionID.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	if err := s.collection.Delete(ctx, map[string]string{sessionKey: sessionID}, nil); err != nil {
		return fmt.Errorf("delete memory for session %s: %w", sessionID, err)
	}
	return nil
}

// Count returns the number of stored records.
func (s *Service) Count() int {
	return s.collection.Count()
}
