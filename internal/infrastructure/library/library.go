package library

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"ResearchWriter/internal/domain"
	"ResearchWriter/internal/ports"
)

const defaultChunkSize = 1200

// Library is the vector-indexed evidence store behind query_library.
type Library struct {
	db         *chromem.DB
	collection *chromem.Collection
	chunkSize  int
	logger     *zap.Logger
}

var _ ports.Library = (*Library)(nil)

// Options configure a Library.
type Options struct {
	// Dir persists the index; empty keeps it in memory.
	Dir        string
	Collection string
	Embed      chromem.EmbeddingFunc
	ChunkSize  int
	Logger     *zap.Logger
}

// New opens or creates the collection.
func New(opts Options) (*Library, error) {
	if opts.Embed == nil {
		return nil, fmt.Errorf("library needs an embedding function")
	}
	if opts.Collection == "" {
		opts.Collection = "evidence"
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	db := chromem.NewDB()
	if opts.Dir != "" {
		var err error
		db, err = chromem.NewPersistentDB(opts.Dir, false)
		if err != nil {
			return nil, fmt.Errorf("open library at %s: %w", opts.Dir, err)
		}
	}
	collection, err := db.GetOrCreateCollection(opts.Collection, nil, opts.Embed)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", opts.Collection, err)
	}
	return &Library{
		db:         db,
		collection: collection,
		chunkSize:  opts.ChunkSize,
		logger:     opts.Logger.With(zap.String("component", "library")),
	}, nil
}

// Index splits content into passages and stores them under key.
// Re-indexing a key overwrites passages with the same position.
func (l *Library) Index(ctx context.Context, key, content string) error {
	chunks := Chunk(content, l.chunkSize)
	if len(chunks) == 0 {
		return nil
	}
	docs := make([]chromem.Document, len(chunks))
	for i, chunk := range chunks {
		docs[i] = chromem.Document{
			ID:       fmt.Sprintf("%s#%04d", key, i),
			Content:  chunk,
			Metadata: map[string]string{"key": key},
		}
	}
	if err := l.collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("index %s: %w", key, err)
	}
	l.logger.Debug("indexed evidence", zap.String("key", key), zap.Int("passages", len(docs)))
	return nil
}

// Query returns up to limit passages most similar to text.
func (l *Library) Query(ctx context.Context, text string, limit int) ([]domain.Passage, error) {
	text = strings.TrimSpace(text)
	if text == "" || limit <= 0 {
		return nil, nil
	}
	// chromem requires nResults <= document count
	count := l.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if limit > count {
		limit = count
	}
	results, err := l.collection.Query(ctx, text, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query library: %w", err)
	}
	out := make([]domain.Passage, 0, len(results))
	for _, r := range results {
		out = append(out, domain.Passage{Key: r.Metadata["key"], Content: r.Content, Similarity: r.Similarity})
	}
	return out, nil
}

// Count is the number of indexed passages.
func (l *Library) Count() int {
	return l.collection.Count()
}

// Chunk splits text on paragraph and then word boundaries into pieces of at
// most size bytes.
func Chunk(text string, size int) []string {
	var (
		chunks []string
		cur    strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
	}
	for _, para := range strings.Split(text, "\n\n") {
		for _, word := range strings.Fields(para) {
			if cur.Len() > 0 && cur.Len()+1+len(word) > size {
				flush()
			}
			if cur.Len() > 0 {
				cur.WriteByte(' ')
			}
			cur.WriteString(word)
		}
		if cur.Len() >= size/2 {
			flush()
		}
	}
	flush()
	return chunks
}
