// Package autotag enriches document metadata with generated tags, cached by
// content hash so unchanged documents never pay for a second completion.
package autotag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Huyen1974/agent-data-sub002/internal/cache"
	"github.com/Huyen1974/agent-data-sub002/internal/metadata"
)

// Tagger produces tags for a piece of content. *embeddings.Client satisfies
// it.
type Tagger interface {
	GenerateTags(ctx context.Context, text, contextHint string, maxTags int) ([]string, error)
}

// Config holds enricher settings.
type Config struct {
	// CacheTTL is how long a cached tag set stays valid.
	CacheTTL time.Duration

	// ContentBudget caps the number of content bytes sent to the tagger.
	ContentBudget int

	// MaxTags caps the number of generated tags.
	MaxTags int
}

// ApplyDefaults sets defaults for unset fields.
func (c *Config) ApplyDefaults() {
	if c.CacheTTL == 0 {
		c.CacheTTL = 24 * time.Hour
	}
	if c.ContentBudget == 0 {
		c.ContentBudget = 2048
	}
	if c.MaxTags == 0 {
		c.MaxTags = 5
	}
}

// Enricher generates tags with a two-level cache: an in-process LRU in front
// of a persistent collection keyed by content hash.
type Enricher struct {
	tagger Tagger
	store  metadata.Store
	mem    *cache.Cache
	config Config
	logger *zap.Logger
	now    func() time.Time
}

// New creates an enricher. store may be nil, in which case only the
// in-process cache is used.
func New(tagger Tagger, store metadata.Store, config Config, logger *zap.Logger) *Enricher {
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enricher{
		tagger: tagger,
		store:  store,
		mem:    cache.New(1024, config.CacheTTL),
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the time source for tests.
func (e *Enricher) SetClock(now func() time.Time) { e.now = now }

// ContentHash returns the cache key for content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Tags returns tags for content, consulting the caches before the tagger.
func (e *Enricher) Tags(ctx context.Context, content string, meta metadata.Record) ([]string, error) {
	key := ContentHash(content)

	if v, ok := e.mem.Get(key); ok {
		return v.([]string), nil
	}
	if tags, ok := e.lookupStore(ctx, key); ok {
		e.mem.Put(key, tags)
		return tags, nil
	}

	tags, err := e.tagger.GenerateTags(ctx, truncate(content, e.config.ContentBudget), contextHint(meta), e.config.MaxTags)
	if err != nil {
		return nil, fmt.Errorf("generating tags: %w", err)
	}

	e.mem.Put(key, tags)
	e.persist(ctx, key, tags)
	return tags, nil
}

// Enrich merges generated tags into meta. Failures are logged and leave meta
// unchanged; tagging never blocks a save.
func (e *Enricher) Enrich(ctx context.Context, content string, meta metadata.Record) metadata.Record {
	tags, err := e.Tags(ctx, content, meta)
	if err != nil {
		docID, _ := meta["doc_id"].(string)
		e.logger.Warn("auto-tagging failed, saving without tags",
			zap.String("doc_id", docID),
			zap.Error(err))
		return meta
	}
	if len(tags) == 0 {
		return meta
	}

	out := meta.Clone()
	out["auto_tags"] = tags
	out["tags"] = unionTags(meta["tags"], tags)
	if v, ok := out["level_2"]; !ok || v == nil || v == "" {
		out["level_2"] = tags[0]
	}
	return out
}

func (e *Enricher) lookupStore(ctx context.Context, key string) ([]string, bool) {
	if e.store == nil {
		return nil, false
	}
	rec, err := e.store.Get(ctx, key)
	if err != nil {
		return nil, false
	}
	cachedAt, ok := rec["cached_at"].(string)
	if !ok {
		return nil, false
	}
	t, err := time.Parse(time.RFC3339, cachedAt)
	if err != nil || e.now().Sub(t) > e.config.CacheTTL {
		return nil, false
	}
	return stringList(rec["tags"]), true
}

func (e *Enricher) persist(ctx context.Context, key string, tags []string) {
	if e.store == nil {
		return
	}
	err := e.store.Set(ctx, key, metadata.Record{
		"tags":      tags,
		"cached_at": e.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		e.logger.Warn("persisting tag cache entry failed", zap.Error(err))
	}
}

// contextHint builds a short descriptor from recognized metadata fields so
// the tagger sees more than raw content.
func contextHint(meta metadata.Record) string {
	var parts []string
	for _, key := range []string{"author", "category", "source"} {
		if v, ok := meta[key].(string); ok && v != "" {
			parts = append(parts, key+": "+v)
		}
	}
	if y, ok := meta["year"]; ok && y != nil {
		parts = append(parts, fmt.Sprintf("year: %v", y))
	}
	return strings.Join(parts, ", ")
}

func truncate(s string, budget int) string {
	if len(s) <= budget {
		return s
	}
	return s[:budget]
}

// unionTags merges generated tags into any existing tags, preserving order
// and dropping duplicates.
func unionTags(existing any, generated []string) []string {
	out := stringList(existing)
	seen := make(map[string]bool, len(out)+len(generated))
	for _, t := range out {
		seen[t] = true
	}
	for _, t := range generated {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func stringList(v any) []string {
	switch l := v.(type) {
	case []string:
		out := make([]string, len(l))
		copy(out, l)
		return out
	case []any:
		out := make([]string, 0, len(l))
		for _, e := range l {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
