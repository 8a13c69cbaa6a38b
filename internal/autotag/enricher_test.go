package autotag

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Huyen1974/agent-data-sub002/internal/metadata"
)

type fakeTagger struct {
	tags  []string
	err   error
	calls int
	hints []string
	texts []string
}

func (f *fakeTagger) GenerateTags(_ context.Context, text, hint string, _ int) ([]string, error) {
	f.calls++
	f.texts = append(f.texts, text)
	f.hints = append(f.hints, hint)
	if f.err != nil {
		return nil, f.err
	}
	return f.tags, nil
}

func TestTagsCachesByContentHash(t *testing.T) {
	tagger := &fakeTagger{tags: []string{"science", "physics"}}
	e := New(tagger, nil, Config{}, zap.NewNop())
	ctx := context.Background()

	tags, err := e.Tags(ctx, "quantum mechanics", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"science", "physics"}, tags)

	// Same content hits the in-process cache.
	_, err = e.Tags(ctx, "quantum mechanics", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, tagger.calls)

	// Different content misses.
	_, err = e.Tags(ctx, "medieval history", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, tagger.calls)
}

func TestTagsPersistentCacheSurvivesProcessCache(t *testing.T) {
	tagger := &fakeTagger{tags: []string{"science"}}
	store := metadata.NewMemoryStore()
	e := New(tagger, store, Config{}, zap.NewNop())
	ctx := context.Background()

	_, err := e.Tags(ctx, "content", nil)
	require.NoError(t, err)

	// A fresh enricher sharing the store finds the entry without calling
	// the tagger.
	e2 := New(&fakeTagger{err: errors.New("should not be called")}, store, Config{}, zap.NewNop())
	tags, err := e2.Tags(ctx, "content", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"science"}, tags)
}

func TestTagsPersistentCacheExpires(t *testing.T) {
	tagger := &fakeTagger{tags: []string{"science"}}
	store := metadata.NewMemoryStore()
	e := New(tagger, store, Config{CacheTTL: time.Hour}, zap.NewNop())
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	e.SetClock(func() time.Time { return base })
	_, err := e.Tags(ctx, "content", nil)
	require.NoError(t, err)

	late := &fakeTagger{tags: []string{"fresh"}}
	e2 := New(late, store, Config{CacheTTL: time.Hour}, zap.NewNop())
	e2.SetClock(func() time.Time { return base.Add(2 * time.Hour) })

	tags, err := e2.Tags(ctx, "content", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, tags, "expired entry is regenerated")
	assert.Equal(t, 1, late.calls)
}

func TestTagsTruncatesContentAndBuildsHint(t *testing.T) {
	tagger := &fakeTagger{tags: []string{"x"}}
	e := New(tagger, nil, Config{ContentBudget: 5}, zap.NewNop())

	long := "0123456789"
	_, err := e.Tags(context.Background(), long, metadata.Record{
		"author":   "smith",
		"category": "research",
		"year":     2024,
	})
	require.NoError(t, err)
	require.Len(t, tagger.texts, 1)
	assert.Equal(t, "01234", tagger.texts[0])
	assert.Equal(t, "author: smith, category: research, year: 2024", tagger.hints[0])
}

func TestEnrichMergesTags(t *testing.T) {
	tagger := &fakeTagger{tags: []string{"physics", "science"}}
	e := New(tagger, nil, Config{}, zap.NewNop())

	meta := metadata.Record{
		"doc_id": "d1",
		"tags":   []string{"science", "draft"},
	}
	out := e.Enrich(context.Background(), "content", meta)

	assert.Equal(t, []string{"physics", "science"}, out["auto_tags"])
	assert.Equal(t, []string{"science", "draft", "physics"}, out["tags"])
	assert.Equal(t, "physics", out["level_2"], "first generated tag seeds level_2")

	// The input record is not mutated.
	assert.Equal(t, []string{"science", "draft"}, meta["tags"])
	_, ok := meta["auto_tags"]
	assert.False(t, ok)
}

func TestEnrichKeepsExistingLevelTwo(t *testing.T) {
	tagger := &fakeTagger{tags: []string{"physics"}}
	e := New(tagger, nil, Config{}, zap.NewNop())

	out := e.Enrich(context.Background(), "content", metadata.Record{
		"doc_id":  "d1",
		"level_2": "manuals",
	})
	assert.Equal(t, "manuals", out["level_2"])
}

func TestEnrichFailureIsNonFatal(t *testing.T) {
	tagger := &fakeTagger{err: errors.New("provider down")}
	e := New(tagger, nil, Config{}, zap.NewNop())

	meta := metadata.Record{"doc_id": "d1", "title": "T"}
	out := e.Enrich(context.Background(), "content", meta)

	assert.Equal(t, meta, out, "failed tagging leaves metadata unchanged")
}

func TestContentHashStable(t *testing.T) {
	assert.Equal(t, ContentHash("a"), ContentHash("a"))
	assert.NotEqual(t, ContentHash("a"), ContentHash("b"))
	assert.Len(t, ContentHash("a"), 64)
}
