package knowledge

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "knowledge.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Source{}, &Page{}, &Chunk{}, &Upload{}, &Entry{}))
	return db
}

func TestReplaceChunksInsertsOrdered(t *testing.T) {
	db := newTestDB(t)
	store := NewChunkStore(db)
	ctx := context.Background()

	rows := []Chunk{
		{AgentID: 1, Text: "first", TokenCount: 2},
		{AgentID: 1, Text: "second", TokenCount: 2},
		{AgentID: 1, Text: "third", TokenCount: 2},
	}
	count, err := store.ReplaceChunks(ctx, 7, OriginSource, rows)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	stored, err := store.ChunksForOrigin(ctx, 7, OriginSource)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	for i, chunk := range stored {
		assert.Equal(t, i, chunk.ChunkIndex)
		assert.Equal(t, uint64(7), chunk.OriginID)
		assert.Equal(t, OriginSource, chunk.OriginType)
	}
	assert.Equal(t, "first", stored[0].Text)
	assert.Equal(t, "third", stored[2].Text)
}

func TestReplaceChunksSwapsFullSet(t *testing.T) {
	db := newTestDB(t)
	store := NewChunkStore(db)
	ctx := context.Background()

	_, err := store.ReplaceChunks(ctx, 3, OriginPage, []Chunk{
		{AgentID: 1, Text: "old a"}, {AgentID: 1, Text: "old b"}, {AgentID: 1, Text: "old c"},
	})
	require.NoError(t, err)

	count, err := store.ReplaceChunks(ctx, 3, OriginPage, []Chunk{{AgentID: 1, Text: "new"}})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stored, err := store.ChunksForOrigin(ctx, 3, OriginPage)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "new", stored[0].Text)
	assert.Equal(t, 0, stored[0].ChunkIndex)
}

func TestReplaceChunksEmptySetDeletesAll(t *testing.T) {
	db := newTestDB(t)
	store := NewChunkStore(db)
	ctx := context.Background()

	_, err := store.ReplaceChunks(ctx, 5, OriginUpload, []Chunk{{AgentID: 1, Text: "only"}})
	require.NoError(t, err)

	count, err := store.ReplaceChunks(ctx, 5, OriginUpload, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	remaining, err := store.CountForOrigin(ctx, 5, OriginUpload)
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestReplaceChunksIsolatesOrigins(t *testing.T) {
	db := newTestDB(t)
	store := NewChunkStore(db)
	ctx := context.Background()

	_, err := store.ReplaceChunks(ctx, 1, OriginSource, []Chunk{{AgentID: 1, Text: "source text"}})
	require.NoError(t, err)
	_, err = store.ReplaceChunks(ctx, 1, OriginPage, []Chunk{{AgentID: 1, Text: "page text"}})
	require.NoError(t, err)

	// Same origin id, different type: replacing one leaves the other alone.
	_, err = store.ReplaceChunks(ctx, 1, OriginSource, []Chunk{{AgentID: 1, Text: "updated"}})
	require.NoError(t, err)

	pages, err := store.ChunksForOrigin(ctx, 1, OriginPage)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, "page text", pages[0].Text)
}

func TestReplaceChunksRequiresOrigin(t *testing.T) {
	store := NewChunkStore(newTestDB(t))

	_, err := store.ReplaceChunks(context.Background(), 0, OriginSource, nil)
	assert.Error(t, err)

	_, err = store.ReplaceChunks(context.Background(), 1, "", nil)
	assert.Error(t, err)
}

func TestBuildChunkRowsMetadata(t *testing.T) {
	content := "# Guide\n\n- first\n- second\n\nbody text here"
	rows := buildChunkRows(42, content, 800, 100)

	require.Len(t, rows, 1)
	assert.Equal(t, uint64(42), rows[0].AgentID)
	assert.Equal(t, estimateTokens(content), rows[0].TokenCount)

	var meta chunkMetadata
	require.NoError(t, json.Unmarshal(rows[0].Metadata, &meta))
	require.Len(t, meta.Headings, 1)
	assert.Equal(t, "Guide", meta.Headings[0].Text)
	assert.True(t, meta.HasList)
	assert.False(t, meta.HasCodeBlock)
	assert.Equal(t, 1, meta.StartLine)
	assert.Equal(t, 6, meta.EndLine)
}

func TestBuildChunkRowsEmptyContent(t *testing.T) {
	assert.Nil(t, buildChunkRows(1, "", 800, 100))
}
