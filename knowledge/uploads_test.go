package knowledge

import (
	"archive/zip"
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	store := NewChunkStore(db)
	broker := NewProgressBroker(nil)
	return &Service{
		db:           db,
		store:        store,
		broker:       broker,
		crawler:      newTestCrawler(db),
		maxPageLimit: 50,
		maxTokens:    200,
		overlapChars: 20,
	}, db
}

func TestIngestUploadMarkdown(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	upload, err := svc.IngestUpload(ctx, 1, 9, "guide.md", "text/markdown", "knowledge/1/abc-guide.md", []byte("# Guide\n\nHow to use the product."))
	require.NoError(t, err)
	require.NotNil(t, upload)
	assert.Equal(t, StatusCompleted, upload.Status)
	assert.EqualValues(t, 32, upload.ByteSize)

	chunks, err := svc.store.ChunksForOrigin(ctx, upload.ID, OriginUpload)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	assert.Contains(t, chunks[0].Text, "How to use the product.")
}

func TestIngestUploadUnsupportedType(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	upload, err := svc.IngestUpload(ctx, 1, 9, "binary.exe", "application/octet-stream", "", []byte{0x4d, 0x5a})
	require.Error(t, err)
	require.NotNil(t, upload)
	assert.Equal(t, StatusFailed, upload.Status)
	require.NotNil(t, upload.ErrorMessage)

	// The failed record stays visible so the user can see what went wrong.
	var stored Upload
	require.NoError(t, db.Take(&stored, upload.ID).Error)
	assert.Equal(t, StatusFailed, stored.Status)

	count, err := svc.store.CountForOrigin(ctx, upload.ID, OriginUpload)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestIngestUploadEmptyFile(t *testing.T) {
	svc, _ := newTestService(t)

	upload, err := svc.IngestUpload(context.Background(), 1, 9, "empty.txt", "text/plain", "", nil)
	require.Error(t, err)
	require.NotNil(t, upload)
	assert.Equal(t, StatusFailed, upload.Status)
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	for name, content := range files {
		entry, err := writer.Create(name)
		require.NoError(t, err)
		_, err = entry.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return buf.Bytes()
}

func TestExtractZipText(t *testing.T) {
	data := buildZip(t, map[string]string{
		"docs/intro.md":  "Intro text.",
		"docs/setup.txt": "Setup text.",
		"logo.png":       "binary junk",
	})

	text, err := extractZipText(data)
	require.NoError(t, err)

	assert.Contains(t, text, "## docs/intro.md")
	assert.Contains(t, text, "Intro text.")
	assert.Contains(t, text, "## docs/setup.txt")
	assert.Contains(t, text, "Setup text.")
	assert.NotContains(t, text, "binary junk")
}

func TestExtractZipTextNoTextFiles(t *testing.T) {
	data := buildZip(t, map[string]string{"image.png": "junk"})

	_, err := extractZipText(data)
	assert.ErrorContains(t, err, "no text files")
}

func TestIngestUploadZip(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	data := buildZip(t, map[string]string{"faq.md": "Common questions answered."})
	upload, err := svc.IngestUpload(ctx, 1, 9, "bundle.zip", "application/zip", "", data)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, upload.Status)

	chunks, err := svc.store.ChunksForOrigin(ctx, upload.ID, OriginUpload)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	assert.Contains(t, chunks[0].Text, "Common questions answered.")
}

func TestExtractUploadTextHTML(t *testing.T) {
	text, err := extractUploadText("page.html", "", []byte(`<html><body><main><p>Inline page.</p></main></body></html>`))
	require.NoError(t, err)
	assert.Contains(t, text, "Inline page.")
}

func TestGetUploadScopedToAgent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	upload, err := svc.IngestUpload(ctx, 1, 9, "notes.txt", "text/plain", "knowledge/1/key", []byte("Some notes."))
	require.NoError(t, err)

	got, err := svc.GetUpload(ctx, 1, upload.ID)
	require.NoError(t, err)
	assert.Equal(t, "knowledge/1/key", got.ObjectKey)
	assert.Equal(t, "notes.txt", got.FileName)

	_, err = svc.GetUpload(ctx, 2, upload.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestDeleteUploadRemovesChunks(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	upload, err := svc.IngestUpload(ctx, 1, 9, "notes.txt", "text/plain", "knowledge/1/key", []byte("Some notes."))
	require.NoError(t, err)

	deleted, err := svc.DeleteUpload(ctx, 1, upload.ID)
	require.NoError(t, err)
	assert.Equal(t, "knowledge/1/key", deleted.ObjectKey)

	count, err := svc.store.CountForOrigin(ctx, upload.ID, OriginUpload)
	require.NoError(t, err)
	assert.Zero(t, count)

	var remaining int64
	require.NoError(t, db.Model(&Upload{}).Where("id = ?", upload.ID).Count(&remaining).Error)
	assert.Zero(t, remaining)
}

func TestDeleteUploadWrongAgent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	upload, err := svc.IngestUpload(ctx, 1, 9, "notes.txt", "text/plain", "", []byte("Some notes."))
	require.NoError(t, err)

	_, err = svc.DeleteUpload(ctx, 2, upload.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestCreateEntryChunksQA(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	entry, err := svc.CreateEntry(ctx, 1, 9, "  What is the refund policy?  ", "Thirty days, no questions asked.")
	require.NoError(t, err)
	assert.Equal(t, "What is the refund policy?", entry.Question)

	chunks, err := svc.store.ChunksForOrigin(ctx, entry.ID, OriginQA)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "Q: What is the refund policy?\n\nA: Thirty days, no questions asked.", chunks[0].Text)
}

func TestCreateEntryRequiresBothFields(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CreateEntry(context.Background(), 1, 9, "question only", "   ")
	assert.Error(t, err)
}

func TestUpdateEntryRebuildsChunks(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	entry, err := svc.CreateEntry(ctx, 1, 9, "Old question?", "Old answer.")
	require.NoError(t, err)

	updated, err := svc.UpdateEntry(ctx, 1, entry.ID, 10, "New question?", "New answer.")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), updated.UpdatedBy)

	chunks, err := svc.store.ChunksForOrigin(ctx, entry.ID, OriginQA)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "Q: New question?\n\nA: New answer.", chunks[0].Text)
}

func TestDeleteEntryRemovesChunks(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	entry, err := svc.CreateEntry(ctx, 1, 9, "Q?", "A.")
	require.NoError(t, err)

	require.NoError(t, svc.DeleteEntry(ctx, 1, entry.ID))

	count, err := svc.store.CountForOrigin(ctx, entry.ID, OriginQA)
	require.NoError(t, err)
	assert.Zero(t, count)

	var remaining int64
	require.NoError(t, db.Model(&Entry{}).Where("id = ?", entry.ID).Count(&remaining).Error)
	assert.Zero(t, remaining)
}
