package knowledge

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

func newTestCrawler(db *gorm.DB) *crawler {
	return &crawler{
		db:           db,
		store:        NewChunkStore(db),
		broker:       NewProgressBroker(nil),
		fetch:        newFetcher(5*time.Second, "test-crawler/1.0", 1<<20),
		extract:      newExtractor(),
		workers:      1,
		rps:          rate.Limit(1000),
		maxTokens:    200,
		overlapChars: 20,
	}
}

func createTestSource(t *testing.T, db *gorm.DB, rawURL string, mode string, pageLimit int) *Source {
	t.Helper()
	src := Source{
		AgentID:   1,
		URL:       rawURL,
		Mode:      mode,
		PageLimit: pageLimit,
		Status:    StatusPending,
		CreatedBy: 1,
	}
	require.NoError(t, db.Create(&src).Error)
	return &src
}

func reloadSource(t *testing.T, db *gorm.DB, id uint64) *Source {
	t.Helper()
	var src Source
	require.NoError(t, db.Take(&src, id).Error)
	return &src
}

func TestCrawlSinglePageSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><title>Docs</title></head><body><main><h1>Docs</h1><p>Welcome to the documentation.</p></main></body></html>`)
	}))
	defer server.Close()

	db := newTestDB(t)
	c := newTestCrawler(db)
	src := createTestSource(t, db, server.URL, ModeSinglePage, 1)

	c.Run(context.Background(), src.ID)

	got := reloadSource(t, db, src.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 1, got.PagesFound)
	assert.Equal(t, 1, got.PagesProcessed)
	assert.Nil(t, got.ErrorMessage)
	assert.NotEmpty(t, got.RunToken)

	chunks, err := c.store.ChunksForOrigin(context.Background(), src.ID, OriginSource)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	assert.Contains(t, chunks[0].Text, "Welcome to the documentation.")
}

func TestCrawlSinglePageServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	db := newTestDB(t)
	c := newTestCrawler(db)
	src := createTestSource(t, db, server.URL, ModeSinglePage, 1)

	c.Run(context.Background(), src.ID)

	got := reloadSource(t, db, src.ID)
	assert.Equal(t, StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "500")
	assert.Equal(t, 1, got.PagesFound)
	assert.Equal(t, 1, got.PagesProcessed)

	count, err := c.store.CountForOrigin(context.Background(), src.ID, OriginSource)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestCrawlSinglePageUnsupportedContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		fmt.Fprint(w, "%PDF-1.4")
	}))
	defer server.Close()

	db := newTestDB(t)
	c := newTestCrawler(db)
	src := createTestSource(t, db, server.URL, ModeSinglePage, 1)

	c.Run(context.Background(), src.ID)

	got := reloadSource(t, db, src.ID)
	assert.Equal(t, StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "unsupported content type")
}

func multiPageHandler() http.Handler {
	mux := http.NewServeMux()
	page := func(title string, body string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprintf(w, `<html><head><title>%s</title></head><body><main>%s</main></body></html>`, title, body)
		}
	}
	mux.Handle("/", page("Root", `<h1>Root</h1><p>Root content.</p>
<a href="/a">A</a> <a href="/b">B</a> <a href="/c">C</a>
<a href="/a#frag">A again</a> <a href="https://elsewhere.invalid/x">External</a>`))
	mux.Handle("/a", page("Page A", `<p>Alpha body text.</p>`))
	mux.Handle("/b", page("Page B", `<p>Beta body text.</p>`))
	mux.Handle("/c", page("Page C", `<p>Gamma body text.</p>`))
	return mux
}

func TestCrawlMultiPage(t *testing.T) {
	server := httptest.NewServer(multiPageHandler())
	defer server.Close()

	db := newTestDB(t)
	c := newTestCrawler(db)
	src := createTestSource(t, db, server.URL, ModeMultiPage, 5)

	c.Run(context.Background(), src.ID)

	got := reloadSource(t, db, src.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	// Three unique same-host links; the duplicate and the external one do not count.
	assert.Equal(t, 3, got.PagesFound)
	assert.Equal(t, 3, got.PagesProcessed)

	var pages []Page
	require.NoError(t, db.Where("source_id = ?", src.ID).Order("id ASC").Find(&pages).Error)
	require.Len(t, pages, 3)
	for _, page := range pages {
		assert.Equal(t, StatusCompleted, page.Status)
		require.NotNil(t, page.Title)

		chunks, err := c.store.ChunksForOrigin(context.Background(), page.ID, OriginPage)
		require.NoError(t, err)
		assert.NotEmpty(t, chunks)
	}

	// Root page content is stored under the source itself, not as a page row.
	rootChunks, err := c.store.ChunksForOrigin(context.Background(), src.ID, OriginSource)
	require.NoError(t, err)
	require.NotEmpty(t, rootChunks)
	assert.Contains(t, rootChunks[0].Text, "Root content.")
}

func TestCrawlMultiPageHonorsPageLimit(t *testing.T) {
	server := httptest.NewServer(multiPageHandler())
	defer server.Close()

	db := newTestDB(t)
	c := newTestCrawler(db)
	src := createTestSource(t, db, server.URL, ModeMultiPage, 2)

	c.Run(context.Background(), src.ID)

	got := reloadSource(t, db, src.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 2, got.PagesFound)
	assert.Equal(t, 2, got.PagesProcessed)

	var count int64
	require.NoError(t, db.Model(&Page{}).Where("source_id = ?", src.ID).Count(&count).Error)
	assert.EqualValues(t, 2, count)
}

func TestCrawlMultiPageFailedPageStillCounts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><main><p>Root.</p><a href="/ok">ok</a> <a href="/broken">broken</a></main></body></html>`)
	})
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><main><p>Fine.</p></main></body></html>`)
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	db := newTestDB(t)
	c := newTestCrawler(db)
	src := createTestSource(t, db, server.URL, ModeMultiPage, 5)

	c.Run(context.Background(), src.ID)

	got := reloadSource(t, db, src.ID)
	// One bad page does not fail the whole source, and the attempt is counted.
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 2, got.PagesFound)
	assert.Equal(t, 2, got.PagesProcessed)

	var failed Page
	require.NoError(t, db.Where("source_id = ? AND status = ?", src.ID, StatusFailed).Take(&failed).Error)
	require.NotNil(t, failed.ErrorMessage)
	assert.Contains(t, *failed.ErrorMessage, "500")

	chunks, err := c.store.ChunksForOrigin(context.Background(), failed.ID, OriginPage)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestCrawlSkipsNonPendingSource(t *testing.T) {
	db := newTestDB(t)
	c := newTestCrawler(db)

	src := createTestSource(t, db, "http://unused.invalid", ModeSinglePage, 1)
	require.NoError(t, db.Model(&Source{}).Where("id = ?", src.ID).
		Update("status", StatusCompleted).Error)

	c.Run(context.Background(), src.ID)

	got := reloadSource(t, db, src.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Empty(t, got.RunToken)
}

func TestStaleRunAbandonsWrites(t *testing.T) {
	db := newTestDB(t)
	c := newTestCrawler(db)

	src := createTestSource(t, db, "http://unused.invalid", ModeMultiPage, 5)
	require.NoError(t, db.Model(&Source{}).Where("id = ?", src.ID).
		Updates(map[string]interface{}{"status": StatusProcessing, "run_token": "current-token"}).Error)

	run := &crawlRun{
		c:       c,
		src:     *reloadSource(t, db, src.ID),
		token:   "stale-token",
		limiter: rate.NewLimiter(c.rps, 1),
		seen:    make(map[string]struct{}),
	}

	ok := run.updateSource(context.Background(), map[string]interface{}{"status": StatusCompleted})
	assert.False(t, ok)
	assert.True(t, run.abandoned.Load())

	// Every following write is a no-op.
	run.failSource(context.Background(), "late failure")

	got := reloadSource(t, db, src.ID)
	assert.Equal(t, StatusProcessing, got.Status)
	assert.Equal(t, "current-token", got.RunToken)
	assert.Nil(t, got.ErrorMessage)
}

func TestAbandonedDiscoveryLeavesNoPageRows(t *testing.T) {
	db := newTestDB(t)
	c := newTestCrawler(db)

	src := createTestSource(t, db, "http://unused.invalid", ModeMultiPage, 5)
	require.NoError(t, db.Model(&Source{}).Where("id = ?", src.ID).
		Updates(map[string]interface{}{"status": StatusProcessing, "run_token": "current-token"}).Error)

	run := &crawlRun{
		c:       c,
		src:     *reloadSource(t, db, src.ID),
		token:   "stale-token",
		limiter: rate.NewLimiter(c.rps, 1),
		seen:    make(map[string]struct{}),
		enqueue: func(crawlTask) { t.Fatal("superseded run must not enqueue work") },
	}

	base, err := url.Parse("http://unused.invalid/")
	require.NoError(t, err)
	run.discover(context.Background(), []byte(`<html><body><a href="/page">page</a></body></html>`), base)

	assert.True(t, run.abandoned.Load())

	// The superseded run must not leave a pending page row behind for the
	// next run to trip over.
	var count int64
	require.NoError(t, db.Model(&Page{}).Where("source_id = ?", src.ID).Count(&count).Error)
	assert.Zero(t, count)
}

func TestCrawlTimeoutMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer server.Close()

	db := newTestDB(t)
	c := newTestCrawler(db)
	c.fetch = newFetcher(50*time.Millisecond, "test-crawler/1.0", 1<<20)
	src := createTestSource(t, db, server.URL, ModeSinglePage, 1)

	c.Run(context.Background(), src.ID)

	got := reloadSource(t, db, src.ID)
	assert.Equal(t, StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "timed out")
}
