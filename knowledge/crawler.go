package knowledge

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	defaultCrawlWorkers = 4
	defaultCrawlRPS     = 4
)

type crawler struct {
	db           *gorm.DB
	store        *ChunkStore
	broker       *ProgressBroker
	fetch        *fetcher
	extract      *extractor
	workers      int
	rps          rate.Limit
	maxTokens    int
	overlapChars int
}

func newCrawlerFromEnv(db *gorm.DB, store *ChunkStore, broker *ProgressBroker) *crawler {
	workers := defaultCrawlWorkers
	if raw := strings.TrimSpace(os.Getenv("KNOWLEDGE_CRAWL_WORKERS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			workers = parsed
		}
	}

	rps := rate.Limit(defaultCrawlRPS)
	if raw := strings.TrimSpace(os.Getenv("KNOWLEDGE_CRAWL_RPS")); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil && parsed > 0 {
			rps = rate.Limit(parsed)
		}
	}

	maxTokens := defaultMaxChunkTokens
	if raw := strings.TrimSpace(os.Getenv("KNOWLEDGE_CHUNK_MAX_TOKENS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			maxTokens = parsed
		}
	}

	overlap := defaultOverlapChars
	if raw := strings.TrimSpace(os.Getenv("KNOWLEDGE_CHUNK_OVERLAP_CHARS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			overlap = parsed
		}
	}

	return &crawler{
		db:           db,
		store:        store,
		broker:       broker,
		fetch:        newFetcherFromEnv(),
		extract:      newExtractor(),
		workers:      workers,
		rps:          rps,
		maxTokens:    maxTokens,
		overlapChars: overlap,
	}
}

type crawlTask struct {
	pageID uint64
	url    string
}

type crawlRun struct {
	c     *crawler
	src   Source
	token string

	limiter *rate.Limiter

	// abandoned flips when a guarded source write affects zero rows, which
	// means the source was deleted or reset by a retry while this run was
	// still in flight. All further writes become no-ops.
	abandoned atomic.Bool

	mu      sync.Mutex
	seen    map[string]struct{}
	found   int
	enqueue func(crawlTask)
}

// Run drives one full crawl attempt for the given source. Only a source still
// in pending state can be claimed; the claim stamps a fresh run token that
// guards every later write against stale concurrent runs.
func (c *crawler) Run(ctx context.Context, sourceID uint64) {
	token := uuid.NewString()
	res := c.db.WithContext(ctx).Model(&Source{}).
		Where("id = ? AND status = ?", sourceID, StatusPending).
		Updates(map[string]interface{}{
			"status":        StatusProcessing,
			"run_token":     token,
			"error_message": nil,
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		log.Printf("knowledge: claim source %d failed: %v", sourceID, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		return
	}
	c.publishSource(ctx, sourceID)

	var src Source
	if err := c.db.WithContext(ctx).Take(&src, sourceID).Error; err != nil {
		log.Printf("knowledge: load source %d failed: %v", sourceID, err)
		return
	}
	if src.RunToken != token {
		return
	}

	run := &crawlRun{
		c:       c,
		src:     src,
		token:   token,
		limiter: rate.NewLimiter(c.rps, 1),
		seen:    make(map[string]struct{}),
	}

	if src.Mode == ModeMultiPage {
		run.runMultiPage(ctx)
	} else {
		run.runSinglePage(ctx)
	}
}

func (r *crawlRun) runSinglePage(ctx context.Context) {
	fetched, err := r.c.fetch.fetchPage(ctx, r.src.URL)
	if err != nil {
		r.failSource(ctx, err.Error())
		return
	}

	content, err := r.c.extract.extract(fetched.Body, fetched.ContentType)
	if err != nil {
		r.failSource(ctx, err.Error())
		return
	}

	rows := buildChunkRows(r.src.AgentID, content.Text, r.c.maxTokens, r.c.overlapChars)
	if _, err := r.c.store.ReplaceChunks(ctx, r.src.ID, OriginSource, rows); err != nil {
		r.failSource(ctx, fmt.Sprintf("store chunks: %v", err))
		return
	}

	r.updateSource(ctx, map[string]interface{}{
		"status":          StatusCompleted,
		"pages_found":     1,
		"pages_processed": 1,
	})
}

func (r *crawlRun) runMultiPage(ctx context.Context) {
	base, err := url.Parse(r.src.URL)
	if err != nil {
		r.failSource(ctx, fmt.Sprintf("invalid url: %v", err))
		return
	}

	fetched, err := r.c.fetch.fetchPage(ctx, r.src.URL)
	if err != nil {
		r.failSource(ctx, fmt.Sprintf("fetch root page: %v", err))
		return
	}

	content, err := r.c.extract.extract(fetched.Body, fetched.ContentType)
	if err != nil {
		r.failSource(ctx, fmt.Sprintf("extract root page: %v", err))
		return
	}

	rows := buildChunkRows(r.src.AgentID, content.Text, r.c.maxTokens, r.c.overlapChars)
	if _, err := r.c.store.ReplaceChunks(ctx, r.src.ID, OriginSource, rows); err != nil {
		r.failSource(ctx, fmt.Sprintf("store chunks: %v", err))
		return
	}

	r.markSeen(r.src.URL)
	r.markSeen(fetched.FinalURL)
	if final, err := url.Parse(fetched.FinalURL); err == nil {
		base = final
	}

	// Every discovered page fits in the buffer, so enqueue never blocks.
	tasks := make(chan crawlTask, r.src.PageLimit)
	var wg sync.WaitGroup
	r.enqueue = func(task crawlTask) {
		wg.Add(1)
		tasks <- task
	}

	for i := 0; i < r.c.workers; i++ {
		go func() {
			for task := range tasks {
				r.processPage(ctx, task)
				wg.Done()
			}
		}()
	}

	r.discover(ctx, fetched.Body, base)
	wg.Wait()
	close(tasks)

	if r.abandoned.Load() {
		return
	}
	r.updateSource(ctx, map[string]interface{}{"status": StatusCompleted})
}

// discover creates a pending page row and bumps pages_found for each new
// in-scope link, before any processing happens, so clients polling mid-crawl
// see the count grow as pages are found.
func (r *crawlRun) discover(ctx context.Context, body []byte, base *url.URL) {
	for _, link := range extractLinks(body, base) {
		if r.abandoned.Load() {
			return
		}

		r.mu.Lock()
		if r.found >= r.src.PageLimit {
			r.mu.Unlock()
			return
		}
		if _, ok := r.seen[link]; ok {
			r.mu.Unlock()
			continue
		}
		r.seen[link] = struct{}{}
		r.found++
		r.mu.Unlock()

		page := Page{SourceID: r.src.ID, URL: link, Status: StatusPending}
		if err := r.c.db.WithContext(ctx).Create(&page).Error; err != nil {
			log.Printf("knowledge: create page row for source %d failed: %v", r.src.ID, err)
			continue
		}
		if !r.updateSource(ctx, map[string]interface{}{"pages_found": gorm.Expr("pages_found + 1")}) {
			// The run lost ownership between the insert and the guarded bump;
			// the row belongs to no run and would sit pending forever.
			if err := r.c.db.WithContext(ctx).Delete(&Page{}, page.ID).Error; err != nil {
				log.Printf("knowledge: remove orphaned page %d failed: %v", page.ID, err)
			}
			return
		}
		r.c.publishPage(ctx, r.src.ID, page.ID)
		r.enqueue(crawlTask{pageID: page.ID, url: link})
	}
}

func (r *crawlRun) processPage(ctx context.Context, task crawlTask) {
	if r.abandoned.Load() {
		return
	}
	r.updatePage(ctx, task.pageID, map[string]interface{}{"status": StatusProcessing})

	pageErr := ""
	if err := r.limiter.Wait(ctx); err != nil {
		pageErr = fmt.Sprintf("crawl interrupted: %v", err)
	} else if fetched, err := r.c.fetch.fetchPage(ctx, task.url); err != nil {
		pageErr = err.Error()
	} else if content, err := r.c.extract.extract(fetched.Body, fetched.ContentType); err != nil {
		pageErr = err.Error()
	} else {
		if pageBase, err := url.Parse(task.url); err == nil {
			r.discover(ctx, fetched.Body, pageBase)
		}
		rows := buildChunkRows(r.src.AgentID, content.Text, r.c.maxTokens, r.c.overlapChars)
		if _, err := r.c.store.ReplaceChunks(ctx, task.pageID, OriginPage, rows); err != nil {
			pageErr = fmt.Sprintf("store chunks: %v", err)
		} else {
			updates := map[string]interface{}{"status": StatusCompleted}
			if content.Title != "" {
				updates["title"] = content.Title
			}
			r.updatePage(ctx, task.pageID, updates)
		}
	}

	if pageErr != "" {
		r.updatePage(ctx, task.pageID, map[string]interface{}{
			"status":        StatusFailed,
			"error_message": pageErr,
		})
	}

	// Processed means attempted; a failed page still counts.
	r.updateSource(ctx, map[string]interface{}{"pages_processed": gorm.Expr("pages_processed + 1")})
}

func (r *crawlRun) markSeen(rawURL string) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return
	}
	parsed.Fragment = ""
	r.mu.Lock()
	r.seen[parsed.String()] = struct{}{}
	r.mu.Unlock()
}

func (r *crawlRun) updateSource(ctx context.Context, updates map[string]interface{}) bool {
	if r.abandoned.Load() {
		return false
	}
	updates["updated_at"] = time.Now().UTC()
	res := r.c.db.WithContext(ctx).Model(&Source{}).
		Where("id = ? AND run_token = ?", r.src.ID, r.token).
		Updates(updates)
	if res.Error != nil {
		log.Printf("knowledge: update source %d failed: %v", r.src.ID, res.Error)
		return false
	}
	if res.RowsAffected == 0 {
		r.abandoned.Store(true)
		return false
	}
	r.c.publishSource(ctx, r.src.ID)
	return true
}

func (r *crawlRun) failSource(ctx context.Context, message string) {
	counters := 0
	if r.src.Mode != ModeMultiPage {
		counters = 1
	}
	r.updateSource(ctx, map[string]interface{}{
		"status":          StatusFailed,
		"error_message":   message,
		"pages_found":     counters,
		"pages_processed": counters,
	})
}

func (r *crawlRun) updatePage(ctx context.Context, pageID uint64, updates map[string]interface{}) {
	if r.abandoned.Load() {
		return
	}
	updates["updated_at"] = time.Now().UTC()
	res := r.c.db.WithContext(ctx).Model(&Page{}).
		Where("id = ? AND source_id = ?", pageID, r.src.ID).
		Updates(updates)
	if res.Error != nil {
		log.Printf("knowledge: update page %d failed: %v", pageID, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		return
	}
	r.c.publishPage(ctx, r.src.ID, pageID)
}

func (c *crawler) publishSource(ctx context.Context, sourceID uint64) {
	if c.broker == nil {
		return
	}
	var src Source
	if err := c.db.WithContext(ctx).Take(&src, sourceID).Error; err != nil {
		return
	}
	c.broker.Publish(ctx, ProgressEvent{
		SourceID: sourceID,
		Kind:     EventSourceChanged,
		Source:   &src,
	})
}

func (c *crawler) publishPage(ctx context.Context, sourceID uint64, pageID uint64) {
	if c.broker == nil {
		return
	}
	var page Page
	if err := c.db.WithContext(ctx).Take(&page, pageID).Error; err != nil {
		return
	}
	c.broker.Publish(ctx, ProgressEvent{
		SourceID: sourceID,
		Kind:     EventPageChanged,
		Page:     &page,
	})
}
