package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"sitechat_back/cache"
)

const defaultMaxPageLimit = 50

// ErrPageLimitExceeded marks ingestion requests asking for more pages than
// the deployment allows. These are rejected before any worker starts.
var ErrPageLimitExceeded = errors.New("knowledge: page limit exceeds allowed maximum")

type Service struct {
	db           *gorm.DB
	store        *ChunkStore
	broker       *ProgressBroker
	crawler      *crawler
	maxPageLimit int
	maxTokens    int
	overlapChars int
}

type IngestionInput struct {
	URL       string `json:"url"`
	Mode      string `json:"mode"`
	PageLimit int    `json:"page_limit"`
}

func NewServiceFromEnv(db *gorm.DB) (*Service, error) {
	if db == nil {
		return nil, errors.New("knowledge: database connection is required")
	}

	redisClient, err := cache.GetRedisClient()
	if err != nil {
		log.Printf("knowledge: redis unavailable, progress events stay in-process: %v", err)
		redisClient = nil
	}

	maxPages := defaultMaxPageLimit
	if raw := strings.TrimSpace(os.Getenv("KNOWLEDGE_MAX_PAGES")); raw != "" {
		if parsed, convErr := strconv.Atoi(raw); convErr == nil && parsed > 0 {
			maxPages = parsed
		}
	}

	store := NewChunkStore(db)
	broker := NewProgressBroker(redisClient)
	crawl := newCrawlerFromEnv(db, store, broker)

	return &Service{
		db:           db,
		store:        store,
		broker:       broker,
		crawler:      crawl,
		maxPageLimit: maxPages,
		maxTokens:    crawl.maxTokens,
		overlapChars: crawl.overlapChars,
	}, nil
}

func (s *Service) AutoMigrate() error {
	if s.db == nil {
		return errors.New("knowledge: database connection is not configured")
	}
	return s.db.AutoMigrate(&Source{}, &Page{}, &Chunk{}, &Upload{}, &Entry{})
}

func (s *Service) Store() *ChunkStore {
	return s.store
}

func (s *Service) Broker() *ProgressBroker {
	return s.broker
}

// StartIngestion validates the request, creates the source in pending state
// and kicks off the crawl in the background. The caller gets the record back
// immediately; all further progress flows through the broker.
func (s *Service) StartIngestion(ctx context.Context, agentID uint64, userID uint64, input IngestionInput) (*Source, error) {
	if s.db == nil {
		return nil, errors.New("knowledge: database connection is not configured")
	}

	rawURL := strings.TrimSpace(input.URL)
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("knowledge: invalid source url %q", rawURL)
	}

	mode := strings.ToLower(strings.TrimSpace(input.Mode))
	switch mode {
	case "":
		mode = ModeSinglePage
	case ModeSinglePage, ModeMultiPage:
	default:
		return nil, fmt.Errorf("knowledge: unsupported mode %q", input.Mode)
	}

	pageLimit := input.PageLimit
	if mode == ModeSinglePage {
		pageLimit = 1
	} else if pageLimit <= 0 {
		pageLimit = 10
	}
	if pageLimit > s.maxPageLimit {
		return nil, fmt.Errorf("%w: requested %d, maximum %d", ErrPageLimitExceeded, pageLimit, s.maxPageLimit)
	}

	src := Source{
		AgentID:   agentID,
		URL:       rawURL,
		Mode:      mode,
		PageLimit: pageLimit,
		Status:    StatusPending,
		CreatedBy: userID,
	}
	if err := s.db.WithContext(ctx).Create(&src).Error; err != nil {
		return nil, err
	}

	s.broker.Publish(ctx, ProgressEvent{SourceID: src.ID, Kind: EventSourceChanged, Source: &src})
	go s.crawler.Run(context.Background(), src.ID)

	return &src, nil
}

// RetrySource resets the full state machine: counters back to zero, error
// cleared, stale page and chunk rows removed, and the run token blanked so
// any in-flight worker from the previous attempt abandons its writes.
func (s *Service) RetrySource(ctx context.Context, agentID uint64, sourceID uint64) (*Source, error) {
	if s.db == nil {
		return nil, errors.New("knowledge: database connection is not configured")
	}

	var src Source
	if err := s.db.WithContext(ctx).
		Where("id = ? AND agent_id = ?", sourceID, agentID).
		Take(&src).Error; err != nil {
		return nil, err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pageIDs []uint64
		if err := tx.Model(&Page{}).Where("source_id = ?", src.ID).Pluck("id", &pageIDs).Error; err != nil {
			return err
		}
		if len(pageIDs) > 0 {
			if err := tx.Where("origin_type = ? AND origin_id IN ?", OriginPage, pageIDs).Delete(&Chunk{}).Error; err != nil {
				return err
			}
			if err := tx.Where("source_id = ?", src.ID).Delete(&Page{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("origin_type = ? AND origin_id = ?", OriginSource, src.ID).Delete(&Chunk{}).Error; err != nil {
			return err
		}
		return tx.Model(&Source{}).Where("id = ?", src.ID).Updates(map[string]interface{}{
			"status":          StatusPending,
			"pages_found":     0,
			"pages_processed": 0,
			"error_message":   nil,
			"run_token":       "",
			"updated_at":      time.Now().UTC(),
		}).Error
	})
	if err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Take(&src, src.ID).Error; err != nil {
		return nil, err
	}
	s.broker.Publish(ctx, ProgressEvent{SourceID: src.ID, Kind: EventSourceChanged, Source: &src})
	go s.crawler.Run(context.Background(), src.ID)

	return &src, nil
}

// DeleteSource removes the source with its discovered pages and every chunk
// either of them produced. In-flight workers notice the missing row and stop.
func (s *Service) DeleteSource(ctx context.Context, agentID uint64, sourceID uint64) error {
	if s.db == nil {
		return errors.New("knowledge: database connection is not configured")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var src Source
		if err := tx.Where("id = ? AND agent_id = ?", sourceID, agentID).Take(&src).Error; err != nil {
			return err
		}

		var pageIDs []uint64
		if err := tx.Model(&Page{}).Where("source_id = ?", src.ID).Pluck("id", &pageIDs).Error; err != nil {
			return err
		}
		if len(pageIDs) > 0 {
			if err := tx.Where("origin_type = ? AND origin_id IN ?", OriginPage, pageIDs).Delete(&Chunk{}).Error; err != nil {
				return err
			}
			if err := tx.Where("source_id = ?", src.ID).Delete(&Page{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("origin_type = ? AND origin_id = ?", OriginSource, src.ID).Delete(&Chunk{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Source{}, src.ID).Error
	})
}

func (s *Service) ListSources(ctx context.Context, agentID uint64) ([]Source, error) {
	if s.db == nil {
		return nil, errors.New("knowledge: database connection is not configured")
	}
	var sources []Source
	if err := s.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("created_at DESC").
		Find(&sources).Error; err != nil {
		return nil, err
	}
	return sources, nil
}

func (s *Service) GetSource(ctx context.Context, agentID uint64, sourceID uint64) (*Source, error) {
	if s.db == nil {
		return nil, errors.New("knowledge: database connection is not configured")
	}
	var src Source
	if err := s.db.WithContext(ctx).
		Where("id = ? AND agent_id = ?", sourceID, agentID).
		Take(&src).Error; err != nil {
		return nil, err
	}
	return &src, nil
}

func (s *Service) ListPages(ctx context.Context, agentID uint64, sourceID uint64) ([]Page, error) {
	if _, err := s.GetSource(ctx, agentID, sourceID); err != nil {
		return nil, err
	}
	var pages []Page
	if err := s.db.WithContext(ctx).
		Where("source_id = ?", sourceID).
		Order("id ASC").
		Find(&pages).Error; err != nil {
		return nil, err
	}
	return pages, nil
}

// ListChunks exposes stored chunks to the chat-serving side, scoped to the
// owning agent. Chunks for an origin are either fully absent or fully
// replaced, never half-written.
func (s *Service) ListChunks(ctx context.Context, agentID uint64, originID uint64, originType string) ([]Chunk, error) {
	if s.db == nil {
		return nil, errors.New("knowledge: database connection is not configured")
	}
	var chunks []Chunk
	query := s.db.WithContext(ctx).Where("agent_id = ?", agentID)
	if originID != 0 {
		query = query.Where("origin_id = ?", originID)
	}
	if originType != "" {
		query = query.Where("origin_type = ?", originType)
	}
	if err := query.Order("origin_type ASC, origin_id ASC, chunk_index ASC").Find(&chunks).Error; err != nil {
		return nil, err
	}
	return chunks, nil
}

// PurgeAgent drops every knowledge row belonging to one agent. Used when the
// owning agent is deleted.
func (s *Service) PurgeAgent(ctx context.Context, agentID uint64) error {
	if s.db == nil {
		return errors.New("knowledge: database connection is not configured")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sourceIDs []uint64
		if err := tx.Model(&Source{}).Where("agent_id = ?", agentID).Pluck("id", &sourceIDs).Error; err != nil {
			return err
		}
		if len(sourceIDs) > 0 {
			if err := tx.Where("source_id IN ?", sourceIDs).Delete(&Page{}).Error; err != nil {
				return err
			}
			if err := tx.Where("agent_id = ?", agentID).Delete(&Source{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("agent_id = ?", agentID).Delete(&Upload{}).Error; err != nil {
			return err
		}
		if err := tx.Where("agent_id = ?", agentID).Delete(&Entry{}).Error; err != nil {
			return err
		}
		return tx.Where("agent_id = ?", agentID).Delete(&Chunk{}).Error
	})
}

// RechunkOrigin re-runs the chunker over the given text and swaps the stored
// set. Callers serialize calls per origin.
func (s *Service) RechunkOrigin(ctx context.Context, agentID uint64, originID uint64, originType string, content string) (int, error) {
	rows := buildChunkRows(agentID, content, s.maxTokens, s.overlapChars)
	return s.store.ReplaceChunks(ctx, originID, originType, rows)
}
