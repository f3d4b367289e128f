package knowledge

import (
	"context"
	"encoding/json"
	"errors"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type chunkMetadata struct {
	Headings     []docHeading `json:"headings,omitempty"`
	HasCodeBlock bool         `json:"has_code_block"`
	HasList      bool         `json:"has_list"`
	WordCount    int          `json:"word_count"`
	StartLine    int          `json:"start_line"`
	EndLine      int          `json:"end_line"`
}

// buildChunkRows runs the chunker over one document and shapes the result
// into persistable rows. Document-wide metadata is merged into every chunk.
func buildChunkRows(agentID uint64, content string, maxTokens int, overlapChars int) []Chunk {
	segments := splitDocument(content, maxTokens, overlapChars)
	if len(segments) == 0 {
		return nil
	}

	meta := analyzeDocument(content)
	rows := make([]Chunk, 0, len(segments))
	for _, segment := range segments {
		payload := chunkMetadata{
			Headings:     meta.Headings,
			HasCodeBlock: meta.HasCodeBlock,
			HasList:      meta.HasList,
			WordCount:    meta.WordCount,
			StartLine:    segment.StartLine,
			EndLine:      segment.EndLine,
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			raw = []byte("{}")
		}
		rows = append(rows, Chunk{
			AgentID:    agentID,
			ChunkIndex: segment.Index,
			Text:       segment.Text,
			TokenCount: segment.TokenCount,
			Metadata:   datatypes.JSON(raw),
		})
	}
	return rows
}

// ChunkStore persists retrieval chunks keyed by their origin row.
type ChunkStore struct {
	db *gorm.DB
}

func NewChunkStore(db *gorm.DB) *ChunkStore {
	return &ChunkStore{db: db}
}

// ReplaceChunks swaps the full chunk set for one origin inside a single
// transaction. Readers never observe a mix of old and new rows.
func (s *ChunkStore) ReplaceChunks(ctx context.Context, originID uint64, originType string, chunks []Chunk) (int, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("knowledge: database connection is not configured")
	}
	if originID == 0 || originType == "" {
		return 0, errors.New("knowledge: chunk origin is required")
	}

	for i := range chunks {
		chunks[i].ID = 0
		chunks[i].OriginID = originID
		chunks[i].OriginType = originType
		chunks[i].ChunkIndex = i
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("origin_id = ? AND origin_type = ?", originID, originType).
			Delete(&Chunk{}).Error; err != nil {
			return err
		}
		if len(chunks) == 0 {
			return nil
		}
		return tx.Create(&chunks).Error
	})
	if err != nil {
		return 0, err
	}
	return len(chunks), nil
}

func (s *ChunkStore) ChunksForOrigin(ctx context.Context, originID uint64, originType string) ([]Chunk, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("knowledge: database connection is not configured")
	}
	var chunks []Chunk
	if err := s.db.WithContext(ctx).
		Where("origin_id = ? AND origin_type = ?", originID, originType).
		Order("chunk_index ASC").
		Find(&chunks).Error; err != nil {
		return nil, err
	}
	return chunks, nil
}

func (s *ChunkStore) DeleteChunks(ctx context.Context, originID uint64, originType string) error {
	if s == nil || s.db == nil {
		return errors.New("knowledge: database connection is not configured")
	}
	return s.db.WithContext(ctx).
		Where("origin_id = ? AND origin_type = ?", originID, originType).
		Delete(&Chunk{}).Error
}

func (s *ChunkStore) CountForOrigin(ctx context.Context, originID uint64, originType string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("knowledge: database connection is not configured")
	}
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Chunk{}).
		Where("origin_id = ? AND origin_type = ?", originID, originType).
		Count(&count).Error
	return count, err
}
