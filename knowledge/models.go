package knowledge

import (
	"time"

	"gorm.io/datatypes"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

const (
	ModeSinglePage = "single-page"
	ModeMultiPage  = "multi-page"
)

const (
	OriginSource = "source"
	OriginPage   = "page"
	OriginUpload = "upload"
	OriginQA     = "qa"
)

type Source struct {
	ID             uint64    `gorm:"primaryKey" json:"id"`
	AgentID        uint64    `gorm:"not null;index:idx_agent_source" json:"agent_id"`
	URL            string    `gorm:"size:2048;not null" json:"url"`
	Mode           string    `gorm:"size:16;not null;default:'single-page'" json:"mode"`
	PageLimit      int       `gorm:"not null;default:1" json:"page_limit"`
	Status         string    `gorm:"size:16;not null;default:'pending'" json:"status"`
	PagesFound     int       `gorm:"not null;default:0" json:"pages_found"`
	PagesProcessed int       `gorm:"not null;default:0" json:"pages_processed"`
	ErrorMessage   *string   `gorm:"size:1024" json:"error_message,omitempty"`
	RunToken       string    `gorm:"size:64;not null;default:''" json:"-"`
	CreatedBy      uint64    `gorm:"not null;index" json:"created_by"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Source) TableName() string {
	return "agent_knowledge_sources"
}

type Page struct {
	ID           uint64    `gorm:"primaryKey" json:"id"`
	SourceID     uint64    `gorm:"not null;index:idx_source_page" json:"source_id"`
	URL          string    `gorm:"size:2048;not null" json:"url"`
	Title        *string   `gorm:"size:512" json:"title,omitempty"`
	Status       string    `gorm:"size:16;not null;default:'pending'" json:"status"`
	ErrorMessage *string   `gorm:"size:1024" json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Page) TableName() string {
	return "agent_knowledge_pages"
}

type Chunk struct {
	ID         uint64         `gorm:"primaryKey" json:"id"`
	AgentID    uint64         `gorm:"not null;index" json:"agent_id"`
	OriginID   uint64         `gorm:"not null;index:idx_origin_chunk" json:"origin_id"`
	OriginType string         `gorm:"size:16;not null;index:idx_origin_chunk" json:"origin_type"`
	ChunkIndex int            `gorm:"not null" json:"chunk_index"`
	Text       string         `gorm:"type:text;not null" json:"text"`
	TokenCount int            `gorm:"not null;default:0" json:"token_count"`
	Metadata   datatypes.JSON `gorm:"type:json" json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (Chunk) TableName() string {
	return "agent_knowledge_chunks"
}

type Upload struct {
	ID           uint64    `gorm:"primaryKey" json:"id"`
	AgentID      uint64    `gorm:"not null;index" json:"agent_id"`
	FileName     string    `gorm:"size:255;not null" json:"file_name"`
	ObjectKey    string    `gorm:"size:512;not null" json:"object_key"`
	ContentType  string    `gorm:"size:128" json:"content_type"`
	ByteSize     int64     `gorm:"not null;default:0" json:"byte_size"`
	Status       string    `gorm:"size:16;not null;default:'pending'" json:"status"`
	ErrorMessage *string   `gorm:"size:1024" json:"error_message,omitempty"`
	CreatedBy    uint64    `gorm:"not null" json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Upload) TableName() string {
	return "agent_knowledge_uploads"
}

type Entry struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	AgentID   uint64    `gorm:"not null;index" json:"agent_id"`
	Question  string    `gorm:"type:text;not null" json:"question"`
	Answer    string    `gorm:"type:text;not null" json:"answer"`
	CreatedBy uint64    `gorm:"not null" json:"created_by"`
	UpdatedBy uint64    `gorm:"not null" json:"updated_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Entry) TableName() string {
	return "agent_knowledge_entries"
}
