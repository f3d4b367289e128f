package agents

import (
	"time"

	"gorm.io/datatypes"
)

// Agent 表示挂接在某个网站上的对话机器人配置模型。
type Agent struct {
	ID          uint64         `gorm:"primaryKey" json:"id"`
	Name        string         `gorm:"size:100;not null" json:"name"`
	WebsiteURL  *string        `gorm:"size:2048" json:"website_url,omitempty"`
	Description *string        `gorm:"size:500" json:"description,omitempty"`
	Greeting    *string        `gorm:"type:text" json:"greeting,omitempty"`
	Status      string         `gorm:"size:16;not null;default:'active'" json:"status"`
	Tags        datatypes.JSON `gorm:"type:json" json:"tags,omitempty"`
	CreatedBy   uint64         `gorm:"not null;index" json:"created_by"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// TableName 指定 Agent 模型对应的数据库表名。
func (Agent) TableName() string {
	return "agents"
}
