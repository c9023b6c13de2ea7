package model

import (
	"time"

	"gorm.io/datatypes"
)

// AuditLog 代表一次完整的 API 请求审计记录
type AuditLog struct {
	ID        string `gorm:"primaryKey;type:varchar(36)" json:"id"` // 请求 ID (UUID)
	Method    string `gorm:"type:varchar(8)" json:"method"`
	Path      string `gorm:"type:varchar(256);index" json:"path"`
	IP        string `gorm:"type:varchar(64)" json:"ip"`
	UserAgent string `json:"user_agent"`

	RequestBody  string `json:"request_body"` // 脱敏后
	StatusCode   int    `json:"status_code"`
	ResponseBody string `json:"response_body"`
	LatencyMs    int64  `json:"latency_ms"`

	// 业务上下文: offer id, chain, tx hash ...
	Context datatypes.JSONMap `json:"context"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
}
