package taskqueue

import (
	"time"

	"sipi/internal/model"
)

// ListingMessage 表示入库流中的一条消息。
//
// 抓取端把标准化后的房源提交写入 Redis Stream，由 ingestor 消费并交给入库协调器。
type ListingMessage struct {
	Submission model.Submission `json:"submission"` // 标准化提交
	Timestamp  time.Time        `json:"timestamp"`  // 消息创建时间
	Retry      int              `json:"retry"`      // 重试次数
	Source     string           `json:"source"`     // 消息来源: 抓取器名称或 "api"
}

// NewListingMessage 创建一条入库消息。
func NewListingMessage(sub model.Submission, source string) *ListingMessage {
	if source == "" {
		source = "unknown"
	}
	return &ListingMessage{
		Submission: sub,
		Timestamp:  time.Now(),
		Source:     source,
	}
}
