package events

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// 已接受的文档变更事件，发往 Kafka 供下游系统（审计、索引等）消费。
// 只写不读：会话内存状态仍是唯一权威，销毁后不从这里恢复。
type DocUpdateEvent struct {
	EventType    string    `json:"eventType"` // 固定 "DOC_UPDATED" / "DOC_SEEDED"
	DocumentName string    `json:"documentName"`
	SessionID    string    `json:"sessionId"`
	OperationID  string    `json:"operationId"`
	Revision     int64     `json:"revision"`
	OpType       string    `json:"opType"`
	TargetKey    string    `json:"targetKey"` // JSON 数组字符串
	Data         string    `json:"data,omitempty"`
	AppliedAt    time.Time `json:"appliedAt"`
}

const (
	EventDocUpdated = "DOC_UPDATED"
	EventDocSeeded  = "DOC_SEEDED"
)

// NewOperationID 生成本次操作的唯一 ID（幂等/追踪用）
func NewOperationID() string {
	return ulid.Make().String()
}
