package model

import "time"

type LogLevel string

const LOG_DEBUG LogLevel = "Debug"
const LOG_INFORMATION LogLevel = "Information"
const LOG_WARNING LogLevel = "Warning"
const LOG_ERROR LogLevel = "Error"
const LOG_CRITICAL LogLevel = "Critical"

// WorkflowInstanceLog is one append-only audit entry. Sequence orders the
// entries of an instance; timestamps may collide across branches.
type WorkflowInstanceLog struct {
	Id           string         `json:"id"`
	InstanceId   string         `json:"instanceId"`
	Sequence     int64          `json:"sequence"`
	BranchId     string         `json:"branchId,omitempty"`
	NodeId       string         `json:"nodeId,omitempty"`
	NodeName     string         `json:"nodeName,omitempty"`
	Level        LogLevel       `json:"level"`
	Message      string         `json:"message"`
	Data         map[string]any `json:"data,omitempty"`
	Actor        string         `json:"actor,omitempty"`
	Duration     time.Duration  `json:"durationNs,omitempty"`
	IsError      bool           `json:"isError"`
	ErrorDetails string         `json:"errorDetails,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}
