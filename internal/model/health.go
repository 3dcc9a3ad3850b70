package model

import "time"

// QueueHealth summarizes the pending queue
type QueueHealth struct {
	Depth     int     `json:"depth"`
	OldestAge float64 `json:"oldestAge"`
}

// HeartbeatHealth reports executor liveness
type HeartbeatHealth struct {
	OK           bool    `json:"ok"`
	StaleSeconds float64 `json:"staleSeconds"`
}

// ResourceHealth reports a host resource against its threshold
type ResourceHealth struct {
	UsedPercent float64 `json:"usedPercent"`
	OK          bool    `json:"ok"`
}

// HealthSnapshot aggregates worker, queue and host indicators
type HealthSnapshot struct {
	Worker    WorkerState     `json:"worker"`
	Queue     QueueHealth     `json:"queue"`
	Heartbeat HeartbeatHealth `json:"heartbeat"`
	Disk      ResourceHealth  `json:"disk"`
	Memory    ResourceHealth  `json:"memory"`
	CheckedAt time.Time       `json:"checkedAt"`
}
