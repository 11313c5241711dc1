package domain

import "time"

type CPUSample struct {
	Usage float64 `json:"usage"` // %
	Cores int     `json:"cores"`
}

type MemorySample struct {
	Usage       float64 `json:"usage"` // % системной памяти
	HeapAllocMB float64 `json:"heapAllocMb"`
	TotalMB     float64 `json:"totalMb"`
}

type DiskSample struct {
	Usage float64 `json:"usage"`
}

// SystemSample — одно измерение производительности процесса и хоста
type SystemSample struct {
	Timestamp     time.Time    `json:"timestamp"`
	CPU           CPUSample    `json:"cpu"`
	Memory        MemorySample `json:"memory"`
	Disk          DiskSample   `json:"disk"`
	UptimeSeconds float64      `json:"uptime"`
}

// Rollup — усреднение сэмплов за час или сутки
type Rollup struct {
	Period    time.Time `json:"period"`
	Samples   int       `json:"samples"`
	CPUAvg    float64   `json:"cpuAvg"`
	CPUMax    float64   `json:"cpuMax"`
	MemoryAvg float64   `json:"memoryAvg"`
	DiskAvg   float64   `json:"diskAvg"`
	HeapAvgMB float64   `json:"heapAvgMb"`
}

// EmailMetrics выводится из типов handshake стадий пайплайна
type EmailMetrics struct {
	Received         int64 `json:"received"`
	Processed        int64 `json:"processed"`
	Failed           int64 `json:"failed"`
	Analyzed         int64 `json:"analyzed"`
	MeetingsProposed int64 `json:"meetingsProposed"`
	ResponsesSent    int64 `json:"responsesSent"`
}

// DashboardSnapshot — read-model агрегатора, без побочных эффектов
type DashboardSnapshot struct {
	Timestamp        time.Time                  `json:"timestamp"`
	Handshakes       Totals                     `json:"handshakes"`
	RecentHandshakes []Handshake                `json:"recentHandshakes"`
	Services         map[string]ServiceSnapshot `json:"services"`
	System           SystemSample               `json:"system"`
	Email            EmailMetrics               `json:"email"`
}

// PerformanceReport — ответ getPerformanceMetrics
type PerformanceReport struct {
	Current SystemSample   `json:"current"`
	Samples []SystemSample `json:"samples"`
	Hourly  []Rollup       `json:"hourly"`
	Daily   []Rollup       `json:"daily"`
}
