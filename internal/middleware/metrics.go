package middleware

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailtriage/pkg/logger"
)

const slowRequestThreshold = 5 * time.Second

// EndpointMetrics holds metrics for one route.
type EndpointMetrics struct {
	Count           int64     `json:"count"`
	TotalDuration   float64   `json:"totalDurationMs"`
	AverageDuration float64   `json:"averageDurationMs"`
	MinDuration     float64   `json:"minDurationMs"`
	MaxDuration     float64   `json:"maxDurationMs"`
	ErrorCount      int64     `json:"errorCount"`
	LastAccessed    time.Time `json:"lastAccessed"`
}

// PipelineMetrics counts classification run events.
type PipelineMetrics struct {
	Classifications   int64            `json:"classifications"`
	Fallbacks         int64            `json:"fallbacks"`
	FallbackRate      float64          `json:"fallbackRate"`
	ByCategory        map[string]int64 `json:"byCategory"`
	LabelsApplied     int64            `json:"labelsApplied"`
	LabelFailures     int64            `json:"labelFailures"`
	RunsByStatus      map[string]int64 `json:"runsByStatus"`
	EmailsProcessed   int64            `json:"emailsProcessed"`
	TotalRunDuration  float64          `json:"totalRunDurationMs"`
	AverageRunSeconds float64          `json:"averageRunSeconds"`
}

// Snapshot is a point-in-time copy of all collected metrics.
type Snapshot struct {
	TotalRequests       int64                       `json:"totalRequests"`
	TotalErrors         int64                       `json:"totalErrors"`
	ActiveConnections   int64                       `json:"activeConnections"`
	AverageResponseTime float64                     `json:"averageResponseTimeMs"`
	StatusCodeCount     map[int]int64               `json:"statusCodeCount"`
	Endpoints           map[string]*EndpointMetrics `json:"endpoints"`
	Pipeline            PipelineMetrics             `json:"pipeline"`
	StartTime           time.Time                   `json:"startTime"`
	Uptime              string                      `json:"uptime"`
}

// Metrics collects HTTP and pipeline metrics. It satisfies the pipeline
// observer interface.
type Metrics struct {
	mu                sync.RWMutex
	totalRequests     int64
	totalErrors       int64
	totalDuration     float64
	activeConnections int64
	statusCodeCount   map[int]int64
	endpoints         map[string]*EndpointMetrics
	pipeline          PipelineMetrics
	startTime         time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{
		statusCodeCount: make(map[int]int64),
		endpoints:       make(map[string]*EndpointMetrics),
		pipeline: PipelineMetrics{
			ByCategory:   make(map[string]int64),
			RunsByStatus: make(map[string]int64),
		},
		startTime: time.Now(),
	}
}

// Middleware records request counts and latencies per route.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isHealthCheckPath(c.Request.URL.Path) {
			c.Next()
			return
		}

		start := time.Now()
		m.addActive(1)
		defer m.addActive(-1)

		c.Next()

		duration := time.Since(start)
		durationMs := float64(duration.Nanoseconds()) / 1e6
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		status := c.Writer.Status()
		m.recordRequest(c.Request.Method+" "+path, durationMs, status)

		if duration > slowRequestThreshold {
			logger.RequestLogger(GetRequestID(c), c.Request.Method, path).Warn("Slow request detected",
				zap.Float64("duration_ms", durationMs),
				zap.Int("status_code", status),
				zap.Float64("threshold_ms", float64(slowRequestThreshold.Milliseconds())),
			)
		}
	}
}

func (m *Metrics) addActive(delta int64) {
	m.mu.Lock()
	m.activeConnections += delta
	m.mu.Unlock()
}

func (m *Metrics) recordRequest(endpoint string, durationMs float64, statusCode int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalRequests++
	m.totalDuration += durationMs
	if statusCode >= 400 {
		m.totalErrors++
	}
	m.statusCodeCount[statusCode]++

	em, ok := m.endpoints[endpoint]
	if !ok {
		em = &EndpointMetrics{MinDuration: durationMs, MaxDuration: durationMs}
		m.endpoints[endpoint] = em
	}
	em.Count++
	em.TotalDuration += durationMs
	em.AverageDuration = em.TotalDuration / float64(em.Count)
	em.LastAccessed = time.Now()
	if durationMs < em.MinDuration {
		em.MinDuration = durationMs
	}
	if durationMs > em.MaxDuration {
		em.MaxDuration = durationMs
	}
	if statusCode >= 400 {
		em.ErrorCount++
	}
}

// RecordClassification counts one classified message.
func (m *Metrics) RecordClassification(category string, fallback bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipeline.Classifications++
	m.pipeline.ByCategory[category]++
	if fallback {
		m.pipeline.Fallbacks++
	}
}

// RecordLabelApply counts one label application attempt.
func (m *Metrics) RecordLabelApply(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if success {
		m.pipeline.LabelsApplied++
	} else {
		m.pipeline.LabelFailures++
	}
}

// RecordRun counts one finished run.
func (m *Metrics) RecordRun(status string, processed int, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipeline.RunsByStatus[status]++
	m.pipeline.EmailsProcessed += int64(processed)
	m.pipeline.TotalRunDuration += float64(duration.Milliseconds())
}

// Snapshot returns a copy of the current metrics.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Snapshot{
		TotalRequests:     m.totalRequests,
		TotalErrors:       m.totalErrors,
		ActiveConnections: m.activeConnections,
		StatusCodeCount:   make(map[int]int64, len(m.statusCodeCount)),
		Endpoints:         make(map[string]*EndpointMetrics, len(m.endpoints)),
		StartTime:         m.startTime,
		Uptime:            time.Since(m.startTime).Round(time.Second).String(),
	}
	if m.totalRequests > 0 {
		s.AverageResponseTime = m.totalDuration / float64(m.totalRequests)
	}
	for k, v := range m.statusCodeCount {
		s.StatusCodeCount[k] = v
	}
	for k, v := range m.endpoints {
		cp := *v
		s.Endpoints[k] = &cp
	}

	p := m.pipeline
	p.ByCategory = make(map[string]int64, len(m.pipeline.ByCategory))
	for k, v := range m.pipeline.ByCategory {
		p.ByCategory[k] = v
	}
	p.RunsByStatus = make(map[string]int64, len(m.pipeline.RunsByStatus))
	var runs int64
	for k, v := range m.pipeline.RunsByStatus {
		p.RunsByStatus[k] = v
		runs += v
	}
	if p.Classifications > 0 {
		p.FallbackRate = float64(p.Fallbacks) / float64(p.Classifications)
	}
	if runs > 0 {
		p.AverageRunSeconds = p.TotalRunDuration / float64(runs) / 1000
	}
	s.Pipeline = p
	return s
}

// Report logs a metrics summary every interval until ctx is done.
func (m *Metrics) Report(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		logger.L().Warn("Metrics reporting disabled", zap.Duration("interval", interval))
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.logReport()
		}
	}
}

func (m *Metrics) logReport() {
	s := m.Snapshot()
	uptime := time.Since(s.StartTime)

	errorRate := 0.0
	if s.TotalRequests > 0 {
		errorRate = float64(s.TotalErrors) / float64(s.TotalRequests) * 100
	}

	logger.L().Info("System metrics report",
		zap.Int64("total_requests", s.TotalRequests),
		zap.Int64("total_errors", s.TotalErrors),
		zap.Float64("error_rate_percent", errorRate),
		zap.Int64("active_connections", s.ActiveConnections),
		zap.Float64("average_response_time_ms", s.AverageResponseTime),
		zap.Int64("classifications", s.Pipeline.Classifications),
		zap.Float64("fallback_rate", s.Pipeline.FallbackRate),
		zap.Int64("labels_applied", s.Pipeline.LabelsApplied),
		zap.Int64("label_failures", s.Pipeline.LabelFailures),
		zap.Duration("uptime", uptime),
		zap.String("component", "metrics_reporter"),
	)

	type endpointCount struct {
		endpoint string
		m        *EndpointMetrics
	}
	top := make([]endpointCount, 0, len(s.Endpoints))
	for k, v := range s.Endpoints {
		top = append(top, endpointCount{k, v})
	}
	sort.Slice(top, func(i, j int) bool { return top[i].m.Count > top[j].m.Count })
	for i, ep := range top[:min(5, len(top))] {
		logger.L().Info("Top endpoint metrics",
			zap.String("endpoint", ep.endpoint),
			zap.Int64("request_count", ep.m.Count),
			zap.Float64("avg_duration_ms", ep.m.AverageDuration),
			zap.Int64("error_count", ep.m.ErrorCount),
			zap.Int("rank", i+1),
			zap.String("component", "top_endpoints"),
		)
	}
}
