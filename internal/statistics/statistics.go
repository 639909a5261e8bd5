package statistics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"image-compressor-go/internal/compressor"
)

// Statistics contains process-wide counters for compressor activity.
type Statistics struct {
	SessionsCreated int64
	SessionsClosed  int64
	SessionsExpired int64

	FilesSelected    int64
	FilesRejected    int64
	ImagesInstalled  int64
	DecodesDiscarded int64
	DecodesFailed    int64

	QualityChanges int64
	Reencodes      int64
	EncodeFailures int64
	Downloads      int64

	BytesReceived   int64
	BytesEncoded    int64
	BytesDownloaded int64

	CacheHits   int64
	CacheMisses int64

	StartTime time.Time

	Errors []StatError
	mutex  sync.RWMutex
}

// StatError represents an error reported by a flow.
type StatError struct {
	Session   string
	Operation string
	Error     string
	Timestamp time.Time
}

// Snapshot is a point-in-time copy of the counters, suitable for JSON.
type Snapshot struct {
	Sessions struct {
		Created int64 `json:"created"`
		Closed  int64 `json:"closed"`
		Expired int64 `json:"expired"`
	} `json:"sessions"`
	Files struct {
		Selected  int64 `json:"selected"`
		Rejected  int64 `json:"rejected"`
		Installed int64 `json:"installed"`
		Discarded int64 `json:"discarded"`
		Failed    int64 `json:"failed"`
	} `json:"files"`
	Encoding struct {
		QualityChanges int64   `json:"quality_changes"`
		Reencodes      int64   `json:"reencodes"`
		Failures       int64   `json:"failures"`
		CacheHits      int64   `json:"cache_hits"`
		CacheMisses    int64   `json:"cache_misses"`
		CacheHitRate   float64 `json:"cache_hit_rate"`
	} `json:"encoding"`
	Downloads       int64  `json:"downloads"`
	BytesReceived   string `json:"bytes_received"`
	BytesEncoded    string `json:"bytes_encoded"`
	BytesDownloaded string `json:"bytes_downloaded"`
	Uptime          string `json:"uptime"`
	ErrorCount      int    `json:"error_count"`
}

// maxErrors bounds the retained error log.
const maxErrors = 100

// NewStatistics returns a new Statistics instance.
func NewStatistics() *Statistics {
	return &Statistics{
		StartTime: time.Now(),
		Errors:    make([]StatError, 0),
	}
}

// IncrementSessionsCreated increases the count of created sessions by 1.
func (s *Statistics) IncrementSessionsCreated() {
	atomic.AddInt64(&s.SessionsCreated, 1)
}

// IncrementSessionsClosed increases the count of closed sessions by 1.
func (s *Statistics) IncrementSessionsClosed() {
	atomic.AddInt64(&s.SessionsClosed, 1)
}

// IncrementSessionsExpired increases the count of idle-expired sessions by 1.
func (s *Statistics) IncrementSessionsExpired() {
	atomic.AddInt64(&s.SessionsExpired, 1)
}

// Observer returns a compressor.Observer that records events for a session.
func (s *Statistics) Observer(session string) compressor.Observer {
	return func(ev compressor.Event) {
		s.Record(session, ev)
	}
}

// Record updates the counters for one flow event.
func (s *Statistics) Record(session string, ev compressor.Event) {
	switch ev.Kind {
	case compressor.EventDecodeStarted:
		atomic.AddInt64(&s.FilesSelected, 1)
		atomic.AddInt64(&s.BytesReceived, ev.Bytes)
	case compressor.EventFileRejected:
		atomic.AddInt64(&s.FilesRejected, 1)
	case compressor.EventImageInstalled:
		atomic.AddInt64(&s.ImagesInstalled, 1)
	case compressor.EventDecodeDiscarded:
		atomic.AddInt64(&s.DecodesDiscarded, 1)
	case compressor.EventDecodeFailed:
		atomic.AddInt64(&s.DecodesFailed, 1)
	case compressor.EventQualityChanged:
		atomic.AddInt64(&s.QualityChanges, 1)
	case compressor.EventReencoded:
		atomic.AddInt64(&s.Reencodes, 1)
		if ev.CacheHit {
			atomic.AddInt64(&s.CacheHits, 1)
		} else {
			atomic.AddInt64(&s.CacheMisses, 1)
			atomic.AddInt64(&s.BytesEncoded, ev.Bytes)
		}
	case compressor.EventEncodeFailed:
		atomic.AddInt64(&s.EncodeFailures, 1)
	case compressor.EventDownloaded:
		atomic.AddInt64(&s.Downloads, 1)
		atomic.AddInt64(&s.BytesDownloaded, ev.Bytes)
	}

	if ev.Err != nil {
		s.AddError(session, string(ev.Kind), ev.Err.Error())
	}
}

// AddError records an error, keeping only the most recent ones.
func (s *Statistics) AddError(session, operation, errorMsg string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.Errors = append(s.Errors, StatError{
		Session:   session,
		Operation: operation,
		Error:     errorMsg,
		Timestamp: time.Now(),
	})
	if len(s.Errors) > maxErrors {
		s.Errors = s.Errors[len(s.Errors)-maxErrors:]
	}
}

// CacheHitRate returns hits / (hits + misses), or 0 before any re-encode.
func (s *Statistics) CacheHitRate() float64 {
	hits := atomic.LoadInt64(&s.CacheHits)
	total := hits + atomic.LoadInt64(&s.CacheMisses)
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Snapshot returns a copy of all counters.
func (s *Statistics) Snapshot() Snapshot {
	var snap Snapshot
	snap.Sessions.Created = atomic.LoadInt64(&s.SessionsCreated)
	snap.Sessions.Closed = atomic.LoadInt64(&s.SessionsClosed)
	snap.Sessions.Expired = atomic.LoadInt64(&s.SessionsExpired)
	snap.Files.Selected = atomic.LoadInt64(&s.FilesSelected)
	snap.Files.Rejected = atomic.LoadInt64(&s.FilesRejected)
	snap.Files.Installed = atomic.LoadInt64(&s.ImagesInstalled)
	snap.Files.Discarded = atomic.LoadInt64(&s.DecodesDiscarded)
	snap.Files.Failed = atomic.LoadInt64(&s.DecodesFailed)
	snap.Encoding.QualityChanges = atomic.LoadInt64(&s.QualityChanges)
	snap.Encoding.Reencodes = atomic.LoadInt64(&s.Reencodes)
	snap.Encoding.Failures = atomic.LoadInt64(&s.EncodeFailures)
	snap.Encoding.CacheHits = atomic.LoadInt64(&s.CacheHits)
	snap.Encoding.CacheMisses = atomic.LoadInt64(&s.CacheMisses)
	snap.Encoding.CacheHitRate = s.CacheHitRate()
	snap.Downloads = atomic.LoadInt64(&s.Downloads)
	snap.BytesReceived = compressor.FormatFileSize(atomic.LoadInt64(&s.BytesReceived))
	snap.BytesEncoded = compressor.FormatFileSize(atomic.LoadInt64(&s.BytesEncoded))
	snap.BytesDownloaded = compressor.FormatFileSize(atomic.LoadInt64(&s.BytesDownloaded))
	snap.Uptime = time.Since(s.StartTime).Round(time.Second).String()

	s.mutex.RLock()
	snap.ErrorCount = len(s.Errors)
	s.mutex.RUnlock()
	return snap
}

// GetSummary returns a formatted summary of all statistics.
func (s *Statistics) GetSummary() string {
	snap := s.Snapshot()
	return fmt.Sprintf(`Image Compressor Statistics Summary:

Sessions:
		Created: %d
		Closed: %d
		Expired: %d

Files:
		Selected: %d
		Rejected: %d
		Installed: %d
		Stale Decodes Discarded: %d
		Decode Failures: %d

Encoding:
		Quality Changes: %d
		Re-encodes: %d
		Failures: %d
		Cache Hit Rate: %.2f%%

Transfer:
		Received: %s
		Encoded: %s
		Downloads: %d (%s)
		Uptime: %s`,
		snap.Sessions.Created,
		snap.Sessions.Closed,
		snap.Sessions.Expired,
		snap.Files.Selected,
		snap.Files.Rejected,
		snap.Files.Installed,
		snap.Files.Discarded,
		snap.Files.Failed,
		snap.Encoding.QualityChanges,
		snap.Encoding.Reencodes,
		snap.Encoding.Failures,
		snap.Encoding.CacheHitRate*100,
		snap.BytesReceived,
		snap.BytesEncoded,
		snap.Downloads,
		snap.BytesDownloaded,
		snap.Uptime)
}

// GetErrorSummary returns a summary of recorded errors.
func (s *Statistics) GetErrorSummary() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if len(s.Errors) == 0 {
		return "No errors occurred"
	}

	result := fmt.Sprintf("Errors (%d total):\n", len(s.Errors))
	for i, err := range s.Errors {
		if i >= 10 {
			result += fmt.Sprintf("  ... and %d more errors\n", len(s.Errors)-10)
			break
		}
		result += fmt.Sprintf("  [%s] %s: %s - %s\n",
			err.Timestamp.Format("15:04:05"),
			err.Operation,
			err.Session,
			err.Error)
	}
	return result
}
