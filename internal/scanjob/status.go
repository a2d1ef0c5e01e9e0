package scanjob

import (
	"sync"
	"time"
)

// Status tracks the outcome of the most recent scan job.
type Status struct {
	mu        sync.RWMutex
	Scanning  bool   `json:"scanning"`
	LastError string `json:"lastError,omitempty"`
	LastScan  string `json:"lastScan,omitempty"` // RFC3339
	Pages     int    `json:"pages"`
	Documents int    `json:"documents"`
}

// Snapshot returns a copy of the current status.
func (s *Status) Snapshot() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		Scanning:  s.Scanning,
		LastError: s.LastError,
		LastScan:  s.LastScan,
		Pages:     s.Pages,
		Documents: s.Documents,
	}
}

// SetScanning marks a scan as in-progress.
func (s *Status) SetScanning(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Scanning = v
	if v {
		s.LastError = ""
	}
}

// SetResult records the outcome of a completed scan.
func (s *Status) SetResult(err error, pages, documents int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Scanning = false
	s.LastScan = time.Now().UTC().Format(time.RFC3339)
	s.Pages = pages
	s.Documents = documents
	if err != nil {
		s.LastError = err.Error()
	} else {
		s.LastError = ""
	}
}
