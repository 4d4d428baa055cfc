package service

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GoBrokerHub/brokergate/internal/model"
	"github.com/GoBrokerHub/brokergate/internal/pkg/logger"
)

// AuditService consumes audit entries off a buffered channel so the hot
// path never blocks on disk or database I/O. Entries land in a daily
// jsonl file plus the configured store, with a small ring buffer serving
// listings when no store is wired.
type AuditService struct {
	logChan chan *model.AuditLog
	logFile *os.File
	buffer  *auditBuffer
	store   AuditStore
	done    chan struct{}

	closeMu sync.RWMutex
	closed  bool
}

func NewAuditService(logDir string, store AuditStore) (*AuditService, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}

	// Daily files; rotation beyond that is left to logrotate.
	filename := filepath.Join(logDir, "audit-"+time.Now().Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	svc := &AuditService{
		logChan: make(chan *model.AuditLog, 1000),
		logFile: f,
		buffer:  newAuditBuffer(1000),
		store:   store,
		done:    make(chan struct{}),
	}
	go svc.processLogs()
	return svc, nil
}

// Log enqueues an entry. When the buffer is full the entry is dropped to
// protect the request path.
func (s *AuditService) Log(entry *model.AuditLog) {
	if entry == nil {
		return
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if s.buffer != nil {
		s.buffer.Add(entry)
	}
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.logChan <- entry:
	default:
		logger.Warn("audit buffer full, dropping entry", "kind", entry.Kind)
	}
}

// Event builds and enqueues a non-HTTP audit entry.
func (s *AuditService) Event(kind, userID, connectionID, orderID string, context map[string]interface{}) {
	s.Log(&model.AuditLog{
		Kind:         kind,
		UserID:       userID,
		ConnectionID: connectionID,
		OrderID:      orderID,
		Context:      context,
	})
}

func (s *AuditService) List(ctx context.Context, userID string, limit int, from, to *time.Time) ([]*model.AuditLog, error) {
	if s.store != nil {
		records, err := s.store.List(ctx, userID, limit, from, to)
		if err == nil {
			return records, nil
		}
		logger.Warn("audit store list failed, falling back to buffer", "error", err)
	}
	if s.buffer == nil {
		return nil, nil
	}
	return s.buffer.List(userID, limit), nil
}

func (s *AuditService) processLogs() {
	defer close(s.done)
	encoder := json.NewEncoder(s.logFile)
	for entry := range s.logChan {
		if s.store != nil {
			if err := s.store.Insert(context.Background(), entry); err != nil {
				logger.Error("audit store insert failed", "error", err)
			}
		}
		if err := encoder.Encode(entry); err != nil {
			logger.Error("audit file write failed", "error", err)
		}
	}
}

// Close drains queued entries before closing the file. Safe to call
// more than once; entries logged after Close are dropped rather than
// panicking a late request goroutine.
func (s *AuditService) Close() {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return
	}
	s.closed = true
	s.closeMu.Unlock()

	close(s.logChan)
	<-s.done
	s.logFile.Close()
}

type auditBuffer struct {
	mu        sync.Mutex
	maxSize   int
	records   []*model.AuditLog
	nextIndex int
}

func newAuditBuffer(maxSize int) *auditBuffer {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &auditBuffer{
		maxSize: maxSize,
		records: make([]*model.AuditLog, 0, maxSize),
	}
}

func (b *auditBuffer) Add(entry *model.AuditLog) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) < b.maxSize {
		b.records = append(b.records, entry)
		return
	}
	b.records[b.nextIndex] = entry
	b.nextIndex = (b.nextIndex + 1) % b.maxSize
}

func (b *auditBuffer) List(userID string, limit int) []*model.AuditLog {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit > b.maxSize {
		limit = b.maxSize
	}
	results := make([]*model.AuditLog, 0, limit)
	total := len(b.records)
	for i := 0; i < total; i++ {
		idx := (b.nextIndex + total - 1 - i) % total
		entry := b.records[idx]
		if entry == nil {
			continue
		}
		if userID != "" && entry.UserID != userID {
			continue
		}
		results = append(results, entry)
		if len(results) >= limit {
			break
		}
	}
	return results
}
