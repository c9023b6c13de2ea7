package service

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/GoPolymarket/otcgate/internal/model"
	"github.com/GoPolymarket/otcgate/internal/pkg/logger"
	"github.com/GoPolymarket/otcgate/internal/repository"
)

type AuditRepo interface {
	Insert(ctx context.Context, entry *model.AuditLog) error
	List(ctx context.Context, f repository.AuditFilter) ([]*model.AuditLog, error)
}

// AuditService persists request audit records off the request path.
type AuditService struct {
	logChan chan *model.AuditLog
	sink    io.WriteCloser
	buffer  *auditBuffer
	repo    AuditRepo
	done    chan struct{}
	closeMu sync.Once
}

// NewAuditService writes to repo and, when file is set, to a rotated JSON
// lines file. Either may be absent; the in-memory ring always works.
func NewAuditService(repo AuditRepo, file string) *AuditService {
	svc := &AuditService{
		logChan: make(chan *model.AuditLog, 1000), // 缓冲区 1000
		buffer:  newAuditBuffer(1000),
		repo:    repo,
		done:    make(chan struct{}),
	}
	if file != "" {
		svc.sink = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    100,
			MaxBackups: 10,
			MaxAge:     30,
			Compress:   true,
		}
	}

	// 启动消费者 goroutine
	go svc.processLogs()

	return svc
}

func (s *AuditService) Log(entry *model.AuditLog) {
	if entry == nil {
		return
	}
	s.buffer.Add(entry)
	select {
	case s.logChan <- entry:
	default:
		// 缓冲区满，丢弃日志以保护主流程
		logger.Warn("audit log buffer full, dropping entry", "request_id", entry.ID, "path", entry.Path)
	}
}

// List reads from the repository and falls back to the recent in-memory
// records when it is unavailable.
func (s *AuditService) List(ctx context.Context, f repository.AuditFilter) ([]*model.AuditLog, error) {
	if s.repo != nil {
		records, err := s.repo.List(ctx, f)
		if err == nil {
			return records, nil
		}
		logger.Warn("audit repository unavailable, serving buffer", "error", err)
	}
	return s.buffer.List(f), nil
}

func (s *AuditService) processLogs() {
	defer close(s.done)
	var encoder *json.Encoder
	if s.sink != nil {
		encoder = json.NewEncoder(s.sink)
	}
	for entry := range s.logChan {
		if s.repo != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.repo.Insert(ctx, entry); err != nil {
				logger.Error("write audit log to db failed", "request_id", entry.ID, "error", err)
			}
			cancel()
		}
		if encoder != nil {
			if err := encoder.Encode(entry); err != nil {
				logger.Error("write audit log file failed", "request_id", entry.ID, "error", err)
			}
		}
	}
}

// Close flushes queued records and closes the file.
func (s *AuditService) Close() {
	s.closeMu.Do(func() {
		close(s.logChan)
		<-s.done
		if s.sink != nil {
			_ = s.sink.Close()
		}
	})
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

// List walks newest first.
func (b *auditBuffer) List(f repository.AuditFilter) []*model.AuditLog {
	b.mu.Lock()
	defer b.mu.Unlock()
	limit := f.Limit
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
		if f.Path != "" && !strings.HasPrefix(entry.Path, f.Path) {
			continue
		}
		if f.From != nil && entry.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && entry.CreatedAt.After(*f.To) {
			continue
		}
		results = append(results, entry)
		if len(results) >= limit {
			break
		}
	}
	return results
}
