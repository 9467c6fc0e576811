package audit

/*
Файл agentfs.go — асинхронный журнал результатов пересылки (Outcome Trail).

Решение по вызову пишется в хранилище синхронно (его нельзя потерять),
а результат общения с upstream уходит сюда:
- Non-blocking: Log не ждет БД, при переполнении событие сбрасывается с ошибкой в лог.
- Batching: пачка пишется по таймеру или по достижении лимита.
- Drain: Stop закрывает канал и ждет финальный flush.
*/

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StorageInterface определяет, куда физически будут сохраняться события
type StorageInterface interface {
	WriteBatch(ctx context.Context, events []OutcomeEvent) error
}

type Auditor interface {
	Log(event OutcomeEvent)
}

type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	// OnFill получает текущую заполненность буфера (для метрики backpressure)
	OnFill func(n int)
}

func (o *Options) setDefaults() {
	if o.BufferSize <= 0 {
		o.BufferSize = 10000
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 500 * time.Millisecond
	}
}

type AgentFS struct {
	ch     chan OutcomeEvent
	repo   StorageInterface
	opts   Options
	logger *zap.Logger
	wg     sync.WaitGroup

	// mu: Log держит RLock на время отправки, Stop берет Lock перед close(ch)
	mu       sync.RWMutex
	isClosed bool
}

func NewAgentFS(repo StorageInterface, opts Options, logger *zap.Logger) *AgentFS {
	opts.setDefaults()
	return &AgentFS{
		ch:     make(chan OutcomeEvent, opts.BufferSize),
		repo:   repo,
		opts:   opts,
		logger: logger.With(zap.String("mod", "agentfs")),
	}
}

func (fs *AgentFS) Start() {
	fs.wg.Add(1)
	go fs.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (fs *AgentFS) Stop() {
	fs.mu.Lock()
	if fs.isClosed {
		fs.mu.Unlock()
		return
	}
	fs.isClosed = true
	fs.logger.Info("stopping auditor: closing channel and flushing buffer...")
	close(fs.ch)
	fs.mu.Unlock()

	fs.wg.Wait()
	fs.logger.Info("auditor stopped gracefully")
}

func (fs *AgentFS) Log(event OutcomeEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.isClosed {
		fs.logger.Warn("outcome event dropped: auditor is stopping", zap.String("request_id", event.RequestID))
		return
	}

	// Load Shedding
	select {
	case fs.ch <- event:
		if fs.opts.OnFill != nil {
			fs.opts.OnFill(len(fs.ch))
		}
	default:
		fs.logger.Error("audit_buffer_overflow",
			zap.String("request_id", event.RequestID),
			zap.String("trace_id", event.TraceID),
			zap.String("status", event.Status),
		)
	}
}

func (fs *AgentFS) worker() {
	defer fs.wg.Done()

	batch := make([]OutcomeEvent, 0, fs.opts.BatchSize)
	ticker := time.NewTicker(fs.opts.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст к этому моменту может быть уже отменен
		if err := fs.repo.WriteBatch(context.Background(), batch); err != nil {
			fs.logger.Error("audit flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
		if fs.opts.OnFill != nil {
			fs.opts.OnFill(len(fs.ch))
		}
	}

	for {
		select {
		case event, ok := <-fs.ch:
			if !ok {
				// Канал закрыт в Stop: остатки уже вычитаны
				flush()
				fs.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= fs.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
