package analytics

import (
	"context"
	"time"

	"github.com/nulzo/relay/internal/metering"
	"github.com/nulzo/relay/internal/store/sqlite"
	"go.uber.org/zap"
)

// Ingestor mirrors ledger entries into the analytics store off the
// request path. Lossy by contract: a full buffer drops entries rather
// than slowing an invocation; the JSONL ledger remains complete.
type Ingestor interface {
	Log(entry *metering.Entry)
	Start(ctx context.Context)
	Stop()
}

type ingestor struct {
	logger    *zap.Logger
	repo      *sqlite.Repository
	entryChan chan *metering.Entry
	batchSize int
	flushTime time.Duration
}

func NewIngestor(logger *zap.Logger, repo *sqlite.Repository) Ingestor {
	return &ingestor{
		logger:    logger,
		repo:      repo,
		entryChan: make(chan *metering.Entry, 10000),
		batchSize: 50,
		flushTime: 5 * time.Second,
	}
}

func (i *ingestor) Log(entry *metering.Entry) {
	select {
	case i.entryChan <- entry:
	default:
		i.logger.Warn("analytics buffer full, dropping entry",
			zap.String("request_id", entry.RequestID))
	}
}

func (i *ingestor) Start(ctx context.Context) {
	go i.worker(ctx)
}

func (i *ingestor) Stop() {
	close(i.entryChan)
}

func (i *ingestor) worker(ctx context.Context) {
	batch := make([]*metering.Entry, 0, i.batchSize)
	ticker := time.NewTicker(i.flushTime)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		for _, entry := range batch {
			if err := i.repo.Insert(context.Background(), entry); err != nil {
				i.logger.Error("failed to mirror ledger entry",
					zap.String("request_id", entry.RequestID), zap.Error(err))
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-i.entryChan:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= i.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			flush()
			return
		}
	}
}

// NoopIngestor is used when analytics is disabled.
type NoopIngestor struct{}

func (NoopIngestor) Log(*metering.Entry)   {}
func (NoopIngestor) Start(context.Context) {}
func (NoopIngestor) Stop()                 {}
