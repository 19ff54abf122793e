package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"nanogrid_simulator/internal/model"
)

// PublisherConfig controls settlement publishing of sealed blocks.
type PublisherConfig struct {
	Enabled    bool
	Brokers    []string
	Topic      string
	MaxRetries int
	Backoff    time.Duration
	QueueSize  int
}

const (
	defaultQueueSize  = 256
	defaultMaxRetries = 3
	defaultBackoff    = 200 * time.Millisecond
)

var (
	errPublisherNilWriter  = errors.New("publisher requires a writer")
	errPublisherNotStarted = errors.New("settlement publisher not started")
	errPublisherQueueFull  = errors.New("settlement queue full")
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type writeCloser interface {
	Close() error
}

// Settlement is the message published for every sealed block with trades.
type Settlement struct {
	Index        int           `json:"index"`
	Hash         string        `json:"hash"`
	PreviousHash string        `json:"previous_hash"`
	Timestamp    time.Time     `json:"timestamp"`
	TotalKWh     float64       `json:"total_kwh"`
	Trades       []model.Trade `json:"trades"`
}

// Publisher delivers sealed blocks to Kafka in the background. A block whose
// delivery exhausts its retries is reported through the failure hook; it is
// never dropped silently.
type Publisher struct {
	cfg     PublisherConfig
	log     *slog.Logger
	writer  messageWriter
	closer  writeCloser
	enabled bool

	queue     chan Block
	runCtx    context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool

	hookMu    sync.RWMutex
	onFailure func(Block, error)
	onSuccess func(Block)
}

// NewPublisher builds a Publisher backed by a kafka-go writer.
func NewPublisher(cfg PublisherConfig, log *slog.Logger) (*Publisher, error) {
	if log == nil {
		log = slog.Default()
	}
	if !cfg.Enabled {
		log.Info("settlement_publisher_disabled")
		return &Publisher{cfg: cfg, log: log}, nil
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("settlement topic must not be empty")
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: false,
	}
	return newPublisherWithWriter(cfg, log, w, w)
}

func newPublisherWithWriter(cfg PublisherConfig, log *slog.Logger, writer messageWriter, closer writeCloser) (*Publisher, error) {
	if writer == nil {
		return nil, errPublisherNilWriter
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	return &Publisher{
		cfg:     cfg,
		log:     log.With(slog.String("component", "settlement_publisher")),
		writer:  writer,
		closer:  closer,
		enabled: cfg.Enabled,
		queue:   make(chan Block, cfg.QueueSize),
	}, nil
}

// Enabled reports whether blocks are actually delivered.
func (p *Publisher) Enabled() bool { return p.enabled }

// OnFailure registers the hook called when a block cannot be delivered.
func (p *Publisher) OnFailure(fn func(Block, error)) {
	p.hookMu.Lock()
	p.onFailure = fn
	p.hookMu.Unlock()
}

// OnSuccess registers the hook called after a block is acknowledged.
func (p *Publisher) OnSuccess(fn func(Block)) {
	p.hookMu.Lock()
	p.onSuccess = fn
	p.hookMu.Unlock()
}

// Start launches the delivery loop. The loop keeps ctx's values but not its
// cancellation: it runs until Stop, so blocks sealed while the engine winds
// down are still delivered.
func (p *Publisher) Start(ctx context.Context) error {
	if !p.enabled {
		return nil
	}
	p.startOnce.Do(func() {
		p.runCtx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))
		p.started.Store(true)
		p.wg.Add(1)
		go p.run()
		p.log.Info("settlement_publisher_started", "topic", p.cfg.Topic)
	})
	return nil
}

// Stop cancels the loop, waits for it to drain and closes the writer.
func (p *Publisher) Stop(ctx context.Context) error {
	if !p.enabled {
		return nil
	}
	var stopErr error
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			stopErr = ctx.Err()
		}
		if p.closer != nil {
			if err := p.closer.Close(); err != nil {
				p.log.Error("settlement_publisher_close_err", "err", err)
			}
		}
		p.log.Info("settlement_publisher_stopped")
	})
	return stopErr
}

// Publish queues a sealed block. It never blocks: a full queue is reported
// as a failed settlement.
func (p *Publisher) Publish(_ context.Context, b Block) error {
	if !p.enabled {
		return nil
	}
	if !p.started.Load() {
		p.fail(b, errPublisherNotStarted)
		return errPublisherNotStarted
	}
	select {
	case p.queue <- b.Clone():
		return nil
	default:
		p.fail(b, errPublisherQueueFull)
		return errPublisherQueueFull
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.runCtx.Done():
			p.drain()
			p.started.Store(false)
			return
		case b := <-p.queue:
			p.deliver(p.runCtx, b)
		}
	}
}

// drain reports every block still queued at shutdown as failed.
func (p *Publisher) drain() {
	for {
		select {
		case b := <-p.queue:
			p.fail(b, context.Canceled)
		default:
			return
		}
	}
}

func (p *Publisher) deliver(ctx context.Context, b Block) {
	value, err := json.Marshal(Settlement{
		Index:        b.Index,
		Hash:         b.Hash,
		PreviousHash: b.PreviousHash,
		Timestamp:    b.Timestamp,
		TotalKWh:     b.TotalKWh(),
		Trades:       b.Trades,
	})
	if err != nil {
		p.fail(b, err)
		return
	}
	msg := kafka.Message{Key: []byte(b.Hash), Value: value, Time: b.Timestamp}

	var lastErr error
	backoff := p.cfg.Backoff
	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		if lastErr = p.writer.WriteMessages(ctx, msg); lastErr == nil {
			p.log.Debug("settlement_published", "index", b.Index, "attempt", attempt)
			p.hookMu.RLock()
			fn := p.onSuccess
			p.hookMu.RUnlock()
			if fn != nil {
				fn(b)
			}
			return
		}
		p.log.Warn("settlement_publish_retry", "index", b.Index, "attempt", attempt, "err", lastErr)
		if attempt == p.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			p.fail(b, fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr))
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	p.fail(b, fmt.Errorf("settlement of block %d failed after %d attempts: %w", b.Index, p.cfg.MaxRetries, lastErr))
}

func (p *Publisher) fail(b Block, err error) {
	p.log.Error("settlement_failed", "index", b.Index, "hash", b.Hash, "err", err)
	p.hookMu.RLock()
	fn := p.onFailure
	p.hookMu.RUnlock()
	if fn != nil {
		fn(b, err)
	}
}
