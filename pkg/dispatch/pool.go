package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/weftworks/weft/pkg/models"
	"github.com/weftworks/weft/pkg/protocol"
)

const (
	defaultMaxWorkers = 8
	defaultQueueSize  = 64
	workerIdleTimeout = 30 * time.Second
)

// PoolConfig bounds one named elastic pool.
type PoolConfig struct {
	MaxWorkers int
	QueueSize  int
}

// PoolManager owns named elastic worker pools. Pools scale from zero up to
// MaxWorkers as work arrives and workers exit after sitting idle, isolating
// heavy callables from the engine's own goroutines.
type PoolManager struct {
	invoker Invoker
	logger  *slog.Logger

	mu      sync.Mutex
	pools   map[string]*workerPool
	configs map[string]PoolConfig
	closed  bool
}

func NewPoolManager(invoker Invoker, logger *slog.Logger) *PoolManager {
	return &PoolManager{
		invoker: invoker,
		logger:  logger.With("module", "elastic_pool"),
		pools:   make(map[string]*workerPool),
		configs: make(map[string]PoolConfig),
	}
}

// Configure sets explicit bounds for a named pool. Pools without explicit
// config use defaults.
func (m *PoolManager) Configure(name string, config PoolConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.configs[name] = config
}

// InvokeOn submits the callable to the named pool and waits for its result.
// Pool-specific faults are wrapped as pool errors; handler errors pass
// through untouched so the executor classifies them as business failures.
func (m *PoolManager) InvokeOn(ctx context.Context, poolName string, callable Callable) (*protocol.Result, error) {
	if poolName == "" {
		return nil, &Error{Kind: models.ErrorKindPool, Err: fmt.Errorf("elastic-pool target has no pool name")}
	}

	pool, err := m.pool(poolName)
	if err != nil {
		return nil, &Error{Kind: models.ErrorKindPool, Err: err}
	}

	task := poolTask{ctx: ctx, callable: callable, resultCh: make(chan poolResult, 1)}

	select {
	case pool.queue <- task:
		pool.ensureWorker()
	default:
		return nil, &Error{Kind: models.ErrorKindPool, Err: fmt.Errorf("pool %s queue is full", poolName)}
	}

	select {
	case result := <-task.resultCh:
		return result.result, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close drains every pool. Invocations after Close fail with a pool error.
func (m *PoolManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	m.closed = true

	for _, pool := range m.pools {
		close(pool.queue)
	}
}

func (m *PoolManager) pool(name string) (*workerPool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("pool manager is closed")
	}

	if pool, ok := m.pools[name]; ok {
		return pool, nil
	}

	config := m.configs[name]
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = defaultMaxWorkers
	}

	if config.QueueSize <= 0 {
		config.QueueSize = defaultQueueSize
	}

	pool := &workerPool{
		name:       name,
		maxWorkers: config.MaxWorkers,
		queue:      make(chan poolTask, config.QueueSize),
		invoker:    m.invoker,
		logger:     m.logger.With("pool", name),
	}
	m.pools[name] = pool

	return pool, nil
}

type poolTask struct {
	ctx      context.Context
	callable Callable
	resultCh chan poolResult
}

type poolResult struct {
	result *protocol.Result
	err    error
}

type workerPool struct {
	name       string
	maxWorkers int
	queue      chan poolTask
	invoker    Invoker
	logger     *slog.Logger

	mu      sync.Mutex
	workers int
}

// ensureWorker spawns a worker when there is queued work and capacity left.
func (p *workerPool) ensureWorker() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.workers >= p.maxWorkers || len(p.queue) == 0 {
		return
	}

	p.workers++

	go p.work()
}

func (p *workerPool) work() {
	defer func() {
		p.mu.Lock()
		p.workers--
		p.mu.Unlock()
	}()

	idle := time.NewTimer(workerIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case task, open := <-p.queue:
			if !open {
				return
			}

			p.run(task)

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}

			idle.Reset(workerIdleTimeout)
		case <-idle.C:
			return
		}
	}
}

func (p *workerPool) run(task poolTask) {
	defer func() {
		if recovered := recover(); recovered != nil {
			task.resultCh <- poolResult{err: &Error{
				Kind: models.ErrorKindPool,
				Err:  fmt.Errorf("pool %s worker panicked: %v", p.name, recovered),
			}}
		}
	}()

	result, err := p.invoker(task.ctx, task.callable)
	task.resultCh <- poolResult{result: result, err: err}
}
