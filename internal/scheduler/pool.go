package scheduler

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Job — задача для KeyedPool.
type Job func(ctx context.Context)

type keyedJob struct {
	key uuid.UUID
	run Job
}

// KeyedPool — пул воркеров, в котором задачи с одним ключом всегда попадают
// к одному воркеру (fnv-хеш ключа по модулю числа воркеров).
//
// Гарантии:
//   - задачи одного ключа выполняются последовательно, в порядке отправки
//   - задачи разных ключей могут выполняться параллельно
//   - Stop дожидается выполнения уже принятых задач
type KeyedPool struct {
	queues []chan keyedJob
	logger *slog.Logger

	mu      sync.RWMutex
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// NewKeyedPool создаёт пул из workers воркеров с очередью queueSize на каждого.
func NewKeyedPool(workers, queueSize int, logger *slog.Logger) *KeyedPool {
	if workers <= 0 {
		workers = defaultRecurringWorkers
	}
	if queueSize <= 0 {
		queueSize = defaultRecurringQueue
	}
	if logger == nil {
		logger = slog.Default()
	}

	queues := make([]chan keyedJob, workers)
	for i := range queues {
		queues[i] = make(chan keyedJob, queueSize)
	}

	return &KeyedPool{queues: queues, logger: logger}
}

// Start запускает воркеров. ctx передаётся задачам; его отмена не прерывает
// задачи, уже взятые в работу.
func (p *KeyedPool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started || p.stopped {
		return
	}
	p.started = true

	for i, q := range p.queues {
		p.wg.Add(1)
		go p.run(ctx, i, q)
	}

	p.logger.Debug("keyed pool started", "workers", len(p.queues))
}

// TryDispatch ставит задачу в очередь воркера, отвечающего за key.
// Не блокируется: возвращает false, если очередь полна или пул остановлен.
func (p *KeyedPool) TryDispatch(key uuid.UUID, job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return false
	}

	select {
	case p.queues[p.shard(key)] <- keyedJob{key: key, run: job}:
		return true
	default:
		return false
	}
}

// Stop запрещает новые задачи и ждёт, пока воркеры выполнят очередь.
func (p *KeyedPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Debug("keyed pool stopped")
}

func (p *KeyedPool) shard(key uuid.UUID) int {
	h := fnv.New32a()
	h.Write(key[:])
	return int(h.Sum32() % uint32(len(p.queues)))
}

func (p *KeyedPool) run(ctx context.Context, id int, queue <-chan keyedJob) {
	defer p.wg.Done()

	for job := range queue {
		p.execute(ctx, id, job)
	}
}

func (p *KeyedPool) execute(ctx context.Context, workerID int, job keyedJob) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("keyed pool job panicked",
				"worker", workerID,
				"post_id", job.key,
				"panic", r,
			)
		}
	}()

	job.run(ctx)
}
