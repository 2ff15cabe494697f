// ============================================================================
// ttq 控制器 - 服務生命週期協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 組裝 broker、worker pool 與 gateway，負責啟動恢復與背景循環
//
// 組件:
//   - Store:    任務狀態（memory 或 postgres），由呼叫者注入
//   - Broker:   有界 FIFO + lease
//   - Pool:     執行 handler 的 worker goroutine
//   - Gateway:  enqueue / status / revoke / allowed
//   - Snapshot: memory store 的定期快照（postgres 不需要）
//   - WAL:      兩次快照之間的 memory store 寫入日誌
//
// 背景循環 (4 個 goroutine):
//   1. Reap Loop     - 過期 lease 重新排隊
//   2. Sweep Loop    - 刪除超過保留期限的終態記錄
//   3. Snapshot Loop - 定期寫入快照
//   4. Stats Loop    - 更新佇列與狀態 gauge
//
// 啟動恢復流程:
//   1. loadSnapshot() - 從快照恢復 memory store
//   2. openJournal()  - 重放快照之後的 WAL 事件
//   3. pool.Start()
//   4. recoverUnfinished() - PENDING/STARTED/PROGRESS 任務重新投遞
//
// 關閉順序:
//   1. close(stopCh)  → 背景循環退出
//   2. queue.Close()  → 停止接收新任務，worker 不再 claim
//   3. pool.Stop(ctx) → 等待執行中任務；逾時則以 ErrShutdown 中止
//   4. 最後一次快照，關閉 WAL
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/ttq-tasks/internal/broker"
	"github.com/ChuLiYu/ttq-tasks/internal/config"
	"github.com/ChuLiYu/ttq-tasks/internal/gateway"
	"github.com/ChuLiYu/ttq-tasks/internal/metrics"
	"github.com/ChuLiYu/ttq-tasks/internal/registry"
	"github.com/ChuLiYu/ttq-tasks/internal/snapshot"
	"github.com/ChuLiYu/ttq-tasks/internal/storage/wal"
	"github.com/ChuLiYu/ttq-tasks/internal/store"
	"github.com/ChuLiYu/ttq-tasks/internal/worker"
	"github.com/ChuLiYu/ttq-tasks/pkg/types"
)

var (
	ErrAlreadyStarted = errors.New("controller already started")
	ErrStopped        = errors.New("controller stopped")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	Worker          worker.Config
	ShutdownTimeout time.Duration // pool.Stop 的等待上限

	BrokerCapacity int
	LeaseTimeout   time.Duration
	ReapInterval   time.Duration

	SweepInterval time.Duration // 保留期限清理間隔

	SnapshotPath     string // 空字串表示停用快照
	SnapshotInterval time.Duration

	WALPath string // 空字串表示停用 WAL
	WALSync bool

	StatsInterval time.Duration
}

// FromConfig 將檔案配置轉換為 Controller 配置
func FromConfig(cfg *config.Config) Config {
	c := Config{
		Worker: worker.Config{
			Workers:           cfg.Worker.Count,
			TaskTimeout:       cfg.Worker.TaskTimeout,
			HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		},
		ShutdownTimeout:  cfg.Worker.ShutdownTimeout,
		BrokerCapacity:   cfg.Broker.Capacity,
		LeaseTimeout:     cfg.Broker.LeaseTimeout,
		ReapInterval:     cfg.Broker.ReapInterval,
		SweepInterval:    cfg.Store.SweepInterval,
		SnapshotInterval: cfg.Snapshot.Interval,
		StatsInterval:    5 * time.Second,
	}
	if cfg.Snapshot.Enabled {
		c.SnapshotPath = cfg.Snapshot.Path
	}
	if cfg.WAL.Enabled {
		c.WALPath = cfg.WAL.Path
		c.WALSync = cfg.WAL.SyncOnAppend
	}
	return c
}

func (c *Config) setDefaults() {
	if c.Worker.Workers <= 0 {
		c.Worker.Workers = 1
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 15 * time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 30 * time.Second
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = 5 * time.Second
	}
}

// Controller 核心控制器
type Controller struct {
	cfg      Config
	store    store.Store
	memory   *store.MemoryStore
	journal  *wal.Store // 非 nil 時寫入會記錄到 WAL
	queue    *broker.Queue
	pool     *worker.Pool
	gateway  *gateway.Gateway
	snapshot *snapshot.Manager
	metrics  *metrics.Collector
	log      *slog.Logger

	mu        sync.Mutex
	started   bool
	stopped   bool
	startTime time.Time
	stopCh    chan struct{}
	loopWg    sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger replaces slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics wires the collector into the pool, the gateway and the loops.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立 Controller。st 由呼叫者擁有並負責關閉。
func New(cfg Config, reg *registry.Registry, st store.Store, opts ...Option) *Controller {
	cfg.setDefaults()

	c := &Controller{
		cfg:    cfg,
		store:  st,
		log:    slog.Default(),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "controller")

	// 快照與 WAL 只適用於 memory store
	if ms, ok := st.(*store.MemoryStore); ok {
		c.memory = ms
		if cfg.SnapshotPath != "" {
			c.snapshot = snapshot.NewManager(cfg.SnapshotPath)
		}
		if cfg.WALPath != "" {
			c.journal = wal.NewStore(ms)
			st = c.journal
			c.store = st
		}
	}

	c.queue = broker.New(cfg.BrokerCapacity, cfg.LeaseTimeout)

	poolOpts := []worker.Option{worker.WithLogger(c.log)}
	gwOpts := []gateway.Option{gateway.WithLogger(c.log)}
	if c.metrics != nil {
		poolOpts = append(poolOpts, worker.WithObserver(c.metrics))
		gwOpts = append(gwOpts, gateway.WithRecorder(c.metrics))
	}
	c.pool = worker.NewPool(cfg.Worker, c.queue, st, reg, poolOpts...)
	c.gateway = gateway.New(reg, st, c.queue, c.pool, gwOpts...)
	return c
}

// Gateway returns the operations surface used by the HTTP and gRPC layers.
func (c *Controller) Gateway() *gateway.Gateway { return c.gateway }

// Start 啟動 Controller
//
// 流程：
//  1. 恢復階段：loadSnapshot -> 啟動 pool -> 重新投遞未完成任務
//  2. 啟動四個背景循環
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.startTime = time.Now()

	c.log.Info("Starting recovery...")
	walSeq, err := c.loadSnapshot()
	if err != nil {
		return fmt.Errorf("loadSnapshot failed: %w", err)
	}
	if err := c.openJournal(walSeq); err != nil {
		return fmt.Errorf("openJournal failed: %w", err)
	}

	// 不帶入 ctx 的取消：pool 的生命週期由 Stop 控制
	if err := c.pool.Start(context.WithoutCancel(ctx)); err != nil {
		c.closeJournal()
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	n, err := c.recoverUnfinished(ctx)
	if err != nil {
		c.queue.Close()
		_ = c.pool.Stop(ctx)
		c.closeJournal()
		return fmt.Errorf("recovery failed: %w", err)
	}

	took := time.Since(c.startTime)
	if c.metrics != nil {
		c.metrics.RecordRecovery(n, took)
	}
	c.log.Info("Recovery completed", "duration", took, "requeued_jobs", n)

	loops := []func(){c.reapLoop, c.sweepLoop, c.statsLoop}
	if c.snapshot != nil {
		loops = append(loops, c.snapshotLoop)
	}
	c.loopWg.Add(len(loops))
	for _, loop := range loops {
		go loop()
	}

	c.started = true
	c.log.Info("Controller started", "workers", c.cfg.Worker.Workers, "snapshot", c.snapshot != nil)
	return nil
}

// loadSnapshot 從快照恢復 memory store，回傳快照涵蓋的最後 WAL 序號
func (c *Controller) loadSnapshot() (uint64, error) {
	if c.snapshot == nil {
		return 0, nil
	}
	start := time.Now()

	data, err := c.snapshot.Load()
	if err != nil {
		return 0, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if err := c.memory.Restore(data); err != nil {
		return 0, fmt.Errorf("failed to restore state: %w", err)
	}

	c.log.Info("Snapshot loaded", "duration", time.Since(start), "jobs", len(data.Records), "wal_seq", data.WALSeq)
	return data.WALSeq, nil
}

// openJournal 重放 afterSeq 之後的 WAL 事件並開始記錄新的寫入
func (c *Controller) openJournal(afterSeq uint64) error {
	if c.journal == nil {
		return nil
	}

	w, err := wal.Open(c.cfg.WALPath, c.cfg.WALSync)
	if err != nil {
		return err
	}
	if last := w.LastSeq(); last < afterSeq {
		// WAL 檔案比快照舊（例如被刪除），從快照序號之後繼續編號
		c.log.Warn("wal is behind snapshot, continuing numbering", "wal_seq", last, "snapshot_seq", afterSeq)
		w.Advance(afterSeq)
	}

	n, err := c.journal.Recover(w, afterSeq)
	if err != nil {
		w.Close()
		return err
	}
	c.log.Info("WAL replayed", "events", n, "after_seq", afterSeq, "last_seq", w.LastSeq())
	return nil
}

func (c *Controller) closeJournal() {
	if c.journal == nil {
		return
	}
	if w := c.journal.Journal(); w != nil {
		if err := w.Close(); err != nil {
			c.log.Error("Failed to close wal", "error", err)
		}
	}
}

// recoverUnfinished 將崩潰前未完成的任務重新放回 broker
func (c *Controller) recoverUnfinished(ctx context.Context) (int, error) {
	jobs, err := c.store.Unfinished(ctx)
	if err != nil {
		return 0, err
	}
	if err := c.queue.Requeue(jobs...); err != nil {
		return 0, err
	}
	return len(jobs), nil
}

// ============================================================================
// 背景循環
// ============================================================================

func (c *Controller) every(d time.Duration, name string, fn func()) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(d)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.log.Debug("loop stopped", "loop", name)
			return
		case <-ticker.C:
			fn()
		}
	}
}

// reapLoop 將過期 lease 重新排隊
func (c *Controller) reapLoop() {
	c.every(c.cfg.ReapInterval, "reap", c.reap)
}

func (c *Controller) reap() {
	ids := c.queue.ReapExpired(time.Now())
	if len(ids) == 0 {
		return
	}
	if c.metrics != nil {
		c.metrics.RecordRedeliveries(len(ids))
	}
	c.log.Warn("lease expired, job requeued", "count", len(ids), "job_ids", ids)
}

// sweepLoop 刪除過期的終態記錄
func (c *Controller) sweepLoop() {
	c.every(c.cfg.SweepInterval, "sweep", c.sweep)
}

func (c *Controller) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SweepInterval)
	defer cancel()

	n, err := c.store.DeleteExpired(ctx, time.Now())
	if err != nil {
		c.log.Error("retention sweep failed", "error", err)
		return
	}
	if n > 0 {
		if c.metrics != nil {
			c.metrics.RecordExpired(n)
		}
		c.log.Info("expired records purged", "count", n)
	}
}

// snapshotLoop 定期生成快照
func (c *Controller) snapshotLoop() {
	c.every(c.cfg.SnapshotInterval, "snapshot", func() {
		if err := c.takeSnapshot(); err != nil {
			c.log.Error("Failed to take snapshot", "error", err)
		}
	})
}

// takeSnapshot 執行快照操作
func (c *Controller) takeSnapshot() error {
	if c.snapshot == nil {
		return nil
	}
	start := time.Now()

	// 先讀 seq 再拍快照：seq 之前的事件一定已反映在快照中
	var journal *wal.WAL
	var seq uint64
	if c.journal != nil {
		if journal = c.journal.Journal(); journal != nil {
			seq = journal.LastSeq()
		}
	}

	data := c.memory.Snapshot()
	data.WALSeq = seq
	if err := c.snapshot.Write(data); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if journal != nil {
		if err := journal.Rotate(seq); err != nil {
			return fmt.Errorf("failed to rotate wal: %w", err)
		}
	}

	c.log.Debug("Snapshot taken", "duration", time.Since(start), "jobs", len(data.Records))
	return nil
}

// statsLoop 更新 gauge
func (c *Controller) statsLoop() {
	c.every(c.cfg.StatsInterval, "stats", c.updateStats)
}

func (c *Controller) updateStats() {
	if c.metrics == nil {
		return
	}
	qs := c.queue.Stats()
	c.metrics.UpdateQueueStats(qs.Pending, qs.Leased)

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StatsInterval)
	defer cancel()
	counts, err := c.store.Stats(ctx)
	if err != nil {
		c.log.Warn("failed to read state counts", "error", err)
		return
	}
	c.metrics.UpdateStateCounts(counts)
}

// ============================================================================
// 公開方法
// ============================================================================

// GetStatus 取得系統狀態
func (c *Controller) GetStatus(ctx context.Context) (map[string]any, error) {
	counts, err := c.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	qs := c.queue.Stats()

	c.mu.Lock()
	uptime := time.Duration(0)
	if c.started {
		uptime = time.Since(c.startTime)
	}
	c.mu.Unlock()

	status := map[string]any{
		"uptime":  uptime.Round(time.Second).String(),
		"workers": c.pool.WorkerCount(),
		"running": c.pool.Active(),
		"queued":  qs.Pending,
		"leased":  qs.Leased,
	}
	for _, st := range []types.State{
		types.StatePending, types.StateStarted, types.StateProgress,
		types.StateSuccess, types.StateFailure, types.StateRevoked,
	} {
		status[string(st)] = counts[st]
	}
	if c.journal != nil {
		if w := c.journal.Journal(); w != nil {
			status["wal_seq"] = w.LastSeq()
		}
	}
	return status, nil
}

// Stop 優雅關閉 Controller
//
// 已執行完畢的任務會 ack；逾時被中止的任務保持 STARTED/PROGRESS，
// 下次啟動時由 recoverUnfinished 重新投遞。
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.log.Info("Controller already stopped")
		return nil
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	c.log.Info("Stopping controller...")

	close(c.stopCh)
	c.queue.Close()

	stopCtx, cancel := context.WithTimeout(ctx, c.cfg.ShutdownTimeout)
	defer cancel()
	err := c.pool.Stop(stopCtx)
	if err != nil {
		c.log.Warn("worker pool did not drain in time", "error", err)
	}

	c.loopWg.Wait()

	if started {
		if serr := c.takeSnapshot(); serr != nil {
			c.log.Error("Failed to take final snapshot", "error", serr)
			err = errors.Join(err, serr)
		}
		c.closeJournal()
	}

	c.log.Info("Controller stopped")
	return err
}
