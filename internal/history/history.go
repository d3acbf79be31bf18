package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/BaSui01/fetchflow/internal/database"
	"github.com/BaSui01/fetchflow/internal/metrics"
	"github.com/BaSui01/fetchflow/types"
)

// =============================================================================
// 🗄️ 历史配置
// =============================================================================

// flushRetries 单批落库在连接池层的瞬时错误重试次数
const flushRetries = 3

// Config 历史仓库构造参数。
type Config struct {
	// Driver 数据库驱动: sqlite, postgres, mysql
	Driver string `yaml:"driver" json:"driver"`

	// DSN 连接串 (sqlite 时为文件路径)
	DSN string `yaml:"dsn" json:"dsn"`

	// BufferSize 异步写缓冲容量, 满时丢弃新记录并计数
	BufferSize int `yaml:"buffer_size" json:"buffer_size"`

	// BatchSize 单批最大落库条数, 攒满即刷
	BatchSize int `yaml:"batch_size" json:"batch_size"`

	// FlushInterval 定时刷盘间隔, 未攒满批次也按此节奏落库
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval"`

	// FlushTimeout 单批落库 (含重试) 的总超时
	FlushTimeout time.Duration `yaml:"flush_timeout" json:"flush_timeout"`

	// Pool 连接池调优参数
	Pool database.PoolConfig `yaml:"pool" json:"pool"`
}

// DefaultConfig 返回默认历史配置
func DefaultConfig() Config {
	return Config{
		Driver:        "sqlite",
		DSN:           "fetchflow.db",
		BufferSize:    256,
		BatchSize:     64,
		FlushInterval: time.Second,
		FlushTimeout:  10 * time.Second,
		Pool:          database.DefaultPoolConfig(),
	}
}

// =============================================================================
// 🗄️ 数据模型
// =============================================================================

// TaskRecord 任务终态记录, 一条对应一个响应信封。
type TaskRecord struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	TaskID     string    `gorm:"size:64;index:idx_task_history_task_id" json:"task_id"`
	Backend    string    `gorm:"size:32;index:idx_task_history_backend" json:"backend"`
	Method     string    `gorm:"size:16" json:"method"`
	URL        string    `gorm:"size:2048" json:"url"`
	Outcome    string    `gorm:"size:16;index:idx_task_history_outcome" json:"outcome"`
	StatusCode int       `gorm:"default:0" json:"status_code"`
	Attempts   int       `gorm:"default:0" json:"attempts"`
	ElapsedMS  int64     `gorm:"default:0" json:"elapsed_ms"`
	Error      string    `gorm:"type:text" json:"error,omitempty"`
	CreatedAt  time.Time `gorm:"index:idx_task_history_created_at" json:"created_at"`
}

// TableName 指定表名
func (TaskRecord) TableName() string {
	return "task_history"
}

// =============================================================================
// 💾 历史仓库
// =============================================================================

// Store 历史仓库。Record 只投递不等待, 实际写入由单个后台
// goroutine 按批完成; nil 接收者安全, 历史未启用时调用方无需判空。
type Store struct {
	pool    *database.PoolManager
	logger  *zap.Logger
	metrics *metrics.Collector

	batchSize     int
	flushInterval time.Duration
	flushTimeout  time.Duration

	buf       chan TaskRecord
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open 打开历史仓库: 建立连接, 迁移表结构, 启动后台写入器。
func Open(cfg Config, logger *zap.Logger, collector *metrics.Collector) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = def.FlushTimeout
	}
	if cfg.Pool == (database.PoolConfig{}) {
		cfg.Pool = def.Pool
	}

	dialector, err := openDialector(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("history: connect database: %w", err)
	}

	if err := db.AutoMigrate(&TaskRecord{}); err != nil {
		return nil, fmt.Errorf("history: migrate schema: %w", err)
	}

	pool, err := database.NewPoolManager(db, cfg.Pool, logger)
	if err != nil {
		return nil, fmt.Errorf("history: init pool: %w", err)
	}

	s := &Store{
		pool:          pool,
		logger:        logger.With(zap.String("component", "history")),
		metrics:       collector,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		flushTimeout:  cfg.FlushTimeout,
		buf:           make(chan TaskRecord, cfg.BufferSize),
		done:          make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()

	s.logger.Info("history store opened",
		zap.String("driver", cfg.Driver),
		zap.Int("buffer_size", cfg.BufferSize),
		zap.Int("batch_size", cfg.BatchSize),
	)
	return s, nil
}

// openDialector 按驱动选择方言。sqlite 走纯 Go 驱动, 无需 CGO。
func openDialector(cfg Config) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "sqlite":
		return sqlite.Open(cfg.DSN), nil
	case "postgres":
		return postgres.Open(cfg.DSN), nil
	case "mysql":
		return mysql.Open(cfg.DSN), nil
	default:
		return nil, types.NewConfigurationError(
			"unsupported history driver: %s (supported: sqlite, postgres, mysql)", cfg.Driver)
	}
}

// =============================================================================
// 💾 记录与查询
// =============================================================================

// Record 提交一条终态记录。缓冲满时丢弃并计数, 不阻塞调度路径。
func (s *Store) Record(task *types.TaskEnvelope, env *types.ResponseEnvelope) {
	if s == nil || env == nil {
		return
	}

	rec := TaskRecord{
		TaskID:     env.TaskID,
		Backend:    env.Backend,
		Outcome:    outcomeOf(env),
		StatusCode: env.StatusCode,
		Attempts:   env.Attempts,
		ElapsedMS:  env.ElapsedMS,
		Error:      env.ErrorMessage,
		CreatedAt:  time.Now(),
	}
	if task != nil {
		rec.Method = task.Method
		rec.URL = task.URL
	}

	select {
	case <-s.done:
		// 仓库已进入关闭流程, 记录直接丢弃
		return
	default:
	}

	select {
	case s.buf <- rec:
	default:
		s.metrics.RecordHistoryDropped()
		s.logger.Warn("history buffer full, dropping record",
			zap.String("task_id", rec.TaskID),
			zap.String("backend", rec.Backend),
		)
	}
}

// outcomeOf 从响应信封推导终态标签, 与调度状态机的 outcome 口径一致:
// 无错误为 succeeded, 一次尝试都没执行即带错误为 rejected, 其余为 failed。
func outcomeOf(env *types.ResponseEnvelope) string {
	switch {
	case env.OK():
		return "succeeded"
	case env.Attempts == 0:
		return "rejected"
	default:
		return "failed"
	}
}

// Recent 返回最近的 limit 条记录, 新的在前。
func (s *Store) Recent(ctx context.Context, limit int) ([]TaskRecord, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	var records []TaskRecord
	err := s.pool.DB().WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("history: query recent: %w", err)
	}
	return records, nil
}

// Ping 探活底层连接, 供运维健康检查使用。
func (s *Store) Ping(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

// Close 停止写入器, 刷出缓冲中剩余的记录并关闭连接池。幂等。
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	return s.pool.Close()
}

// =============================================================================
// 🔄 后台写入器
// =============================================================================

// run 后台写入循环: 攒满批次或到达刷盘间隔即落库, 收到关闭
// 信号后排空缓冲再退出。
func (s *Store) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]TaskRecord, 0, s.batchSize)
	for {
		select {
		case rec := <-s.buf:
			batch = append(batch, rec)
			if len(batch) >= s.batchSize {
				batch = s.flush(batch)
			}
		case <-ticker.C:
			batch = s.flush(batch)
		case <-s.done:
			batch = s.drain(batch)
			s.flush(batch)
			return
		}
	}
}

// drain 把缓冲中尚存的记录并入批次, 用于停机前的最后一轮刷出。
func (s *Store) drain(batch []TaskRecord) []TaskRecord {
	for {
		select {
		case rec := <-s.buf:
			batch = append(batch, rec)
			if len(batch) >= s.batchSize {
				batch = s.flush(batch)
			}
		default:
			return batch
		}
	}
}

// flush 在单个事务里批量写入, 瞬时错误由连接池层指数退避重试。
// 返回清空后的批次切片以复用底层数组。
func (s *Store) flush(batch []TaskRecord) []TaskRecord {
	if len(batch) == 0 {
		return batch
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.flushTimeout)
	defer cancel()

	records := batch
	err := s.pool.WithTransactionRetry(ctx, flushRetries, func(tx *gorm.DB) error {
		return tx.Create(&records).Error
	})
	if err != nil {
		s.logger.Error("history flush failed",
			zap.Int("records", len(records)),
			zap.Error(err),
		)
	}
	for range records {
		s.metrics.RecordHistoryWrite(err == nil)
	}
	return batch[:0]
}
