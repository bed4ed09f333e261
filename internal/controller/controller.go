// ============================================================================
// Scout Runtime 控制器 - 節點核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 依照設定組裝所有模組，負責啟動、熱更新與優雅關閉
//
// 架構設計:
//   Controller 協調以下組件：
//   - Ticker: 依 granularity 產生 tick
//   - Scheduler: 每個 tick 拜訪所有 job，啟動接受該 tick 的 job
//   - Notification Queue: 過濾、合併並投遞 client notification
//   - Service Tunnel: gRPC 服務入口，包含 ProcessingCancelService
//   - Metrics: Prometheus collector 與 /metrics HTTP server
//
// 內建工作:
//   housekeeping/queue-sweep - 每分鐘清除過期的 notification
//
// 生命週期:
//   1. NewController() - 驗證設定，建立所有組件並註冊內建服務
//   2. Start()         - 開始監聽 tunnel、啟動 scheduler 與 metrics server
//   3. Apply()         - 熱更新（scheduler active、log level、piggyback、TTL）
//   4. Stop()          - scheduler.Stop -> grpc GracefulStop -> metrics 關閉
//
// ============================================================================

package controller

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/scout-runtime/internal/config"
	"github.com/ChuLiYu/scout-runtime/internal/logging"
	"github.com/ChuLiYu/scout-runtime/internal/metrics"
	"github.com/ChuLiYu/scout-runtime/internal/notification"
	"github.com/ChuLiYu/scout-runtime/internal/scheduler"
	"github.com/ChuLiYu/scout-runtime/internal/server"
	"github.com/ChuLiYu/scout-runtime/internal/services"
	"github.com/ChuLiYu/scout-runtime/internal/ticker"
	"github.com/ChuLiYu/scout-runtime/internal/tunnel"
)

// 內建 housekeeping job
const (
	HousekeepingGroup = "housekeeping"
	QueueSweepJob     = "queue-sweep"
	QueueSweepSpec    = "* * * * *"
)

var (
	ErrAlreadyStarted = errors.New("controller: already started")
	ErrStopped        = errors.New("controller: stopped")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Controller 節點核心控制器
type Controller struct {
	mu      sync.Mutex         // 保護狀態欄位
	cfg     *config.Config     // 目前生效的設定
	root    *zap.SugaredLogger // 交給各組件的 logger
	log     *zap.SugaredLogger // 結構化日誌
	level   *zap.AtomicLevel   // 可熱更新的 log level（可為 nil）
	started bool
	stopped bool

	startTime time.Time // 啟動時間（用於統計）

	registry  *prometheus.Registry
	metrics   *metrics.Collector
	source    ticker.Source
	scheduler *scheduler.Scheduler
	queue     *notification.Queue

	services     *tunnel.ServiceRegistry
	transactions *tunnel.TransactionRegistry
	server       *server.Server
	publisher    *services.Publisher

	listener   net.Listener
	grpcServer *grpc.Server
	metricsSrv *http.Server
	serveWg    sync.WaitGroup // 等待 Serve goroutine 退出
}

// Option 調整 Controller 的組裝方式（主要用於測試）
type Option func(*Controller)

// WithLogger 指定 logger 以及可選的 AtomicLevel（用於熱更新 log level）
func WithLogger(l *zap.SugaredLogger, level *zap.AtomicLevel) Option {
	return func(c *Controller) {
		c.root = l
		c.log = logging.Component(l, "controller")
		c.level = level
	}
}

// WithTickSource 取代預設的 wall clock ticker
func WithTickSource(src ticker.Source) Option {
	return func(c *Controller) { c.source = src }
}

// WithListener 使用現成的 listener，而非 tunnel.listen
func WithListener(l net.Listener) Option {
	return func(c *Controller) { c.listener = l }
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 依設定建立 Controller，尚未開始監聽
func NewController(cfg *config.Config, opts ...Option) (*Controller, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	c := &Controller{
		cfg: cfg,
		log: logging.Component(nil, "controller"),
	}
	for _, opt := range opts {
		opt(c)
	}
	base := c.root

	// 1. Metrics（每個 Controller 一個 registry，避免重複註冊）
	c.registry = prometheus.NewRegistry()
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.metrics = metrics.NewCollector(c.registry)

	// 2. Ticker
	if c.source == nil {
		g, err := ticker.ParseGranularity(cfg.Scheduler.Granularity)
		if err != nil {
			return nil, err
		}
		var tickerOpts []ticker.Option
		if cfg.Scheduler.Location != "" {
			loc, err := time.LoadLocation(cfg.Scheduler.Location)
			if err != nil {
				return nil, errors.Wrap(err, "load scheduler location")
			}
			tickerOpts = append(tickerOpts, ticker.WithLocation(loc))
		}
		c.source = ticker.New(g, tickerOpts...)
	}

	// 3. Scheduler
	c.scheduler = scheduler.New(c.source,
		scheduler.WithLogger(base),
		scheduler.WithMetrics(c.metrics))
	c.scheduler.SetActive(cfg.Scheduler.IsActive())

	// 4. Notification queue
	c.queue = notification.NewQueue(
		notification.WithLogger(base),
		notification.WithMetrics(c.metrics))

	// 5. Service tunnel
	c.services = tunnel.NewServiceRegistry()
	c.transactions = tunnel.NewTransactionRegistry(c.metrics)
	srv, err := server.NewServer(c.services, c.transactions,
		server.WithNotifications(c.queue, cfg.Notifications.Piggyback),
		server.WithLogger(base),
		server.WithMetrics(c.metrics))
	if err != nil {
		return nil, err
	}
	c.server = srv

	// 6. 內建服務
	c.publisher = services.NewPublisher(c.queue, cfg.Notifications.DefaultTTL, base)
	err = services.Register(c.services,
		services.NewNotificationConsumer(c.queue),
		c.publisher,
		services.NewSchedulerAdmin(c.scheduler),
		services.NewDiagnostic(c.GetStatus))
	if err != nil {
		return nil, err
	}

	// 7. 內建 housekeeping job
	sweep, err := scheduler.NewCronJob(HousekeepingGroup, QueueSweepJob, QueueSweepSpec, c.sweepQueue)
	if err != nil {
		return nil, err
	}
	if err := c.scheduler.AddJob(sweep); err != nil {
		return nil, err
	}

	return c, nil
}

// sweepQueue 清除過期 notification
func (c *Controller) sweepQueue(_ context.Context, _ *scheduler.Scheduler, tick ticker.TickSignal) error {
	if n := c.queue.Purge(); n > 0 {
		c.log.Infow("expired notifications purged",
			logging.FieldCount, n,
			logging.FieldTick, tick.String())
	}
	return nil
}

// Start 開始監聽 tunnel，並啟動 scheduler 與 metrics server
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

	// 1. Tunnel listener
	if c.listener == nil {
		lis, err := net.Listen("tcp", c.cfg.Tunnel.Listen)
		if err != nil {
			return errors.WithHint(
				errors.Wrapf(err, "listen on %s", c.cfg.Tunnel.Listen),
				"check tunnel.listen or stop the process holding the port")
		}
		c.listener = lis
	}
	c.grpcServer = c.server.NewGRPCServer()

	c.serveWg.Add(1)
	go func() {
		defer c.serveWg.Done()
		if err := c.grpcServer.Serve(c.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			c.log.Errorw("tunnel server stopped", logging.FieldError, err)
		}
	}()

	// 2. Scheduler
	if err := c.scheduler.Start(ctx); err != nil {
		c.grpcServer.Stop()
		return errors.Wrap(err, "start scheduler")
	}

	// 3. Metrics server
	if c.cfg.Metrics.Enabled {
		c.metricsSrv = metrics.NewServer(c.cfg.Metrics.Port, c.registry)
		c.serveWg.Add(1)
		go func() {
			defer c.serveWg.Done()
			if err := c.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.log.Errorw("metrics server stopped", logging.FieldError, err)
			}
		}()
	}

	c.started = true
	c.log.Infow("controller started",
		logging.FieldAddress, c.listener.Addr().String(),
		"granularity", c.cfg.Scheduler.Granularity,
		"active", c.scheduler.IsActive(),
		"metrics", c.cfg.Metrics.Enabled)
	return nil
}

// Addr 回傳 tunnel 監聽位址（尚未啟動時為 nil）
func (c *Controller) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

// ============================================================================
// 公開方法
// ============================================================================

func (c *Controller) Scheduler() *scheduler.Scheduler           { return c.scheduler }
func (c *Controller) Queue() *notification.Queue                { return c.queue }
func (c *Controller) Services() *tunnel.ServiceRegistry         { return c.services }
func (c *Controller) Registry() *prometheus.Registry            { return c.registry }
func (c *Controller) Transactions() *tunnel.TransactionRegistry { return c.transactions }

// GetStatus 取得節點狀態
func (c *Controller) GetStatus() map[string]interface{} {
	c.mu.Lock()
	uptime := time.Duration(0)
	if c.started {
		uptime = time.Since(c.startTime)
	}
	listen := c.cfg.Tunnel.Listen
	if c.listener != nil {
		listen = c.listener.Addr().String()
	}
	c.mu.Unlock()

	return map[string]interface{}{
		"uptime":               uptime.Round(time.Second).String(),
		"listen":               listen,
		"tick":                 c.source.Current().String(),
		"scheduler_running":    c.scheduler.IsRunning(),
		"scheduler_active":     c.scheduler.IsActive(),
		"jobs":                 c.scheduler.GetJobCount(),
		"running_jobs":         c.scheduler.GetRunningJobCount(),
		"queued_notifications": c.queue.Len(),
		"active_transactions":  c.transactions.Len(),
		"services":             c.services.Services(),
	}
}

// Apply 套用熱更新的設定
//
// 可熱更新：scheduler.active、log.level、notifications.piggyback、
// notifications.default_ttl。其餘欄位需要重新啟動，只記錄警告。
func (c *Controller) Apply(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid config")
	}

	c.mu.Lock()
	old := c.cfg
	c.cfg = cfg
	c.mu.Unlock()

	c.scheduler.SetActive(cfg.Scheduler.IsActive())
	c.server.SetPiggyback(cfg.Notifications.Piggyback)
	c.publisher.SetDefaultTTL(cfg.Notifications.DefaultTTL)

	if c.level != nil {
		lvl, err := logging.ParseLevel(cfg.Log.Level)
		if err != nil {
			return err
		}
		c.level.SetLevel(lvl)
	}

	if old.Scheduler.Granularity != cfg.Scheduler.Granularity ||
		old.Scheduler.Location != cfg.Scheduler.Location ||
		old.Tunnel.Listen != cfg.Tunnel.Listen ||
		old.Metrics != cfg.Metrics {
		c.log.Warnw("config change requires a restart to take effect",
			"granularity", cfg.Scheduler.Granularity,
			"location", cfg.Scheduler.Location,
			"listen", cfg.Tunnel.Listen)
	}

	c.log.Infow("config applied",
		"active", cfg.Scheduler.IsActive(),
		"log_level", cfg.Log.Level,
		"piggyback", cfg.Notifications.Piggyback)
	return nil
}

// ============================================================================
// 關閉順序
// ============================================================================
//
//  1. scheduler.Stop()  → 中斷執行中的 job 並等待它們結束
//  2. GracefulStop()    → 等待進行中的 tunnel 請求；ctx 逾時則強制 Stop
//  3. metricsSrv.Shutdown()
//  4. serveWg.Wait()    → 確保 Serve goroutine 已退出
//
// scheduler 先停：job 可能仍在發送 notification，而 tunnel 請求不依賴
// scheduler。
//
// ============================================================================

// Stop 優雅關閉 Controller，可重複呼叫
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	if !started {
		return nil
	}
	c.log.Infow("stopping controller")

	var errs error
	if err := c.scheduler.Stop(ctx); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "stop scheduler"))
	}

	done := make(chan struct{})
	go func() {
		c.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.log.Warnw("graceful stop timed out, closing tunnel connections")
		c.grpcServer.Stop()
		<-done
	}

	if c.metricsSrv != nil {
		if err := c.metricsSrv.Shutdown(ctx); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrap(err, "stop metrics server"))
		}
	}

	c.serveWg.Wait()
	c.log.Infow("controller stopped", logging.FieldDuration, time.Since(c.startTime))
	return errs
}
