// Package main QCFleet Server 入口
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qcfleet/internal/config"
	"qcfleet/internal/observability"
	"qcfleet/internal/services"
	"qcfleet/internal/services/election"
	"qcfleet/internal/shared/cache"
	"qcfleet/internal/shared/eventbus"
	"qcfleet/internal/shared/infra"
	"qcfleet/internal/shared/model"
	"qcfleet/internal/shared/objstore"
	"qcfleet/internal/shared/storage/dbutil"
	postgresdriver "qcfleet/internal/shared/storage/driver/postgres"
	sqlitedriver "qcfleet/internal/shared/storage/driver/sqlite"
	"qcfleet/internal/shared/storage/mongostore"
	"qcfleet/internal/shared/storage/repository"
)

func main() {
	// 加载配置（自动加载 .env，根据 APP_ENV 切换数据库和 Redis）
	cfg := config.Load()

	log.Printf("Starting QCFleet Server... [env=%s]", cfg.Env)
	log.Printf("Config: %s", cfg.String())

	// 初始化主存储（SQLite 或 PostgreSQL）
	db, dialect, err := openDatabase(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err := dialect.AutoMigrate(db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
	store := repository.NewStore(db, dialect)
	defer store.Close()
	log.Printf("Connected to %s", cfg.DatabaseDriver)

	// 初始化 Redis（心跳缓存 + 记录完成事件总线）
	// 未启用时编排器退化为纯保底扫描
	var bus eventbus.RecordEventBus
	var stats cache.Cache
	if cfg.RedisEnabled {
		redisInfra, err := infra.NewRedisInfra(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisInfra.Close()
		store.SetEventPublisher(redisInfra)
		bus = redisInfra
		stats = redisInfra.Cache()
		log.Println("Connected to Redis")
	}

	// 初始化 MinIO（大输出转存，可选组件）
	if cfg.MinIO.Enabled {
		objClient, err := objstore.NewClient(cfg.MinIO)
		if err != nil {
			log.Fatalf("Failed to connect to MinIO: %v", err)
		}
		if err := objClient.EnsureBucket(context.Background()); err != nil {
			log.Fatalf("Failed to ensure MinIO bucket: %v", err)
		}
		store.SetOutputOffloader(objClient)
		log.Println("Connected to MinIO")
	}

	// 初始化 MongoDB（规格/分子归档，可选组件）
	if cfg.Mongo.Enabled {
		archive, err := mongostore.NewStore(cfg.Mongo.URI, cfg.Mongo.Name)
		if err != nil {
			log.Fatalf("Failed to connect to MongoDB: %v", err)
		}
		defer archive.Close()
		store.SetArchiver(archive)
		log.Println("Connected to MongoDB")
	}

	metrics := observability.NewMetrics("qcfleet", nodeID())

	// 服务编排器
	orch := services.NewOrchestrator(store, bus, cfg.Orchestrator)
	orch.SetMetrics(metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Etcd.Enabled {
		// 多副本部署：竞选成功后才启动编排器，会话失效立即停机避免双主
		elector, err := election.NewElector(election.Config{
			Endpoints: cfg.Etcd.Endpoints,
			Prefix:    cfg.Etcd.Prefix,
			NodeID:    nodeID(),
		})
		if err != nil {
			log.Fatalf("Failed to connect to etcd: %v", err)
		}
		defer elector.Close()

		go func() {
			if err := elector.Campaign(ctx); err != nil {
				log.Printf("Leader campaign aborted: %v", err)
				return
			}
			go orch.Start(ctx)

			select {
			case <-elector.Done():
				log.Println("Leadership lost, stopping orchestrator")
				orch.Stop()
				cancel()
			case <-ctx.Done():
			}
		}()
	} else {
		go orch.Start(ctx)
	}

	// 队列深度统计：更新指标仪表，Redis 启用时同步写入统计快照
	go statsLoop(ctx, store, stats, metrics, cfg.Orchestrator.SweepInterval)

	// 指标与健康检查端点
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 优雅关闭
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		orch.Stop()
		cancel()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("QCFleet Server listening on :%s", cfg.APIPort)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	fmt.Println("Server stopped")
}

// statsLoop 周期性采集队列深度与 Manager 在线数
func statsLoop(ctx context.Context, store *repository.Store, stats cache.Cache,
	metrics *observability.Metrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		unclaimed, err := store.CountUnclaimedTasks(ctx)
		if err != nil {
			log.Printf("Queue stats: count unclaimed failed: %v", err)
			continue
		}
		waiting := countByStatus(ctx, store, model.RecordStatusWaiting)
		running := countByStatus(ctx, store, model.RecordStatusRunning)
		managers, err := store.ListManagers(ctx, true)
		if err != nil {
			log.Printf("Queue stats: list managers failed: %v", err)
			continue
		}
		active, err := store.ListActiveServiceRecords(ctx)
		if err != nil {
			log.Printf("Queue stats: list services failed: %v", err)
			continue
		}

		metrics.SetQueueGauges(unclaimed, waiting, running)
		metrics.SetManagersActive(len(managers))

		if stats != nil {
			if err := stats.SetQueueStats(ctx, &cache.QueueStats{
				WaitingTasks:  waiting,
				RunningTasks:  running,
				LiveManagers:  len(managers),
				ActiveService: len(active),
				UpdatedAt:     time.Now(),
			}); err != nil {
				log.Printf("Queue stats: cache write failed: %v", err)
			}
		}
	}
}

// countByStatus 按状态统计记录数（只取命中计数）
func countByStatus(ctx context.Context, store *repository.Store, status model.RecordStatus) int {
	_, meta, err := store.QueryRecords(ctx, &repository.RecordQuery{
		Status: []model.RecordStatus{status},
		Limit:  1,
	})
	if err != nil {
		log.Printf("Queue stats: count %s records failed: %v", status, err)
		return 0
	}
	return meta.NFound
}

// openDatabase 按配置选择数据库驱动
func openDatabase(cfg *config.Config) (*sql.DB, dbutil.Dialect, error) {
	switch cfg.DatabaseDriver {
	case "postgres":
		db, err := postgresdriver.Open(cfg.DatabaseURL)
		return db, postgresdriver.NewDialect(), err
	default:
		db, err := sqlitedriver.Open(cfg.DatabaseURL)
		return db, sqlitedriver.NewDialect(), err
	}
}

// nodeID 实例标识（指标标签、选举竞选值）
func nodeID() string {
	host, err := os.Hostname()
	if err != nil {
		return "qcfleet-server"
	}
	return host
}
