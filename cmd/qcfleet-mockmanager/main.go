// Package main Mock Manager - 模拟计算 Manager
//
// 开发/联调用的假 Worker：注册身份、周期性认领任务、
// 伪造计算结果回传、通过 Redis 上报心跳。不执行真实化学程序。
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"qcfleet/internal/config"
	"qcfleet/internal/shared/cache"
	"qcfleet/internal/shared/infra"
	"qcfleet/internal/shared/model"
	postgresdriver "qcfleet/internal/shared/storage/driver/postgres"
	sqlitedriver "qcfleet/internal/shared/storage/driver/sqlite"
	"qcfleet/internal/shared/storage/repository"
)

func main() {
	cluster := flag.String("cluster", "mock", "集群名")
	programs := flag.String("programs", "psi4", "程序能力，逗号分隔")
	tags := flag.String("tags", "*", "服务的队列标签，逗号分隔")
	limit := flag.Int("limit", 5, "每轮认领的任务上限")
	interval := flag.Duration("interval", 2*time.Second, "认领轮询间隔")
	failRate := flag.Float64("fail-rate", 0, "伪造失败的比例（0~1）")
	flag.Parse()

	cfg := config.Load()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	name := model.ManagerName{Cluster: *cluster, Hostname: hostname, UUID: uuid.NewString()}

	log.Printf("Starting Mock Manager... [name=%s]", name.Fullname())

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()

	// 心跳缓存：Redis 未启用时退化为 no-op
	var heartbeats cache.Cache = cache.NewNoOpCache()
	if cfg.RedisEnabled {
		redisInfra, err := infra.NewRedisInfra(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisInfra.Close()
		heartbeats = redisInfra.Cache()
	}

	mgr := &model.ComputeManager{
		Name:           name.Fullname(),
		ClusterName:    name.Cluster,
		Hostname:       name.Hostname,
		ManagerVersion: "mock-0.1",
		Programs:       parsePrograms(*programs),
		Tags:           strings.Split(*tags, ","),
	}
	if _, err := store.ActivateManager(context.Background(), mgr); err != nil {
		log.Fatalf("Failed to activate manager: %v", err)
	}
	log.Printf("Activated [programs=%s tags=%s]", *programs, *tags)

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Shutting down Mock Manager...")
		cancel()
	}()

	run(ctx, store, heartbeats, mgr.Name, *limit, *interval, *failRate)

	// 注销并清理心跳
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if _, err := store.DeactivateManagers(shutdownCtx, []string{mgr.Name}); err != nil {
		log.Printf("Deactivate failed: %v", err)
	}
	if err := heartbeats.DeleteManagerHeartbeat(shutdownCtx, mgr.Name); err != nil {
		log.Printf("Heartbeat cleanup failed: %v", err)
	}
	fmt.Println("Mock Manager stopped")
}

// run 认领-伪造-回传主循环
func run(ctx context.Context, store *repository.Store, heartbeats cache.Cache,
	managerName string, limit int, interval time.Duration, failRate float64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		tasks, err := store.ClaimTasks(ctx, managerName, limit)
		if err != nil {
			log.Printf("Claim failed: %v", err)
			continue
		}

		if err := heartbeats.UpdateManagerHeartbeat(ctx, managerName, &cache.ManagerStatus{
			Status:      "active",
			ActiveTasks: len(tasks),
			UpdatedAt:   time.Now(),
		}); err != nil {
			log.Printf("Heartbeat failed: %v", err)
		}

		if len(tasks) == 0 {
			continue
		}
		log.Printf("Claimed %d tasks", len(tasks))

		results := make(map[int64]*model.ResultPayload, len(tasks))
		for _, task := range tasks {
			results[task.ID] = fabricateResult(failRate)
		}

		meta, err := store.UpdateFinished(ctx, managerName, results)
		if err != nil {
			log.Printf("Return failed: %v", err)
			continue
		}
		log.Printf("Returned %d results [accepted=%d rejected=%d]",
			len(results), meta.Accepted, meta.Rejected)
	}
}

// fabricateResult 伪造一份计算结果
func fabricateResult(failRate float64) *model.ResultPayload {
	if rand.Float64() < failRate {
		return &model.ResultPayload{
			Success: false,
			Stdout:  "mock run\n",
			Stderr:  "mock failure\n",
			Error: &model.ErrorInfo{
				ErrorType:    "random_error",
				ErrorMessage: "mock manager simulated failure",
			},
		}
	}

	// 随机能量，范围贴近真实单点能量量级
	energy := -1.0 - rand.Float64()*100
	props, _ := json.Marshal(map[string]interface{}{"return_result": energy})
	return &model.ResultPayload{
		Success:    true,
		Properties: props,
		Stdout:     "mock run\n",
	}
}

// openStore 按配置选择数据库驱动并打开存储
func openStore(cfg *config.Config) (*repository.Store, error) {
	switch cfg.DatabaseDriver {
	case "postgres":
		db, err := postgresdriver.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return repository.NewStore(db, postgresdriver.NewDialect()), nil
	default:
		db, err := sqlitedriver.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		dialect := sqlitedriver.NewDialect()
		if err := dialect.AutoMigrate(db); err != nil {
			return nil, err
		}
		return repository.NewStore(db, dialect), nil
	}
}

// parsePrograms 解析程序能力列表（版本一律未知）
func parsePrograms(s string) map[string]*string {
	programs := make(map[string]*string)
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			programs[name] = nil
		}
	}
	return programs
}
