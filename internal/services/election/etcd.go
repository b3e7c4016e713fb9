// Package election etcd 领导者选举
//
// 多副本部署时只允许一个实例运行服务编排器，
// 通过 etcd 的租约竞选保证唯一性。单副本部署可以不启用。
package election

import (
	"context"
	"fmt"
	"log"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// Elector etcd 领导者选举器
type Elector struct {
	client   *clientv3.Client
	session  *concurrency.Session
	election *concurrency.Election
	nodeID   string
}

// Config 选举配置
type Config struct {
	Endpoints   []string
	Prefix      string
	NodeID      string
	DialTimeout time.Duration
	SessionTTL  int // 租约 TTL（秒），副本失联后该时间内自动让出
}

// NewElector 创建选举器
func NewElector(cfg Config) (*Elector, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 15
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "/qcfleet"
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("etcd health check failed: %w", err)
	}

	session, err := concurrency.NewSession(client, concurrency.WithTTL(cfg.SessionTTL))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}

	log.Printf("[election] Connected to %v, node_id=%s", cfg.Endpoints, cfg.NodeID)
	return &Elector{
		client:   client,
		session:  session,
		election: concurrency.NewElection(session, cfg.Prefix+"/orchestrator/leader"),
		nodeID:   cfg.NodeID,
	}, nil
}

// Campaign 竞选领导者，阻塞直到当选或 ctx 取消
func (e *Elector) Campaign(ctx context.Context) error {
	log.Printf("[election] Campaigning, node_id=%s", e.nodeID)
	if err := e.election.Campaign(ctx, e.nodeID); err != nil {
		return fmt.Errorf("campaign failed: %w", err)
	}
	log.Printf("[election] Elected leader, node_id=%s", e.nodeID)
	return nil
}

// Resign 主动让出领导权
func (e *Elector) Resign(ctx context.Context) error {
	return e.election.Resign(ctx)
}

// Leader 查询当前领导者
func (e *Elector) Leader(ctx context.Context) (string, error) {
	resp, err := e.election.Leader(ctx)
	if err != nil {
		return "", err
	}
	if len(resp.Kvs) == 0 {
		return "", fmt.Errorf("no leader elected")
	}
	return string(resp.Kvs[0].Value), nil
}

// Done 返回会话结束信号（租约过期/连接断开时关闭）
//
// 领导者应监听该信号：会话失效意味着领导权可能已被抢走，
// 必须立即停止编排避免双主。
func (e *Elector) Done() <-chan struct{} {
	return e.session.Done()
}

// Close 关闭会话与连接
func (e *Elector) Close() error {
	if err := e.session.Close(); err != nil {
		e.client.Close()
		return err
	}
	return e.client.Close()
}
