package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"atlas/internal/backend"
	"atlas/internal/config"
	"atlas/internal/node"
	"atlas/internal/p2p"
	"atlas/internal/taskservice"
	"atlas/pkg/model"
	"atlas/pkg/store"
)

var commands = map[string]string{
	"create":  taskservice.MsgCreateTaskReq,
	"start":   taskservice.MsgStartTaskReq,
	"stop":    taskservice.MsgStopTaskReq,
	"restart": taskservice.MsgRestartTaskReq,
	"reset":   taskservice.MsgResetTaskReq,
	"delete":  taskservice.MsgDeleteTaskReq,
	"list":    taskservice.MsgListTaskReq,
	"logs":    taskservice.MsgTaskLogsReq,
	"info":    taskservice.MsgQueryNodeInfoReq,
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: nodectl [flags] create|start|stop|restart|reset|delete|list|logs|info\n\n")
	flag.PrintDefaults()
}

func main() {
	// --- 1. 命令行参数 ---
	configPath := flag.String("config", "", "Path to the YAML config file (etcd and redis settings)")
	peers := flag.String("peers", "", "Comma separated node ids; list/info default to every registered node")
	taskID := flag.String("task", "", "Task id, create generates one when empty")
	taskIDs := flag.String("tasks", "", "Comma separated task ids to filter list")
	kind := flag.String("backend", string(model.BackendContainer), "Isolation backend: container or vm")
	engine := flag.String("engine", "", "Training engine image")
	entry := flag.String("entry", "", "Entry file")
	codeDir := flag.String("code", "", "Code directory")
	cmdLine := flag.String("cmd", "", "Command line overriding the entry file")
	cpu := flag.Int("cpu", 1, "CPU cores")
	mem := flag.Float64("mem", 0.1, "Memory as a fraction of the node's total, (0, 1]")
	gpu := flag.Int("gpu", 0, "GPU count")
	rent := flag.Duration("rent", 0, "Rent duration, 0 means unlimited")
	dir := flag.String("dir", string(backend.Tail), "Log direction: head or tail")
	lines := flag.Int("lines", 100, "Log lines")
	count := flag.Int("n", 1, "Number of tasks to create, ids get a -<i> suffix when n > 1")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}
	msgType, ok := commands[flag.Arg(0)]
	if !ok {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		log.Fatalf("❌ Failed to init logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- 2. 目标节点 ---
	peerNodes := split(*peers)
	if len(peerNodes) == 0 {
		if msgType != taskservice.MsgListTaskReq && msgType != taskservice.MsgQueryNodeInfoReq {
			log.Fatalf("❌ -peers is required for %s", flag.Arg(0))
		}
		peerNodes, err = registeredNodes(ctx, cfg)
		if err != nil {
			log.Fatalf("❌ Failed to list nodes: %v", err)
		}
		if len(peerNodes) == 0 {
			log.Fatalf("❌ No registered nodes")
		}
	}

	// --- 3. 连接广播网络, 只发请求不跑任务 ---
	if cfg.Redis.Addr == "" {
		log.Fatalf("❌ redis.addr is required")
	}
	identity, err := p2p.GenerateIdentity()
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	transport, err := p2p.NewRedisTransport(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix, logger)
	if err != nil {
		log.Fatalf("❌ Failed to connect to redis: %v", err)
	}
	defer transport.Close()

	loop, svc, err := node.NewProtocol(cfg, identity, transport, nil, logger)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	go loop.Run(ctx)
	go func() {
		if err := transport.Subscribe(ctx, loop.Deliver); err != nil {
			logger.Error("subscription ended", zap.Error(err))
		}
	}()
	select {
	case <-transport.Subscribed():
	case <-time.After(5 * time.Second):
		log.Fatalf("❌ Timed out subscribing to redis")
	}

	// --- 4. 构造请求 ---
	if msgType == taskservice.MsgCreateTaskReq && *taskID == "" {
		*taskID = uuid.NewString()
	}
	req := taskservice.TaskRequest{
		PeerNodes:    peerNodes,
		TaskID:       *taskID,
		TaskIDs:      split(*taskIDs),
		Backend:      model.BackendKind(*kind),
		LogDirection: backend.Direction(*dir),
		LogLines:     *lines,
	}
	// reset 不给 engine 时沿用原来的 spec
	resetKeepsSpec := msgType == taskservice.MsgResetTaskReq && *engine == ""
	switch {
	case resetKeepsSpec:
	case msgType == taskservice.MsgCreateTaskReq, msgType == taskservice.MsgResetTaskReq:
		req.Spec = &model.TaskSpec{Engine: *engine, EntryFile: *entry, CodeDir: *codeDir}
		if *cmdLine != "" {
			req.Spec.Command = strings.Fields(*cmdLine)
		}
		if msgType == taskservice.MsgCreateTaskReq {
			req.Resource = &model.ResourceRequest{CPUCores: *cpu, MemFraction: *mem, GPUCount: *gpu}
			if *rent > 0 {
				req.RentEnd = time.Now().Add(*rent)
			}
		}
	}

	if msgType == taskservice.MsgCreateTaskReq && *count > 1 {
		createMany(ctx, svc, req, *count)
		return
	}

	// --- 5. 提交并打印结果 ---
	res, err := submit(ctx, svc, cfg.Protocol.RequestTimeout, taskservice.Command{Type: msgType, Request: req})
	if err != nil {
		log.Fatalf("❌ Request failed: %v", err)
	}
	if msgType == taskservice.MsgTaskLogsReq && res.Code == taskservice.CodeOK && len(res.Responses) == 1 {
		fmt.Printf("\n📄 Logs for Task [%s]:\n", *taskID)
		fmt.Println("================================================")
		fmt.Println(res.Responses[0].Log)
		fmt.Println("================================================")
		return
	}
	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(out))
	if res.Code != taskservice.CodeOK {
		os.Exit(1)
	}
}

// submit 多等一秒, 让超时结果先从 loop 里回来
func submit(ctx context.Context, svc *taskservice.Service, timeout time.Duration, cmd taskservice.Command) (taskservice.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout+time.Second)
	defer cancel()
	return svc.Submit(ctx, cmd)
}

// createMany 并发创建 n 个任务, 用来压测
func createMany(ctx context.Context, svc *taskservice.Service, req taskservice.TaskRequest, n int) {
	fmt.Printf("🚀 Starting submission: %d tasks...\n", n)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	start := time.Now()
	// 限制同时在途的请求数
	sem := make(chan struct{}, 50)
	for i := 0; i < n; i++ {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer func() {
				<-sem
				wg.Done()
			}()
			r := req
			r.TaskID = fmt.Sprintf("%s-%d", req.TaskID, i)
			res, err := svc.Submit(ctx, taskservice.Command{Type: taskservice.MsgCreateTaskReq, Request: r})
			if err != nil || res.Code != taskservice.CodeOK {
				mu.Lock()
				failed++
				mu.Unlock()
				fmt.Printf("❌ Failed to create %s: %v %s\n", r.TaskID, err, res.Message)
			}
		}(i)
	}
	wg.Wait()

	duration := time.Since(start)
	fmt.Printf("\n✅ Submission Finished!\n")
	fmt.Printf("   Total Tasks: %d (failed %d)\n", n, failed)
	fmt.Printf("   Total Time: %v\n", duration)
	fmt.Printf("   Submission QPS: %.2f\n", float64(n)/duration.Seconds())
}

// registeredNodes 从共享的节点表读取心跳还新鲜的节点
func registeredNodes(ctx context.Context, cfg *config.Config) ([]string, error) {
	kv, err := node.OpenKV(cfg)
	if err != nil {
		return nil, err
	}
	defer kv.Close()

	nodes, err := store.NewTaskStore(kv).ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	stale := time.Now().Add(-3 * cfg.Scheduler.HeartbeatInterval).Unix()
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n.LastHeartbeat >= stale {
			ids = append(ids, n.ID)
		}
	}
	return ids, nil
}

func split(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
