package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mes-unit-tracker/internal/api"
	"mes-unit-tracker/internal/config"
	"mes-unit-tracker/internal/engine"
	"mes-unit-tracker/internal/event"
	"mes-unit-tracker/internal/handlers"
	"mes-unit-tracker/internal/printer"
	"mes-unit-tracker/internal/rules"
	"mes-unit-tracker/internal/store"
	"mes-unit-tracker/internal/types"
	"mes-unit-tracker/internal/web"
)

// main 是追踪服务的主入口
func main() {
	// 1. 初始化核心组件
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("加载配置失败", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Error("打开数据库失败", "error", err, "path", cfg.DBPath)
		os.Exit(1)
	}
	defer st.Close()

	// 2. 将配置中的工艺路线写入参考表
	defs := processDefs(cfg.Processes)
	ctx := context.Background()
	if err := st.SeedProcessDefinitions(ctx, defs); err != nil {
		logger.Error("写入工艺路线失败", "error", err)
		os.Exit(1)
	}
	active, err := store.ActiveProcesses(ctx, st.DB())
	if err != nil {
		logger.Error("读取工艺路线失败", "error", err)
		os.Exit(1)
	}

	ruleEngine, err := rules.NewEngine(cfg.ReworkLimit, active)
	if err != nil {
		logger.Error("编译判定规则失败", "error", err)
		os.Exit(1)
	}

	// 3. 组装事件总线、看板与事件处理器
	hub := web.NewHub()
	go hub.Run()
	stateTracker := web.NewStateTracker(hub)

	eventBus := event.NewBus()
	handlers.RegisterEventHandlers(eventBus, stateTracker, logger)

	// 4. 组装追踪器与 API 服务
	var labelPrinter engine.LabelPrinter
	if cfg.PrinterEndpoint != "" {
		labelPrinter = printer.NewClient(cfg.PrinterEndpoint, logger)
	}
	tracker := engine.NewTracker(st, ruleEngine, eventBus, logger, labelPrinter)

	server := api.NewServer(tracker, hub, stateTracker, logger)
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: server.NewMux()}

	logger.Info("=== 工序执行追踪服务启动 ===", "addr", cfg.HTTPAddr, "processes", len(active))

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API 服务器启动失败", "error", err)
			os.Exit(1)
		}
	}()

	// 5. 优雅停机
	waitForShutdown(logger, httpServer)
}

// processDefs 将配置条目转换为工序定义
func processDefs(specs []config.ProcessSpec) []types.ProcessDefinition {
	defs := make([]types.ProcessDefinition, 0, len(specs))
	for _, p := range specs {
		defs = append(defs, types.ProcessDefinition{
			SeqNo:          p.SeqNo,
			Code:           p.Code,
			PostConversion: p.PostConversion,
			LimitRule:      p.LimitRule,
			Active:         true,
		})
	}
	return defs
}

// waitForShutdown 等待系统信号以实现优雅停机
func waitForShutdown(logger *slog.Logger, httpServer *http.Server) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("接收到停机信号，正在优雅关闭...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("关闭 API 服务器失败", "error", err)
	}
	logger.Info("追踪服务已安全退出。")
}
