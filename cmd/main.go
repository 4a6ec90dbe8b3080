package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"crypto-market-deck/internal/advisor"
	"crypto-market-deck/internal/data"
	"crypto-market-deck/internal/fetch"
	"crypto-market-deck/internal/market"
	"crypto-market-deck/internal/service"
	"crypto-market-deck/internal/stream"
)

// analysisEvery 是后台 AI 分析的节奏
const analysisEvery = 5 * time.Minute

func main() {
	service.InitLogger()
	defer service.Logger.Sync()

	configPath := "config"
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		service.Logger.Fatal("Configuration directory 'config/' not found. Please create it.")
	}
	cfg := service.LoadConfig(configPath)

	sub := market.Subscription{Symbol: cfg.Dashboard.Symbol, Interval: cfg.Dashboard.Interval}
	service.Logger.Info("Starting market deck",
		zap.String("Symbol", sub.Symbol),
		zap.String("Interval", sub.Interval))

	// 1. 拉取源 (REST 快照)
	source := fetch.NewBinance(service.Logger)

	// 2. 流式客户端工厂：每次订阅切换都构造一个全新的客户端
	factory := func(s market.Subscription) (data.StreamClient, error) {
		return stream.NewClient(streamConfig(cfg, s), service.Logger)
	}

	// 3. 数据编排层
	orch := data.New(data.Config{
		Subscription:   sub,
		HistoryLimit:   cfg.Dashboard.HistoryLimit,
		SeriesTTL:      cfg.Cache.SeriesTTL,
		StatsTTL:       cfg.Cache.StatsTTL,
		ReconcileEvery: cfg.Orchestrator.ReconcileEvery,
		PushStaleAfter: cfg.Orchestrator.PushStaleAfter,
	}, source, factory, service.Logger)

	orch.OnStateChange(func(st stream.ConnectionState) {
		service.Logger.Info("Connection state changed", zap.String("State", st.String()))
	})
	orch.OnError(func(msg string) {
		service.Logger.Error("Data layer error", zap.String("Message", msg))
	})

	if err := orch.Initialize(context.Background()); err != nil {
		service.Logger.Fatal("Initialization failed", zap.Error(err))
	}
	defer orch.Close()

	// 4. AI 分析层
	adv := advisor.New(advisor.DefaultProviders(&cfg.Advisor), cfg.Advisor.Preferred, service.Logger)
	go analysisLoop(orch, adv)

	// 5. 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	service.Logger.Info("Shutting down...")
}

// analysisLoop 周期性对当前快照产出 AI 分析
func analysisLoop(orch *data.Orchestrator, adv *advisor.Advisor) {
	ticker := time.NewTicker(analysisEvery)
	defer ticker.Stop()

	for range ticker.C {
		snap := orch.Snapshot()
		if snap.Indicators == nil {
			service.Logger.Debug("Indicators not ready, skipping analysis")
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		analysis := adv.Analyze(ctx, snap.Indicators)
		cancel()

		service.Logger.Info("Market analysis",
			zap.String("Symbol", snap.Subscription.Symbol),
			zap.String("Verdict", string(analysis.Verdict)),
			zap.String("Provider", analysis.Provider),
			zap.Bool("Degraded", analysis.Degraded),
			zap.String("Text", analysis.Text))
	}
}

// streamConfig 把 yaml 配置翻成流式客户端参数
func streamConfig(cfg *service.Config, sub market.Subscription) stream.Config {
	return stream.Config{
		Subscription:       sub,
		Endpoints:          cfg.Stream.Endpoints,
		HandshakeTimeout:   cfg.Stream.HandshakeTimeout,
		SilenceThreshold:   cfg.Stream.SilenceThreshold,
		ConnectSpacing:     cfg.Stream.ConnectSpacing,
		EndpointFailLimit:  cfg.Stream.EndpointFailLimit,
		CircuitThreshold:   cfg.Stream.CircuitThreshold,
		CircuitCooldown:    cfg.Stream.CircuitCooldown,
		CircuitMaxCooldown: cfg.Stream.CircuitMaxCooldown,
		Policy: stream.ReconnectPolicy{
			MaxAttempts: cfg.Stream.MaxAttempts,
			BaseDelay:   cfg.Stream.BaseDelay,
			MaxDelay:    cfg.Stream.MaxDelay,
			JitterRange: cfg.Stream.JitterRange,
		},
	}
}
