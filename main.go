package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/life2you_mini/tradecore/internal/config"
	"github.com/life2you_mini/tradecore/internal/logger"
	"github.com/life2you_mini/tradecore/internal/observability"
	"github.com/life2you_mini/tradecore/internal/services"
)

var (
	configFile = flag.String("config", "config/config.yaml", "配置文件路径")
	envFile    = flag.String("env", ".env", "环境变量文件路径")
)

func main() {
	flag.Parse()

	// .env 不存在时直接使用进程环境变量
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Printf("加载环境变量文件失败: %v\n", err)
	}

	bootstrap, err := logger.NewDevelopment()
	if err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		bootstrap.Warn("viper加载配置失败，尝试直接解析YAML", zap.Error(err))
		cfg, err = config.LoadConfigFromYAML(*configFile)
		if err != nil {
			bootstrap.Fatal("加载配置失败", zap.Error(err))
		}
	}

	log := bootstrap
	if fileLogger, err := logger.NewLogger(cfg.System.LogDir, cfg.System.LogLevel); err != nil {
		bootstrap.Warn("初始化文件日志失败，使用控制台日志", zap.Error(err))
	} else {
		log = fileLogger
	}
	defer log.Sync()
	log.Info("加载配置成功", zap.String("config_file", *configFile))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	service, err := services.NewTradeService(ctx, cfg, log.Logger)
	if err != nil {
		log.Fatal("创建服务失败", zap.Error(err))
	}
	if err := service.Start(ctx); err != nil {
		log.Fatal("启动服务失败", zap.Error(err))
	}
	log.Info("服务已启动")

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.Handler(service.Gatherer()))
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("指标服务异常退出", zap.Error(err))
			}
		}()
		log.Info("指标服务已启动", zap.String("addr", cfg.Metrics.Addr))
	}

	sig := <-signalChan
	log.Info("接收到信号，准备关闭服务", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.System.ShutdownTimeout)
	defer shutdownCancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error("指标服务关闭失败", zap.Error(err))
		}
	}

	if err := service.Stop(shutdownCtx); err != nil {
		log.Error("服务关闭失败", zap.Error(err))
		os.Exit(1)
	}

	log.Info("服务已优雅关闭")
}
