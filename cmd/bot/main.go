package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"grid-trader-go/internal/api"
	"grid-trader-go/internal/backtest"
	"grid-trader-go/internal/config"
	"grid-trader-go/internal/downloader"
	"grid-trader-go/internal/exchange"
	"grid-trader-go/internal/feed"
	"grid-trader-go/internal/grid"
	"grid-trader-go/internal/logger"
	"grid-trader-go/internal/metrics"
	"grid-trader-go/internal/models"
	"grid-trader-go/internal/order"
	"grid-trader-go/internal/persistence"
	"grid-trader-go/internal/reporter"
	"grid-trader-go/internal/risk"
	gridsignal "grid-trader-go/internal/signal"
	"grid-trader-go/internal/statemanager"
	"grid-trader-go/internal/storage"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file (json or yaml)")
	mode := flag.String("mode", "backtest", "running mode: backtest, paper or download")
	dataPath := flag.String("data", "", "path to historical data file for backtesting")
	symbol := flag.String("symbol", "", "symbol to trade or download (e.g., BTCUSDT)")
	startDate := flag.String("start", "", "start date for download (YYYY-MM-DD)")
	endDate := flag.String("end", "", "end date for download (YYYY-MM-DD)")
	direction := flag.String("direction", "", "base trade direction: buy or sell")
	warmup := flag.Int("warmup", 0, "number of warmup bars before the grid is created")
	flag.Parse()

	// 先用默认配置初始化日志, 以便记录加载配置过程
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	path := *configPath
	if env := os.Getenv(config.EnvConfigPath); env != "" && !flagSet("config") {
		path = env
	}
	cfg, err := loadConfig(path)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	// --- 使用文件中的配置重新初始化日志 ---
	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	if *direction != "" {
		cfg.Backtest.Direction = *direction
	}
	if *warmup > 0 {
		cfg.Backtest.WarmupBars = *warmup
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "backtest":
		finalDataPath, err := handleBacktestData(ctx, cfg, *symbol, *startDate, *endDate, *dataPath)
		if err != nil {
			logger.S().Fatal(err)
		}
		runBacktestMode(ctx, cfg, finalDataPath, *symbol)
	case "paper":
		runPaperMode(ctx, cfg, *symbol)
	case "download":
		fileName, err := download(ctx, cfg, *symbol, *startDate, *endDate)
		if err != nil {
			logger.S().Fatal(err)
		}
		logger.S().Infof("K线数据已保存到 %s", fileName)
	default:
		logger.S().Fatalf("未知的运行模式: %s。请选择 'backtest'、'paper' 或 'download'。", *mode)
	}
}

func flagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

// loadConfig 配置文件不存在时使用默认配置 (仍然应用环境变量覆盖)
func loadConfig(path string) (*models.Config, error) {
	cfg, err := config.LoadConfig(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.S().Warnf("配置文件 %s 不存在，使用默认配置。", path)
		return config.Parse(strings.NewReader("{}"), false)
	}
	return cfg, err
}

// download 下载 [start, end] 区间的K线到 data/<symbol>-<start>-<end>.csv
func download(ctx context.Context, cfg *models.Config, symbol, startDate, endDate string) (string, error) {
	if symbol == "" || startDate == "" || endDate == "" {
		return "", errors.New("下载需要同时指定 --symbol、--start 和 --end")
	}
	startTime, err1 := time.Parse("2006-01-02", startDate)
	endTime, err2 := time.Parse("2006-01-02", endDate)
	if err1 != nil || err2 != nil {
		return "", fmt.Errorf("日期格式错误，请使用 YYYY-MM-DD 格式。start: %v, end: %v", err1, err2)
	}

	// 确保数据目录存在
	if err := os.MkdirAll("data", 0o755); err != nil {
		return "", errors.Wrap(err, "创建 data 目录失败")
	}

	symbol = models.NormalizeSymbol(symbol)
	fileName := fmt.Sprintf("data/%s-%s-%s.csv", symbol, startDate, endDate)
	logger.S().Infof("开始下载 %s 从 %s 到 %s 的K线数据...", symbol, startDate, endDate)

	d := downloader.NewKlineDownloader(logger.L())
	if _, err := d.DownloadKlines(ctx, symbol, cfg.Feed.Interval, fileName, startTime, endTime); err != nil {
		return "", errors.Wrap(err, "下载数据失败")
	}
	return fileName, nil
}

// handleBacktestData 处理回测数据来源: 指定了 symbol/start/end 时先下载, 否则使用 --data
func handleBacktestData(ctx context.Context, cfg *models.Config, symbol, startDate, endDate, dataPath string) (string, error) {
	if symbol != "" && startDate != "" && endDate != "" {
		return download(ctx, cfg, symbol, startDate, endDate)
	}
	if dataPath == "" {
		return "", errors.New("回测模式需要通过 --data 或 --symbol/start/end 参数指定数据源")
	}
	return dataPath, nil
}

// engine 组装好的网格引擎及其资源
type engine struct {
	grid    *grid.Manager
	metrics *metrics.Metrics
	state   *statemanager.StateManager
	closers []func() error
}

func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			logger.S().Warnf("关闭资源失败: %v", err)
		}
	}
}

// buildEngine 依赖注入: 风控 -> 订单 -> 信号 -> 网格 -> 状态管理
func buildEngine(cfg *models.Config, dbPath, journalPath string, orderOpts []order.Option, gridOpts []grid.Option) (*engine, error) {
	log := logger.L()
	e := &engine{metrics: metrics.New()}

	symbols := risk.Symbols(cfg.Symbols)
	riskManager := risk.NewManager(cfg.Risk, symbols, log.Named("risk"))
	orders := order.NewManager(cfg.Regen.MaxAttempts, symbols, log.Named("order"),
		append([]order.Option{order.WithValuer(riskManager)}, orderOpts...)...)
	router := gridsignal.NewRouter(cfg.Signal, log.Named("signal"))
	e.grid = grid.NewManager(cfg, riskManager, orders, router, symbols, log.Named("grid"),
		append([]grid.Option{grid.WithRecorder(e.metrics)}, gridOpts...)...)
	e.metrics.Balance(riskManager.Balance())

	repo, err := persistence.NewBadgerRepository(dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "初始化状态存储失败")
	}
	e.closers = append(e.closers, repo.Close)

	var journal statemanager.OrderJournal
	if journalPath != "" {
		j, err := storage.NewJournal(journalPath)
		if err != nil {
			e.Close()
			return nil, errors.Wrap(err, "初始化订单流水失败")
		}
		e.closers = append(e.closers, j.Close)
		journal = j
	}

	e.state = statemanager.NewStateManager(e.grid, repo, journal, log.Named("state"))
	return e, nil
}

// runBacktestMode 运行回测模式
func runBacktestMode(ctx context.Context, cfg *models.Config, dataPath, symbol string) {
	logger.S().Info("--- 启动回测模式 ---")

	if symbol == "" {
		symbol = cfg.Backtest.Symbol
	}
	if symbol == "" {
		symbol = backtest.SymbolFromPath(dataPath)
	}
	if symbol == "" {
		logger.S().Fatalf("无法从数据文件路径 %s 中提取交易对", dataPath)
	}

	series, skipped, err := backtest.LoadCSV(dataPath)
	if err != nil {
		logger.S().Fatalf("无法读取历史数据文件: %v", err)
	}
	if skipped > 0 {
		logger.S().Warnf("跳过了 %d 条无法解析的K线记录", skipped)
	}

	// 回测状态只保存在内存中且不写订单流水, 冷却期按K线时间计算
	clock := &backtest.Clock{}
	eng, err := buildEngine(cfg, "", "", []order.Option{order.WithClock(clock.Now)}, []grid.Option{grid.WithClock(clock.Now)})
	if err != nil {
		logger.S().Fatal(err)
	}
	defer eng.Close()

	eng.state.Start(ctx)
	runner := backtest.NewRunner(eng.state, cfg, logger.L(), backtest.WithClock(clock))
	result, err := runner.Run(ctx, series, symbol)
	eng.state.Stop()
	if err != nil {
		logger.S().Fatalf("回测失败: %v", err)
	}
	logger.S().Infof("回测结束。网格 %s, 回放 %d 根K线。", result.GridID, result.Bars)

	// --- 生成并打印回测报告 ---
	m := reporter.Calculate(result.Symbol, cfg.Risk.InitialBalance, result.State.Orders, result.Start, result.End)
	reporter.Render(os.Stdout, m)
}

// runPaperMode 订阅实时K线, 在模拟券商上运行网格
func runPaperMode(ctx context.Context, cfg *models.Config, symbol string) {
	logger.S().Info("--- 启动模拟交易模式 ---")
	if symbol != "" {
		cfg.Feed.Symbol = symbol
	}
	if cfg.Feed.Symbol == "" {
		logger.S().Fatal("模拟交易需要通过 --symbol 或配置 feed.symbol 指定交易对")
	}
	symbol = models.NormalizeSymbol(cfg.Feed.Symbol)

	broker := exchange.NewPaperBroker(logger.L().Named("paper"))
	eng, err := buildEngine(cfg, cfg.DBPath, cfg.JournalPath, []order.Option{order.WithBroker(broker)}, nil)
	if err != nil {
		logger.S().Fatal(err)
	}
	defer eng.Close()

	recovered, err := eng.state.Recover()
	if err != nil {
		logger.S().Fatalf("恢复状态失败: %v", err)
	}
	if recovered {
		logger.S().Info("已从持久化存储恢复网格状态。")
	}
	eng.state.Start(ctx)
	defer eng.state.Stop()

	if cfg.APIAddr != "" {
		server := api.NewServer(eng.state, eng.metrics.Handler(), logger.L().Named("api"))
		go func() {
			if err := server.Start(ctx, cfg.APIAddr); err != nil {
				logger.S().Errorf("API 服务异常退出: %v", err)
			}
		}()
	}

	stream, err := feed.NewKlineStream(cfg.Feed, logger.L().Named("feed"))
	if err != nil {
		logger.S().Fatalf("初始化K线订阅失败: %v", err)
	}
	closed := make(chan feed.ClosedBar, 64)
	go func() {
		if err := stream.Run(ctx, closed); err != nil && !errors.Is(err, context.Canceled) {
			logger.S().Errorf("K线订阅退出: %v", err)
		}
	}()

	gridCreated := hasActiveGrid(eng.state.GetStateSnapshot())
	window := make([]models.Bar, 0, cfg.Backtest.WarmupBars+1)
	for {
		var cb feed.ClosedBar
		select {
		case <-ctx.Done():
			logger.S().Info("收到退出信号，正在停止...")
			return
		case cb = <-closed:
		}

		broker.SetBar(cb.Symbol, cb.Bar)
		if err := eng.state.MarketUpdate(ctx, map[string]models.Bar{cb.Symbol: cb.Bar}); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.S().Errorf("处理行情失败: %v", err)
		}

		window = append(window, cb.Bar)
		if len(window) > cfg.Backtest.WarmupBars {
			window = window[1:]
		}
		if gridCreated || len(window) < cfg.Backtest.WarmupBars {
			continue
		}
		gridCreated = createGrid(ctx, eng.state, cfg, symbol, window)
	}
}

// createGrid 由最近的K线窗口构造基础交易并创建网格. 没有订单成交时返回 false, 下一根K线重试
func createGrid(ctx context.Context, sm *statemanager.StateManager, cfg *models.Config, symbol string, window []models.Bar) bool {
	history := models.NewSeries(append([]models.Bar(nil), window...))
	if err := backtest.PrepareHistory(history, cfg); err != nil {
		logger.S().Errorf("计算指标失败: %v", err)
		return false
	}
	base, err := backtest.BuildBaseTrade(history, cfg, symbol)
	if err != nil {
		logger.S().Warnf("无法构造基础交易: %v", err)
		return false
	}
	id, err := sm.CreateGrid(ctx, base, history)
	if err != nil {
		// 配置错误不会因为新的K线而消失
		logger.S().Errorf("创建网格失败: %v", err)
		return true
	}
	if id == "" {
		logger.S().Warn("网格未放置任何订单，将在下一根K线重试。")
		return false
	}
	logger.S().Infow("网格已创建", zap.String("grid_id", id), zap.String("symbol", symbol))
	return true
}

func hasActiveGrid(state *models.EngineState) bool {
	for _, g := range state.Grids {
		if g.Active {
			return true
		}
	}
	return false
}
