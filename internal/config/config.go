package config

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"grid-trader-go/internal/models"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// 环境变量覆盖项
const (
	EnvConfigPath = "GRID_CONFIG"
	EnvDBPath     = "GRID_DB_PATH"
	EnvAPIAddr    = "GRID_API_ADDR"
)

// LoadConfig 从指定路径加载配置文件 (JSON 或 YAML), 覆盖在默认配置之上并校验
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open config %s", path)
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(path))
	return Parse(file, ext == ".yaml" || ext == ".yml")
}

// Parse 解析配置内容
func Parse(r io.Reader, isYAML bool) (*models.Config, error) {
	cfg := models.DefaultConfig()
	// 配置文件里出现 symbols 时整体替换默认品种表
	cfg.Symbols = nil

	var err error
	if isYAML {
		err = yaml.NewDecoder(r).Decode(cfg)
	} else {
		err = json.NewDecoder(r).Decode(cfg)
	}
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "decode config")
	}
	if cfg.Symbols == nil {
		cfg.Symbols = models.DefaultConfig().Symbols
	}

	normalizeSymbols(cfg)
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func normalizeSymbols(cfg *models.Config) {
	symbols := make(map[string]models.SymbolConfig, len(cfg.Symbols))
	for name, sc := range cfg.Symbols {
		symbols[models.NormalizeSymbol(name)] = sc
	}
	cfg.Symbols = symbols
}

func applyEnv(cfg *models.Config) {
	if v := os.Getenv(EnvDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(EnvAPIAddr); v != "" {
		cfg.APIAddr = v
	}
}

// Validate 校验配置中不能在运行时兜底的部分
func Validate(cfg *models.Config) error {
	for name, sc := range cfg.Symbols {
		if missing := sc.MissingFields(); len(missing) > 0 {
			return errors.Errorf("symbol %s: missing required fields %s", name, strings.Join(missing, ", "))
		}
	}
	switch cfg.Regen.CooldownMode {
	case models.CooldownWallClock, models.CooldownBarCount:
	default:
		return errors.Errorf("regen.cooldown_mode must be %q or %q, got %q",
			models.CooldownWallClock, models.CooldownBarCount, cfg.Regen.CooldownMode)
	}
	if cfg.Regen.MaxAttempts < 0 {
		return errors.New("regen.max_attempts must not be negative")
	}
	if cfg.Risk.DefaultRiskPerTrade < 0 {
		return errors.New("risk.default_risk_per_trade must not be negative")
	}
	switch cfg.Strategies.Range.Method {
	case "bollinger", "recent_high_low":
	default:
		return errors.Errorf("strategies.range.method must be bollinger or recent_high_low, got %q", cfg.Strategies.Range.Method)
	}
	if cfg.Backtest.WarmupBars <= 0 {
		return errors.New("backtest.warmup_bars must be positive")
	}
	return nil
}
