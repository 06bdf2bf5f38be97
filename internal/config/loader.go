package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/any-hub/pypi-gateway/internal/pep"
)

// MaxWorkersEnv 允许在不修改配置文件的情况下调整线程池大小。
const MaxWorkersEnv = "PYPI_GATEWAY_MAX_THREAD"

// Load 读取并解析 TOML 配置文件，合并 PackagesFile，并注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.BindEnv("MaxWorkers", MaxWorkersEnv); err != nil {
		return nil, fmt.Errorf("绑定环境变量失败: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if cfg.Global.PackagesFile != "" {
		pkgPath := cfg.Global.PackagesFile
		if !filepath.IsAbs(pkgPath) {
			pkgPath = filepath.Join(filepath.Dir(path), pkgPath)
		}
		extra, err := LoadPackagesFile(pkgPath)
		if err != nil {
			return nil, err
		}
		cfg.Packages = append(cfg.Packages, extra...)
	}

	applyGlobalDefaults(&cfg.Global)
	normalizePackages(cfg.Packages)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	for _, dir := range []*string{&cfg.Global.FileDir, &cfg.Global.JSONDir} {
		abs, err := filepath.Abs(*dir)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		*dir = abs
	}

	return &cfg, nil
}

// LoadPackagesFile 解析 `{"name": ["spec", ...]}` 形式的 JSON 文档，保留包名出现顺序。
func LoadPackagesFile(path string) ([]Package, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("读取包清单失败: %w", err)
	}
	defer f.Close()

	pkgs, err := decodePackages(f)
	if err != nil {
		return nil, fmt.Errorf("解析包清单 %s 失败: %w", path, err)
	}
	return pkgs, nil
}

func decodePackages(r io.Reader) ([]Package, error) {
	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.New("顶层必须是 JSON 对象")
	}

	var pkgs []Package
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("非法的包名: %v", keyTok)
		}
		var specs []string
		if err := dec.Decode(&specs); err != nil {
			return nil, fmt.Errorf("包 %s: %w", name, err)
		}
		pkgs = append(pkgs, Package{Name: name, Specs: specs})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return pkgs, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 8000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFormat", "json")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("FileDir", "./cache/files")
	v.SetDefault("JSONDir", "./cache/json")
	v.SetDefault("IndexURL", "https://pypi.org")
	v.SetDefault("MaxWorkers", 0)
	v.SetDefault("MaxRetries", 3)
	v.SetDefault("InitialBackoff", "1s")
	v.SetDefault("UpstreamTimeout", "60s")
	v.SetDefault("LegacyReleases", false)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 8000
	}
	if g.IndexURL == "" {
		g.IndexURL = "https://pypi.org"
	}
	g.IndexURL = strings.TrimSuffix(g.IndexURL, "/")
	g.FileURLBase = strings.TrimSuffix(g.FileURLBase, "/")
	if g.MaxWorkers <= 0 {
		g.MaxWorkers = DefaultMaxWorkers()
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(time.Second)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(60 * time.Second)
	}
}

// DefaultMaxWorkers 与常见线程池默认值一致：CPU 数 * 5，至少 1。
func DefaultMaxWorkers() int {
	n := runtime.NumCPU() * 5
	if n < 1 {
		return 1
	}
	return n
}

func normalizePackages(pkgs []Package) {
	for i := range pkgs {
		pkgs[i].Name = pep.Normalize(strings.TrimSpace(pkgs[i].Name))
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
