package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// GlobalConfig 描述进程级运行参数：监听端口、日志、两个缓存根目录与上游行为。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFormat       string   `mapstructure:"LogFormat"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	FileDir         string   `mapstructure:"FileDir"`
	JSONDir         string   `mapstructure:"JSONDir"`
	IndexURL        string   `mapstructure:"IndexURL"`
	FileURLBase     string   `mapstructure:"FileURLBase"`
	MaxWorkers      int      `mapstructure:"MaxWorkers"`
	MaxRetries      int      `mapstructure:"MaxRetries"`
	InitialBackoff  Duration `mapstructure:"InitialBackoff"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	LegacyReleases  bool     `mapstructure:"LegacyReleases"`
	PackagesFile    string   `mapstructure:"PackagesFile"`
}

// Package 声明一个包名及其需要镜像的文件列表，Specs 保持配置顺序。
type Package struct {
	Name  string   `mapstructure:"Name"`
	Specs []string `mapstructure:"Specs"`
}

// Config 是 TOML 文件映射的整体结构，加载后在进程生命周期内只读。
type Config struct {
	Global   GlobalConfig `mapstructure:",squash"`
	Packages []Package    `mapstructure:"Package"`
}

// Lookup 按规范化包名查找配置。
func (c *Config) Lookup(name string) (Package, bool) {
	if c == nil {
		return Package{}, false
	}
	for _, pkg := range c.Packages {
		if pkg.Name == name {
			return pkg, true
		}
	}
	return Package{}, false
}

// Names 返回全部包名，顺序与配置一致。
func (c *Config) Names() []string {
	if c == nil || len(c.Packages) == 0 {
		return nil
	}
	names := make([]string, len(c.Packages))
	for i, pkg := range c.Packages {
		names[i] = pkg.Name
	}
	return names
}

// SpecCount 汇总所有包的文件数量，供启动日志使用。
func (c *Config) SpecCount() int {
	if c == nil {
		return 0
	}
	total := 0
	for _, pkg := range c.Packages {
		total += len(pkg.Specs)
	}
	return total
}

// SpecSet 返回 Specs 的集合视图，用于过滤上游 urls。
func (p Package) SpecSet() map[string]struct{} {
	set := make(map[string]struct{}, len(p.Specs))
	for _, spec := range p.Specs {
		set[spec] = struct{}{}
	}
	return set
}

// HasSpec 判断文件名是否属于该包的配置。
func (p Package) HasSpec(spec string) bool {
	for _, s := range p.Specs {
		if s == spec {
			return true
		}
	}
	return false
}
