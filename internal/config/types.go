package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/any-hub/asset-hub/internal/manifest"
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

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为：监听、日志、存储与安装参数。
type GlobalConfig struct {
	ListenPort         int      `mapstructure:"ListenPort"`
	LogLevel           string   `mapstructure:"LogLevel"`
	LogFilePath        string   `mapstructure:"LogFilePath"`
	LogMaxSize         int      `mapstructure:"LogMaxSize"`
	LogMaxBackups      int      `mapstructure:"LogMaxBackups"`
	LogCompress        bool     `mapstructure:"LogCompress"`
	Origin             string   `mapstructure:"Origin"`
	StorageDriver      string   `mapstructure:"StorageDriver"`
	StoragePath        string   `mapstructure:"StoragePath"`
	GenerationID       string   `mapstructure:"GenerationID"`
	AutoInstall        bool     `mapstructure:"AutoInstall"`
	MaxRetries         int      `mapstructure:"MaxRetries"`
	InitialBackoff     Duration `mapstructure:"InitialBackoff"`
	FetchTimeout       Duration `mapstructure:"FetchTimeout"`
	InstallConcurrency int      `mapstructure:"InstallConcurrency"`
	MaxBodySize        int64    `mapstructure:"MaxBodySize"`
	ReapInterval       Duration `mapstructure:"ReapInterval"`
}

// NoticeConfig 提供推送解码失败时的兜底通知内容与去重窗口。
type NoticeConfig struct {
	Title             string   `mapstructure:"Title"`
	Body              string   `mapstructure:"Body"`
	Tag               string   `mapstructure:"Tag"`
	Icon              string   `mapstructure:"Icon"`
	Badge             string   `mapstructure:"Badge"`
	Vibrate           []int    `mapstructure:"Vibrate"`
	SuppressionWindow Duration `mapstructure:"SuppressionWindow"`
}

// AssetConfig 对应 [[Asset]] 表，声明默认代际的资源清单。
type AssetConfig struct {
	Path     string `mapstructure:"Path"`
	Required bool   `mapstructure:"Required"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig  `mapstructure:",squash"`
	Notice NoticeConfig  `mapstructure:"Notice"`
	Assets []AssetConfig `mapstructure:"Asset"`
}

// Manifest 将 [[Asset]] 转换为校验后的清单；未配置资源时返回 nil。
func (c *Config) Manifest() (*manifest.Manifest, error) {
	if len(c.Assets) == 0 {
		return nil, nil
	}
	entries := make([]manifest.Entry, len(c.Assets))
	for i, asset := range c.Assets {
		entries[i] = manifest.Entry{Path: asset.Path, Required: asset.Required}
	}
	return manifest.New(entries)
}

// RequiredAssets 统计必需资源数量，供启动日志使用。
func (c *Config) RequiredAssets() int {
	count := 0
	for _, asset := range c.Assets {
		if asset.Required {
			count++
		}
	}
	return count
}
