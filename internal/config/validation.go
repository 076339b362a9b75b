package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/any-hub/asset-hub/internal/cache"
	"github.com/any-hub/asset-hub/internal/manifest"
)

var supportedStorageDrivers = map[string]struct{}{
	"file":   {},
	"sqlite": {},
	"memory": {},
}

const supportedStorageDriverList = "file|sqlite|memory"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if err := validateOrigin(g.Origin); err != nil {
		return fmt.Errorf("Global.Origin: %w", err)
	}
	if _, ok := supportedStorageDrivers[g.StorageDriver]; !ok {
		return newFieldError("Global.StorageDriver", "仅支持 "+supportedStorageDriverList)
	}
	if g.StorageDriver != "memory" && g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.GenerationID != "" {
		if err := cache.ValidateGeneration(g.GenerationID); err != nil {
			return newFieldError("Global.GenerationID", "仅允许字母、数字、'.'、'-'、'_'")
		}
	}
	if g.MaxRetries < 1 {
		return newFieldError("Global.MaxRetries", "至少为 1")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.FetchTimeout.DurationValue() <= 0 {
		return newFieldError("Global.FetchTimeout", "必须大于 0")
	}
	if g.InstallConcurrency <= 0 {
		return newFieldError("Global.InstallConcurrency", "必须大于 0")
	}
	if g.MaxBodySize <= 0 {
		return newFieldError("Global.MaxBodySize", "必须大于 0")
	}
	if g.ReapInterval.DurationValue() <= 0 {
		return newFieldError("Global.ReapInterval", "必须大于 0")
	}

	if c.Notice.SuppressionWindow.DurationValue() < 0 {
		return newFieldError("Notice.SuppressionWindow", "不能为负数")
	}
	for _, icon := range []struct{ field, value string }{
		{"Notice.Icon", c.Notice.Icon},
		{"Notice.Badge", c.Notice.Badge},
	} {
		if icon.value == "" {
			continue
		}
		if _, err := url.Parse(icon.value); err != nil {
			return newFieldError(icon.field, "不是合法 URL")
		}
	}

	for i, asset := range c.Assets {
		if strings.TrimSpace(asset.Path) == "" {
			return newFieldError(assetField(i, "Path"), "不能为空")
		}
	}
	if g.AutoInstall && len(c.Assets) == 0 {
		return newFieldError("Global.AutoInstall", "启用自动安装时至少需要一个 Asset")
	}
	if _, err := c.Manifest(); err != nil {
		if errors.Is(err, manifest.ErrInvalid) {
			return newFieldError("Asset", err.Error())
		}
		return err
	}

	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	return nil
}
