package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务或同步。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.FileDir == "" {
		return newFieldError("Global.FileDir", "不能为空")
	}
	if g.JSONDir == "" {
		return newFieldError("Global.JSONDir", "不能为空")
	}
	if g.MaxWorkers <= 0 {
		return newFieldError("Global.MaxWorkers", "必须大于 0")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if err := validateBaseURL(g.IndexURL); err != nil {
		return fmt.Errorf("Global.IndexURL: %w", err)
	}
	if g.FileURLBase != "" {
		if err := validateBaseURL(g.FileURLBase); err != nil {
			return fmt.Errorf("Global.FileURLBase: %w", err)
		}
	}

	if len(c.Packages) == 0 {
		return errors.New("至少需要配置一个 Package")
	}

	seenNames := map[string]struct{}{}
	seenSpecs := map[string]string{}
	for _, pkg := range c.Packages {
		if pkg.Name == "" {
			return newFieldError("Package[].Name", "不能为空")
		}
		if _, exists := seenNames[pkg.Name]; exists {
			return newFieldError(packageField(pkg.Name, "Name"), "规范化后重复")
		}
		seenNames[pkg.Name] = struct{}{}

		if len(pkg.Specs) == 0 {
			return newFieldError(packageField(pkg.Name, "Specs"), "不能为空")
		}
		for _, spec := range pkg.Specs {
			if err := validateSpec(spec); err != nil {
				return fmt.Errorf("%s: %w", packageField(pkg.Name, "Specs"), err)
			}
			if owner, exists := seenSpecs[spec]; exists && owner != pkg.Name {
				return newFieldError(packageField(pkg.Name, "Specs"), fmt.Sprintf("%s 已被 %s 声明", spec, owner))
			}
			seenSpecs[spec] = pkg.Name
		}
	}

	return nil
}

// validateSpec 拒绝会逃逸缓存目录的文件名。
func validateSpec(spec string) error {
	if strings.TrimSpace(spec) == "" {
		return errors.New("文件名不能为空")
	}
	if strings.ContainsAny(spec, `/\`) || spec == "." || spec == ".." {
		return fmt.Errorf("文件名不允许包含路径: %s", spec)
	}
	return nil
}

func validateBaseURL(raw string) error {
	if raw == "" {
		return errors.New("缺少地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	return nil
}
