package config

import (
	"fmt"
	"strings"
)

var lifecycleEvents = map[string]bool{
	"enrollment.created":   true,
	"enrollment.completed": true,
	"enrollment.failed":    true,
	"enrollment.cancelled": true,
	"enrollment.paused":    true,
	"enrollment.resumed":   true,
	"step.executed":        true,
	"step.failed":          true,
}

// Validate 校验配置合法性
func (c *EngineConfig) Validate() error {
	return ValidateFrameworkConfig(c)
}

// ValidateFrameworkConfig 校验引擎配置合法性
func ValidateFrameworkConfig(cfg *EngineConfig) error {
	if cfg == nil {
		return fmt.Errorf("配置不能为空")
	}
	a := &cfg.Automation

	// 校验General
	if a.General.InstanceName == "" {
		return fmt.Errorf("instance_name不能为空")
	}
	if a.General.LogLevel != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[a.General.LogLevel] {
			return fmt.Errorf("log_level必须是debug/info/warn/error之一")
		}
	}

	// 校验Storage.Database
	if a.Storage.Database.Type == "" {
		return fmt.Errorf("database.type不能为空")
	}
	validDBTypes := map[string]bool{
		"sqlite":     true,
		"sqlite3":    true,
		"postgres":   true,
		"postgresql": true,
		"mysql":      true,
	}
	if !validDBTypes[a.Storage.Database.Type] {
		return fmt.Errorf("database.type必须是sqlite/postgres/mysql之一")
	}
	if a.Storage.Database.DSN == "" {
		return fmt.Errorf("database.dsn不能为空")
	}
	if a.Storage.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns必须大于0")
	}
	if a.Storage.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns不能为负数")
	}

	// 校验Dispatcher
	if a.Dispatcher.TickInterval < 0 {
		return fmt.Errorf("dispatcher.tick_interval不能为负数")
	}
	if a.Dispatcher.BatchSize < 0 {
		return fmt.Errorf("dispatcher.batch_size不能为负数")
	}
	if a.Dispatcher.WorkerConcurrency < 0 {
		return fmt.Errorf("dispatcher.worker_concurrency不能为负数")
	}
	if a.Dispatcher.ClaimLease > 0 && a.Dispatcher.UnitTimeout > a.Dispatcher.ClaimLease {
		return fmt.Errorf("dispatcher.unit_timeout不能大于claim_lease")
	}
	if a.Dispatcher.MaxPerOrg < 0 {
		return fmt.Errorf("dispatcher.max_per_org不能为负数")
	}
	reserved := 0
	for orgID, size := range a.Dispatcher.OrgPools {
		if size <= 0 {
			return fmt.Errorf("dispatcher.org_pools[%s]必须大于0", orgID)
		}
		reserved += size
	}
	if reserved > a.Dispatcher.WorkerConcurrency {
		return fmt.Errorf("dispatcher.org_pools总和（%d）超过worker_concurrency（%d）", reserved, a.Dispatcher.WorkerConcurrency)
	}

	// 校验Retry
	retry := a.Execution.Retry
	if retry.MaxAttempts < 0 {
		return fmt.Errorf("execution.retry.max_attempts不能为负数")
	}
	if retry.Delay < 0 {
		return fmt.Errorf("execution.retry.delay不能为负数")
	}
	if retry.MaxDelay < 0 {
		return fmt.Errorf("execution.retry.max_delay不能为负数")
	}
	if retry.MaxDelay > 0 && retry.Delay > retry.MaxDelay {
		return fmt.Errorf("execution.retry.delay不能大于max_delay")
	}

	// 校验Server
	if a.Server.Port < 0 || a.Server.Port > 65535 {
		return fmt.Errorf("server.port超出范围: %d", a.Server.Port)
	}
	switch a.Server.Mode {
	case "", "debug", "release", "test":
	default:
		return fmt.Errorf("server.mode必须是debug/release/test之一")
	}

	// 校验Capabilities
	switch a.Capabilities.Mode {
	case "", "dryrun":
	case "webhook":
		if a.Capabilities.Webhook.BaseURL == "" {
			return fmt.Errorf("capabilities.webhook.base_url不能为空")
		}
		if !strings.HasPrefix(a.Capabilities.Webhook.BaseURL, "http://") && !strings.HasPrefix(a.Capabilities.Webhook.BaseURL, "https://") {
			return fmt.Errorf("capabilities.webhook.base_url必须是http(s)地址")
		}
	default:
		return fmt.Errorf("capabilities.mode必须是dryrun/webhook之一")
	}
	if a.Capabilities.SMTP.Host != "" && a.Capabilities.SMTP.From == "" {
		return fmt.Errorf("capabilities.smtp.from不能为空")
	}

	// 校验Plugins
	alert := a.Plugins.EmailAlert
	if alert.Enabled {
		if len(alert.To) == 0 {
			return fmt.Errorf("plugins.email_alert.to不能为空")
		}
		for _, ev := range alert.Events {
			if !lifecycleEvents[ev] {
				return fmt.Errorf("plugins.email_alert.events包含未知事件: %s", ev)
			}
		}
	}

	return nil
}
