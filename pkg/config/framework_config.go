package config

import (
	"net"
	"strconv"
	"time"
)

// EngineConfig 自动化引擎配置（对外导出）
type EngineConfig struct {
	Automation struct {
		General struct {
			InstanceName string `yaml:"instance_name"`
			LogLevel     string `yaml:"log_level"`
			Env          string `yaml:"env"`
			WorkerID     string `yaml:"worker_id"` // 为空时使用 hostname-pid
		} `yaml:"general"`
		Storage struct {
			Database struct {
				Type            string        `yaml:"type"`
				DSN             string        `yaml:"dsn"`
				MaxOpenConns    int           `yaml:"max_open_conns"`
				MaxIdleConns    int           `yaml:"max_idle_conns"`
				ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
			} `yaml:"database"`
			Cache struct {
				Enabled      bool          `yaml:"enabled"`
				WorkflowTTL  time.Duration `yaml:"workflow_ttl"`   // 活动工作流列表缓存
				SeenEventTTL time.Duration `yaml:"seen_event_ttl"` // 事件去重窗口
			} `yaml:"cache"`
		} `yaml:"storage"`
		Dispatcher struct {
			TickInterval      time.Duration  `yaml:"tick_interval"`
			BatchSize         int            `yaml:"batch_size"`
			ClaimLease        time.Duration  `yaml:"claim_lease"`
			WorkerConcurrency int            `yaml:"worker_concurrency"`
			UnitTimeout       time.Duration  `yaml:"unit_timeout"`
			MaxPerOrg         int            `yaml:"max_per_org"`
			OrgPools          map[string]int `yaml:"org_pools"`
		} `yaml:"dispatcher"`
		Execution struct {
			StepTimeout time.Duration `yaml:"step_timeout"`
			HoldRecheck time.Duration `yaml:"hold_recheck"`
			Retry       struct {
				MaxAttempts int           `yaml:"max_attempts"`
				Delay       time.Duration `yaml:"delay"`
				MaxDelay    time.Duration `yaml:"max_delay"`
			} `yaml:"retry"`
		} `yaml:"execution"`
		Server struct {
			Host         string        `yaml:"host"`
			Port         int           `yaml:"port"`
			Mode         string        `yaml:"mode"` // gin 模式：debug/release/test
			ReadTimeout  time.Duration `yaml:"read_timeout"`
			WriteTimeout time.Duration `yaml:"write_timeout"`
		} `yaml:"server"`
		Capabilities struct {
			Mode    string `yaml:"mode"` // dryrun 或 webhook
			Webhook struct {
				BaseURL   string        `yaml:"base_url"`
				AuthToken string        `yaml:"auth_token"`
				Timeout   time.Duration `yaml:"timeout"`
			} `yaml:"webhook"`
			SMTP SMTPConfig `yaml:"smtp"` // 配置后邮件走 SMTP
		} `yaml:"capabilities"`
		Plugins struct {
			EmailAlert struct {
				Enabled bool     `yaml:"enabled"`
				To      []string `yaml:"to"`
				Events  []string `yaml:"events"`
				OrgID   string   `yaml:"org_id"`
			} `yaml:"email_alert"`
		} `yaml:"plugins"`
	} `yaml:"crm-automation"`
}

// SMTPConfig SMTP 配置
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// GetDatabaseType 获取数据库类型
func (c *EngineConfig) GetDatabaseType() string {
	return c.Automation.Storage.Database.Type
}

// GetDatabaseDSN 获取数据库DSN
func (c *EngineConfig) GetDatabaseDSN() string {
	return c.Automation.Storage.Database.DSN
}

// GetWorkerConcurrency 获取Worker并发数
func (c *EngineConfig) GetWorkerConcurrency() int {
	concurrency := c.Automation.Dispatcher.WorkerConcurrency
	if concurrency <= 0 {
		return 10 // 默认值
	}
	return concurrency
}

// ServerAddr 监听地址
func (c *EngineConfig) ServerAddr() string {
	host := c.Automation.Server.Host
	port := c.Automation.Server.Port
	if port <= 0 {
		port = 8080
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// ApplyDefaults 应用默认值
func (c *EngineConfig) ApplyDefaults() {
	a := &c.Automation

	// General默认值
	if a.General.InstanceName == "" {
		a.General.InstanceName = "crm-automation"
	}
	if a.General.LogLevel == "" {
		a.General.LogLevel = "info"
	}
	if a.General.Env == "" {
		a.General.Env = "dev"
	}

	// Database默认值
	if a.Storage.Database.Type == "" {
		a.Storage.Database.Type = "sqlite"
	}
	if a.Storage.Database.DSN == "" && a.Storage.Database.Type == "sqlite" {
		a.Storage.Database.DSN = "./data/automation.db"
	}
	if a.Storage.Database.MaxOpenConns <= 0 {
		a.Storage.Database.MaxOpenConns = 10
	}
	if a.Storage.Database.MaxIdleConns <= 0 {
		a.Storage.Database.MaxIdleConns = 5
	}
	if a.Storage.Database.ConnMaxLifetime <= 0 {
		a.Storage.Database.ConnMaxLifetime = 2 * time.Hour
	}

	// Cache默认值
	if a.Storage.Cache.WorkflowTTL <= 0 {
		a.Storage.Cache.WorkflowTTL = 30 * time.Second
	}
	if a.Storage.Cache.SeenEventTTL <= 0 {
		a.Storage.Cache.SeenEventTTL = 24 * time.Hour
	}

	// Dispatcher默认值
	if a.Dispatcher.TickInterval <= 0 {
		a.Dispatcher.TickInterval = time.Minute
	}
	if a.Dispatcher.BatchSize <= 0 {
		a.Dispatcher.BatchSize = 100
	}
	if a.Dispatcher.ClaimLease <= 0 {
		a.Dispatcher.ClaimLease = 5 * time.Minute
	}
	if a.Dispatcher.WorkerConcurrency <= 0 {
		a.Dispatcher.WorkerConcurrency = 10
	}
	if a.Dispatcher.UnitTimeout <= 0 {
		a.Dispatcher.UnitTimeout = 2 * time.Minute
	}

	// Execution默认值
	if a.Execution.StepTimeout <= 0 {
		a.Execution.StepTimeout = 30 * time.Second
	}
	if a.Execution.HoldRecheck <= 0 {
		a.Execution.HoldRecheck = 15 * time.Minute
	}
	if a.Execution.Retry.MaxAttempts <= 0 {
		a.Execution.Retry.MaxAttempts = 3
	}
	if a.Execution.Retry.Delay <= 0 {
		a.Execution.Retry.Delay = time.Minute
	}
	if a.Execution.Retry.MaxDelay <= 0 {
		a.Execution.Retry.MaxDelay = time.Hour
	}

	// Server默认值
	if a.Server.Port <= 0 {
		a.Server.Port = 8080
	}
	if a.Server.Mode == "" {
		a.Server.Mode = "release"
	}
	if a.Server.ReadTimeout <= 0 {
		a.Server.ReadTimeout = 15 * time.Second
	}
	if a.Server.WriteTimeout <= 0 {
		a.Server.WriteTimeout = 30 * time.Second
	}

	// Capabilities默认值
	if a.Capabilities.Mode == "" {
		a.Capabilities.Mode = "dryrun"
	}
	if a.Capabilities.Webhook.Timeout <= 0 {
		a.Capabilities.Webhook.Timeout = 10 * time.Second
	}
	if a.Capabilities.SMTP.Port <= 0 {
		a.Capabilities.SMTP.Port = 25
	}

	if len(a.Plugins.EmailAlert.Events) == 0 {
		a.Plugins.EmailAlert.Events = []string{"enrollment.failed"}
	}
}
