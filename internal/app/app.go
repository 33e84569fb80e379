// Package app 按配置组装存储、外部能力、插件、引擎与 HTTP 服务
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/LENAX/crm-automation/internal/storage"
	"github.com/LENAX/crm-automation/pkg/api"
	"github.com/LENAX/crm-automation/pkg/capability"
	"github.com/LENAX/crm-automation/pkg/config"
	"github.com/LENAX/crm-automation/pkg/core/engine"
	"github.com/LENAX/crm-automation/pkg/core/events"
	"github.com/LENAX/crm-automation/pkg/core/step"
	"github.com/LENAX/crm-automation/pkg/plugin"
	corestorage "github.com/LENAX/crm-automation/pkg/storage"
	"github.com/LENAX/crm-automation/pkg/storage/sqlstore"
)

// App 组装完成的服务
type App struct {
	Config  *config.EngineConfig
	Store   corestorage.Store
	Engine  *engine.Engine
	Server  *api.APIServer
	Plugins plugin.PluginManager
}

// New 按配置创建服务，不启动
func New(cfg *config.EngineConfig, version string) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}
	a := &cfg.Automation

	db := a.Storage.Database
	store, err := storage.NewStore(db.Type, db.DSN, sqlstore.Options{
		MaxOpenConns:    db.MaxOpenConns,
		MaxIdleConns:    db.MaxIdleConns,
		ConnMaxLifetime: db.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("创建存储失败: %w", err)
	}

	caps, mailer, err := NewCapabilities(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	plugins, err := NewPlugins(cfg, mailer)
	if err != nil {
		store.Close()
		return nil, err
	}

	bus, err := events.NewBus(events.BusOptions{Debug: a.General.LogLevel == "debug"})
	if err != nil {
		store.Close()
		return nil, err
	}

	workflowTTL := a.Storage.Cache.WorkflowTTL
	if !a.Storage.Cache.Enabled {
		workflowTTL = 0
	}
	eng, err := engine.NewEngine(store, caps, engine.Options{
		WorkerID:     a.General.WorkerID,
		TickInterval: a.Dispatcher.TickInterval,
		BatchSize:    a.Dispatcher.BatchSize,
		ClaimLease:   a.Dispatcher.ClaimLease,
		MaxWorkers:   a.Dispatcher.WorkerConcurrency,
		UnitTimeout:  a.Dispatcher.UnitTimeout,
		MaxPerOrg:    a.Dispatcher.MaxPerOrg,
		OrgPools:     a.Dispatcher.OrgPools,
		Step: step.Options{
			StepTimeout:   a.Execution.StepTimeout,
			MaxAttempts:   a.Execution.Retry.MaxAttempts,
			RetryDelay:    a.Execution.Retry.Delay,
			MaxRetryDelay: a.Execution.Retry.MaxDelay,
			HoldRecheck:   a.Execution.HoldRecheck,
		},
		WorkflowCacheTTL: workflowTTL,
		SeenEventTTL:     a.Storage.Cache.SeenEventTTL,
		Bus:              bus,
		Plugins:          plugins,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("创建引擎失败: %w", err)
	}

	server := api.NewAPIServer(eng, api.ServerConfig{
		Host:         a.Server.Host,
		Port:         a.Server.Port,
		Mode:         a.Server.Mode,
		ReadTimeout:  a.Server.ReadTimeout,
		WriteTimeout: a.Server.WriteTimeout,
	}, version)

	return &App{Config: cfg, Store: store, Engine: eng, Server: server, Plugins: plugins}, nil
}

// NewCapabilities 按 capabilities.mode 创建外部能力
// 配置了 SMTP 时邮件渠道改走 SMTP，返回的 mailer 供告警插件复用。
func NewCapabilities(cfg *config.EngineConfig) (capability.Set, capability.Messenger, error) {
	c := cfg.Automation.Capabilities

	var caps capability.Set
	switch c.Mode {
	case "webhook":
		client := capability.NewWebhookClient(c.Webhook.BaseURL, c.Webhook.AuthToken, c.Webhook.Timeout)
		caps = capability.Set{Messenger: client, Clients: client, Appointments: client}
		log.Printf("✅ [启动] 外部能力: webhook, BaseURL=%s", c.Webhook.BaseURL)
	default:
		caps, _, _, _ = capability.NewMemorySet()
		log.Printf("⚠️ [启动] 外部能力: dryrun，消息不会真实发送")
	}

	if c.SMTP.Host == "" {
		return caps, nil, nil
	}
	mailer, err := capability.NewSMTPMailer(capability.SMTPConfig{
		Host:     c.SMTP.Host,
		Port:     c.SMTP.Port,
		Username: c.SMTP.Username,
		Password: c.SMTP.Password,
		From:     c.SMTP.From,
	})
	if err != nil {
		return capability.Set{}, nil, fmt.Errorf("创建SMTP发送器失败: %w", err)
	}
	caps.Messenger = capability.ChannelMux{
		capability.ChannelSMS:   caps.Messenger,
		capability.ChannelEmail: mailer,
	}
	log.Printf("✅ [启动] 邮件渠道: SMTP %s:%d", c.SMTP.Host, c.SMTP.Port)
	return caps, mailer, nil
}

// NewPlugins 注册并绑定插件，未启用任何插件时返回 nil
func NewPlugins(cfg *config.EngineConfig, mailer capability.Messenger) (plugin.PluginManager, error) {
	alert := cfg.Automation.Plugins.EmailAlert
	if !alert.Enabled {
		return nil, nil
	}
	if mailer == nil {
		return nil, fmt.Errorf("plugins.email_alert 需要配置 capabilities.smtp")
	}

	pm := plugin.NewPluginManager()
	p := plugin.NewEmailAlertPlugin(mailer)
	if err := pm.RegisterWithInit(p, map[string]string{"to": strings.Join(alert.To, ",")}); err != nil {
		return nil, err
	}
	for _, ev := range alert.Events {
		if err := pm.Bind(plugin.PluginBinding{
			PluginName: p.Name(),
			Event:      plugin.TriggerEvent(ev),
			OrgID:      alert.OrgID,
		}); err != nil {
			return nil, err
		}
	}
	return pm, nil
}

// Run 启动引擎与 HTTP 服务，ctx 结束后优雅关闭
func (a *App) Run(ctx context.Context) error {
	if err := a.Engine.Start(ctx); err != nil {
		return fmt.Errorf("启动引擎失败: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Server.Start()
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}
	a.Close()
	return runErr
}

// Close 停止引擎并关闭存储
func (a *App) Close() {
	a.Engine.Stop()
	if err := a.Store.Close(); err != nil {
		log.Printf("⚠️ [启动] 关闭存储失败: %v", err)
	}
}

func (a *App) shutdownTimeout() time.Duration {
	if d := a.Config.Automation.Server.WriteTimeout; d > 0 {
		return d
	}
	return 30 * time.Second
}
