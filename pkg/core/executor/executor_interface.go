package executor

// Interface 执行器接口（对外导出）
type Interface interface {
	// Start 启动执行器
	Start()
	// Shutdown 关闭执行器，等待运行中的单元结束
	Shutdown() error
	// SetPoolSize 动态调整全局并发池大小
	SetPoolSize(maxSize int) error
	// SetDomainPoolSize 动态调整指定业务域的子池大小
	SetDomainPoolSize(domain string, size int) error
	// GetDomainPoolStatus 查询指定业务域子池的状态（可用数, 最大数）
	GetDomainPoolStatus(domain string) (int, int, error)
	// SubmitUnit 将待调度单元提交至执行器的队列
	SubmitUnit(unit *PendingUnit) error
}

var _ Interface = (*Executor)(nil)
