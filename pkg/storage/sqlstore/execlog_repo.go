package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/LENAX/crm-automation/pkg/core/execlog"
	"github.com/LENAX/crm-automation/pkg/storage"
	"github.com/LENAX/crm-automation/pkg/storage/dao"
)

const logColumns = `id, org_id, workflow_id, enrollment_id, client_id, step_id, action_type, status, attempt,
	executed_at, duration_ms, message, error, metadata`

// AppendExecutionLog 追加一条执行记录，记录不会被更新或删除
func (s *Store) AppendExecutionLog(ctx context.Context, entry *execlog.Entry) error {
	logDAO, err := dao.FromExecutionLog(entry)
	if err != nil {
		return err
	}
	query := `INSERT INTO execution_log (` + logColumns + `) VALUES (
		:id, :org_id, :workflow_id, :enrollment_id, :client_id, :step_id, :action_type, :status, :attempt,
		:executed_at, :duration_ms, :message, :error, :metadata)`
	if _, err := s.db.NamedExecContext(ctx, query, logDAO); err != nil {
		return fmt.Errorf("写入执行记录失败: %w", err)
	}
	return nil
}

// ListExecutionLogs 按写入顺序列出执行记录
func (s *Store) ListExecutionLogs(ctx context.Context, filter storage.LogFilter) ([]*execlog.Entry, error) {
	where := []string{"org_id = ?"}
	args := []any{filter.OrgID}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.EnrollmentID != "" {
		where = append(where, "enrollment_id = ?")
		args = append(args, filter.EnrollmentID)
	}
	if filter.ClientID != "" {
		where = append(where, "client_id = ?")
		args = append(args, filter.ClientID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	// ULID 按时间单调递增，id 作为同毫秒内的顺序
	query := `SELECT ` + logColumns + ` FROM execution_log WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY executed_at ASC, id ASC LIMIT ?`
	args = append(args, limit)

	var daos []dao.ExecutionLogDAO
	if err := s.db.SelectContext(ctx, &daos, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("查询执行记录失败: %w", err)
	}
	result := make([]*execlog.Entry, 0, len(daos))
	for i := range daos {
		entry, err := daos[i].ToExecutionLog()
		if err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, nil
}

// FindExecutedStep 查询某报名某步骤已成功执行的记录，不存在返回 nil, nil
func (s *Store) FindExecutedStep(ctx context.Context, orgID, enrollmentID, stepID string) (*execlog.Entry, error) {
	var logDAO dao.ExecutionLogDAO
	query := s.rebind(`SELECT ` + logColumns + ` FROM execution_log
		WHERE org_id = ? AND enrollment_id = ? AND step_id = ? AND status = ?
		ORDER BY executed_at DESC, id DESC LIMIT 1`)
	if err := s.db.GetContext(ctx, &logDAO, query, orgID, enrollmentID, stepID, string(execlog.StatusExecuted)); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询执行记录失败: %w", err)
	}
	return logDAO.ToExecutionLog()
}
