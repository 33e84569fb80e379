package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/LENAX/crm-automation/pkg/core/workflow"
	"github.com/LENAX/crm-automation/pkg/storage"
	"github.com/LENAX/crm-automation/pkg/storage/dao"
)

const workflowColumns = `id, org_id, directory, name, description, status, trigger_kind, conditions, actions,
	prevent_duplicates, duplicate_lookback_days, max_attempts, total_runs, successful_runs, failed_runs,
	executed_steps, total_step_ms, last_run_at, created_at, updated_at`

var (
	workflowInsertColumns = []string{
		"id", "org_id", "directory", "name", "description", "status", "trigger_kind", "conditions", "actions",
		"prevent_duplicates", "duplicate_lookback_days", "max_attempts", "total_runs", "successful_runs",
		"failed_runs", "executed_steps", "total_step_ms", "last_run_at", "created_at", "updated_at",
	}
	// 汇总计数只通过 IncrementWorkflowStats 修改
	workflowUpdateColumns = []string{
		"directory", "name", "description", "status", "trigger_kind", "conditions", "actions",
		"prevent_duplicates", "duplicate_lookback_days", "max_attempts", "updated_at",
	}
)

// SaveWorkflow 按ID插入或更新工作流定义
func (s *Store) SaveWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	if wf == nil {
		return fmt.Errorf("workflow不能为空")
	}
	wfDAO, err := dao.FromWorkflow(wf)
	if err != nil {
		return err
	}

	var owner string
	err = s.db.GetContext(ctx, &owner, s.rebind(`SELECT org_id FROM automation_workflow WHERE id = ?`), wf.ID)
	if err != nil && !isNoRows(err) {
		return fmt.Errorf("查询Workflow失败: %w", err)
	}
	if owner != "" && owner != wf.OrgID {
		return fmt.Errorf("Workflow %s 属于其他组织", wf.ID)
	}

	query := s.dialect.UpsertSQL("automation_workflow", workflowInsertColumns, "id", workflowUpdateColumns)
	if _, err := s.db.NamedExecContext(ctx, query, wfDAO); err != nil {
		return fmt.Errorf("保存Workflow失败: %w", err)
	}
	return nil
}

// GetWorkflow 查询组织内的工作流，不存在返回 nil, nil
func (s *Store) GetWorkflow(ctx context.Context, orgID, id string) (*workflow.Workflow, error) {
	var wfDAO dao.WorkflowDAO
	query := s.rebind(`SELECT ` + workflowColumns + ` FROM automation_workflow WHERE org_id = ? AND id = ?`)
	if err := s.db.GetContext(ctx, &wfDAO, query, orgID, id); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询Workflow失败: %w", err)
	}
	return wfDAO.ToWorkflow()
}

// ListWorkflows 按条件列出工作流
func (s *Store) ListWorkflows(ctx context.Context, filter storage.WorkflowFilter) ([]*workflow.Workflow, error) {
	where := []string{"org_id = ?"}
	args := []any{filter.OrgID}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Directory != "" {
		where = append(where, "directory = ?")
		args = append(args, filter.Directory)
	}
	query := `SELECT ` + workflowColumns + ` FROM automation_workflow WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_at ASC, id ASC`
	return s.selectWorkflows(ctx, s.rebind(query), args...)
}

// ListActiveWorkflows 查询组织内匹配任一触发器的 active 工作流
func (s *Store) ListActiveWorkflows(ctx context.Context, orgID string, triggers []workflow.TriggerKind) ([]*workflow.Workflow, error) {
	if len(triggers) == 0 {
		return []*workflow.Workflow{}, nil
	}
	kinds := make([]string, len(triggers))
	for i, t := range triggers {
		kinds[i] = string(t)
	}
	query, args, err := sqlx.In(`SELECT `+workflowColumns+` FROM automation_workflow
		WHERE org_id = ? AND status = ? AND trigger_kind IN (?) ORDER BY created_at ASC, id ASC`,
		orgID, string(workflow.StatusActive), kinds)
	if err != nil {
		return nil, fmt.Errorf("构建查询失败: %w", err)
	}
	return s.selectWorkflows(ctx, s.rebind(query), args...)
}

func (s *Store) selectWorkflows(ctx context.Context, query string, args ...any) ([]*workflow.Workflow, error) {
	var daos []dao.WorkflowDAO
	if err := s.db.SelectContext(ctx, &daos, query, args...); err != nil {
		return nil, fmt.Errorf("查询Workflow列表失败: %w", err)
	}
	result := make([]*workflow.Workflow, 0, len(daos))
	for i := range daos {
		wf, err := daos[i].ToWorkflow()
		if err != nil {
			return nil, err
		}
		result = append(result, wf)
	}
	return result, nil
}

// UpdateWorkflowStatus 修改工作流状态
func (s *Store) UpdateWorkflowStatus(ctx context.Context, orgID, id string, status workflow.Status, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE automation_workflow SET status = ?, updated_at = ? WHERE org_id = ? AND id = ?`),
		string(status), now.UnixMilli(), orgID, id)
	if err != nil {
		return false, fmt.Errorf("更新Workflow状态失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteWorkflow 删除工作流定义，报名与执行记录保留为历史
func (s *Store) DeleteWorkflow(ctx context.Context, orgID, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM automation_workflow WHERE org_id = ? AND id = ?`), orgID, id)
	if err != nil {
		return false, fmt.Errorf("删除Workflow失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// IncrementWorkflowStats 以增量方式更新汇总计数，并发写入不会互相覆盖
func (s *Store) IncrementWorkflowStats(ctx context.Context, orgID, id string, delta workflow.StatsDelta) error {
	var steps, stepMs int64
	if delta.StepDurationMs != nil {
		steps = 1
		stepMs = *delta.StepDurationMs
	}
	set := `total_runs = total_runs + ?,
		successful_runs = successful_runs + ?,
		failed_runs = failed_runs + ?,
		executed_steps = executed_steps + ?,
		total_step_ms = total_step_ms + ?`
	args := []any{delta.Runs, delta.Successful, delta.Failed, steps, stepMs}
	if delta.LastRunAt != nil {
		set += `, last_run_at = ?`
		args = append(args, delta.LastRunAt.UnixMilli())
	}
	args = append(args, orgID, id)
	_, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE automation_workflow SET `+set+` WHERE org_id = ? AND id = ?`), args...)
	if err != nil {
		return fmt.Errorf("更新Workflow统计失败: %w", err)
	}
	return nil
}
