package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/LENAX/crm-automation/pkg/core/enrollment"
	"github.com/LENAX/crm-automation/pkg/storage"
	"github.com/LENAX/crm-automation/pkg/storage/dao"
)

const enrollmentColumns = `id, org_id, workflow_id, client_id, reason, status, current_step, next_execution_at,
	pending_execution_at, waiting_on, attempts, last_error, claimed_by, claimed_until, version, enrolled_at,
	completed_at, paused_at, resumed_at, updated_at, facts, metadata`

const insertEnrollmentSQL = `INSERT INTO workflow_enrollment (` + enrollmentColumns + `) VALUES (
	:id, :org_id, :workflow_id, :client_id, :reason, :status, :current_step, :next_execution_at,
	:pending_execution_at, :waiting_on, :attempts, :last_error, :claimed_by, :claimed_until, :version, :enrolled_at,
	:completed_at, :paused_at, :resumed_at, :updated_at, :facts, :metadata)`

// CreateEnrollment 插入新报名
func (s *Store) CreateEnrollment(ctx context.Context, e *enrollment.Enrollment) error {
	eDAO, err := dao.FromEnrollment(e)
	if err != nil {
		return err
	}
	if _, err := s.db.NamedExecContext(ctx, insertEnrollmentSQL, eDAO); err != nil {
		return fmt.Errorf("保存Enrollment失败: %w", err)
	}
	return nil
}

// CreateEnrollmentGuarded 事务内读取最近一次报名，仍在冷却窗口内则不插入。
// 先对 enrollment_guard 中 (org, workflow, client) 行执行 upsert 取得行锁，
// 同一客户的并发报名在多个进程间按该行串行。
func (s *Store) CreateEnrollmentGuarded(ctx context.Context, e *enrollment.Enrollment, since time.Time) (bool, error) {
	eDAO, err := dao.FromEnrollment(e)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	lock := map[string]any{
		"org_id":      e.OrgID,
		"workflow_id": e.WorkflowID,
		"client_id":   e.ClientID,
		"locked_at":   time.Now().UnixMilli(),
	}
	if _, err := tx.NamedExecContext(ctx, s.guardLockSQL(), lock); err != nil {
		return false, fmt.Errorf("锁定报名守卫失败: %w", err)
	}

	var latest dao.EnrollmentDAO
	query := tx.Rebind(`SELECT ` + enrollmentColumns + ` FROM workflow_enrollment
		WHERE org_id = ? AND workflow_id = ? AND client_id = ?
		ORDER BY enrolled_at DESC, id DESC LIMIT 1`)
	err = tx.GetContext(ctx, &latest, query, e.OrgID, e.WorkflowID, e.ClientID)
	switch {
	case err == nil:
		if enrollment.InCooldown(enrollment.Status(latest.Status)) && latest.EnrolledAt >= since.UnixMilli() {
			return false, nil
		}
	case !isNoRows(err):
		return false, fmt.Errorf("查询最近报名失败: %w", err)
	}

	if _, err := tx.NamedExecContext(ctx, insertEnrollmentSQL, eDAO); err != nil {
		return false, fmt.Errorf("保存Enrollment失败: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("提交事务失败: %w", err)
	}
	return true, nil
}

func (s *Store) guardLockSQL() string {
	return s.dialect.UpsertSQL("enrollment_guard",
		[]string{"org_id", "workflow_id", "client_id", "locked_at"},
		"org_id, workflow_id, client_id",
		[]string{"locked_at"})
}

// GetEnrollment 查询组织内的报名，不存在返回 nil, nil
func (s *Store) GetEnrollment(ctx context.Context, orgID, id string) (*enrollment.Enrollment, error) {
	var eDAO dao.EnrollmentDAO
	query := s.rebind(`SELECT ` + enrollmentColumns + ` FROM workflow_enrollment WHERE org_id = ? AND id = ?`)
	if err := s.db.GetContext(ctx, &eDAO, query, orgID, id); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询Enrollment失败: %w", err)
	}
	return eDAO.ToEnrollment()
}

// ListEnrollments 按条件列出报名，最新的在前
func (s *Store) ListEnrollments(ctx context.Context, filter storage.EnrollmentFilter) ([]*enrollment.Enrollment, error) {
	where := []string{"org_id = ?"}
	args := []any{filter.OrgID}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
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
		limit = 100
	}
	query := `SELECT ` + enrollmentColumns + ` FROM workflow_enrollment WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY enrolled_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)
	return s.selectEnrollments(ctx, s.db, s.rebind(query), args...)
}

// LatestEnrollment 查询 (workflow, client) 最近一次报名
func (s *Store) LatestEnrollment(ctx context.Context, orgID, workflowID, clientID string) (*enrollment.Enrollment, error) {
	var eDAO dao.EnrollmentDAO
	query := s.rebind(`SELECT ` + enrollmentColumns + ` FROM workflow_enrollment
		WHERE org_id = ? AND workflow_id = ? AND client_id = ?
		ORDER BY enrolled_at DESC, id DESC LIMIT 1`)
	if err := s.db.GetContext(ctx, &eDAO, query, orgID, workflowID, clientID); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询最近报名失败: %w", err)
	}
	return eDAO.ToEnrollment()
}

// ListDue 查询到期且未被租约持有的报名。
// 组织之间轮转：每个组织最早到期的一条排在任何组织的第二条之前；
// perOrg > 0 时每个组织本批最多返回 perOrg 条。
func (s *Store) ListDue(ctx context.Context, now time.Time, limit, perOrg int) ([]*enrollment.Enrollment, error) {
	if limit <= 0 {
		limit = 100
	}
	ms := now.UnixMilli()
	args := []any{string(enrollment.StatusActive), ms, ms}
	capClause := ""
	if perOrg > 0 {
		capClause = ` WHERE org_rank <= ?`
		args = append(args, perOrg)
	}
	args = append(args, limit)
	query := s.rebind(`SELECT ` + enrollmentColumns + ` FROM (
		SELECT ` + enrollmentColumns + `,
			ROW_NUMBER() OVER (PARTITION BY org_id ORDER BY next_execution_at ASC, enrolled_at ASC, id ASC) AS org_rank
		FROM workflow_enrollment
		WHERE status = ? AND next_execution_at IS NOT NULL AND next_execution_at <= ?
		AND (claimed_until IS NULL OR claimed_until <= ?)
	) due` + capClause + `
	ORDER BY org_rank ASC, next_execution_at ASC, enrolled_at ASC, id ASC LIMIT ?`)
	return s.selectEnrollments(ctx, s.db, query, args...)
}

// ClaimEnrollment 以版本号CAS获取租约
func (s *Store) ClaimEnrollment(ctx context.Context, e *enrollment.Enrollment, workerID string, now, leaseUntil time.Time) (bool, error) {
	ms := now.UnixMilli()
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE workflow_enrollment
		SET claimed_by = ?, claimed_until = ?, version = version + 1
		WHERE id = ? AND version = ? AND status = ?
		AND next_execution_at IS NOT NULL AND next_execution_at <= ?
		AND (claimed_until IS NULL OR claimed_until <= ?)`),
		workerID, leaseUntil.UnixMilli(), e.ID, e.Version, string(enrollment.StatusActive), ms, ms)
	if err != nil {
		return false, fmt.Errorf("领取Enrollment失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	until := leaseUntil
	e.ClaimedBy = workerID
	e.ClaimedUntil = &until
	e.Version++
	return true, nil
}

// UpdateEnrollment 以版本号CAS保存，冲突返回 storage.ErrConflict
func (s *Store) UpdateEnrollment(ctx context.Context, e *enrollment.Enrollment) error {
	eDAO, err := dao.FromEnrollment(e)
	if err != nil {
		return err
	}
	query := `UPDATE workflow_enrollment SET
		status = :status, current_step = :current_step, next_execution_at = :next_execution_at,
		pending_execution_at = :pending_execution_at, waiting_on = :waiting_on, attempts = :attempts,
		last_error = :last_error, claimed_by = :claimed_by, claimed_until = :claimed_until,
		completed_at = :completed_at, paused_at = :paused_at, resumed_at = :resumed_at,
		updated_at = :updated_at, facts = :facts, metadata = :metadata, version = version + 1
		WHERE id = :id AND org_id = :org_id AND version = :version`
	res, err := s.db.NamedExecContext(ctx, query, eDAO)
	if err != nil {
		return fmt.Errorf("更新Enrollment失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrConflict
	}
	e.Version++
	return nil
}

func (s *Store) selectEnrollments(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) ([]*enrollment.Enrollment, error) {
	var daos []dao.EnrollmentDAO
	if err := sqlx.SelectContext(ctx, q, &daos, query, args...); err != nil {
		return nil, fmt.Errorf("查询Enrollment列表失败: %w", err)
	}
	result := make([]*enrollment.Enrollment, 0, len(daos))
	for i := range daos {
		e, err := daos[i].ToEnrollment()
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, nil
}
