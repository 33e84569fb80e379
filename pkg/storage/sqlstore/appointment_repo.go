package sqlstore

import (
	"context"
	"fmt"

	"github.com/LENAX/crm-automation/pkg/core/trigger"
	"github.com/LENAX/crm-automation/pkg/storage/dao"
)

const appointmentTriggerColumns = `id, org_id, appointment_id, client_id, event_id, event_kind, appointment_type,
	matched_workflow_ids, enrollment_ids, created_at`

// SaveAppointmentTrigger 写入预约触发审计记录，同一事件ID只能写入一次
func (s *Store) SaveAppointmentTrigger(ctx context.Context, rec *trigger.AppointmentTrigger) error {
	recDAO, err := dao.FromAppointmentTrigger(rec)
	if err != nil {
		return fmt.Errorf("序列化预约触发记录失败: %w", err)
	}
	query := `INSERT INTO appointment_trigger (` + appointmentTriggerColumns + `) VALUES (
		:id, :org_id, :appointment_id, :client_id, :event_id, :event_kind, :appointment_type,
		:matched_workflow_ids, :enrollment_ids, :created_at)`
	if _, err := s.db.NamedExecContext(ctx, query, recDAO); err != nil {
		return fmt.Errorf("保存预约触发记录失败: %w", err)
	}
	return nil
}

// GetAppointmentTriggerByEvent 按事件ID查询，不存在返回 nil, nil
func (s *Store) GetAppointmentTriggerByEvent(ctx context.Context, orgID, eventID string) (*trigger.AppointmentTrigger, error) {
	var recDAO dao.AppointmentTriggerDAO
	query := s.rebind(`SELECT ` + appointmentTriggerColumns + ` FROM appointment_trigger WHERE org_id = ? AND event_id = ?`)
	if err := s.db.GetContext(ctx, &recDAO, query, orgID, eventID); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询预约触发记录失败: %w", err)
	}
	return recDAO.ToAppointmentTrigger()
}

// ListAppointmentTriggers 列出组织内的预约触发记录，appointmentID 为空时列出全部
func (s *Store) ListAppointmentTriggers(ctx context.Context, orgID, appointmentID string) ([]*trigger.AppointmentTrigger, error) {
	query := `SELECT ` + appointmentTriggerColumns + ` FROM appointment_trigger WHERE org_id = ?`
	args := []any{orgID}
	if appointmentID != "" {
		query += ` AND appointment_id = ?`
		args = append(args, appointmentID)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	var daos []dao.AppointmentTriggerDAO
	if err := s.db.SelectContext(ctx, &daos, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("查询预约触发记录失败: %w", err)
	}
	result := make([]*trigger.AppointmentTrigger, 0, len(daos))
	for i := range daos {
		rec, err := daos[i].ToAppointmentTrigger()
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, nil
}
