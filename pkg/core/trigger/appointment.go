package trigger

import (
	"time"

	"github.com/google/uuid"
)

// AppointmentTrigger 一次预约事件与其下游影响的审计记录（对外导出）
// 每个预约事件写入一次，之后不再修改。
type AppointmentTrigger struct {
	ID                 string    `json:"id"`
	OrgID              string    `json:"orgId"`
	AppointmentID      string    `json:"appointmentId"`
	ClientID           string    `json:"clientId"`
	EventID            string    `json:"eventId"`
	EventKind          string    `json:"eventKind"`
	AppointmentType    string    `json:"appointmentType,omitempty"`
	MatchedWorkflowIDs []string  `json:"matchedWorkflowIds"`
	EnrollmentIDs      []string  `json:"enrollmentIds"`
	CreatedAt          time.Time `json:"createdAt"`
}

func newAppointmentTrigger(orgID, appointmentID, clientID, eventID, eventKind, appointmentType string, now time.Time) *AppointmentTrigger {
	return &AppointmentTrigger{
		ID:                 uuid.NewString(),
		OrgID:              orgID,
		AppointmentID:      appointmentID,
		ClientID:           clientID,
		EventID:            eventID,
		EventKind:          eventKind,
		AppointmentType:    appointmentType,
		MatchedWorkflowIDs: []string{},
		EnrollmentIDs:      []string{},
		CreatedAt:          now,
	}
}
