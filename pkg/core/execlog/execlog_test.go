package execlog_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/crm-automation/pkg/core/clock"
	"github.com/LENAX/crm-automation/pkg/core/execlog"
)

type memoryAppender struct {
	entries []*execlog.Entry
	err     error
}

func (m *memoryAppender) AppendExecutionLog(_ context.Context, e *execlog.Entry) error {
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

func entry(status execlog.Status) *execlog.Entry {
	return &execlog.Entry{
		OrgID:        "org-1",
		WorkflowID:   "wf-1",
		EnrollmentID: "enr-1",
		ClientID:     "client-1",
		StepID:       "sms",
		Action:       "send_sms",
		Status:       status,
	}
}

func TestWriter_StampsAndAppends(t *testing.T) {
	store := &memoryAppender{}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	w := execlog.NewWriter(store, clock.NewManual(now))

	var observed []string
	w.Observe(func(_ context.Context, e *execlog.Entry) { observed = append(observed, e.ID) })

	require.NoError(t, w.Record(context.Background(), entry(execlog.StatusExecuted)))
	require.NoError(t, w.Record(context.Background(), entry(execlog.StatusRetrying)))

	require.Len(t, store.entries, 2)
	assert.Equal(t, now, store.entries[0].ExecutedAt)
	assert.NotEmpty(t, store.entries[0].ID)
	assert.Less(t, store.entries[0].ID, store.entries[1].ID, "ids sort by write order")
	assert.Equal(t, []string{store.entries[0].ID, store.entries[1].ID}, observed)
}

func TestWriter_NeverSilent(t *testing.T) {
	store := &memoryAppender{err: errors.New("disk full")}
	w := execlog.NewWriter(store, nil)
	called := false
	w.Observe(func(context.Context, *execlog.Entry) { called = true })

	err := w.Record(context.Background(), entry(execlog.StatusExecuted))
	require.Error(t, err)
	assert.ErrorContains(t, err, "disk full")
	assert.False(t, called)
}

func TestWriter_RejectsInvalidEntries(t *testing.T) {
	w := execlog.NewWriter(&memoryAppender{}, nil)
	assert.Error(t, w.Record(context.Background(), nil))
	assert.Error(t, w.Record(context.Background(), entry("done")))
	bad := entry(execlog.StatusExecuted)
	bad.OrgID = ""
	assert.Error(t, w.Record(context.Background(), bad))
}
