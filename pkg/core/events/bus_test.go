package events_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/crm-automation/pkg/core/condition"
	"github.com/LENAX/crm-automation/pkg/core/events"
	"github.com/LENAX/crm-automation/pkg/core/workflow"
)

func TestBusinessEvent_Triggers(t *testing.T) {
	ev := events.NewBusinessEvent(events.KindAppointmentCompleted, "org-1", "client-1",
		condition.FactSheet{"appointmentType": "Toxins"})
	assert.Equal(t, []workflow.TriggerKind{workflow.TriggerAppointmentCompleted, workflow.TriggerToxins}, ev.Triggers())

	ev = events.NewBusinessEvent(events.KindAppointmentCompleted, "org-1", "client-1", nil)
	ev.AppointmentType = "facial"
	assert.Equal(t, []workflow.TriggerKind{workflow.TriggerAppointmentCompleted}, ev.Triggers())

	ev = events.NewBusinessEvent(events.Kind("filler"), "org-1", "client-1", nil)
	require.NoError(t, ev.Validate())
	assert.Equal(t, []workflow.TriggerKind{workflow.TriggerFiller}, ev.Triggers())
	assert.Equal(t, "filler", ev.FactSheet()["appointmentType"])

	ev = events.NewBusinessEvent(events.Kind("birthday"), "org-1", "client-1", nil)
	assert.Error(t, ev.Validate())
	assert.Empty(t, ev.Triggers())
}

func TestBus_DeliversBusinessAndLifecycle(t *testing.T) {
	bus, err := events.NewBus(events.BusOptions{})
	require.NoError(t, err)
	defer bus.Close()

	received := make(chan *events.BusinessEvent, 4)
	bus.HandleBusiness("collect", func(_ context.Context, ev *events.BusinessEvent) error {
		received <- ev
		return nil
	})
	// 处理失败与 panic 都不能阻塞后续消息
	bus.HandleBusiness("faulty", func(_ context.Context, ev *events.BusinessEvent) error {
		if ev.ClientID == "panic" {
			panic("boom")
		}
		return errors.New("always fails")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, bus.Start(ctx))

	stream, err := bus.SubscribeLifecycle(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.PublishBusiness(ctx, events.NewBusinessEvent(events.KindNewClient, "org-1", "panic", nil)))
	require.NoError(t, bus.PublishBusiness(ctx, events.NewBusinessEvent(events.KindNewClient, "org-1", "client-2", nil)))

	var got []string
	for len(got) < 2 {
		select {
		case ev := <-received:
			got = append(got, ev.ClientID)
		case <-time.After(5 * time.Second):
			t.Fatal("业务事件未送达")
		}
	}
	assert.ElementsMatch(t, []string{"panic", "client-2"}, got)

	lc := events.NewLifecycleEvent(events.LifecycleEnrollmentCreated, "org-1", "wf-1", "enr-1", "client-2", time.Now())
	require.NoError(t, bus.PublishLifecycle(ctx, lc))
	select {
	case ev := <-stream:
		assert.Equal(t, lc.ID, ev.ID)
		assert.Equal(t, events.LifecycleEnrollmentCreated, ev.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("生命周期事件未送达")
	}
}

func TestBus_RejectsInvalidBusinessEvent(t *testing.T) {
	bus, err := events.NewBus(events.BusOptions{})
	require.NoError(t, err)
	defer bus.Close()
	assert.Error(t, bus.PublishBusiness(context.Background(), &events.BusinessEvent{Kind: events.KindNewClient}))
}
