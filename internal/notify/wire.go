package notify

import (
	"github.com/msageha/foreman/internal/events"
	"github.com/msageha/foreman/internal/logx"
	"github.com/msageha/foreman/internal/model"
)

// lifecycleEvents is every event type the bus carries.
var lifecycleEvents = []events.EventType{
	events.EventTaskEnqueued,
	events.EventTaskClaimed,
	events.EventStepCompleted,
	events.EventTaskFailed,
	events.EventApprovalNeeded,
	events.EventTaskCompleted,
	events.EventTaskStale,
}

// WireBus attaches the standing workspace subscribers to the bus: an
// event-log line for every lifecycle event, and a failure notification
// when the stale sweep fails a running entry. Approval and failure
// notifications for the workflow pipeline itself are delivered
// synchronously by the machine, so they are not re-routed here.
func WireBus(bus *events.Bus, n Notifier, log *logx.Logger) {
	for _, et := range lifecycleEvents {
		bus.Subscribe(et, func(e events.Event) {
			log.Infof("event type=%s data=%v", e.Type, e.Data)
		})
	}
	bus.Subscribe(events.EventTaskStale, func(e events.Event) {
		taskID, _ := e.Data["task_id"].(string)
		n.Failure(FailureReport{
			TaskID:   taskID,
			Category: model.CategoryStaleTask,
			Message:  "running entry exceeded the heartbeat ttl",
		})
	})
}
