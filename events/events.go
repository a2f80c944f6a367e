package events

import (
	"context"
	"time"

	"github.com/mohitkumar/caseflow/model"
)

type EventType string

const EVENT_INSTANCE_STATUS EventType = "instance.status"
const EVENT_TASK_CREATED EventType = "task.created"
const EVENT_TASK_UPDATED EventType = "task.updated"
const EVENT_TASK_COMPLETED EventType = "task.completed"
const EVENT_LOG_APPENDED EventType = "log.appended"

type Event struct {
	Type       EventType                  `json:"type"`
	InstanceId string                     `json:"instanceId"`
	Status     model.InstanceStatus       `json:"status,omitempty"`
	Task       *model.WorkflowTask        `json:"task,omitempty"`
	Log        *model.WorkflowInstanceLog `json:"log,omitempty"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// Publisher delivers events best effort. Implementations must not block the
// caller on slow consumers.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

type multiPublisher []Publisher

func Multi(publishers ...Publisher) Publisher {
	var out multiPublisher
	for _, p := range publishers {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

func (m multiPublisher) Publish(ctx context.Context, ev Event) {
	for _, p := range m {
		p.Publish(ctx, ev)
	}
}

type nopPublisher struct{}

func Nop() Publisher {
	return nopPublisher{}
}

func (nopPublisher) Publish(ctx context.Context, ev Event) {}
