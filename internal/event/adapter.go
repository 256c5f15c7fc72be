package event

import (
	"context"

	"github.com/kspine/lapce/internal/session"
)

// Topics published by the supervisor adapter.
const (
	TopicServerCrash      Topic = "server/crash"
	TopicServerRestarting Topic = "server/restarting"
	TopicServerRecovered  Topic = "server/recovered"
	TopicServerFailed     Topic = "server/failed"
)

// Topics published by the watch bridge. An invalidation means an open
// document changed on disk behind the editor's back; a tree change is
// anything else under the workspace root.
const (
	TopicFileInvalidate Topic = "file/invalidate"
	TopicFileTree       Topic = "file/tree"
)

// supervisorTopic maps a lifecycle event to its bus topic.
func supervisorTopic(kind session.SupervisorEventType) Topic {
	switch kind {
	case session.EventCrash:
		return TopicServerCrash
	case session.EventRestarting:
		return TopicServerRestarting
	case session.EventRecovered:
		return TopicServerRecovered
	case session.EventFailed:
		return TopicServerFailed
	default:
		return "server/unknown"
	}
}

// ForwardSupervisor republishes server lifecycle events onto the bus
// until ctx is cancelled or the source channel closes. The payload is
// the session.SupervisorEvent itself.
func ForwardSupervisor(ctx context.Context, bus *Bus, events <-chan session.SupervisorEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := bus.Publish(supervisorTopic(ev.Type), ev); err != nil {
				return
			}
		}
	}
}
