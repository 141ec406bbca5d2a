package mesosched

import (
	sched "github.com/mesos/go-proto/mesos/v1/scheduler"
)

// eventKind tags the variant a decoded event classifies as.
type eventKind int

const (
	eventSubscribed eventKind = iota
	eventHeartbeat
	eventError
	eventOther
)

// parsedEvent is the result of classifying a decoded sched.Event. At most
// one of the event-specific fields is populated, selected by kind; a
// heartbeat populates none.
type parsedEvent struct {
	kind       eventKind
	subscribed *sched.Event_Subscribed
	errMessage string
	raw        *sched.Event
}

// heartbeatIntervalMillis converts the wire's float seconds into the
// integer milliseconds the session's watchdog arms timers with.
func heartbeatIntervalMillis(sub *sched.Event_Subscribed) int {
	return int(sub.GetHeartbeatIntervalSeconds() * 1000)
}

// parseEvent classifies a decoded event object into a tagged variant:
// subscribed, heartbeat, error, or other (forwarded verbatim).
func parseEvent(ev *sched.Event) parsedEvent {
	switch ev.GetType() {
	case sched.Event_SUBSCRIBED:
		return parsedEvent{kind: eventSubscribed, subscribed: ev.GetSubscribed()}
	case sched.Event_HEARTBEAT:
		return parsedEvent{kind: eventHeartbeat}
	case sched.Event_ERROR:
		return parsedEvent{kind: eventError, errMessage: ev.GetError().GetMessage()}
	default:
		return parsedEvent{kind: eventOther, raw: ev}
	}
}
