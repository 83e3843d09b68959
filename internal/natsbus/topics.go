package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

// TopicRunEvents carries every progress event of one run.
func TopicRunEvents(runID string) string {
	return fmt.Sprintf("events.run.%s", runID)
}

// TopicScheduleEvents carries schedule trigger notices.
func TopicScheduleEvents(scheduleID string) string {
	return fmt.Sprintf("events.schedule.%s", scheduleID)
}

const (
	TopicEventsAll      = "events.>"
	TopicEventsRuns     = "events.run.*"
	TopicEventsSchedule = "events.schedule.*"

	// TopicIPCRuns is the request/reply subject sscli uses to start, cancel
	// and inspect runs.
	TopicIPCRuns = "ipc.runs"
)
