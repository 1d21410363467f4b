package events

// Topic names emitted by internal/daemon (spec §6 "Events", §4.12).
const (
	TopicPollStart         = "poll:start"
	TopicPollComplete      = "poll:complete"
	TopicDaemonNotification = "daemon:notification"
)
