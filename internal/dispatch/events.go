package dispatch

// Bus topics published by the dispatch module.
const (
	TopicCommandEnqueued = "dispatch.command.enqueued"
	TopicCommandSent     = "dispatch.command.sent"
	TopicCommandResolved = "dispatch.command.resolved"
)

// CommandEvent is the payload for all dispatch topics.
type CommandEvent struct {
	CommandID string `json:"command_id"`
	DeviceID  string `json:"device_id"`
	Type      string `json:"type"`
	Status    string `json:"status"`
}
