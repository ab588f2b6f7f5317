// Package websocket implements the real-time pub/sub hub that pushes the
// Broker's JobMsg/CrashMsg updates (spec §4.3) to connected GUI clients. It
// uses gorilla/websocket under the hood and exposes a topic-based broadcast
// API used by the Broker and the notification service.
//
// Topic naming convention:
//
//	collection:<uuid>        — sub-job status/log updates for a job collection
//	agent:<uuid>              — up/down transitions for an agent
//	notifications            — in-app notifications, the same for every client
//	notifications:<user_id>  — per-user channel; nothing publishes to it
package websocket

// MessageType identifies the kind of event carried by a Message.
// The GUI uses this field to route the payload to the correct store update.
type MessageType string

const (
	// MsgJobStatus is sent when a sub-job transitions between states
	// (init → alive → completed | error), mirroring the Update.JobMsg the
	// Broker receives from an agent.
	MsgJobStatus MessageType = "job.status"

	// MsgCrashFound is sent when the Broker records a new Crash row via
	// Store.NewCrash (spec §4.7).
	MsgCrashFound MessageType = "crash.found"

	// MsgAgentStatus is sent when an agent transitions status (init/up/down).
	MsgAgentStatus MessageType = "agent.status"

	// MsgNotification is sent when the notification service publishes an
	// in-app notification on the "notifications" topic.
	MsgNotification MessageType = "notification"

	// MsgPing is reserved for an application-level keep-alive message. The
	// hub never sends it; connection liveness uses WebSocket ping frames
	// written by Client.writePump.
	MsgPing MessageType = "ping"
)

// Message is the envelope for every WebSocket frame sent to clients.
// The GUI deserializes this struct and dispatches on Type.
//
// JSON example:
//
//	{"type":"job.status","topic":"collection:018f...","payload":{"status":"alive"}}
type Message struct {
	// Type identifies the kind of event so the client can route it correctly.
	Type MessageType `json:"type"`

	// Topic is the pub/sub channel this message was published on.
	// Clients use it to associate the update with the correct UI element.
	Topic string `json:"topic"`

	// Payload carries the event-specific data. The shape varies by Type:
	//   - job.status:    {"agent_guid":"...","idx":0,"status":"alive","last_msg":"..."}
	//   - crash.found:   {"name":"...","size":1234,"analyzed":"..."}
	//   - agent.status:  {"status":"up"}
	//   - notification:  {"type":"...","title":"...","body":"...","payload":{...},"created_at":"..."}
	//   - ping:          {} (empty)
	Payload any `json:"payload"`
}
