// Package transport defines the narrow capability the session
// supervisor needs from the underlying chat-protocol library. The
// gateway treats this as an opaque capability; production code
// implements it over go.mau.fi/whatsmeow (see whatsmeow.go), and tests
// implement it with a scriptable fake (see faketransport).
package transport

import (
	"context"
	"time"
)

// EventKind names one of the taxonomy entries in the external-
// interfaces section. The supervisor dispatches on Kind rather than
// binding dynamic event-name strings to closures.
type EventKind string

const (
	EventConnecting             EventKind = "connection.update.connecting"
	EventQR                     EventKind = "qr.updated"
	EventOpen                   EventKind = "connection.update.open"
	EventClose                  EventKind = "connection.update.close"
	EventMessagesUpsert         EventKind = "messages.upsert"
	EventMessagesUpdate         EventKind = "messages.update"
	EventMessagesDelete         EventKind = "messages.delete"
	EventMessagesReaction       EventKind = "messages.reaction"
	EventMessageReceiptUpdate   EventKind = "message-receipt.update"
	EventChatsUpsert            EventKind = "chats.upsert"
	EventChatsUpdate            EventKind = "chats.update"
	EventChatsDelete            EventKind = "chats.delete"
	EventContactsUpsert         EventKind = "contacts.upsert"
	EventContactsUpdate         EventKind = "contacts.update"
	EventGroupsUpsert           EventKind = "groups.upsert"
	EventGroupsUpdate           EventKind = "groups.update"
	EventGroupParticipantUpdate EventKind = "group-participants.update"
	EventMessagingHistorySet    EventKind = "messaging-history.set"
	EventPresenceUpdate         EventKind = "presence.update"
	EventCall                   EventKind = "call"
	EventBlocklistSet           EventKind = "blocklist.set"
	EventBlocklistUpdate        EventKind = "blocklist.update"
	EventPong                   EventKind = "pong"
)

// DisconnectCode classifies why a connection closed, mirroring the
// status codes the session supervisor's reconnect-policy table switches
// on. The whatsmeow adapter maps library-specific disconnect causes
// onto this small closed set.
type DisconnectCode string

const (
	DisconnectLoggedOut        DisconnectCode = "LOGGED_OUT"
	DisconnectRestartRequired  DisconnectCode = "RESTART_REQUIRED"
	DisconnectConnectionLost   DisconnectCode = "CONNECTION_LOST"
	DisconnectTimedOut         DisconnectCode = "TIMED_OUT"
	DisconnectConnectionClosed DisconnectCode = "CONNECTION_CLOSED"
	DisconnectStreamConflict   DisconnectCode = "STREAM_CONFLICT"
	DisconnectUnknown          DisconnectCode = "UNKNOWN"
)

// CloseInfo carries the classification and raw detail for a close event.
type CloseInfo struct {
	Code      DisconnectCode
	RawStatus int
	Reason    string
}

// InboundMessage is the subset of a protocol message the event
// filter and cache layer need. For messages.upsert the supervisor
// forwards the admitted InboundMessages to the sink; Event.Payload
// carries the adapter's own shape and is forwarded for other kinds.
type InboundMessage struct {
	ID        string
	RemoteJID string
	PushName  string
	FromMe    bool
	Timestamp time.Time
}

// Event is the single typed sum the supervisor dispatches on: a
// dynamic, Kind-switched event dispatch rather than per-event
// callbacks.
type Event struct {
	Kind     EventKind
	QR       string
	Close    *CloseInfo
	Messages []InboundMessage
	Payload  any
}

// Contact is the normalized contact shape returned by FetchContact.
type Contact struct {
	JID      string
	FullName string
	PushName string
}

// GroupInfo is the normalized group shape returned by FetchGroupInfo.
type GroupInfo struct {
	JID  string
	Name string
}

// Identity is the minimal public identity the supervisor needs to
// enforce the "status=open implies creds.me.id non-empty" invariant.
type Identity struct {
	ID       string
	PushName string
	Platform string
}

// Client is the live connection handle for one session. Implementations
// must deliver events to the channel returned by Events in the order
// the underlying protocol produced them; the supervisor relies on that
// ordering and never touches Client concurrently with itself.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	IsLoggedIn() bool
	Identity() Identity

	// Events returns the channel of protocol events for this client.
	// The channel is closed after Disconnect completes.
	Events() <-chan Event

	RequestPairingCode(ctx context.Context, phoneE164 string) (string, error)

	// Ping performs a lightweight round trip used by the keep-alive
	// loop; a successful call does not by itself guarantee delivery of
	// a pong event, matching whatsmeow's fire-and-forget keepalive.
	Ping(ctx context.Context) error

	// SendPresence performs the cheap protocol round trip the health
	// checker uses to confirm liveness after an idle period.
	SendPresence(ctx context.Context) error

	SendText(ctx context.Context, jid string, text string) (string, error)
	SendMedia(ctx context.Context, jid string, mediaType string, data []byte, mimeType string, caption string) (string, error)
	DownloadMedia(ctx context.Context, messageID string) ([]byte, error)
	FetchContact(ctx context.Context, jid string) (Contact, error)
	FetchGroupInfo(ctx context.Context, jid string) (GroupInfo, error)
	MarkRead(ctx context.Context, jid string, messageIDs []string) error
	Logout(ctx context.Context) error
}

// Factory constructs a new Client for a session, given any persisted
// credential material previously returned from a prior Client's
// Identity/SaveCreds cycle. opaqueCreds is nil on first pairing.
type Factory interface {
	New(ctx context.Context, sessionID string, opaqueCreds []byte) (Client, error)
}
