// Package transport defines the contract between the instance lifecycle
// manager and the messaging protocol implementation. The production
// implementation wraps whatsmeow; tests substitute an in-memory connector.
package transport

import (
	"context"
	"strings"
	"time"
)

// DefaultSuffix is the transport addressing domain appended to bare numbers.
const DefaultSuffix = "s.whatsapp.net"

// Close-code classes inspected by the lifecycle manager.
const (
	CloseLoggedOut   = 401
	CloseRateLimited = 405
)

// Config carries everything a connector needs to open one session.
type Config struct {
	InstanceID string
	// CredentialDir is the per-instance directory holding session credential
	// material. The whatsmeow connector keeps its sqlstore database there.
	CredentialDir string
	ClientName    string
}

// EventHandler receives session events. Events for one session are delivered
// in order; the handler must not block for long.
type EventHandler func(evt Event)

// Connector opens protocol sessions.
type Connector interface {
	Connect(ctx context.Context, cfg Config, handler EventHandler) (Session, error)
}

// Session is a live protocol connection.
type Session interface {
	// Send delivers an outbound message and returns the protocol-assigned id.
	Send(ctx context.Context, address string, msg Outbound) (string, error)
	// Logout terminates the remote session pairing.
	Logout(ctx context.Context) error
	// Disconnect tears the connection down without logging out.
	Disconnect()
}

// Outbound is a message to send. When Image is non-nil it is sent as an
// image with Text as the caption, otherwise as plain text.
type Outbound struct {
	Text  string
	Image []byte
}

// Event is a marker for session events.
type Event interface{ isEvent() }

// PairingChallenge carries a QR payload the counterpart device must scan.
type PairingChallenge struct {
	Code string
}

// LinkEstablished signals a completed login for the given account id.
type LinkEstablished struct {
	AccountID string
}

// LinkClosed signals the connection dropped. Code 401 means an explicit
// logout; 405 marks the rate-limit/protocol-version class; anything else is
// a generic transient close.
type LinkClosed struct {
	Code int
}

// CredentialsChanged carries rotated credential material to persist.
type CredentialsChanged struct {
	Material []byte
}

// MessageReceived carries one inbound message.
type MessageReceived struct {
	Message InboundMessage
}

func (PairingChallenge) isEvent()   {}
func (LinkEstablished) isEvent()    {}
func (LinkClosed) isEvent()         {}
func (CredentialsChanged) isEvent() {}
func (MessageReceived) isEvent()    {}

// InboundMessage is the transport-agnostic view of a received message. The
// content fields mirror the protocol's message variants; classification over
// them happens in the relay.
type InboundMessage struct {
	ID string
	// Chat is the counterpart conversation address (a group id for group
	// chats); PushName is the sender's display name.
	Chat      string
	PushName  string
	FromMe    bool
	IsGroup   bool
	HasQuote  bool
	Timestamp time.Time

	Conversation string
	ExtendedText string
	Caption      string
	HasImage     bool
	HasVideo     bool
	HasAudio     bool
	HasDocument  bool
}

// NormalizeAddress appends the default domain suffix when the address has
// none, so callers may pass bare phone numbers.
func NormalizeAddress(addr string) string {
	if strings.Contains(addr, "@") {
		return addr
	}
	return addr + "@" + DefaultSuffix
}

// BareAddress strips the transport domain suffix for webhook payloads.
func BareAddress(addr string) string {
	if i := strings.Index(addr, "@"); i >= 0 {
		return addr[:i]
	}
	return addr
}
