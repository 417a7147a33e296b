package keyshare

import (
	"context"
)

const (
	// Algorithm tag carried on key requests and on every exported session.
	MegolmAlgorithm = "m.megolm.v1.aes-sha2"
	// Algorithm used to resolve a device from its identity key.
	OlmAlgorithm = "m.olm.v1.curve25519-aes-sha2"
)

type Permission string

const (
	PermissionRead Permission = "Read"
)

// Identifies an inbound group session.
type SessionRef struct {
	SenderKey string `cbor:"1,keyasint" db:"sender_key"`
	SessionID string `cbor:"2,keyasint" db:"session_id"`
}

// An inbound group session in its exportable form.
type ExportedSession struct {
	SenderKey  string `cbor:"1,keyasint" db:"sender_key"`
	SessionID  string `cbor:"2,keyasint" db:"session_id"`
	RoomID     string `cbor:"3,keyasint" db:"room_id"`
	SessionKey string `cbor:"4,keyasint" db:"session_key"`
	Algorithm  string `cbor:"5,keyasint" db:"algorithm"`
}

func (s *ExportedSession) Ref() SessionRef {
	return SessionRef{SenderKey: s.SenderKey, SessionID: s.SessionID}
}

type DeviceInfo struct {
	UserID      string
	DeviceID    string
	IdentityKey string
}

type DeviceTarget struct {
	UserID   string
	DeviceID string
}

// An event from a room timeline as seen by the extension.
type Event interface {
	EventID() string
	RoomID() string
	// Parent space of the room. Equal to RoomID for an event in the space itself.
	SpaceID() string
	Sender() string
	IsDecryptionFailure() bool
	// Session referenced by the event's encrypted wire content.
	SessionRef() (SessionRef, bool)
}

type MessageKind string

const (
	MessageKindKeyRequest  MessageKind = "keyshare.request"
	MessageKindKeyResponse MessageKind = "keyshare.response"
)

// A to-device message after the client has decrypted it. Content is nil when decryption of the
// message itself failed.
type ToDeviceEvent struct {
	Sender       string
	SenderDevice string
	SenderKey    string
	Kind         MessageKind
	Content      []byte
}

// Callbacks delivered by the client. Implementations must not block.
type Listener interface {
	OnToDeviceMessage(ev *ToDeviceEvent)
	OnTimelineEvent(ev Event)
	OnEventDecrypted(ev Event, err error)
}

// The crypto backend's group session storage.
type CryptoBackend interface {
	SharedHistorySessions(ctx context.Context, roomID string) ([]SessionRef, error)
	// Every session held for the room, shared history or not.
	RoomSessions(ctx context.Context, roomID string) ([]SessionRef, error)
	// Returns nil, nil when the session isn't held.
	ExportSession(ctx context.Context, ref SessionRef) (*ExportedSession, error)
	HasSession(ctx context.Context, ref SessionRef) (bool, error)
	ImportRoomKeys(ctx context.Context, sessions []*ExportedSession) error
}

// The chat client the extension is attached to.
type Client interface {
	UserID() string
	DeviceID() string
	// Curve25519 identity key of this device.
	DeviceKey() string
	Subscribe(l Listener) (unsubscribe func())
	DecryptEventIfNeeded(ctx context.Context, ev Event) error
	// Known devices of a user keyed by device id.
	StoredDevicesForUser(userID string) map[string]*DeviceInfo
	DownloadKeys(ctx context.Context, userIDs []string) error
	EncryptAndSendToDevices(ctx context.Context, targets []DeviceTarget, kind MessageKind, payload []byte) error
	DeviceByIdentityKey(algorithm, senderKey string) *DeviceInfo
	Crypto() CryptoBackend
}

type Member struct {
	UserID string
}

type Room struct {
	ID      string
	Members []Member
}

// Answers entitlement and membership questions, typically backed by the space contracts.
type Delegate interface {
	IsEntitled(ctx context.Context, spaceID, channelID, userID string, p Permission) (bool, error)
	// Returns nil, nil when the room can't be resolved.
	RoomData(ctx context.Context, roomID string) (*Room, error)
}
