package loopback

import (
	"sync"

	keyshare "github.com/river-build/go-keyshare"
)

type Event struct {
	id      string
	roomID  string
	spaceID string
	sender  string
	ref     keyshare.SessionRef
	lock    sync.Mutex
	failing bool
}

var _ keyshare.Event = (*Event)(nil)

// An event encrypted with the session ref, undecryptable until the session is held.
func NewEncryptedEvent(id, roomID, spaceID, sender string, ref keyshare.SessionRef) *Event {
	return &Event{
		id:      id,
		roomID:  roomID,
		spaceID: spaceID,
		sender:  sender,
		ref:     ref,
		failing: true,
	}
}

func (e *Event) EventID() string { return e.id }
func (e *Event) RoomID() string  { return e.roomID }
func (e *Event) SpaceID() string { return e.spaceID }
func (e *Event) Sender() string  { return e.sender }

func (e *Event) IsDecryptionFailure() bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.failing
}

func (e *Event) SessionRef() (keyshare.SessionRef, bool) {
	return e.ref, true
}

func (e *Event) markDecrypted() {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.failing = false
}

func (e *Event) copy() *Event {
	return NewEncryptedEvent(e.id, e.roomID, e.spaceID, e.sender, e.ref)
}
