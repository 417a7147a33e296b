package loopback

import (
	"context"
	"sync"

	keyshare "github.com/river-build/go-keyshare"
)

// Directory answers membership and entitlement questions. Members of a room are entitled to
// read it unless explicitly denied.
type Directory struct {
	lock    sync.Mutex
	members map[string][]string
	denied  map[string]bool
	checks  int
}

var _ keyshare.Delegate = (*Directory)(nil)

func NewDirectory() *Directory {
	return &Directory{
		members: make(map[string][]string),
		denied:  make(map[string]bool),
	}
}

func (d *Directory) SetMembers(roomID string, userIDs ...string) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.members[roomID] = append([]string(nil), userIDs...)
}

func (d *Directory) Deny(roomID, userID string) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.denied[roomID+"|"+userID] = true
}

// Number of entitlement checks answered.
func (d *Directory) Checks() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.checks
}

func (d *Directory) IsEntitled(ctx context.Context, spaceID, channelID, userID string, p keyshare.Permission) (bool, error) {
	roomID := channelID
	if roomID == "" {
		roomID = spaceID
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	d.checks++
	if p != keyshare.PermissionRead || d.denied[roomID+"|"+userID] {
		return false, nil
	}
	for _, m := range d.members[roomID] {
		if m == userID {
			return true, nil
		}
	}
	return false, nil
}

func (d *Directory) RoomData(ctx context.Context, roomID string) (*keyshare.Room, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	userIDs, ok := d.members[roomID]
	if !ok {
		return nil, nil
	}
	room := &keyshare.Room{ID: roomID}
	for _, u := range userIDs {
		room.Members = append(room.Members, keyshare.Member{UserID: u})
	}
	return room, nil
}
