package keyshare

import (
	"sort"
	"time"

	"github.com/river-build/go-keyshare/clock"
	"golang.org/x/exp/maps"
)

type entitlement uint8

const (
	entitlementUnknown entitlement = iota
	entitlementGranted
	entitlementDenied
)

type requestRecord struct {
	requestID   string
	timestamp   time.Time
	toDeviceIDs map[string]bool
	response    *KeyResponse
	err         error
}

type roomRecord struct {
	roomID         string
	spaceID        string
	failureOrder   []string
	failures       map[string]Event
	entitled       entitlement
	timer          clock.Timer
	requestingFrom string
	lastRequestAt  time.Time
	requests       map[string]*requestRecord
}

func newRoomRecord(roomID, spaceID string) *roomRecord {
	return &roomRecord{
		roomID:   roomID,
		spaceID:  spaceID,
		failures: make(map[string]Event),
		requests: make(map[string]*requestRecord),
	}
}

// Returns true if the event wasn't already tracked.
func (r *roomRecord) addFailure(ev Event) bool {
	if _, ok := r.failures[ev.EventID()]; ok {
		r.failures[ev.EventID()] = ev
		return false
	}
	r.failures[ev.EventID()] = ev
	r.failureOrder = append(r.failureOrder, ev.EventID())
	return true
}

func (r *roomRecord) removeFailure(eventID string) bool {
	if _, ok := r.failures[eventID]; !ok {
		return false
	}
	delete(r.failures, eventID)
	for i, id := range r.failureOrder {
		if id == eventID {
			r.failureOrder = append(r.failureOrder[:i], r.failureOrder[i+1:]...)
			break
		}
	}
	return true
}

func (r *roomRecord) failureEvents() []Event {
	events := make([]Event, 0, len(r.failureOrder))
	for _, id := range r.failureOrder {
		events = append(events, r.failures[id])
	}
	return events
}

func (r *roomRecord) hasFailures() bool {
	return len(r.failureOrder) != 0
}

func (r *roomRecord) inFlight() bool {
	return r.requestingFrom != ""
}

// Channel id to use on the wire, empty when the room is the space itself.
func (r *roomRecord) channelID() string {
	if r.roomID == r.spaceID {
		return ""
	}
	return r.roomID
}

// Records a dispatch to peer. Device ids are merged into whatever was sent to this peer before.
func (r *roomRecord) startRequest(peer, requestID string, deviceIDs []string, now time.Time, timer clock.Timer) *requestRecord {
	rr, ok := r.requests[peer]
	if !ok {
		rr = &requestRecord{toDeviceIDs: make(map[string]bool)}
		r.requests[peer] = rr
	}
	rr.requestID = requestID
	rr.timestamp = now
	rr.response = nil
	rr.err = nil
	for _, id := range deviceIDs {
		rr.toDeviceIDs[id] = true
	}
	r.lastRequestAt = now
	r.requestingFrom = peer
	r.timer = timer
	return rr
}

func (r *roomRecord) clearInFlight() {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = nil
	r.requestingFrom = ""
}

type recordStore struct {
	rooms map[string]*roomRecord
}

func newRecordStore() *recordStore {
	return &recordStore{rooms: make(map[string]*roomRecord)}
}

func (s *recordStore) room(roomID string) *roomRecord {
	return s.rooms[roomID]
}

func (s *recordStore) ensureRoom(roomID, spaceID string) *roomRecord {
	r, ok := s.rooms[roomID]
	if !ok {
		r = newRoomRecord(roomID, spaceID)
		s.rooms[roomID] = r
	} else if r.spaceID == "" {
		r.spaceID = spaceID
	}
	return r
}

func (s *recordStore) all() []*roomRecord {
	ids := maps.Keys(s.rooms)
	sort.Strings(ids)
	rooms := make([]*roomRecord, len(ids))
	for i, id := range ids {
		rooms[i] = s.rooms[id]
	}
	return rooms
}

func (s *recordStore) inFlightCount() int {
	n := 0
	for _, r := range s.rooms {
		if r.inFlight() {
			n++
		}
	}
	return n
}

type RequestStatus struct {
	RequestID   string
	Timestamp   time.Time
	ToDeviceIDs []string
	Response    *KeyResponse
	Err         error
}

// A copy of the state tracked for a room.
type RoomStatus struct {
	RoomID             string
	SpaceID            string
	Entitled           *bool
	DecryptionFailures []string
	RequestingFrom     string
	TimerActive        bool
	LastRequestAt      time.Time
	Requests           map[string]*RequestStatus
}

func (r *roomRecord) status() *RoomStatus {
	s := &RoomStatus{
		RoomID:             r.roomID,
		SpaceID:            r.spaceID,
		DecryptionFailures: append([]string(nil), r.failureOrder...),
		RequestingFrom:     r.requestingFrom,
		TimerActive:        r.timer != nil,
		LastRequestAt:      r.lastRequestAt,
		Requests:           make(map[string]*RequestStatus, len(r.requests)),
	}
	if r.entitled != entitlementUnknown {
		e := r.entitled == entitlementGranted
		s.Entitled = &e
	}
	for peer, rr := range r.requests {
		deviceIDs := maps.Keys(rr.toDeviceIDs)
		sort.Strings(deviceIDs)
		s.Requests[peer] = &RequestStatus{
			RequestID:   rr.requestID,
			Timestamp:   rr.timestamp,
			ToDeviceIDs: deviceIDs,
			Response:    rr.response,
			Err:         rr.err,
		}
	}
	return s
}
