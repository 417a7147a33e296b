package keyshare

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/maps"
)

type candidateRoom struct {
	roomID        string
	lastRequestAt time.Time
}

func (e *Extension) runScheduler() {
	if !e.running() {
		return
	}
	if err := e.schedule(e.ctx); err != nil {
		e.log.Warnf("error while scheduling key requests: %v", err)
	}
}

func (e *Extension) schedule(ctx context.Context) error {
	if err := e.resolveEntitlements(ctx); err != nil {
		return err
	}
	e.reconcileFailures()

	e.lock.Lock()
	candidates := make([]candidateRoom, 0)
	for _, r := range e.store.all() {
		if r.entitled == entitlementGranted && r.timer == nil && r.hasFailures() {
			candidates = append(candidates, candidateRoom{r.roomID, r.lastRequestAt})
		}
	}
	e.lock.Unlock()

	// rooms never asked for have a zero lastRequestAt and come first
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].lastRequestAt.Before(candidates[j].lastRequestAt)
	})

	for _, c := range candidates {
		if ctx.Err() != nil {
			return nil
		}
		e.lock.Lock()
		full := e.store.inFlightCount() >= e.config.MaxConcurrentRoomKeyRequests
		e.lock.Unlock()
		if full {
			e.log.Debugf("max concurrent room key requests reached")
			break
		}
		if err := e.dispatch(ctx, c.roomID); err != nil {
			e.log.Warnf("error while requesting keys for %s: %v", c.roomID, err)
		}
	}
	return nil
}

// Entitlement of the local user is looked up once per room and never again.
func (e *Extension) resolveEntitlements(ctx context.Context) error {
	type unresolved struct {
		roomID, spaceID, channelID string
	}
	e.lock.Lock()
	pending := make([]unresolved, 0)
	for _, r := range e.store.all() {
		if r.entitled == entitlementUnknown {
			pending = append(pending, unresolved{r.roomID, r.spaceID, r.channelID()})
		}
	}
	e.lock.Unlock()

	userID := e.client.UserID()
	for _, u := range pending {
		entitled, err := e.delegate.IsEntitled(ctx, u.spaceID, u.channelID, userID, PermissionRead)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.log.Warnf("error checking entitlement for %s in %s: %v", userID, u.roomID, err)
			continue
		}
		e.lock.Lock()
		if r := e.store.room(u.roomID); r != nil && r.entitled == entitlementUnknown {
			if entitled {
				r.entitled = entitlementGranted
			} else {
				r.entitled = entitlementDenied
				e.log.Infof("not entitled to read %s, won't request keys", u.roomID)
			}
		}
		e.lock.Unlock()
	}
	return nil
}

func (e *Extension) reconcileFailures() {
	e.lock.Lock()
	defer e.lock.Unlock()
	for _, r := range e.store.all() {
		for _, ev := range r.failureEvents() {
			if !ev.IsDecryptionFailure() {
				r.removeFailure(ev.EventID())
			}
		}
	}
}

func (e *Extension) dispatch(ctx context.Context, roomID string) error {
	e.lock.Lock()
	room := e.store.room(roomID)
	if room == nil || room.inFlight() {
		e.lock.Unlock()
		return nil
	}
	e.lock.Unlock()

	roomData, err := e.delegate.RoomData(ctx, roomID)
	if err != nil {
		return fmt.Errorf("error getting room data: %w", err)
	}
	if roomData == nil {
		e.log.Debugf("room %s could not be resolved, skipping", roomID)
		return nil
	}

	e.lock.Lock()
	if !room.hasFailures() {
		e.lock.Unlock()
		e.log.Debugf("no decryption failures left for %s", roomID)
		return nil
	}
	failures := room.failureEvents()
	spaceID, channelID := room.spaceID, room.channelID()
	lastRequests := make(map[string]time.Time, len(room.requests))
	seenDevices := make(map[string]map[string]bool, len(room.requests))
	for peer, rr := range room.requests {
		lastRequests[peer] = rr.timestamp
		seenDevices[peer] = maps.Clone(rr.toDeviceIDs)
	}
	e.lock.Unlock()

	candidates := e.responderCandidates(roomData)
	if len(candidates) == 0 {
		e.log.Debugf("no one to ask for keys in %s", roomID)
		return nil
	}

	if err := e.client.DownloadKeys(ctx, candidates); err != nil {
		e.log.Warnf("error downloading device keys for %s: %v", roomID, err)
	}

	now := e.clock.Now()
	backoff := e.config.TimeBetweenUserKeyRequests()
	eligible := make([]string, 0, len(candidates))
	for _, c := range candidates {
		last, ok := lastRequests[c]
		if !ok || now.Sub(last) >= backoff {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		for _, c := range candidates {
			if e.hasNewDevice(c, seenDevices[c]) {
				e.log.Debugf("%s has a new device, asking again for %s", c, roomID)
				eligible = append(eligible, c)
				break
			}
		}
	}
	if len(eligible) == 0 {
		e.log.Debugf("everyone in %s was asked recently", roomID)
		return nil
	}

	senders := make(map[string]bool, len(failures))
	for _, ev := range failures {
		senders[ev.Sender()] = true
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return senders[eligible[i]] && !senders[eligible[j]]
	})

	var peer string
	var deviceIDs []string
	for _, c := range eligible {
		if ids := e.targetDevices(c); len(ids) != 0 {
			peer = c
			deviceIDs = ids
			break
		}
	}
	if peer == "" {
		e.log.Debugf("no eligible member of %s has devices", roomID)
		return nil
	}

	req := &KeyRequest{
		RequestID: uuid.NewString(),
		SpaceID:   spaceID,
		ChannelID: channelID,
		Algorithm: MegolmAlgorithm,
		SenderKey: e.client.DeviceKey(),
	}
	for _, ev := range failures {
		if ref, ok := ev.SessionRef(); ok {
			req.Session = &ref
			break
		}
	}
	known, err := e.client.Crypto().RoomSessions(ctx, roomID)
	if err != nil {
		e.log.Warnf("error listing known sessions for %s: %v", roomID, err)
	} else if len(known) < e.config.MaxEventsPerRequest {
		for _, ref := range known {
			req.KnownSessionIDs = append(req.KnownSessionIDs, ref.SessionID)
		}
	}
	payload, err := encode(req)
	if err != nil {
		return err
	}

	e.lock.Lock()
	// the store may have moved on while we were suspended
	if e.state != stateRunning || room.inFlight() || !room.hasFailures() || e.store.inFlightCount() >= e.config.MaxConcurrentRoomKeyRequests {
		e.lock.Unlock()
		e.log.Debugf("state of %s changed while preparing request, skipping", roomID)
		return nil
	}
	requestID := req.RequestID
	timer := e.clock.AfterFunc(e.config.KeyRequestTimeout(), func() {
		e.onRequestTimeout(roomID, peer, requestID)
	})
	rr := room.startRequest(peer, requestID, deviceIDs, now, timer)
	e.lock.Unlock()

	e.log.Infof("requesting keys for %s from %s on %v", roomID, peer, deviceIDs)
	e.metrics.requestsSent.Inc()

	targets := make([]DeviceTarget, len(deviceIDs))
	for i, id := range deviceIDs {
		targets[i] = DeviceTarget{UserID: peer, DeviceID: id}
	}
	if err := e.client.EncryptAndSendToDevices(ctx, targets, MessageKindKeyRequest, payload); err != nil {
		e.log.Warnf("error sending key request for %s to %s: %v", roomID, peer, err)
		e.metrics.sendFailures.Inc()
		e.lock.Lock()
		rr.err = err
		e.lock.Unlock()
		e.clearInFlight(roomID, peer, requestID)
	}
	return nil
}

// Members who may hold keys for the room. The local user counts only when it has another
// device which could answer.
func (e *Extension) responderCandidates(room *Room) []string {
	self := e.client.UserID()
	includeSelf := len(e.client.StoredDevicesForUser(self)) > 1
	seen := make(map[string]bool, len(room.Members))
	candidates := make([]string, 0, len(room.Members))
	for _, m := range room.Members {
		if m.UserID == "" || seen[m.UserID] {
			continue
		}
		if m.UserID == self && !includeSelf {
			continue
		}
		seen[m.UserID] = true
		candidates = append(candidates, m.UserID)
	}
	return candidates
}

// Devices to send a request to, never including this device.
func (e *Extension) targetDevices(userID string) []string {
	devices := e.client.StoredDevicesForUser(userID)
	ids := make([]string, 0, len(devices))
	for id := range devices {
		if userID == e.client.UserID() && id == e.client.DeviceID() {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Extension) hasNewDevice(userID string, seen map[string]bool) bool {
	for _, id := range e.targetDevices(userID) {
		if !seen[id] {
			return true
		}
	}
	return false
}

func (e *Extension) onRequestTimeout(roomID, peer, requestID string) {
	if e.clearInFlight(roomID, peer, requestID) {
		e.log.Infof("key request %s for %s to %s timed out", requestID, roomID, peer)
		e.metrics.requestTimeouts.Inc()
	}
}

// Clears the in-flight request for roomID only if it is still waiting on peer for requestID.
// Always re-triggers the scheduler.
func (e *Extension) clearInFlight(roomID, peer, requestID string) bool {
	e.lock.Lock()
	room := e.store.room(roomID)
	cleared := false
	if room == nil {
		e.log.Debugf("not clearing %s for %s, room unknown", roomID, peer)
	} else if room.requestingFrom != peer {
		e.log.Debugf("not clearing %s for %s, now waiting on %q", roomID, peer, room.requestingFrom)
	} else if rr, ok := room.requests[peer]; !ok || rr.requestID != requestID {
		e.log.Debugf("not clearing %s for %s, request %s was superseded", roomID, peer, requestID)
	} else {
		room.clearInFlight()
		cleared = true
	}
	e.lock.Unlock()
	e.scheduler.Trigger()
	return cleared
}
