package keyshare

import (
	"context"
)

func (e *Extension) handleKeyResponse(ctx context.Context, ev *ToDeviceEvent, resp *KeyResponse) error {
	roomID := resp.RoomID()
	e.metrics.responses.WithLabelValues(resp.Kind.String()).Inc()
	if resp.Kind != ResponseKeysFound {
		e.log.Infof("%s answered %s for %s", ev.Sender, resp.Kind, roomID)
		return nil
	}

	e.lock.Lock()
	room := e.store.room(roomID)
	if room == nil {
		e.lock.Unlock()
		e.log.Debugf("discarding response from %s for untracked room %s", ev.Sender, roomID)
		return nil
	}
	rr, ok := room.requests[ev.Sender]
	if !ok || rr.requestID != resp.RequestID {
		e.lock.Unlock()
		e.log.Debugf("discarding response %s from %s for %s, no matching request", resp.RequestID, ev.Sender, roomID)
		return nil
	}
	rr.response = resp
	e.lock.Unlock()

	needed := e.neededSessions(ctx, roomID, resp.Sessions)
	if len(needed) != 0 {
		if err := e.client.Crypto().ImportRoomKeys(ctx, needed); err != nil {
			e.log.Warnf("error importing %d sessions for %s: %v", len(needed), roomID, err)
		} else {
			e.log.Infof("imported %d sessions for %s from %s", len(needed), roomID, ev.Sender)
			e.metrics.sessionsImported.Add(float64(len(needed)))
		}
	}

	e.lock.Lock()
	failures := room.failureEvents()
	e.lock.Unlock()
	for _, f := range failures {
		if err := e.client.DecryptEventIfNeeded(ctx, f); err != nil {
			e.log.Debugf("event %s still undecryptable: %v", f.EventID(), err)
			continue
		}
		if !f.IsDecryptionFailure() {
			e.untrackFailure(f)
		}
	}

	e.clearInFlight(roomID, ev.Sender, resp.RequestID)
	return nil
}

// Sessions from a response still worth importing. A session is needed when a tracked event that
// references it is still failing, or, when no tracked event references it, when we don't hold
// it already.
func (e *Extension) neededSessions(ctx context.Context, roomID string, sessions []*ExportedSession) []*ExportedSession {
	e.lock.Lock()
	var failures []Event
	if room := e.store.room(roomID); room != nil {
		failures = room.failureEvents()
	}
	e.lock.Unlock()

	bySession := make(map[string][]Event, len(failures))
	for _, f := range failures {
		if ref, ok := f.SessionRef(); ok {
			bySession[ref.SessionID] = append(bySession[ref.SessionID], f)
		}
	}

	seen := make(map[SessionRef]bool, len(sessions))
	needed := make([]*ExportedSession, 0, len(sessions))
	for _, s := range sessions {
		if s == nil || seen[s.Ref()] {
			continue
		}
		seen[s.Ref()] = true
		if s.RoomID != roomID {
			e.log.Warnf("ignoring session %s for %s in response for %s", s.SessionID, s.RoomID, roomID)
			continue
		}
		if tracked, ok := bySession[s.SessionID]; ok {
			for _, f := range tracked {
				if f.IsDecryptionFailure() {
					needed = append(needed, s)
					break
				}
			}
			continue
		}
		has, err := e.client.Crypto().HasSession(ctx, s.Ref())
		if err != nil {
			e.log.Warnf("error looking up session %s: %v", s.SessionID, err)
			continue
		}
		if !has {
			needed = append(needed, s)
		}
	}
	return needed
}
