package keyshare

import (
	"context"
	"fmt"
)

const (
	outcomeNotEntitled   = "not_entitled"
	outcomeInvalid       = "invalid"
	outcomeRoomNotFound  = "room_not_found"
	outcomeKeysNotFound  = "keys_not_found"
	outcomeKeysFound     = "keys_found"
	outcomeUnknownDevice = "unknown_device"
)

// Answers a peer's request for room keys. Nothing is sent unless the peer is entitled to read
// the room and the request comes from one of its known devices.
func (e *Extension) handleKeyRequest(ctx context.Context, ev *ToDeviceEvent, req *KeyRequest) error {
	roomID := req.RoomID()
	if roomID == "" {
		e.log.Warnf("key request %s from %s has no room", req.RequestID, ev.Sender)
		e.metrics.inboundRequests.WithLabelValues(outcomeInvalid).Inc()
		return nil
	}

	entitled, err := e.entitlements.isEntitled(ctx, req.SpaceID, req.ChannelID, ev.Sender, PermissionRead)
	if err != nil {
		return fmt.Errorf("error checking entitlement of %s for %s: %w", ev.Sender, roomID, err)
	}
	if !entitled {
		e.log.Warnf("%s is not entitled to keys for %s, ignoring request %s", ev.Sender, roomID, req.RequestID)
		e.metrics.inboundRequests.WithLabelValues(outcomeNotEntitled).Inc()
		return nil
	}

	if req.SenderKey == "" {
		e.log.Warnf("key request %s from %s has no sender key", req.RequestID, ev.Sender)
		e.metrics.inboundRequests.WithLabelValues(outcomeInvalid).Inc()
		return nil
	}
	device := e.client.DeviceByIdentityKey(OlmAlgorithm, req.SenderKey)
	if device == nil || device.UserID != ev.Sender {
		e.log.Warnf("no device of %s with key %s, ignoring request %s", ev.Sender, req.SenderKey, req.RequestID)
		e.metrics.inboundRequests.WithLabelValues(outcomeUnknownDevice).Inc()
		return nil
	}

	resp := &KeyResponse{
		RequestID: req.RequestID,
		SpaceID:   req.SpaceID,
		ChannelID: req.ChannelID,
	}

	roomData, err := e.delegate.RoomData(ctx, roomID)
	if err != nil {
		return fmt.Errorf("error getting room data for %s: %w", roomID, err)
	}
	if roomData == nil {
		resp.Kind = ResponseRoomNotFound
		e.metrics.inboundRequests.WithLabelValues(outcomeRoomNotFound).Inc()
		return e.respond(ctx, device, resp)
	}

	sessions, err := e.findSessions(ctx, roomID, req)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		resp.Kind = ResponseKeysNotFound
		e.metrics.inboundRequests.WithLabelValues(outcomeKeysNotFound).Inc()
	} else {
		resp.Kind = ResponseKeysFound
		resp.Sessions = sessions
		e.metrics.inboundRequests.WithLabelValues(outcomeKeysFound).Inc()
	}
	return e.respond(ctx, device, resp)
}

// Shared history sessions the requester doesn't know about, plus the session it asked for.
func (e *Extension) findSessions(ctx context.Context, roomID string, req *KeyRequest) ([]*ExportedSession, error) {
	crypto := e.client.Crypto()
	shared, err := crypto.SharedHistorySessions(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("error listing shared history sessions for %s: %w", roomID, err)
	}

	known := make(map[string]bool, len(req.KnownSessionIDs))
	for _, id := range req.KnownSessionIDs {
		known[id] = true
	}
	wanted := make([]SessionRef, 0, len(shared)+1)
	included := make(map[SessionRef]bool, len(shared)+1)
	for _, ref := range shared {
		if known[ref.SessionID] || included[ref] {
			continue
		}
		included[ref] = true
		wanted = append(wanted, ref)
	}
	if req.Session != nil && !included[*req.Session] {
		wanted = append(wanted, *req.Session)
	}

	sessions := make([]*ExportedSession, 0, len(wanted))
	for _, ref := range wanted {
		s, err := crypto.ExportSession(ctx, ref)
		if err != nil {
			e.log.Warnf("error exporting session %s: %v", ref.SessionID, err)
			continue
		}
		if s == nil {
			continue
		}
		if s.RoomID != roomID {
			e.log.Warnf("session %s belongs to %s, not %s", ref.SessionID, s.RoomID, roomID)
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

func (e *Extension) respond(ctx context.Context, device *DeviceInfo, resp *KeyResponse) error {
	payload, err := encode(resp)
	if err != nil {
		return err
	}
	e.log.Infof("responding to %s:%s for %s with %s (%d sessions)", device.UserID, device.DeviceID, resp.RoomID(), resp.Kind, len(resp.Sessions))
	target := []DeviceTarget{{UserID: device.UserID, DeviceID: device.DeviceID}}
	if err := e.client.EncryptAndSendToDevices(ctx, target, MessageKindKeyResponse, payload); err != nil {
		return fmt.Errorf("error sending key response to %s: %w", device.UserID, err)
	}
	return nil
}
