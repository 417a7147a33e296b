package keyshare

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

type ResponseKind uint8

const (
	ResponseRoomNotFound ResponseKind = iota + 1
	ResponseKeysNotFound
	ResponseKeysFound
)

func (k ResponseKind) String() string {
	switch k {
	case ResponseRoomNotFound:
		return "room_not_found"
	case ResponseKeysNotFound:
		return "keys_not_found"
	case ResponseKeysFound:
		return "keys_found"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

var ErrUnknownMessage = errors.New("keyshare: unknown message")

type KeyRequest struct {
	RequestID string `cbor:"1,keyasint"`
	SpaceID   string `cbor:"2,keyasint"`
	// Empty for a space level request.
	ChannelID string `cbor:"3,keyasint,omitempty"`
	Algorithm string `cbor:"4,keyasint"`
	// Identity key of the requesting device.
	SenderKey string      `cbor:"5,keyasint"`
	Session   *SessionRef `cbor:"6,keyasint,omitempty"`
	// Sessions the requester already holds for the room, omitted when there are too many.
	KnownSessionIDs []string `cbor:"7,keyasint,omitempty"`
}

func (r *KeyRequest) RoomID() string {
	if r.ChannelID != "" {
		return r.ChannelID
	}
	return r.SpaceID
}

type KeyResponse struct {
	RequestID string             `cbor:"1,keyasint"`
	Kind      ResponseKind       `cbor:"2,keyasint"`
	SpaceID   string             `cbor:"3,keyasint"`
	ChannelID string             `cbor:"4,keyasint,omitempty"`
	Sessions  []*ExportedSession `cbor:"5,keyasint,omitempty"`
}

func (r *KeyResponse) RoomID() string {
	if r.ChannelID != "" {
		return r.ChannelID
	}
	return r.SpaceID
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

func encode(v interface{}) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("keyshare: error encoding %T: %w", v, err)
	}
	return b, nil
}

func decodeRequest(b []byte) (*KeyRequest, error) {
	var r KeyRequest
	if err := cbor.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("keyshare: error decoding key request: %w", err)
	}
	return &r, nil
}

func decodeResponse(b []byte) (*KeyResponse, error) {
	var r KeyResponse
	if err := cbor.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("keyshare: error decoding key response: %w", err)
	}
	switch r.Kind {
	case ResponseRoomNotFound, ResponseKeysNotFound, ResponseKeysFound:
	default:
		return nil, fmt.Errorf("%w: response kind %d", ErrUnknownMessage, r.Kind)
	}
	return &r, nil
}
