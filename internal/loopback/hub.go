// Package loopback wires several devices together in memory. Each device implements
// keyshare.Client on top of its own session store, and to-device payloads are sealed per device
// with the device's curve25519 keys before delivery.
package loopback

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/kevinburke/nacl"
	keyshare "github.com/river-build/go-keyshare"
	"github.com/river-build/go-keyshare/config"
	"github.com/river-build/go-keyshare/crypto"
	"go.uber.org/zap"
)

var ErrUndecryptable = errors.New("loopback: missing session")

type deviceKey struct {
	userID   string
	deviceID string
}

type Hub struct {
	log       *zap.SugaredLogger
	lock      sync.Mutex
	devices   map[deviceKey]*Device
	byKey     map[string]*Device
	delivered sync.WaitGroup
}

func NewHub(c *config.Config) *Hub {
	return &Hub{
		log:     c.Logger("loopback"),
		devices: make(map[deviceKey]*Device),
		byKey:   make(map[string]*Device),
	}
}

func (h *Hub) NewDevice(userID, deviceID string, store Store) *Device {
	priv, pub := crypto.NewKeyPair()
	d := &Device{
		hub:       h,
		userID:    userID,
		deviceID:  deviceID,
		priv:      priv,
		pub:       pub,
		identity:  hex.EncodeToString(pub[:]),
		store:     store,
		listeners: make(map[int]keyshare.Listener),
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	h.devices[deviceKey{userID, deviceID}] = d
	h.byKey[d.identity] = d
	return d
}

// Waits until every to-device message sent so far has been handed to listeners.
func (h *Hub) Wait() {
	h.delivered.Wait()
}

func (h *Hub) device(userID, deviceID string) *Device {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.devices[deviceKey{userID, deviceID}]
}

func (h *Hub) devicesForUser(userID string) []*Device {
	h.lock.Lock()
	defer h.lock.Unlock()
	devices := make([]*Device, 0)
	for k, d := range h.devices {
		if k.userID == userID {
			devices = append(devices, d)
		}
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].deviceID < devices[j].deviceID })
	return devices
}

func (h *Hub) deviceByKey(identity string) *Device {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.byKey[identity]
}

// The subset of sessionstore.Store a device needs.
type Store interface {
	keyshare.CryptoBackend
	AddSession(ctx context.Context, session *keyshare.ExportedSession, sharedHistory bool) error
}

type Device struct {
	hub       *Hub
	userID    string
	deviceID  string
	priv      nacl.Key
	pub       nacl.Key
	identity  string
	store     Store
	lock      sync.Mutex
	listeners map[int]keyshare.Listener
	nextID    int
	sendErr   error
	downloads [][]string
}

var _ keyshare.Client = (*Device)(nil)

func (d *Device) UserID() string   { return d.userID }
func (d *Device) DeviceID() string { return d.deviceID }
func (d *Device) DeviceKey() string {
	return d.identity
}

func (d *Device) Subscribe(l keyshare.Listener) func() {
	d.lock.Lock()
	defer d.lock.Unlock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = l
	return func() {
		d.lock.Lock()
		defer d.lock.Unlock()
		delete(d.listeners, id)
	}
}

func (d *Device) currentListeners() []keyshare.Listener {
	d.lock.Lock()
	defer d.lock.Unlock()
	ls := make([]keyshare.Listener, 0, len(d.listeners))
	for _, l := range d.listeners {
		ls = append(ls, l)
	}
	return ls
}

func (d *Device) DecryptEventIfNeeded(ctx context.Context, ev keyshare.Event) error {
	e, ok := ev.(*Event)
	if !ok {
		return fmt.Errorf("loopback: unexpected event type %T", ev)
	}
	if !e.IsDecryptionFailure() {
		return nil
	}
	has, err := d.store.HasSession(ctx, e.ref)
	if err != nil {
		return err
	}
	if !has {
		for _, l := range d.currentListeners() {
			l.OnEventDecrypted(e, ErrUndecryptable)
		}
		return ErrUndecryptable
	}
	e.markDecrypted()
	for _, l := range d.currentListeners() {
		l.OnEventDecrypted(e, nil)
	}
	return nil
}

func (d *Device) StoredDevicesForUser(userID string) map[string]*keyshare.DeviceInfo {
	infos := make(map[string]*keyshare.DeviceInfo)
	for _, other := range d.hub.devicesForUser(userID) {
		infos[other.deviceID] = other.info()
	}
	return infos
}

func (d *Device) DownloadKeys(ctx context.Context, userIDs []string) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.downloads = append(d.downloads, append([]string(nil), userIDs...))
	return nil
}

// Number of DownloadKeys calls made so far.
func (d *Device) Downloads() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return len(d.downloads)
}

// Makes every following send fail with err, or succeed again when err is nil.
func (d *Device) FailSends(err error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.sendErr = err
}

func (d *Device) EncryptAndSendToDevices(ctx context.Context, targets []keyshare.DeviceTarget, kind keyshare.MessageKind, payload []byte) error {
	d.lock.Lock()
	sendErr := d.sendErr
	d.lock.Unlock()
	if sendErr != nil {
		return sendErr
	}
	for _, t := range targets {
		target := d.hub.device(t.UserID, t.DeviceID)
		if target == nil {
			return fmt.Errorf("loopback: unknown device %s:%s", t.UserID, t.DeviceID)
		}
		sealed, err := crypto.EncryptWithDH(target.pub[:], d.priv[:], payload, []byte(kind))
		if err != nil {
			return err
		}
		d.hub.delivered.Add(1)
		go func() {
			defer d.hub.delivered.Done()
			target.receive(d, kind, sealed)
		}()
	}
	return nil
}

func (d *Device) receive(from *Device, kind keyshare.MessageKind, sealed []byte) {
	content, err := crypto.DecryptWithDH(from.pub[:], d.priv[:], sealed, []byte(kind))
	if err != nil {
		d.hub.log.Debugf("could not open message from %s:%s %v", from.userID, from.deviceID, err)
		content = nil
	}
	ev := &keyshare.ToDeviceEvent{
		Sender:       from.userID,
		SenderDevice: from.deviceID,
		SenderKey:    from.identity,
		Kind:         kind,
		Content:      content,
	}
	for _, l := range d.currentListeners() {
		l.OnToDeviceMessage(ev)
	}
}

func (d *Device) DeviceByIdentityKey(algorithm, senderKey string) *keyshare.DeviceInfo {
	if algorithm != keyshare.OlmAlgorithm {
		return nil
	}
	if other := d.hub.deviceByKey(senderKey); other != nil {
		return other.info()
	}
	return nil
}

func (d *Device) Crypto() keyshare.CryptoBackend {
	return d.store
}

func (d *Device) info() *keyshare.DeviceInfo {
	return &keyshare.DeviceInfo{UserID: d.userID, DeviceID: d.deviceID, IdentityKey: d.identity}
}

// Delivers a copy of ev to this device's timeline. The copy is returned so tests can observe
// this device's view of it.
func (d *Device) ReceiveTimelineEvent(ctx context.Context, ev *Event) *Event {
	local := ev.copy()
	if has, err := d.store.HasSession(ctx, local.ref); err == nil && has {
		local.markDecrypted()
	}
	for _, l := range d.currentListeners() {
		l.OnTimelineEvent(local)
	}
	return local
}
