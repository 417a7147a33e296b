package keyshare

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/river-build/go-keyshare/clock"
	"github.com/river-build/go-keyshare/config"
	"github.com/stretchr/testify/require"
)

var errMissingSession = errors.New("missing session")

type fakeEvent struct {
	id      string
	roomID  string
	spaceID string
	sender  string
	ref     *SessionRef
	lock    sync.Mutex
	failing bool
}

func newFailure(id, roomID, spaceID, sender, sessionID string) *fakeEvent {
	return &fakeEvent{
		id:      id,
		roomID:  roomID,
		spaceID: spaceID,
		sender:  sender,
		ref:     &SessionRef{SenderKey: "key-" + sender, SessionID: sessionID},
		failing: true,
	}
}

func (e *fakeEvent) EventID() string { return e.id }
func (e *fakeEvent) RoomID() string  { return e.roomID }
func (e *fakeEvent) SpaceID() string { return e.spaceID }
func (e *fakeEvent) Sender() string  { return e.sender }

func (e *fakeEvent) IsDecryptionFailure() bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.failing
}

func (e *fakeEvent) SessionRef() (SessionRef, bool) {
	if e.ref == nil {
		return SessionRef{}, false
	}
	return *e.ref, true
}

func (e *fakeEvent) decrypted() {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.failing = false
}

type fakeCrypto struct {
	lock     sync.Mutex
	sessions map[SessionRef]*ExportedSession
	shared   map[string][]SessionRef
	imported []*ExportedSession
}

func newFakeCrypto() *fakeCrypto {
	return &fakeCrypto{
		sessions: make(map[SessionRef]*ExportedSession),
		shared:   make(map[string][]SessionRef),
	}
}

func (fc *fakeCrypto) add(s *ExportedSession, sharedHistory bool) {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	fc.sessions[s.Ref()] = s
	if sharedHistory {
		fc.shared[s.RoomID] = append(fc.shared[s.RoomID], s.Ref())
	}
}

func (fc *fakeCrypto) SharedHistorySessions(ctx context.Context, roomID string) ([]SessionRef, error) {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	return append([]SessionRef(nil), fc.shared[roomID]...), nil
}

func (fc *fakeCrypto) RoomSessions(ctx context.Context, roomID string) ([]SessionRef, error) {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	refs := make([]SessionRef, 0)
	for _, s := range fc.sessions {
		if s.RoomID == roomID {
			refs = append(refs, s.Ref())
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].SessionID < refs[j].SessionID })
	return refs, nil
}

func (fc *fakeCrypto) ExportSession(ctx context.Context, ref SessionRef) (*ExportedSession, error) {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	return fc.sessions[ref], nil
}

func (fc *fakeCrypto) HasSession(ctx context.Context, ref SessionRef) (bool, error) {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	_, ok := fc.sessions[ref]
	return ok, nil
}

func (fc *fakeCrypto) ImportRoomKeys(ctx context.Context, sessions []*ExportedSession) error {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	for _, s := range sessions {
		fc.sessions[s.Ref()] = s
		fc.imported = append(fc.imported, s)
	}
	return nil
}

func (fc *fakeCrypto) importedIDs() []string {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	ids := make([]string, len(fc.imported))
	for i, s := range fc.imported {
		ids[i] = s.SessionID
	}
	return ids
}

type sentMessage struct {
	targets []DeviceTarget
	kind    MessageKind
	payload []byte
}

type fakeClient struct {
	lock      sync.Mutex
	userID    string
	deviceID  string
	devices   map[string]map[string]*DeviceInfo
	listener  Listener
	sent      []*sentMessage
	sendErr   error
	downloads int
	crypto    *fakeCrypto
}

func newFakeClient(userID, deviceID string) *fakeClient {
	fc := &fakeClient{
		userID:   userID,
		deviceID: deviceID,
		devices:  make(map[string]map[string]*DeviceInfo),
		crypto:   newFakeCrypto(),
	}
	fc.addDevice(userID, deviceID)
	return fc
}

func (fc *fakeClient) addDevice(userID, deviceID string) *DeviceInfo {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	if fc.devices[userID] == nil {
		fc.devices[userID] = make(map[string]*DeviceInfo)
	}
	d := &DeviceInfo{UserID: userID, DeviceID: deviceID, IdentityKey: "ik-" + userID + "-" + deviceID}
	fc.devices[userID][deviceID] = d
	return d
}

func (fc *fakeClient) UserID() string   { return fc.userID }
func (fc *fakeClient) DeviceID() string { return fc.deviceID }
func (fc *fakeClient) DeviceKey() string {
	return "ik-" + fc.userID + "-" + fc.deviceID
}

func (fc *fakeClient) Subscribe(l Listener) func() {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	fc.listener = l
	return func() {
		fc.lock.Lock()
		defer fc.lock.Unlock()
		fc.listener = nil
	}
}

func (fc *fakeClient) currentListener() Listener {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	return fc.listener
}

func (fc *fakeClient) DecryptEventIfNeeded(ctx context.Context, ev Event) error {
	fe := ev.(*fakeEvent)
	if !fe.IsDecryptionFailure() {
		return nil
	}
	has, _ := fc.crypto.HasSession(ctx, *fe.ref)
	if !has {
		return errMissingSession
	}
	fe.decrypted()
	return nil
}

func (fc *fakeClient) StoredDevicesForUser(userID string) map[string]*DeviceInfo {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	devices := make(map[string]*DeviceInfo)
	for id, d := range fc.devices[userID] {
		devices[id] = d
	}
	return devices
}

func (fc *fakeClient) DownloadKeys(ctx context.Context, userIDs []string) error {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	fc.downloads++
	return nil
}

func (fc *fakeClient) EncryptAndSendToDevices(ctx context.Context, targets []DeviceTarget, kind MessageKind, payload []byte) error {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	fc.sent = append(fc.sent, &sentMessage{targets: targets, kind: kind, payload: payload})
	return fc.sendErr
}

func (fc *fakeClient) DeviceByIdentityKey(algorithm, senderKey string) *DeviceInfo {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	if algorithm != OlmAlgorithm {
		return nil
	}
	for _, devices := range fc.devices {
		for _, d := range devices {
			if d.IdentityKey == senderKey {
				return d
			}
		}
	}
	return nil
}

func (fc *fakeClient) Crypto() CryptoBackend {
	return fc.crypto
}

func (fc *fakeClient) messages() []*sentMessage {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	return append([]*sentMessage(nil), fc.sent...)
}

type fakeDelegate struct {
	lock     sync.Mutex
	rooms    map[string]*Room
	denied   map[string]bool
	checks   int
	checkErr error
}

func newFakeDelegate() *fakeDelegate {
	return &fakeDelegate{
		rooms:  make(map[string]*Room),
		denied: make(map[string]bool),
	}
}

func (fd *fakeDelegate) setRoom(roomID string, userIDs ...string) {
	fd.lock.Lock()
	defer fd.lock.Unlock()
	r := &Room{ID: roomID}
	for _, u := range userIDs {
		r.Members = append(r.Members, Member{UserID: u})
	}
	fd.rooms[roomID] = r
}

func (fd *fakeDelegate) deny(userID string) {
	fd.lock.Lock()
	defer fd.lock.Unlock()
	fd.denied[userID] = true
}

func (fd *fakeDelegate) checkCount() int {
	fd.lock.Lock()
	defer fd.lock.Unlock()
	return fd.checks
}

func (fd *fakeDelegate) IsEntitled(ctx context.Context, spaceID, channelID, userID string, p Permission) (bool, error) {
	fd.lock.Lock()
	defer fd.lock.Unlock()
	fd.checks++
	if fd.checkErr != nil {
		return false, fd.checkErr
	}
	return !fd.denied[userID], nil
}

func (fd *fakeDelegate) RoomData(ctx context.Context, roomID string) (*Room, error) {
	fd.lock.Lock()
	defer fd.lock.Unlock()
	return fd.rooms[roomID], nil
}

type harness struct {
	t        *testing.T
	config   *config.Config
	clock    *clock.ManualClock
	client   *fakeClient
	delegate *fakeDelegate
	registry *prometheus.Registry
	ext      *Extension
}

func newHarness(t *testing.T, opts ...config.Option) *harness {
	opts = append([]config.Option{
		config.WithoutLogFile(),
		config.WithLoggingPrefix("keyshare"),
		config.WithQueueDelayMs(0),
		config.WithEntitlementCacheTTLMs(0),
	}, opts...)
	h := &harness{
		t:        t,
		config:   config.NewConfig(opts...),
		clock:    clock.NewManualClock(time.Unix(1700000000, 0)),
		client:   newFakeClient("alice", "A1"),
		delegate: newFakeDelegate(),
		registry: prometheus.NewRegistry(),
	}
	ext, err := NewExtension(h.config, h.client, h.delegate, WithClock(h.clock), WithRegisterer(h.registry))
	require.Nil(t, err)
	h.ext = ext
	require.Nil(t, ext.Start())
	t.Cleanup(func() {
		_ = ext.Stop()
	})
	// let the pass started by Start finish so later triggers wait on its window
	ext.scheduler.Wait()
	return h
}

// Runs every scheduling pass which is currently due or pending.
func (h *harness) settle() {
	h.ext.scheduler.Wait()
	h.clock.Advance(h.config.SchedulerThrottle())
	h.ext.scheduler.Wait()
}

func (h *harness) fail(ev *fakeEvent) {
	h.client.currentListener().OnTimelineEvent(ev)
}

func (h *harness) requests() []*KeyRequest {
	reqs := make([]*KeyRequest, 0)
	for _, m := range h.client.messages() {
		if m.kind != MessageKindKeyRequest {
			continue
		}
		req, err := decodeRequest(m.payload)
		require.Nil(h.t, err)
		reqs = append(reqs, req)
	}
	return reqs
}

func (h *harness) responses() []*KeyResponse {
	resps := make([]*KeyResponse, 0)
	for _, m := range h.client.messages() {
		if m.kind != MessageKindKeyResponse {
			continue
		}
		resp, err := decodeResponse(m.payload)
		require.Nil(h.t, err)
		resps = append(resps, resp)
	}
	return resps
}

func (h *harness) status(roomID string) *RoomStatus {
	s, ok := h.ext.RoomStatus(roomID)
	require.True(h.t, ok)
	return s
}

func targetIDs(targets []DeviceTarget) []string {
	ids := make([]string, len(targets))
	for i, t := range targets {
		ids[i] = t.UserID + ":" + t.DeviceID
	}
	sort.Strings(ids)
	return ids
}

func toDevice(t *testing.T, sender, deviceID string, kind MessageKind, v interface{}) *ToDeviceEvent {
	b, err := encode(v)
	require.Nil(t, err)
	return &ToDeviceEvent{
		Sender:       sender,
		SenderDevice: deviceID,
		SenderKey:    "ik-" + sender + "-" + deviceID,
		Kind:         kind,
		Content:      b,
	}
}
