// This package coordinates room key requests between devices. It notices events this device
// can't decrypt, asks peers who are members of the room for the missing group sessions over
// to-device messages, answers the same requests from entitled peers, and imports the sessions
// it receives.
package keyshare

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/river-build/go-keyshare/clock"
	"github.com/river-build/go-keyshare/config"
	"github.com/river-build/go-keyshare/internal/queue"
	"github.com/river-build/go-keyshare/internal/throttle"
	"go.uber.org/zap"
)

const (
	stateNew = iota
	stateRunning
	stateStopped
)

var ErrStopped = errors.New("keyshare: extension stopped")

// Published for every key request or response this device receives.
type ToDeviceNotice struct {
	RoomID   string
	Sender   string
	DeviceID string
	Kind     MessageKind
	Request  *KeyRequest
	Response *KeyResponse
}

type Option func(*Extension)

func WithClock(c clock.Clock) Option {
	return func(e *Extension) {
		e.clock = c
	}
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Extension) {
		e.registerer = reg
	}
}

type Extension struct {
	config       *config.Config
	log          *zap.SugaredLogger
	clock        clock.Clock
	client       Client
	delegate     Delegate
	entitlements *entitlementCache
	registerer   prometheus.Registerer
	metrics      *metrics

	lock        sync.Mutex
	state       int
	store       *recordStore
	queue       *queue.Queue[*ToDeviceEvent]
	scheduler   *throttle.Throttle
	unsubscribe func()
	ctx         context.Context
	cancelFn    context.CancelFunc

	observerLock sync.Mutex
	observers    map[int]func(*ToDeviceNotice)
	nextObserver int
}

func NewExtension(c *config.Config, client Client, delegate Delegate, opts ...Option) (*Extension, error) {
	if client == nil {
		return nil, errors.New("keyshare: client is required")
	}
	if delegate == nil {
		return nil, errors.New("keyshare: delegate is required")
	}
	if c.MaxConcurrentRoomKeyRequests < 1 {
		return nil, fmt.Errorf("keyshare: max concurrent room key requests must be positive, got %d", c.MaxConcurrentRoomKeyRequests)
	}

	ctx, cancelFn := context.WithCancel(context.Background())
	e := &Extension{
		config:    c,
		log:       c.Logger("keyshare"),
		clock:     clock.NewSystemClock(),
		client:    client,
		delegate:  delegate,
		store:     newRecordStore(),
		ctx:       ctx,
		cancelFn:  cancelFn,
		observers: make(map[int]func(*ToDeviceNotice)),
	}
	for _, o := range opts {
		o(e)
	}
	e.metrics = newMetrics(e.registerer)
	e.entitlements = newEntitlementCache(delegate, c.EntitlementCacheTTL())
	e.queue = queue.New(c.Logger("keyshare/queue"), c.QueueDelay(), e.handleToDevice)
	e.scheduler = throttle.New(e.clock, c.SchedulerThrottle(), e.runScheduler)
	return e, nil
}

// Attaches to the client and runs a first scheduling pass.
func (e *Extension) Start() error {
	e.lock.Lock()
	if e.state != stateNew {
		e.lock.Unlock()
		return fmt.Errorf("keyshare: cannot start in state %d", e.state)
	}
	e.state = stateRunning
	e.lock.Unlock()

	e.unsubscribe = e.client.Subscribe(&listener{e: e})
	e.log.Debugf("started for %s:%s", e.client.UserID(), e.client.DeviceID())
	e.scheduler.Trigger()
	return nil
}

// Detaches from the client, cancels scheduling and drops unprocessed to-device messages.
// Outstanding request timeouts are left to fire, they are no-ops by then.
func (e *Extension) Stop() error {
	e.lock.Lock()
	if e.state != stateRunning {
		e.lock.Unlock()
		return ErrStopped
	}
	e.state = stateStopped
	e.lock.Unlock()

	e.scheduler.Cancel()
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	e.queue.Stop()
	e.cancelFn()
	e.scheduler.Wait()
	e.log.Debugf("stopped")
	return nil
}

// Requests a scheduling pass. Calls within the throttle window collapse into one.
func (e *Extension) Trigger() {
	e.scheduler.Trigger()
}

// Registers f to be called for every key request or response received. f is called from the
// processing queue and must not block.
func (e *Extension) OnToDeviceMessage(f func(*ToDeviceNotice)) func() {
	e.observerLock.Lock()
	defer e.observerLock.Unlock()
	id := e.nextObserver
	e.nextObserver++
	e.observers[id] = f
	return func() {
		e.observerLock.Lock()
		defer e.observerLock.Unlock()
		delete(e.observers, id)
	}
}

func (e *Extension) RoomStatus(roomID string) (*RoomStatus, bool) {
	e.lock.Lock()
	defer e.lock.Unlock()
	r := e.store.room(roomID)
	if r == nil {
		return nil, false
	}
	return r.status(), true
}

func (e *Extension) running() bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.state == stateRunning
}

func (e *Extension) notify(n *ToDeviceNotice) {
	e.observerLock.Lock()
	fs := make([]func(*ToDeviceNotice), 0, len(e.observers))
	for _, f := range e.observers {
		fs = append(fs, f)
	}
	e.observerLock.Unlock()
	for _, f := range fs {
		f(n)
	}
}

func (e *Extension) trackFailure(ev Event) {
	e.lock.Lock()
	if e.state != stateRunning {
		e.lock.Unlock()
		return
	}
	added := e.store.ensureRoom(ev.RoomID(), ev.SpaceID()).addFailure(ev)
	e.lock.Unlock()
	if added {
		e.log.Debugf("tracking decryption failure %s in %s", ev.EventID(), ev.RoomID())
		e.scheduler.Trigger()
	}
}

func (e *Extension) untrackFailure(ev Event) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if r := e.store.room(ev.RoomID()); r != nil {
		if r.removeFailure(ev.EventID()) {
			e.log.Debugf("event %s in %s decrypted", ev.EventID(), ev.RoomID())
		}
	}
}

// Queue handler for key requests and responses.
func (e *Extension) handleToDevice(ctx context.Context, ev *ToDeviceEvent) error {
	if ev.Content == nil {
		e.log.Debugf("dropping %s from %s with no usable content", ev.Kind, ev.Sender)
		return nil
	}
	switch ev.Kind {
	case MessageKindKeyRequest:
		req, err := decodeRequest(ev.Content)
		if err != nil {
			return err
		}
		e.notify(&ToDeviceNotice{RoomID: req.RoomID(), Sender: ev.Sender, DeviceID: ev.SenderDevice, Kind: ev.Kind, Request: req})
		return e.handleKeyRequest(ctx, ev, req)
	case MessageKindKeyResponse:
		resp, err := decodeResponse(ev.Content)
		if err != nil {
			return err
		}
		e.notify(&ToDeviceNotice{RoomID: resp.RoomID(), Sender: ev.Sender, DeviceID: ev.SenderDevice, Kind: ev.Kind, Response: resp})
		return e.handleKeyResponse(ctx, ev, resp)
	default:
		return fmt.Errorf("%w: kind %q", ErrUnknownMessage, ev.Kind)
	}
}

type listener struct {
	e *Extension
}

func (l *listener) OnToDeviceMessage(ev *ToDeviceEvent) {
	if ev.Kind != MessageKindKeyRequest && ev.Kind != MessageKindKeyResponse {
		return
	}
	l.e.queue.Enqueue(ev)
}

func (l *listener) OnTimelineEvent(ev Event) {
	if ev.IsDecryptionFailure() {
		l.e.trackFailure(ev)
	}
}

func (l *listener) OnEventDecrypted(ev Event, err error) {
	if err != nil || ev.IsDecryptionFailure() {
		l.e.trackFailure(ev)
		return
	}
	l.e.untrackFailure(ev)
}
