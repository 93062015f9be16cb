package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/DCsunset/clip-share/internal/buffer"
	"github.com/DCsunset/clip-share/internal/identity"
	"github.com/DCsunset/clip-share/internal/protocol"
	"github.com/DCsunset/clip-share/internal/registry"
)

// errSessionDeleted signals a clean, client-requested teardown.
var errSessionDeleted = errors.New("session deleted by device")

// RelayOptions configures the dispatcher.
type RelayOptions struct {
	Metrics        *relayMetrics
	SendBufferSize int
	MaxMessageSize int64
	// Clock is the time source for challenge verification; nil means time.Now.
	Clock func() time.Time
}

// Relay is the per-connection dispatcher: it authenticates connections,
// keeps the presence registry current, and routes relay messages between
// sessions or into the offline buffer.
type Relay struct {
	log      *zap.Logger
	registry *registry.Registry
	buffer   *buffer.Buffer
	metrics  *relayMetrics
	upgrader websocket.Upgrader
	clock    func() time.Time

	sendBufferSize int
	maxMessageSize int64

	mu       sync.Mutex
	sessions map[string]*session
}

// NewRelay wires the dispatcher dependencies.
func NewRelay(log *zap.Logger, reg *registry.Registry, buf *buffer.Buffer, opts RelayOptions) *Relay {
	if reg == nil {
		reg = registry.New()
	}
	if buf == nil {
		buf = buffer.New(buffer.Sizes{})
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	sendBufferSize := opts.SendBufferSize
	if sendBufferSize <= 0 {
		sendBufferSize = 32
	}
	maxMessageSize := opts.MaxMessageSize
	if maxMessageSize <= 0 {
		maxMessageSize = 1 << 20
	}
	return &Relay{
		log:      log,
		registry: reg,
		buffer:   buf,
		metrics:  opts.Metrics,
		clock:    clock,
		upgrader: websocket.Upgrader{
			// devices connect from arbitrary origins; auth happens in-band
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sendBufferSize: sendBufferSize,
		maxMessageSize: maxMessageSize,
		sessions:       make(map[string]*session),
	}
}

// ServeHTTP upgrades the connection and runs the session to completion.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	r.handleConn(conn)
}

func (r *Relay) handleConn(conn *websocket.Conn) {
	conn.SetReadLimit(r.maxMessageSize)

	s := newSession(conn, r.log, r.sendBufferSize)
	go s.sender()
	defer s.Close()

	r.trackSession(s)
	defer r.untrackSession(s)

	start := r.clock()
	if err := r.authenticate(s); err != nil {
		r.observe("auth", start)
		r.metrics.recordAuthFailure()
		var ev *protocol.EventError
		if errors.As(err, &ev) {
			r.sendError(s, ev)
		}
		return
	}
	r.observe("auth", start)
	defer r.deregister(s)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("connection closed", zap.Error(err))
			}
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			r.sendError(s, protocol.NewEventError(protocol.CodeInvalidRequest, nil))
			continue
		}

		start := r.clock()
		err = r.route(s, msg)
		r.observe(string(msg.Type), start)
		if err == nil {
			continue
		}
		if errors.Is(err, errSessionDeleted) {
			return
		}

		var ev *protocol.EventError
		if !errors.As(err, &ev) {
			// never leak internal details to the peer
			s.log.Error("unexpected fault handling message",
				zap.String("type", string(msg.Type)), zap.Error(err))
			ev = protocol.NewEventError(protocol.CodeInternalError, nil)
		}
		r.sendError(s, ev)
		if ev.Fatal {
			return
		}
	}
}

// authenticate runs the handshake gates in order; any failure is fatal to
// the connection.
func (r *Relay) authenticate(s *session) error {
	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		return err
	}

	var msg protocol.Message
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != protocol.TypeAuth {
		return protocol.NewFatalError(protocol.CodeInvalidRequest, nil)
	}

	var req protocol.AuthRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return protocol.NewFatalError(protocol.CodeInvalidRequest, nil)
	}
	if err := req.Validate(); err != nil {
		return protocol.NewFatalError(protocol.CodeInvalidRequest, nil)
	}

	if !identity.VerifyChallenge(req.PublicKey, req.Challenge, r.clock()) {
		return protocol.NewFatalError(protocol.CodeAuthFailure, nil)
	}

	fingerprint, err := identity.Fingerprint(req.PublicKey)
	if err != nil {
		return protocol.NewFatalError(protocol.CodeAuthFailure, nil)
	}

	s.identity = fingerprint
	s.name = req.Name
	s.log = s.log.With(zap.String("device_id", fingerprint), zap.String("name", req.Name))

	// Newest wins: a device reconnecting after a network blip displaces
	// its own stale session instead of being locked out.
	evicted, existed := r.registry.Register(registry.Entry{
		Identity:  fingerprint,
		Name:      req.Name,
		SessionID: s.id,
		Handle:    s,
	})
	if existed {
		r.evict(evicted)
	}
	r.metrics.sessionStarted()

	r.drainBuffered(s)
	r.broadcastList()

	s.log.Info("device connected")
	return nil
}

// evict notifies and closes a session displaced by a reconnect.
func (r *Relay) evict(entry registry.Entry) {
	msg, err := protocol.NewMessage(protocol.TypeError, protocol.ErrEvent{
		Code: protocol.CodeDeviceAlreadyOnline,
	})
	if err == nil {
		_ = entry.Handle.Push(msg)
	}
	entry.Handle.Close()
	r.log.Info("evicted stale session",
		zap.String("device_id", entry.Identity), zap.String("session_id", entry.SessionID))
}

// drainBuffered delivers events queued while the device was offline,
// oldest first, then leaves the buffer empty for that identity.
func (r *Relay) drainBuffered(s *session) {
	entries := r.buffer.Drain(s.identity)
	for _, entry := range entries {
		if err := s.Push(entry.Message); err != nil {
			return
		}
	}
	if len(entries) > 0 {
		s.log.Info("delivered buffered events", zap.Int("count", len(entries)))
	}
	r.metrics.setBufferedEvents(r.buffer.Total())
}

func (r *Relay) deregister(s *session) {
	if r.registry.RemoveIfCurrent(s.identity, s.id) {
		r.broadcastList()
		s.log.Info("device disconnected")
	}
}

func (r *Relay) route(s *session, msg protocol.Message) error {
	switch msg.Type {
	case protocol.TypeAuth:
		// this physical connection already completed authentication
		return protocol.NewFatalError(protocol.CodeSocketIDUsed, nil)
	case protocol.TypeList:
		return r.handleList(s)
	case protocol.TypePair:
		var ev protocol.PairEvent
		if err := decodePayload(msg.Data, &ev); err != nil {
			return err
		}
		return r.handlePair(s, ev)
	case protocol.TypeUnpair:
		var ev protocol.UnpairEvent
		if err := decodePayload(msg.Data, &ev); err != nil {
			return err
		}
		return r.handleUnpair(s, ev)
	case protocol.TypeShare:
		var ev protocol.ShareEvent
		if err := decodePayload(msg.Data, &ev); err != nil {
			return err
		}
		return r.handleShare(s, ev)
	case protocol.TypeDelete:
		var ev protocol.DeleteEvent
		if err := decodePayload(msg.Data, &ev); err != nil {
			return err
		}
		return r.handleDelete(s, ev)
	default:
		return protocol.NewEventError(protocol.CodeInvalidRequest, nil)
	}
}

type validator interface {
	Validate() error
}

func decodePayload(raw json.RawMessage, dst validator) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return protocol.NewEventError(protocol.CodeInvalidRequest, nil)
	}
	if err := dst.Validate(); err != nil {
		return protocol.NewEventError(protocol.CodeInvalidRequest, nil)
	}
	return nil
}

// handleList answers with a snapshot of online devices, excluding the
// requester's own entry.
func (r *Relay) handleList(s *session) error {
	msg, err := protocol.NewMessage(protocol.TypeList, r.deviceListFor(s.identity))
	if err != nil {
		return err
	}
	return s.Push(msg)
}

// handlePair validates and forwards a pairing request or acceptance. The
// forwarded copy names the sender; only the public key travels as-is.
// Pairing is never buffered: an offline target is an error the initiator
// must see.
func (r *Relay) handlePair(s *session, ev protocol.PairEvent) error {
	target, ok := r.registry.Get(ev.DeviceID)
	if !ok {
		return protocol.NewEventError(protocol.CodeDeviceOffline,
			&protocol.Device{DeviceID: ev.DeviceID, Name: ev.Name})
	}
	// The identity is the invariant; the name check only catches a stale
	// view of who the target currently is.
	if target.Name != ev.Name {
		return protocol.NewEventError(protocol.CodeDeviceNameMismatched,
			&protocol.Device{DeviceID: ev.DeviceID, Name: target.Name})
	}

	fwd, err := protocol.NewMessage(protocol.TypePair, protocol.PairEvent{
		DeviceID:   s.identity,
		Name:       s.name,
		PublicKey:  ev.PublicKey,
		ExpiryDate: ev.ExpiryDate,
	})
	if err != nil {
		return err
	}
	if err := target.Handle.Push(fwd); err != nil {
		s.log.Debug("pair forward dropped", zap.String("target", ev.DeviceID), zap.Error(err))
		return nil
	}
	r.metrics.recordForwarded(string(protocol.TypePair))
	return nil
}

// handleUnpair forwards when the target is online and buffers otherwise;
// unpairing must eventually reach the peer to avoid one-sided state.
func (r *Relay) handleUnpair(s *session, ev protocol.UnpairEvent) error {
	fwd, err := protocol.NewMessage(protocol.TypeUnpair, protocol.UnpairEvent{
		DeviceID: s.identity,
		Name:     s.name,
	})
	if err != nil {
		return err
	}

	target, ok := r.registry.Get(ev.DeviceID)
	if !ok {
		r.enqueue(ev.DeviceID, buffer.CategoryUnpair, fwd)
		return nil
	}
	if target.Name != ev.Name {
		return protocol.NewEventError(protocol.CodeDeviceNameMismatched,
			&protocol.Device{DeviceID: ev.DeviceID, Name: target.Name})
	}
	if err := target.Handle.Push(fwd); err != nil {
		s.log.Debug("unpair forward dropped", zap.String("target", ev.DeviceID), zap.Error(err))
		return nil
	}
	r.metrics.recordForwarded(string(protocol.TypeUnpair))
	return nil
}

// handleShare relays data fire-and-forget. The origin field is always
// overwritten with the authenticated sender identity; recipients must not
// trust a sender-asserted value.
func (r *Relay) handleShare(s *session, ev protocol.ShareEvent) error {
	fwd, err := protocol.NewMessage(protocol.TypeShare, protocol.ShareEvent{
		DeviceID: s.identity,
		Data:     ev.Data,
	})
	if err != nil {
		return err
	}

	target, ok := r.registry.Get(ev.DeviceID)
	if !ok {
		r.enqueue(ev.DeviceID, buffer.CategoryShare, fwd)
		return nil
	}
	if err := target.Handle.Push(fwd); err != nil {
		s.log.Debug("share forward dropped", zap.String("target", ev.DeviceID), zap.Error(err))
		return nil
	}
	r.metrics.recordForwarded(string(protocol.TypeShare))
	return nil
}

// handleDelete lets a device revoke itself: its buffer is cleared, every
// listed paired device is told to unpair, and the connection is closed.
func (r *Relay) handleDelete(s *session, ev protocol.DeleteEvent) error {
	r.buffer.Clear(s.identity)

	fwd, err := protocol.NewMessage(protocol.TypeUnpair, protocol.UnpairEvent{
		DeviceID: s.identity,
		Name:     s.name,
	})
	if err != nil {
		return err
	}
	for _, dev := range ev.PairedDevices {
		if target, ok := r.registry.Get(dev.DeviceID); ok {
			if err := target.Handle.Push(fwd); err == nil {
				r.metrics.recordForwarded(string(protocol.TypeUnpair))
			}
			continue
		}
		r.enqueue(dev.DeviceID, buffer.CategoryUnpair, fwd)
	}

	if r.registry.RemoveIfCurrent(s.identity, s.id) {
		r.broadcastList()
	}
	s.log.Info("device deleted itself", zap.Int("paired_devices", len(ev.PairedDevices)))
	return errSessionDeleted
}

func (r *Relay) enqueue(identityID string, cat buffer.Category, msg protocol.Message) {
	if evicted := r.buffer.Enqueue(identityID, cat, msg); evicted {
		r.metrics.recordEviction(string(cat))
	}
	r.metrics.recordBuffered(string(cat))
	r.metrics.setBufferedEvents(r.buffer.Total())
}

// broadcastList pushes the updated presence snapshot to every online
// device. Handles are copied out of the registry before any send.
func (r *Relay) broadcastList() {
	entries := r.registry.Snapshot()
	r.metrics.setOnlineDevices(len(entries))

	for _, target := range entries {
		devices := make([]protocol.Device, 0, len(entries)-1)
		for _, e := range entries {
			if e.Identity == target.Identity {
				continue
			}
			devices = append(devices, e.Device())
		}
		msg, err := protocol.NewMessage(protocol.TypeList, devices)
		if err != nil {
			r.log.Error("marshal device list", zap.Error(err))
			return
		}
		_ = target.Handle.Push(msg)
	}
}

func (r *Relay) deviceListFor(exclude string) []protocol.Device {
	entries := r.registry.Snapshot()
	devices := make([]protocol.Device, 0, len(entries))
	for _, e := range entries {
		if e.Identity == exclude {
			continue
		}
		devices = append(devices, e.Device())
	}
	return devices
}

func (r *Relay) sendError(s *session, ev *protocol.EventError) {
	r.metrics.recordError(ev.Code.Label())
	msg, err := protocol.NewMessage(protocol.TypeError, ev.Event())
	if err != nil {
		return
	}
	_ = s.Push(msg)
}

func (r *Relay) observe(op string, start time.Time) {
	r.metrics.observeLatency(op, r.clock().Sub(start))
}

func (r *Relay) trackSession(s *session) {
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
}

func (r *Relay) untrackSession(s *session) {
	r.mu.Lock()
	delete(r.sessions, s.id)
	r.mu.Unlock()
}

// closeAll terminates every live session; used on shutdown since hijacked
// websocket connections are outside the HTTP server's own tracking.
func (r *Relay) closeAll() {
	r.mu.Lock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
