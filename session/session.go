package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the handshake state of the single long-lived protocol session.
type State string

const (
	StateDisconnected                State = "DISCONNECTED"
	StateAwaitingResetRequest        State = "AWAITING_RESET_REQUEST"
	StateAwaitingResetCompleteRemote State = "AWAITING_RESET_COMPLETE_REMOTE"
	StateAwaitingResetCompleteLocal  State = "AWAITING_RESET_COMPLETE_LOCAL"
	StateOpen                        State = "OPEN"
)

const (
	// DefaultRetryDelay is the fixed wait before re-sending a failed message.
	DefaultRetryDelay = time.Second
	// DefaultRetryLimit bounds send attempts per control message or chunk.
	DefaultRetryLimit = 3
	// DefaultClosedObjectTimeout bounds how long a queued object waits for
	// the session to open before it is dropped.
	DefaultClosedObjectTimeout = 3 * time.Second

	defaultMaxObjectSize = 1 << 20
)

var (
	// ErrEmptyObject indicates PostObject was called with no payload.
	ErrEmptyObject = errors.New("session: empty object payload")
	// ErrObjectTooLarge indicates the payload exceeds the outbound limit.
	ErrObjectTooLarge = errors.New("session: object exceeds size limit")
)

// Transport is the boundary to the underlying message channel. Send either
// rejects synchronously or reports the delivery outcome later through the
// session's HandleSendResult entry point.
type Transport interface {
	Open(txCapacity, rxCapacity int) error
	Send(key byte, payload []byte) error
	Close() error
}

// Options configures a Session. Zero values fall back to protocol defaults.
type Options struct {
	Transport Transport
	Scheduler Scheduler
	Logger    zerolog.Logger

	// Initiator starts the reset handshake as soon as the transport
	// connects instead of waiting for the peer's reset request. Exactly one
	// side of a link should set it.
	Initiator bool

	RetryDelay          time.Duration
	RetryLimit          int
	ClosedObjectTimeout time.Duration

	MaxInboundObjectSize  int
	MaxOutboundObjectSize int

	// OnObjectDelivered runs after the final chunk of an object has been
	// acknowledged by the transport. Size counts the terminator byte.
	OnObjectDelivered func(size int)
}

// Session is the protocol session: a 5-state reset handshake, prioritized
// outbound queues with bounded retries, and single-transfer inbound
// reassembly. All entry points are safe for concurrent use; state mutations
// always commit before any subscriber callback runs, so callbacks may
// re-enter the session.
type Session struct {
	options Options
	log     zerolog.Logger

	mu    sync.Mutex
	state State

	version     uint8
	txChunkSize int
	rxChunkSize int

	outbox     outbox
	reassembly reassembler

	retryTimer  TimerID
	closedTimer TimerID

	// pending collects side effects (transport sends, notifications) built
	// up under the lock, to run after it is released.
	pending []func()

	notifier notifier
	stopOnce sync.Once
}

// New creates a session with validated options.
func New(options Options) (*Session, error) {
	if options.Transport == nil {
		return nil, errors.New("session: transport is required")
	}
	if options.Scheduler == nil {
		options.Scheduler = NewScheduler()
	}
	if options.RetryDelay <= 0 {
		options.RetryDelay = DefaultRetryDelay
	}
	if options.RetryLimit <= 0 {
		options.RetryLimit = DefaultRetryLimit
	}
	if options.ClosedObjectTimeout <= 0 {
		options.ClosedObjectTimeout = DefaultClosedObjectTimeout
	}
	if options.MaxInboundObjectSize <= 0 {
		options.MaxInboundObjectSize = defaultMaxObjectSize
	}
	if options.MaxOutboundObjectSize <= 0 {
		options.MaxOutboundObjectSize = defaultMaxObjectSize
	}

	return &Session{
		options:    options,
		log:        options.Logger.With().Str("component", "session").Logger(),
		state:      StateDisconnected,
		outbox:     newOutbox(),
		reassembly: newReassembler(options.MaxInboundObjectSize),
		notifier:   newNotifier(),
	}, nil
}

// Start opens the transport channel with capacities sized for one chunk.
func (s *Session) Start() error {
	txCapacity := chunkHeaderSize + MaxTxChunkSize
	rxCapacity := chunkHeaderSize + MaxRxChunkSize
	if err := s.options.Transport.Open(txCapacity, rxCapacity); err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	return nil
}

// Stop cancels timers and closes the transport.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.cancelRetryTimer()
		s.cancelClosedTimer()
		s.state = StateDisconnected
		s.mu.Unlock()
		_ = s.options.Transport.Close()
	})
}

// State returns the current handshake state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Negotiated returns the protocol version and tx/rx chunk sizes agreed with
// the peer. The values are meaningful only while the session is open and are
// zero otherwise.
func (s *Session) Negotiated() (version uint8, txChunkSize, rxChunkSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version, s.txChunkSize, s.rxChunkSize
}

// PostObject enqueues one application payload for chunked transmission and
// returns immediately. The terminator byte is appended internally; the peer
// receives the payload with the terminator still attached.
func (s *Session) PostObject(payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyObject
	}
	if len(payload)+1 > s.options.MaxOutboundObjectSize {
		return ErrObjectTooLarge
	}

	data := make([]byte, 0, len(payload)+1)
	data = append(data, payload...)
	data = append(data, Terminator)

	s.mu.Lock()
	wasEmpty := s.outbox.objectCount() == 0
	s.outbox.pushObject(data)
	if wasEmpty {
		if s.state == StateOpen {
			s.pump()
		} else {
			s.armClosedTimer()
		}
	}
	effects := s.takeEffects()
	s.mu.Unlock()
	s.run(effects)
	return nil
}

// SubscribeMessage registers a callback for reassembled inbound objects.
func (s *Session) SubscribeMessage(fn func(object []byte)) string {
	return s.notifier.subscribeMessage(fn)
}

// SubscribeConnection registers a callback for session open/close changes.
// It fires immediately with the current state. The state snapshot and the
// registration happen under one lock acquisition so a concurrent transition
// cannot slip between them.
func (s *Session) SubscribeConnection(fn func(connected bool)) string {
	s.mu.Lock()
	connected := s.state == StateOpen
	id := s.notifier.subscribeConnection(fn)
	s.mu.Unlock()

	fn(connected)
	return id
}

// SubscribeError registers a callback receiving the raw serialized bytes of
// objects dropped after exhausting retries or the session-closed wait. The
// buffer is owned by the callback from then on.
func (s *Session) SubscribeError(fn func(object []byte)) string {
	return s.notifier.subscribeError(fn)
}

// Unsubscribe removes a subscription by ID. Unknown IDs are a no-op.
func (s *Session) Unsubscribe(id string) {
	s.notifier.unsubscribe(id)
}

// HandleConnectionChanged is the transport's connection-state entry point.
func (s *Session) HandleConnectionChanged(open bool) {
	s.mu.Lock()
	s.handleConnectionChanged(open)
	effects := s.takeEffects()
	s.mu.Unlock()
	s.run(effects)
}

// HandleMessage is the transport's inbound-message entry point.
func (s *Session) HandleMessage(key byte, payload []byte) {
	s.mu.Lock()
	s.handleMessage(key, payload)
	effects := s.takeEffects()
	s.mu.Unlock()
	s.run(effects)
}

// HandleSendResult is the transport's async send-outcome entry point.
func (s *Session) HandleSendResult(ok bool) {
	s.mu.Lock()
	s.handleSendResult(ok)
	effects := s.takeEffects()
	s.mu.Unlock()
	s.run(effects)
}

func (s *Session) handleConnectionChanged(open bool) {
	if open {
		if s.state != StateDisconnected {
			s.log.Warn().Str("state", string(s.state)).Msg("transport connect in unexpected state")
			return
		}
		if s.options.Initiator {
			s.state = StateAwaitingResetCompleteLocal
			s.queueControl(KeyResetRequest, nil)
		} else {
			s.state = StateAwaitingResetRequest
		}
		return
	}

	wasOpen := s.state == StateOpen
	s.state = StateDisconnected

	// Queued control messages belong to the dead connection; the next
	// connection starts a fresh handshake.
	s.outbox.clearControls()
	s.outbox.inFlight = inFlightNone
	s.outbox.failures = 0
	s.outbox.lastFailed = nil
	s.cancelRetryTimer()

	if wasOpen {
		s.exitOpen()
	}
}

func (s *Session) handleMessage(key byte, payload []byte) {
	switch s.state {
	case StateDisconnected:
		s.log.Debug().Int("key", int(key)).Msg("dropping message while disconnected")

	case StateAwaitingResetRequest:
		if key == KeyResetRequest {
			s.queueControl(KeyResetComplete, EncodeResetComplete(localResetComplete()))
			s.state = StateAwaitingResetCompleteRemote
		} else {
			s.queueControl(KeyResetRequest, nil)
			s.state = StateAwaitingResetCompleteLocal
		}

	case StateAwaitingResetCompleteRemote:
		s.handleAwaitingResetCompleteRemote(key, payload)

	case StateAwaitingResetCompleteLocal:
		s.handleAwaitingResetCompleteLocal(key, payload)

	case StateOpen:
		s.handleOpen(key, payload)
	}
}

func (s *Session) handleAwaitingResetCompleteRemote(key byte, payload []byte) {
	switch key {
	case KeyResetComplete:
		rc, err := DecodeResetComplete(payload)
		if err != nil {
			s.queueControl(KeyUnsupportedError, EncodeUnsupportedError(ErrorCodeMalformedResetComplete))
			s.state = StateAwaitingResetRequest
			return
		}
		if !versionsOverlap(rc) {
			// The initiating side detects the mismatch itself and reports
			// it; the responder just restarts the handshake.
			s.log.Warn().
				Uint8("peer_min", rc.MinVersion).
				Uint8("peer_max", rc.MaxVersion).
				Msg("no protocol version overlap")
			s.state = StateAwaitingResetRequest
			return
		}
		s.enterOpen(rc)

	case KeyResetRequest:
		s.queueControl(KeyResetComplete, EncodeResetComplete(localResetComplete()))

	default:
		s.queueControl(KeyResetRequest, nil)
		s.state = StateAwaitingResetCompleteLocal
	}
}

func (s *Session) handleAwaitingResetCompleteLocal(key byte, payload []byte) {
	switch key {
	case KeyResetComplete:
		rc, err := DecodeResetComplete(payload)
		if err != nil {
			s.queueControl(KeyUnsupportedError, EncodeUnsupportedError(ErrorCodeMalformedResetComplete))
			s.state = StateAwaitingResetRequest
			return
		}
		if !versionsOverlap(rc) {
			s.queueControl(KeyUnsupportedError, EncodeUnsupportedError(ErrorCodeUnsupportedVersion))
			s.state = StateAwaitingResetRequest
			return
		}
		s.queueControl(KeyResetComplete, EncodeResetComplete(localResetComplete()))
		s.enterOpen(rc)

	case KeyResetRequest:
		s.queueControl(KeyResetComplete, EncodeResetComplete(localResetComplete()))
		s.state = StateAwaitingResetCompleteRemote

	case KeyChunk:
		// Dropped for now: the transport exposes no NACK primitive to
		// reject it with.
		s.log.Debug().Msg("dropping chunk before handshake completes")

	default:
		s.log.Debug().Int("key", int(key)).Msg("ignoring message while awaiting reset complete")
	}
}

func (s *Session) handleOpen(key byte, payload []byte) {
	switch key {
	case KeyChunk:
		header, body, err := DecodeChunkHeader(payload)
		if err != nil {
			s.protocolViolation(err)
			return
		}
		object, err := s.reassembly.consume(header, body)
		switch {
		case errors.Is(err, ErrMissingTerminator):
			s.log.Warn().Msg("dropping completed object without terminator")
		case err != nil:
			s.protocolViolation(err)
		case object != nil:
			s.emitMessageEffect(object)
		}

	case KeyResetRequest:
		s.state = StateAwaitingResetCompleteRemote
		s.exitOpen()
		s.queueControl(KeyResetComplete, EncodeResetComplete(localResetComplete()))

	case KeyResetComplete:
		s.protocolViolation(errors.New("session: reset complete while open"))

	default:
		s.log.Warn().Int("key", int(key)).Msg("ignoring unexpected message while open")
	}
}

// protocolViolation restarts the handshake locally: session exit, then a
// fresh reset request.
func (s *Session) protocolViolation(err error) {
	s.log.Warn().Err(err).Msg("protocol violation, restarting handshake")
	s.state = StateAwaitingResetCompleteLocal
	s.exitOpen()
	s.queueControl(KeyResetRequest, nil)
}

// enterOpen negotiates version and chunk sizes from the peer's declared
// capabilities and opens the session. Each axis takes the crossed minimum:
// our transmit size is bounded by what the peer can receive and vice versa.
func (s *Session) enterOpen(rc ResetComplete) {
	version := rc.MaxVersion
	if version > MaxProtocolVersion {
		version = MaxProtocolVersion
	}
	s.version = version
	s.txChunkSize = min(MaxTxChunkSize, int(rc.MaxRxChunkSize))
	s.rxChunkSize = min(MaxRxChunkSize, int(rc.MaxTxChunkSize))

	s.cancelClosedTimer()
	s.state = StateOpen

	s.log.Info().
		Uint8("version", s.version).
		Int("tx_chunk_size", s.txChunkSize).
		Int("rx_chunk_size", s.rxChunkSize).
		Msg("session open")

	s.emitConnectionEffect(true)
	s.pump()
}

// exitOpen runs on every transition away from the open state. The caller has
// already set the new state.
func (s *Session) exitOpen() {
	s.reassembly.reset()
	s.version = 0
	s.txChunkSize = 0
	s.rxChunkSize = 0

	if s.outbox.objectCount() > 0 {
		s.outbox.rewindHeadObject()
		s.armClosedTimer()
	}

	s.log.Info().Str("state", string(s.state)).Msg("session closed")
	s.emitConnectionEffect(false)
}

// pump arbitrates the next outbound send whenever the outbox is idle:
// control messages first, then the head object's next chunk, but chunks only
// while the session is open.
func (s *Session) pump() {
	if s.outbox.inFlight != inFlightNone {
		return
	}

	if ctrl := s.outbox.headControl(); ctrl != nil {
		s.supersedeRetry(ctrl)
		s.outbox.inFlight = inFlightControl
		s.sendEffect(ctrl.key, ctrl.payload)
		return
	}

	if s.state != StateOpen {
		return
	}
	object := s.outbox.headObject()
	if object == nil {
		return
	}

	s.supersedeRetry(object)
	payload, body := buildChunk(object.data, object.offset, s.txChunkSize)
	s.outbox.inFlight = inFlightChunk
	s.outbox.inFlightBody = body
	s.sendEffect(KeyChunk, payload)
}

// supersedeRetry cancels a scheduled retry in favor of this dispatch. A
// message entering the send slot that is not the one that failed gets its own
// attempt budget.
func (s *Session) supersedeRetry(next any) {
	s.cancelRetryTimer()
	if s.outbox.lastFailed != next {
		s.outbox.failures = 0
		s.outbox.lastFailed = nil
	}
}

func (s *Session) handleSendResult(ok bool) {
	kind := s.outbox.inFlight
	if kind == inFlightNone {
		s.log.Debug().Msg("send result with nothing in flight")
		return
	}
	s.outbox.inFlight = inFlightNone

	if kind == inFlightChunk && s.state != StateOpen {
		// Result for a chunk of a session that already closed. The rewind on
		// exit governs; the object resends in full next time.
		s.pump()
		return
	}

	if ok {
		s.outbox.failures = 0
		s.outbox.lastFailed = nil
		switch kind {
		case inFlightControl:
			s.outbox.popControl()
		case inFlightChunk:
			object := s.outbox.headObject()
			if object == nil {
				panic("session: chunk acknowledged with empty object queue")
			}
			object.offset += s.outbox.inFlightBody
			if object.offset >= len(object.data) {
				s.outbox.popObject()
				s.log.Debug().Int("size", len(object.data)).Msg("object delivered")
				if s.options.OnObjectDelivered != nil {
					size := len(object.data)
					s.pending = append(s.pending, func() { s.options.OnObjectDelivered(size) })
				}
			}
		}
		s.pump()
		return
	}

	s.outbox.failures++
	if s.outbox.failures < s.options.RetryLimit {
		switch kind {
		case inFlightControl:
			s.outbox.lastFailed = s.outbox.headControl()
		case inFlightChunk:
			s.outbox.lastFailed = s.outbox.headObject()
		}
		s.scheduleRetry()
		return
	}

	s.outbox.failures = 0
	s.outbox.lastFailed = nil
	switch kind {
	case inFlightControl:
		dropped := s.outbox.popControl()
		s.log.Warn().Int("key", int(dropped.key)).Msg("control message dropped after retries")
	case inFlightChunk:
		if dropped := s.outbox.popObject(); dropped != nil {
			s.log.Warn().Int("size", len(dropped.data)).Msg("object dropped after retries")
			s.emitErrorEffect(dropped.data)
		}
	}
	s.pump()
}

// queueControl enqueues a protocol-management message and re-arbitrates.
func (s *Session) queueControl(key byte, payload []byte) {
	s.outbox.pushControl(key, payload)
	s.pump()
}

func (s *Session) scheduleRetry() {
	if s.retryTimer != 0 {
		panic("session: overlapping retry timer")
	}
	s.retryTimer = s.options.Scheduler.Schedule(s.options.RetryDelay, s.onRetryTimer)
}

func (s *Session) onRetryTimer() {
	s.mu.Lock()
	s.retryTimer = 0
	s.pump()
	effects := s.takeEffects()
	s.mu.Unlock()
	s.run(effects)
}

func (s *Session) cancelRetryTimer() {
	if s.retryTimer != 0 {
		s.options.Scheduler.Cancel(s.retryTimer)
		s.retryTimer = 0
	}
}

// armClosedTimer starts the session-closed object wait if it is not already
// running.
func (s *Session) armClosedTimer() {
	if s.closedTimer != 0 {
		return
	}
	s.closedTimer = s.options.Scheduler.Schedule(s.options.ClosedObjectTimeout, s.onClosedTimer)
}

func (s *Session) onClosedTimer() {
	s.mu.Lock()
	s.closedTimer = 0
	if s.state == StateOpen {
		// Lost the race against a reconnect; the object survives.
		effects := s.takeEffects()
		s.mu.Unlock()
		s.run(effects)
		return
	}

	if dropped := s.outbox.popObject(); dropped != nil {
		s.log.Warn().Int("size", len(dropped.data)).Msg("object dropped waiting for session")
		s.emitErrorEffect(dropped.data)
	}
	if s.outbox.objectCount() > 0 {
		s.armClosedTimer()
	}
	effects := s.takeEffects()
	s.mu.Unlock()
	s.run(effects)
}

func (s *Session) cancelClosedTimer() {
	if s.closedTimer != 0 {
		s.options.Scheduler.Cancel(s.closedTimer)
		s.closedTimer = 0
	}
}

func (s *Session) sendEffect(key byte, payload []byte) {
	s.pending = append(s.pending, func() {
		if err := s.options.Transport.Send(key, payload); err != nil {
			s.log.Warn().Err(err).Int("key", int(key)).Msg("transport rejected send")
			s.HandleSendResult(false)
		}
	})
}

func (s *Session) emitConnectionEffect(connected bool) {
	s.pending = append(s.pending, func() { s.notifier.emitConnection(connected) })
}

func (s *Session) emitMessageEffect(object []byte) {
	s.pending = append(s.pending, func() { s.notifier.emitMessage(object) })
}

func (s *Session) emitErrorEffect(object []byte) {
	s.pending = append(s.pending, func() { s.notifier.emitError(object) })
}

func (s *Session) takeEffects() []func() {
	effects := s.pending
	s.pending = nil
	return effects
}

func (s *Session) run(effects []func()) {
	for _, effect := range effects {
		effect()
	}
}
