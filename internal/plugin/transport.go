package plugin

import (
	"context"
	"sync"
)

// TransportKind is the active I/O channel driving events (§3 Transport
// state, Glossary).
type TransportKind string

const (
	TransportNone   TransportKind = "none"
	TransportSerial TransportKind = "serial"
	TransportRTT    TransportKind = "rtt"
	TransportBLE    TransportKind = "ble"
)

// Transport is the interface the Dispatcher and Resource Broker consume
// from the (out-of-scope, §1) serial/RTT transport drivers: connect,
// disconnect, info, send, and a byte-stream callback for inbound frames.
type Transport interface {
	Kind() TransportKind
	Connect(ctx context.Context, target string, param int) error
	Disconnect(ctx context.Context) error
	Info() (target string, param int)
	Send(ctx context.Context, data []byte) error
	// ReadRTT services rtt.read({address, size}); only meaningful when
	// Kind() == TransportRTT. Implementations of other kinds return
	// StatusNotActive via the Dispatcher's handler, never here.
	ReadRTT(ctx context.Context, address uint32, size int) ([]byte, error)
}

// state is the runtime's live view of which transport is active and its
// parameters (§3 Transport state), read by the Dispatcher to route events
// and by immediate handlers like serial.info/rtt.info.
type state struct {
	mu     sync.RWMutex
	kind   TransportKind
	target string
	param  int // baud (serial) or channel (RTT)
}

func (s *state) set(kind TransportKind, target string, param int) {
	s.mu.Lock()
	s.kind, s.target, s.param = kind, target, param
	s.mu.Unlock()
}

func (s *state) get() (TransportKind, string, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kind, s.target, s.param
}

// FakeTransport is a deterministic, in-memory Transport used by tests and
// the `serialmux --transport fake` demonstration CLI mode. It never
// touches an actual device; Inject* methods let a test script or harness
// post inbound frames as if a driver had read them off the wire.
type FakeTransport struct {
	mu     sync.Mutex
	kind   TransportKind
	target string
	param  int
	sent   [][]byte
	rtt    map[uint32][]byte // address -> canned bytes for ReadRTT
	onSend func([]byte)
}

// NewFakeTransport returns a FakeTransport with no active transport.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{kind: TransportNone, rtt: make(map[uint32][]byte)}
}

func (f *FakeTransport) Kind() TransportKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kind
}

func (f *FakeTransport) Connect(ctx context.Context, target string, param int) error {
	f.mu.Lock()
	f.target, f.param = target, param
	f.mu.Unlock()
	return nil
}

func (f *FakeTransport) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	f.target, f.param = "", 0
	f.mu.Unlock()
	return nil
}

func (f *FakeTransport) Info() (string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.target, f.param
}

func (f *FakeTransport) Send(ctx context.Context, data []byte) error {
	f.mu.Lock()
	cp := append([]byte(nil), data...)
	f.sent = append(f.sent, cp)
	cb := f.onSend
	f.mu.Unlock()
	if cb != nil {
		cb(cp)
	}
	return nil
}

func (f *FakeTransport) ReadRTT(ctx context.Context, address uint32, size int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.rtt[address]
	if !ok {
		data = make([]byte, size)
	}
	if len(data) > size {
		data = data[:size]
	}
	return data, nil
}

// SetKind switches the active transport kind, simulating a driver-level
// connect/disconnect transition that the Dispatcher must fan out
// on_*_connect/on_*_disconnect for (§4.4 Event fan-out rules).
func (f *FakeTransport) SetKind(kind TransportKind) {
	f.mu.Lock()
	f.kind = kind
	f.mu.Unlock()
}

// SetRTTData seeds the canned bytes ReadRTT returns for a given address.
func (f *FakeTransport) SetRTTData(address uint32, data []byte) {
	f.mu.Lock()
	f.rtt[address] = data
	f.mu.Unlock()
}

// OnSend registers a callback invoked synchronously on every Send, letting
// tests assert outbound write order without polling.
func (f *FakeTransport) OnSend(cb func([]byte)) {
	f.mu.Lock()
	f.onSend = cb
	f.mu.Unlock()
}

// SentFrames returns a copy of every frame written via Send, in order.
func (f *FakeTransport) SentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}
