package sip

import (
	"net/netip"
	"sync"
	"time"

	"github.com/voicegrid/sipcore/internal/types"
)

// Message represents a SIP message, either a request or a response.
type Message interface {
	types.Renderer
	types.ValidFlag
	types.Equalable
	Clone() Message
	Validate() error
}

// MessageMetadata is a concurrency safe key/value store attached to
// inbound and outbound message envelopes. It carries auxiliary data
// between the layers, e.g. receive timestamps.
type MessageMetadata struct {
	mu   sync.RWMutex
	data map[string]any
}

// Get returns the value stored under the key.
func (md *MessageMetadata) Get(key string) (any, bool) {
	if md == nil {
		return nil, false
	}
	md.mu.RLock()
	defer md.mu.RUnlock()
	v, ok := md.data[key]
	return v, ok
}

// Set stores the value under the key.
func (md *MessageMetadata) Set(key string, val any) {
	md.mu.Lock()
	defer md.mu.Unlock()
	if md.data == nil {
		md.data = make(map[string]any)
	}
	md.data[key] = val
}

// Del removes the value stored under the key.
func (md *MessageMetadata) Del(key string) {
	md.mu.Lock()
	defer md.mu.Unlock()
	delete(md.data, key)
}

// Clone returns a copy of the metadata.
func (md *MessageMetadata) Clone() *MessageMetadata {
	if md == nil {
		return nil
	}
	md.mu.RLock()
	defer md.mu.RUnlock()
	md2 := &MessageMetadata{data: make(map[string]any, len(md.data))}
	for k, v := range md.data {
		md2.data[k] = v
	}
	return md2
}

// message is the shared base of message envelopes.
type message[T Message] struct {
	msg     T
	msgTime time.Time
	locAddr netip.AddrPort
	rmtAddr netip.AddrPort
	data    *MessageMetadata
}

// inboundMessage is the base of envelopes around messages received from
// a transport. The wrapped message is owned by the receiver and is not
// mutated, so reads are lock free.
type inboundMessage[T Message] struct {
	message[T]
}

// Time returns the receive timestamp of the message.
func (m *inboundMessage[T]) Time() time.Time { return m.msgTime }

// LocalAddr returns the local address the message was received on.
func (m *inboundMessage[T]) LocalAddr() netip.AddrPort { return m.locAddr }

// RemoteAddr returns the address the message was received from.
func (m *inboundMessage[T]) RemoteAddr() netip.AddrPort { return m.rmtAddr }

// Metadata returns the metadata attached to the envelope.
func (m *inboundMessage[T]) Metadata() *MessageMetadata { return m.data }

// Message returns the wrapped message.
func (m *inboundMessage[T]) Message() T { return m.msg }

// outboundMessage is the base of envelopes around messages to be sent.
// Outbound messages may be mutated while in flight (authentication
// retries and the like), so access goes through the RW mutex.
type outboundMessage[T Message] struct {
	message[T]
	mu sync.RWMutex
}

// Time returns the creation timestamp of the message.
func (m *outboundMessage[T]) Time() time.Time { return m.msgTime }

// LocalAddr returns the local address the message is sent from.
func (m *outboundMessage[T]) LocalAddr() netip.AddrPort {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.locAddr
}

// SetLocalAddr sets the local address the message is sent from.
func (m *outboundMessage[T]) SetLocalAddr(addr netip.AddrPort) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locAddr = addr
}

// RemoteAddr returns the resolved destination address.
func (m *outboundMessage[T]) RemoteAddr() netip.AddrPort {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rmtAddr
}

// SetRemoteAddr sets the resolved destination address.
func (m *outboundMessage[T]) SetRemoteAddr(addr netip.AddrPort) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rmtAddr = addr
}

// Metadata returns the metadata attached to the envelope.
func (m *outboundMessage[T]) Metadata() *MessageMetadata { return m.data }

// Message returns the wrapped message.
// The caller must not mutate it concurrently with sends.
func (m *outboundMessage[T]) Message() T {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.msg
}

// Update applies fn to the wrapped message under the write lock.
func (m *outboundMessage[T]) Update(fn func(msg T)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.msg)
}

// GetMessageHeaders extracts the headers from a message or an envelope
// around a message.
func GetMessageHeaders(msg any) Headers {
	switch m := msg.(type) {
	case *Request:
		return m.Headers
	case *Response:
		return m.Headers
	case interface{ Headers() Headers }:
		return m.Headers()
	default:
		return nil
	}
}
