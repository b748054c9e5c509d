// Package transport implements the reliable-datagram layer: every outbound
// non-ack message is tracked until acknowledged and retransmitted on a
// timer, exactly as SPEC_FULL.md §4.B describes, grounded on the pending-ACK
// map and retransmit scanner of the teacher's protocol.Session.
package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ahijaouy/starnet/pkg/logger"
	"github.com/ahijaouy/starnet/pkg/wire"
)

const (
	// AckTimeout is how long to wait for an ACK before retransmitting.
	AckTimeout = 1500 * time.Millisecond
	// ScanInterval is how often the retransmit scanner walks the pending set.
	ScanInterval = 300 * time.Millisecond
	// MaxRetries is how many times in total a message is sent, the first
	// send included, before it is dropped.
	MaxRetries = 5

	outboxSize = 256
)

// ErrRetransmitExhausted is logged (never returned to a caller expecting to
// retry) when a message's retransmit budget is spent without an ACK.
var ErrRetransmitExhausted = errors.New("transport: retransmit budget exhausted")

// Inbound is a decoded packet paired with the address it actually arrived
// from, handed to the router.
type Inbound struct {
	Msg  *wire.Message
	From *net.UDPAddr
}

type pendingSend struct {
	to       *net.UDPAddr
	data     []byte
	sentAt   time.Time
	attempts int
}

// Transport owns the one UDP socket for this node: one goroutine reads it,
// one goroutine drains the outbox and writes it, and a third goroutine scans
// the pending-ACK set for messages to retransmit.
type Transport struct {
	conn *net.UDPConn

	selfName string

	outbox chan outboundPacket

	pendingMu sync.Mutex
	pending   map[string]*pendingSend

	inbound chan Inbound
}

type outboundPacket struct {
	to   *net.UDPAddr
	data []byte
}

// New binds a UDP socket on localPort and returns a Transport ready to
// Start. selfName is stamped into every outbound header.
func New(selfName string, localPort int) (*Transport, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: localPort})
	if err != nil {
		return nil, errors.Wrapf(err, "bind udp port %d", localPort)
	}
	return &Transport{
		conn:     conn,
		selfName: selfName,
		outbox:   make(chan outboundPacket, outboxSize),
		pending:  make(map[string]*pendingSend),
		inbound:  make(chan Inbound, outboxSize),
	}, nil
}

// LocalAddr returns the bound local address.
func (t *Transport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// Inbound returns the channel of decoded packets read from the socket.
func (t *Transport) Inbound() <-chan Inbound {
	return t.inbound
}

// Start launches the reader, writer and retransmit-scanner goroutines. All
// three exit when ctx is cancelled.
func (t *Transport) Start(ctx context.Context) {
	go t.readLoop(ctx)
	go t.writeLoop(ctx)
	go t.retransmitLoop(ctx)
}

// Close releases the underlying socket.
func (t *Transport) Close() error {
	return t.conn.Close()
}

func (t *Transport) readLoop(ctx context.Context) {
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		t.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
				logger.Warn(logger.Fields{"err": err}, "udp read failed")
				continue
			}
		}
		msg, err := wire.Decode(buf[:n])
		if err != nil {
			logger.Debug(logger.Fields{"err": err, "from": addr}, "dropping malformed packet")
			continue
		}
		select {
		case t.inbound <- Inbound{Msg: msg, From: addr}:
		case <-ctx.Done():
			return
		}
	}
}

func (t *Transport) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case pkt := <-t.outbox:
			if _, err := t.conn.WriteToUDP(pkt.data, pkt.to); err != nil {
				logger.Warn(logger.Fields{"err": err, "to": pkt.to}, "udp write failed")
			}
		}
	}
}

// Send encodes payload with the given uuid and enqueues it for transmission
// to addr. Non-ack payloads are tracked for retransmit under messageID.
func (t *Transport) Send(to *net.UDPAddr, uuid uint32, payload wire.Payload) {
	data := wire.Encode(t.selfName, uuid, payload)
	t.enqueue(to, data)

	if wire.TypeCodeOf(payload) == wire.TypeAck {
		return
	}
	id := wire.Header{Sender: t.selfName, UUID: uuid}.MessageID()
	t.pendingMu.Lock()
	t.pending[id] = &pendingSend{to: to, data: data, sentAt: time.Now(), attempts: 1}
	t.pendingMu.Unlock()
}

// Ack clears the pending retransmit entry for messageID, if any.
func (t *Transport) Ack(messageID string) {
	t.pendingMu.Lock()
	delete(t.pending, messageID)
	t.pendingMu.Unlock()
}

func (t *Transport) enqueue(to *net.UDPAddr, data []byte) {
	select {
	case t.outbox <- outboundPacket{to: to, data: data}:
	default:
		logger.Warn(logger.Fields{"to": to}, "outbox full, dropping packet")
	}
}

func (t *Transport) retransmitLoop(ctx context.Context) {
	ticker := time.NewTicker(ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.scanPending()
		}
	}
}

func (t *Transport) scanPending() {
	now := time.Now()
	var toResend []*pendingSend
	var exhausted []string

	t.pendingMu.Lock()
	for id, p := range t.pending {
		if now.Sub(p.sentAt) < AckTimeout {
			continue
		}
		if p.attempts >= MaxRetries {
			exhausted = append(exhausted, id)
			continue
		}
		p.attempts++
		p.sentAt = now
		toResend = append(toResend, p)
	}
	for _, id := range exhausted {
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()

	for _, id := range exhausted {
		logger.Warn(logger.Fields{"message_id": id}, ErrRetransmitExhausted.Error())
	}
	for _, p := range toResend {
		t.enqueue(p.to, p.data)
	}
}
