// Package intra is the primary-to-primary and worker-to-worker RPC plane:
// BatchHeader/Vote/BatchCertificate broadcast among primaries, and
// WorkerPing/TransmissionRequest/TransmissionResponse among a worker id's
// peers. It reuses the transport package's framed Conn under MagicIntra
// (dial-or-reuse outbound connections, one read loop per accepted
// connection) without the gateway's handshake/ban-score machinery, since
// cluster membership here is already fixed by the committee file rather
// than negotiated at dial time.
package intra

import (
	"context"
	"fmt"
	"net"
	"sync"

	"dagchain.dev/validator/logging"
	"dagchain.dev/validator/transport"
)

// Message tags for the RPC shapes this plane carries. TagUnconfirmedTransaction
// is the client-facing entrypoint (the worker's transactions
// address): a raw transaction payload submitted directly into one
// worker's pool, distinct from the gateway's own validator/beacon gossip
// tag of the same name.
const (
	TagBatchHeader byte = iota + 1
	TagVote
	TagBatchCertificate
	TagWorkerPing
	TagTransmissionRequest
	TagTransmissionResponse
	TagUnconfirmedTransaction
)

// Dialer abstracts net.Dial so tests can substitute net.Pipe.
type Dialer interface {
	Dial(ctx context.Context, address string) (net.Conn, error)
}

type netDialer struct{}

func (netDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", address)
}

type outboundConn struct {
	mu   sync.Mutex
	conn *transport.Conn
}

// Hub owns outbound connections to peer addresses and dispatches inbound
// frames on accepted connections to a caller-supplied handler. One Hub
// serves either the primary plane or one worker id's plane; a node with
// several workers runs one Hub per worker id plus one for its primary.
type Hub struct {
	dialer Dialer
	log    *logging.Logger

	mu    sync.Mutex
	conns map[string]*outboundConn
}

func New(log *logging.Logger) *Hub {
	return &Hub{dialer: netDialer{}, log: log, conns: make(map[string]*outboundConn)}
}

func (h *Hub) SetDialer(d Dialer) { h.dialer = d }

func (h *Hub) outbound(ctx context.Context, addr string) (*outboundConn, error) {
	h.mu.Lock()
	oc, ok := h.conns[addr]
	if !ok {
		oc = &outboundConn{}
		h.conns[addr] = oc
	}
	h.mu.Unlock()

	oc.mu.Lock()
	defer oc.mu.Unlock()
	if oc.conn != nil {
		return oc, nil
	}
	nc, err := h.dialer.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("intra: dial %s: %w", addr, err)
	}
	oc.conn = transport.NewConn(nc, transport.MagicIntra)
	return oc, nil
}

// Send writes one frame to addr, dialing (or reusing a cached dial) as
// needed. A write failure drops the cached connection so the next Send
// redials.
func (h *Hub) Send(addr string, tag byte, payload []byte) error {
	oc, err := h.outbound(context.Background(), addr)
	if err != nil {
		return err
	}
	oc.mu.Lock()
	defer oc.mu.Unlock()
	if err := oc.conn.WriteFrame(tag, payload); err != nil {
		oc.conn = nil
		return fmt.Errorf("intra: write to %s: %w", addr, err)
	}
	return nil
}

// Broadcast sends the same frame to every address in addrs, logging
// (not failing) individual send errors so one unreachable peer never
// blocks delivery to the rest of the committee.
func (h *Hub) Broadcast(addrs []string, tag byte, payload []byte) {
	for _, addr := range addrs {
		if err := h.Send(addr, tag, payload); err != nil && h.log != nil {
			h.log.Warnf("intra: broadcast to %s: %v", addr, err)
		}
	}
}

// Handler processes one inbound frame from peerAddr (the remote side of
// the accepted connection, as reported by net.Conn.RemoteAddr).
type Handler func(peerAddr string, tag byte, payload []byte) error

// AcceptLoop accepts connections on ln until ctx is cancelled, spawning one
// read loop per connection that dispatches frames to handle.
func (h *Hub) AcceptLoop(ctx context.Context, ln net.Listener, handle Handler) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if h.log != nil {
				h.log.Warnf("intra: accept: %v", err)
			}
			continue
		}
		go h.readLoop(ctx, nc, handle)
	}
}

func (h *Hub) readLoop(ctx context.Context, nc net.Conn, handle Handler) {
	conn := transport.NewConn(nc, transport.MagicIntra)
	peerAddr := nc.RemoteAddr().String()
	defer conn.Close()
	for {
		if ctx.Err() != nil {
			return
		}
		f, err := conn.ReadFrame()
		if err != nil {
			if h.log != nil {
				h.log.Warnf("intra: read from %s: %v", peerAddr, err)
			}
			return
		}
		if err := handle(peerAddr, f.Tag, f.Payload); err != nil && h.log != nil {
			h.log.Warnf("intra: handle frame from %s: %v", peerAddr, err)
		}
	}
}
