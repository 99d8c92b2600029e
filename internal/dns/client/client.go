// Package client implements the request/response transaction layer: a
// shared UDP socket with transaction-id correlation and a demultiplexer
// goroutine, plus a fresh-connection-per-query TCP path, each returning a
// decoded DNS packet or an error.
package client

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaydns/relaydns/internal/dns/packet"
	"github.com/relaydns/relaydns/internal/infrastructure/metrics"
)

// ClientError is the error taxonomy exposed to callers: it wraps protocol
// and I/O failures and adds the two outcomes unique to the transaction layer.
type ClientError struct {
	Kind string
	Err  error
}

func (e *ClientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("client: %s: %v", e.Kind, e.Err)
	}
	return "client: " + e.Kind
}

func (e *ClientError) Unwrap() error { return e.Err }

// Error kinds. Timeout and LookupFailed are unique to this layer; Protocol
// and IO wrap lower failures.
const (
	KindProtocol     = "protocol error"
	KindIO           = "io error"
	KindTimeout      = "timeout"
	KindLookupFailed = "lookup failed"
)

// queryTimeout bounds how long a UDP transaction waits for its matching
// response before failing with Timeout.
const queryTimeout = 3 * time.Second

// pendingQuery is a single outstanding UDP transaction awaiting its reply.
type pendingQuery struct {
	id        uint16
	timestamp time.Time
	done      chan *packet.DNSPacket
}

// Client is the DNS transaction layer: one shared UDP socket demultiplexed
// by transaction id, and a TCP path that opens a fresh connection per query.
type Client struct {
	totalSent   atomic.Uint64
	totalFailed atomic.Uint64
	seq         atomic.Uint32

	conn *net.UDPConn

	mu      sync.Mutex
	pending map[uint16]*pendingQuery

	closeOnce sync.Once
	closed    chan struct{}
}

// New binds a UDP socket on the given local port (0 for an ephemeral port)
// and starts the receive demultiplexer.
func New(localPort int) (*Client, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: localPort})
	if err != nil {
		return nil, &ClientError{Kind: KindIO, Err: err}
	}
	c := &Client{
		conn:    conn,
		pending: make(map[uint16]*pendingQuery),
		closed:  make(chan struct{}),
	}
	go c.demultiplex()
	return c, nil
}

// Close shuts down the underlying UDP socket and the demultiplexer goroutine.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.conn.Close()
}

// TotalSent returns the count of queries dispatched (UDP and TCP).
func (c *Client) TotalSent() uint64 { return c.totalSent.Load() }

// TotalFailed returns the count of queries that ended in an error.
func (c *Client) TotalFailed() uint64 { return c.totalFailed.Load() }

func (c *Client) nextID() uint16 {
	return uint16(c.seq.Add(1))
}

// demultiplex is the single receiver task: it reads datagrams off the
// shared socket, recovers the transaction id from the header, and
// delivers the decoded packet to the waiting caller.
func (c *Client) demultiplex() {
	buf := make([]byte, packet.MaxUDPPacketSize)
	for {
		n, _, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-c.closed:
				return
			default:
				continue
			}
		}

		pb := packet.NewFixed512BufferFrom(buf[:n])
		resp := packet.NewDNSPacket()
		if err := resp.FromBuffer(pb); err != nil {
			continue
		}

		c.mu.Lock()
		pq, ok := c.pending[resp.Header.ID]
		if ok {
			delete(c.pending, resp.Header.ID)
		}
		c.mu.Unlock()

		if ok {
			pq.done <- resp
		}
	}
}

// SendUDP sends an iterative or recursive query to server and waits up to
// queryTimeout for the correlated response.
func (c *Client) SendUDP(qname string, qtype packet.QueryType, server string, recursionDesired bool) (*packet.DNSPacket, error) {
	c.totalSent.Add(1)

	req := packet.NewDNSPacket()
	req.Header.ID = c.nextID()
	req.Header.Questions = 1
	req.Header.RecursionDesired = recursionDesired
	req.Questions = append(req.Questions, *packet.NewDNSQuestion(qname, qtype))

	pq := &pendingQuery{id: req.Header.ID, timestamp: time.Now(), done: make(chan *packet.DNSPacket, 1)}

	// Registration happens-before send: an unusually fast reply must never
	// race the insertion of its own pending entry.
	c.mu.Lock()
	c.pending[req.Header.ID] = pq
	c.mu.Unlock()

	reqBuf := packet.NewFixed512Buffer()
	if err := req.Write(reqBuf); err != nil {
		c.removePending(req.Header.ID)
		c.totalFailed.Add(1)
		metrics.ClientSendsTotal.WithLabelValues("failed").Inc()
		return nil, &ClientError{Kind: KindProtocol, Err: err}
	}

	addr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		c.removePending(req.Header.ID)
		c.totalFailed.Add(1)
		metrics.ClientSendsTotal.WithLabelValues("failed").Inc()
		return nil, &ClientError{Kind: KindIO, Err: err}
	}

	if _, err := c.conn.WriteToUDP(packet.Bytes(reqBuf), addr); err != nil {
		c.removePending(req.Header.ID)
		c.totalFailed.Add(1)
		metrics.ClientSendsTotal.WithLabelValues("failed").Inc()
		return nil, &ClientError{Kind: KindIO, Err: err}
	}

	select {
	case resp, ok := <-pq.done:
		if !ok || resp == nil {
			c.totalFailed.Add(1)
			metrics.ClientSendsTotal.WithLabelValues("failed").Inc()
			return nil, &ClientError{Kind: KindLookupFailed}
		}
		metrics.ClientSendsTotal.WithLabelValues("success").Inc()
		return resp, nil
	case <-time.After(queryTimeout):
		c.removePending(req.Header.ID)
		c.totalFailed.Add(1)
		metrics.ClientSendsTotal.WithLabelValues("failed").Inc()
		return nil, &ClientError{Kind: KindTimeout}
	}
}

func (c *Client) removePending(id uint16) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// SendTCP opens a fresh, length-prefixed TCP connection to server, sends
// the query, and decodes the length-prefixed response. No connection
// pooling is performed.
func (c *Client) SendTCP(qname string, qtype packet.QueryType, server string, recursionDesired bool) (*packet.DNSPacket, error) {
	c.totalSent.Add(1)

	req := packet.NewDNSPacket()
	req.Header.ID = c.nextID()
	req.Header.Questions = 1
	req.Header.RecursionDesired = recursionDesired
	req.Questions = append(req.Questions, *packet.NewDNSQuestion(qname, qtype))

	conn, err := net.DialTimeout("tcp", server, queryTimeout)
	if err != nil {
		c.totalFailed.Add(1)
		metrics.ClientSendsTotal.WithLabelValues("failed").Inc()
		return nil, &ClientError{Kind: KindIO, Err: err}
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(queryTimeout))

	reqBuf := packet.NewGrowableBuffer()
	if err := req.Write(reqBuf); err != nil {
		c.totalFailed.Add(1)
		metrics.ClientSendsTotal.WithLabelValues("failed").Inc()
		return nil, &ClientError{Kind: KindProtocol, Err: err}
	}
	payload := packet.Bytes(reqBuf)

	var lenPrefix [2]byte
	binary.BigEndian.PutUint16(lenPrefix[:], uint16(len(payload)))
	if _, err := conn.Write(lenPrefix[:]); err != nil {
		c.totalFailed.Add(1)
		metrics.ClientSendsTotal.WithLabelValues("failed").Inc()
		return nil, &ClientError{Kind: KindIO, Err: err}
	}
	if _, err := conn.Write(payload); err != nil {
		c.totalFailed.Add(1)
		metrics.ClientSendsTotal.WithLabelValues("failed").Inc()
		return nil, &ClientError{Kind: KindIO, Err: err}
	}

	var respLenBuf [2]byte
	if _, err := io.ReadFull(conn, respLenBuf[:]); err != nil {
		c.totalFailed.Add(1)
		metrics.ClientSendsTotal.WithLabelValues("failed").Inc()
		return nil, &ClientError{Kind: KindIO, Err: err}
	}
	respLen := binary.BigEndian.Uint16(respLenBuf[:])

	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(conn, respBody); err != nil {
		c.totalFailed.Add(1)
		metrics.ClientSendsTotal.WithLabelValues("failed").Inc()
		return nil, &ClientError{Kind: KindIO, Err: err}
	}

	pb := packet.NewGrowableBufferFrom(respBody)
	resp := packet.NewDNSPacket()
	if err := resp.FromBuffer(pb); err != nil {
		c.totalFailed.Add(1)
		metrics.ClientSendsTotal.WithLabelValues("failed").Inc()
		return nil, &ClientError{Kind: KindProtocol, Err: err}
	}
	metrics.ClientSendsTotal.WithLabelValues("success").Inc()
	return resp, nil
}
