// Package server is the external UDP/TCP front-end: it decodes incoming
// messages, drives a Resolver, and encodes the response back onto the
// wire. It sits outside the resolver core, but is kept here in the
// teacher's idiom (parallel SO_REUSEPORT listeners, a worker pool, and a
// per-IP rate limiter) so the core is reachable end to end.
package server

import (
	"context"
	"log/slog"
	"net"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/relaydns/relaydns/internal/dns/packet"
	"github.com/relaydns/relaydns/internal/infrastructure/metrics"
	"github.com/relaydns/relaydns/internal/rcontext"
)

// Server is the DNS front-end: it owns the listeners and worker pool and
// resolves every decoded query against a shared Context.
type Server struct {
	Addr        string
	Context     *rcontext.Context
	WorkerCount int
	Logger      *slog.Logger

	udpQueue chan udpTask
	limiter  *rateLimiter
}

type udpTask struct {
	addr net.Addr
	data []byte
	conn net.PacketConn
}

// NewServer returns a Server bound to addr, resolving every query through ctx.
func NewServer(addr string, ctx *rcontext.Context, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Addr:        addr,
		Context:     ctx,
		WorkerCount: runtime.NumCPU() * 8,
		Logger:      logger,
		udpQueue:    make(chan udpTask, 10000),
		limiter:     newRateLimiter(200000, 100000),
	}

	go func() {
		for {
			time.Sleep(5 * time.Minute)
			s.limiter.Cleanup()
		}
	}()

	return s
}

// Run starts one UDP listener per CPU (SO_REUSEPORT), a pool of UDP
// workers, and a single TCP listener, and blocks forever.
func (s *Server) Run() error {
	s.Logger.Info("starting dns front-end", "addr", s.Addr, "listeners", runtime.NumCPU())

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = setReusePort(fd)
			})
		},
	}

	if s.Context.EnableUDP {
		for i := 0; i < runtime.NumCPU(); i++ {
			go func(id int) {
				conn, err := lc.ListenPacket(context.Background(), "udp", s.Addr)
				if err != nil {
					s.Logger.Error("failed to start udp listener", "id", id, "error", err)
					return
				}
				defer conn.Close()
				for {
					buf := make([]byte, packet.MaxUDPPacketSize)
					n, addr, err := conn.ReadFrom(buf)
					if err != nil {
						continue
					}
					data := make([]byte, n)
					copy(data, buf[:n])
					s.udpQueue <- udpTask{addr: addr, data: data, conn: conn}
				}
			}(i)
		}

		for i := 0; i < s.WorkerCount; i++ {
			go s.udpWorker()
		}
	}

	if s.Context.EnableTCP {
		tcpListener, err := lc.Listen(context.Background(), "tcp", s.Addr)
		if err == nil {
			go func() {
				defer tcpListener.Close()
				for {
					conn, err := tcpListener.Accept()
					if err != nil {
						continue
					}
					go s.handleTCPConnection(conn)
				}
			}()
		} else {
			s.Logger.Error("failed to start tcp listener", "error", err)
		}
	}

	select {}
}

func (s *Server) udpWorker() {
	for task := range s.udpQueue {
		host, _, _ := net.SplitHostPort(task.addr.String())
		if !s.limiter.Allow(host) {
			continue
		}
		metrics.ActiveWorkers.Inc()
		resp := s.handleQuery(task.data, false)
		metrics.ActiveWorkers.Dec()
		if resp == nil {
			continue
		}
		_, _ = task.conn.WriteTo(resp, task.addr)
	}
}

func (s *Server) handleTCPConnection(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	var lenBuf [2]byte
	if _, err := readFull(conn, lenBuf[:]); err != nil {
		return
	}
	msgLen := int(lenBuf[0])<<8 | int(lenBuf[1])

	data := make([]byte, msgLen)
	if _, err := readFull(conn, data); err != nil {
		return
	}

	resp := s.handleQuery(data, true)
	if resp == nil {
		return
	}

	out := make([]byte, 2+len(resp))
	out[0] = byte(len(resp) >> 8)
	out[1] = byte(len(resp))
	copy(out[2:], resp)
	_, _ = conn.Write(out)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// handleQuery decodes a raw DNS message, resolves it, and re-encodes the
// response with the same transaction id, truncating to the 512-octet
// budget for UDP.
func (s *Server) handleQuery(data []byte, isTCP bool) []byte {
	protocol := "udp"
	if isTCP {
		protocol = "tcp"
		s.Context.Statistics.IncTCP()
	} else {
		s.Context.Statistics.IncUDP()
	}

	reqBuf := packet.NewGrowableBufferFrom(data)
	req := packet.NewDNSPacket()
	if err := req.FromBuffer(reqBuf); err != nil || len(req.Questions) == 0 {
		metrics.QueriesTotal.WithLabelValues("unknown", strconv.Itoa(int(packet.RcodeServFail)), protocol).Inc()
		return s.encodeServFail(0, isTCP)
	}

	q := req.Questions[0]
	qtype := strconv.Itoa(int(q.QType))

	start := time.Now()
	resolver := s.Context.NewResolver()
	resp, err := resolver.Resolve(q.Name, q.QType, req.Header.RecursionDesired)
	metrics.QueryDuration.WithLabelValues("resolver").Observe(time.Since(start).Seconds())
	if err != nil {
		s.Logger.Warn("resolve failed", "name", q.Name, "qtype", q.QType, "error", err)
		metrics.QueriesTotal.WithLabelValues(qtype, strconv.Itoa(int(packet.RcodeServFail)), protocol).Inc()
		return s.encodeServFail(req.Header.ID, isTCP)
	}

	resp.Header.ID = req.Header.ID
	resp.Header.Response = true
	resp.Header.RecursionDesired = req.Header.RecursionDesired
	resp.Header.RecursionAvailable = s.Context.AllowRecursive
	resp.Questions = req.Questions

	metrics.QueriesTotal.WithLabelValues(qtype, strconv.Itoa(int(resp.Header.ResCode)), protocol).Inc()
	return s.encode(resp, isTCP)
}

func (s *Server) encodeServFail(id uint16, isTCP bool) []byte {
	resp := packet.NewDNSPacket()
	resp.Header.ID = id
	resp.Header.Response = true
	resp.Header.ResCode = packet.RcodeServFail
	return s.encode(resp, isTCP)
}

func (s *Server) encode(resp *packet.DNSPacket, isTCP bool) []byte {
	maxSize := packet.MaxUDPPacketSize
	var buf packet.Buffer = packet.NewFixed512Buffer()
	if isTCP {
		maxSize = packet.MaxMessageSize
		buf = packet.NewGrowableBuffer()
	}
	if err := resp.WriteWithBudget(buf, maxSize); err != nil {
		s.Logger.Error("failed to encode response", "error", err)
		return nil
	}
	return packet.Bytes(buf)
}
