package ngscope

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"rntitrack/internal/ratelimit"
	"rntitrack/sample"
)

const (
	defaultQueueSize    = 4096
	defaultListenAddr   = "127.0.0.1:6767"
	registerInterval    = 5 * time.Second
	parseErrLogInterval = 10 * time.Second
	dropLogInterval     = 10 * time.Second

	// FeedName labels this feed in counters.
	FeedName = "decoder"
)

// Counters receives feed-level error counts. *stats.Tracker implements it.
type Counters interface {
	IncParseErrors(feed string)
	IncDrops(feed string)
}

// Options configure a Listener.
type Options struct {
	ListenAddr  string
	ServerAddr  string // ngscope dci-sink address to register with; empty = passive
	Metric      string
	SkipRetrans bool
	ReadBuffer  int
	QueueSize   int
	Counters    Counters
}

// HealthSnapshot captures listener state for the health monitor.
type HealthSnapshot struct {
	Bound          bool
	LastDatagramAt time.Time
	LastSampleAt   time.Time
	LastParseErrAt time.Time
	QueueLen       int
	QueueCap       int
	Datagrams      uint64
	ParseErrors    uint64
	Drops          uint64
	Exits          uint64
}

// Listener receives dci-sink datagrams and publishes one batch of samples per
// CellDci message.
type Listener struct {
	opts Options
	out  chan []sample.RntiSample

	mu   sync.Mutex
	conn *net.UDPConn

	bound          atomic.Bool
	lastDatagramAt atomic.Int64
	lastSampleAt   atomic.Int64
	lastParseErrAt atomic.Int64
	datagrams      atomic.Uint64
	parseErrors    atomic.Uint64
	drops          atomic.Uint64
	exits          atomic.Uint64

	parseErrLog ratelimit.Counter
	dropLog     ratelimit.Counter

	// PRBs per cell from the last config message; read loop only
	cellPRB [MaxCells]uint16
}

// NewListener builds a listener; call Listen then Run.
func NewListener(opts Options) *Listener {
	if strings.TrimSpace(opts.ListenAddr) == "" {
		opts.ListenAddr = defaultListenAddr
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Metric == "" {
		opts.Metric = MetricULBytes
	}
	return &Listener{
		opts:        opts,
		out:         make(chan []sample.RntiSample, opts.QueueSize),
		parseErrLog: ratelimit.NewCounter(parseErrLogInterval),
		dropLog:     ratelimit.NewCounter(dropLogInterval),
	}
}

// Batches returns the sample channel. It is closed when Run returns.
func (l *Listener) Batches() <-chan []sample.RntiSample {
	return l.out
}

// Listen binds the UDP socket.
func (l *Listener) Listen() error {
	addr, err := net.ResolveUDPAddr("udp", l.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("ngscope: resolve %s: %w", l.opts.ListenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("ngscope: listen %s: %w", l.opts.ListenAddr, err)
	}
	if l.opts.ReadBuffer > 0 {
		if err := conn.SetReadBuffer(l.opts.ReadBuffer); err != nil {
			log.Printf("ngscope: set read buffer %d: %v", l.opts.ReadBuffer, err)
		}
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	l.bound.Store(true)
	log.Printf("ngscope: listening for dci-sink datagrams on %s", conn.LocalAddr())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Run reads datagrams until ctx is cancelled. It closes the socket and the
// batch channel on return.
func (l *Listener) Run(ctx context.Context) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return errors.New("ngscope: Run before Listen")
	}
	defer close(l.out)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		l.bound.Store(false)
		_ = conn.Close()
	}()
	if server := strings.TrimSpace(l.opts.ServerAddr); server != "" {
		go l.registerLoop(conn, server, stop)
	}

	buf := make([]byte, MaxDatagram+64)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("ngscope: read: %w", err)
		}
		l.handle(buf[:n], time.Now().UTC())
	}
}

// registerLoop sends the Start preamble to the dci-sink server whenever the
// feed has been quiet, so ngscope (re)adds us as a client.
func (l *Listener) registerLoop(conn *net.UDPConn, server string, stop <-chan struct{}) {
	addr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		log.Printf("ngscope: resolve server %s: %v", server, err)
		return
	}
	start := []byte{0xCC, 0xCC, 0xCC, 0xCC}
	ticker := time.NewTicker(registerInterval)
	defer ticker.Stop()
	for {
		last := l.lastDatagramAt.Load()
		if last == 0 || time.Since(time.Unix(0, last)) > registerInterval {
			if _, err := conn.WriteToUDP(start, addr); err != nil {
				log.Printf("ngscope: register with %s: %v", server, err)
			}
		}
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

func (l *Listener) handle(datagram []byte, now time.Time) {
	l.datagrams.Add(1)
	l.lastDatagramAt.Store(now.UnixNano())
	msg, err := Parse(datagram)
	if err != nil {
		l.parseErrors.Add(1)
		l.lastParseErrAt.Store(now.UnixNano())
		if l.opts.Counters != nil {
			l.opts.Counters.IncParseErrors(FeedName)
		}
		if total, ok := l.parseErrLog.Inc(); ok {
			log.Printf("ngscope: dropping datagram (%d total): %v", total, err)
		}
		return
	}
	switch msg.Type {
	case TypeCellDci:
		batch := Samples(*msg.CellDci, l.opts.Metric, l.opts.SkipRetrans)
		if len(batch) == 0 {
			return
		}
		if int(msg.CellDci.CellID) < MaxCells {
			capacity := l.cellPRB[msg.CellDci.CellID]
			for i := range batch {
				batch[i].Grant.Capacity = capacity
			}
		}
		select {
		case l.out <- batch:
			l.lastSampleAt.Store(now.UnixNano())
		default:
			l.drops.Add(1)
			if l.opts.Counters != nil {
				l.opts.Counters.IncDrops(FeedName)
			}
			if total, ok := l.dropLog.Inc(); ok {
				log.Printf("ngscope: sample queue full, dropped %d batches", total)
			}
		}
	case TypeConfig:
		n := int(msg.Config.NofCell)
		if n > MaxCells {
			n = MaxCells
		}
		for i := range l.cellPRB {
			l.cellPRB[i] = 0
			if i < n {
				l.cellPRB[i] = msg.Config.CellPRB[i]
			}
		}
		log.Printf("ngscope: config nof_cell=%d prb=%v rnti=%d", msg.Config.NofCell, msg.Config.CellPRB[:n], msg.Config.RNTI)
	case TypeExit:
		l.exits.Add(1)
		log.Printf("ngscope: server sent exit")
	}
}

// HealthSnapshot reports listener state.
func (l *Listener) HealthSnapshot() HealthSnapshot {
	return HealthSnapshot{
		Bound:          l.bound.Load(),
		LastDatagramAt: unixNanoTime(l.lastDatagramAt.Load()),
		LastSampleAt:   unixNanoTime(l.lastSampleAt.Load()),
		LastParseErrAt: unixNanoTime(l.lastParseErrAt.Load()),
		QueueLen:       len(l.out),
		QueueCap:       cap(l.out),
		Datagrams:      l.datagrams.Load(),
		ParseErrors:    l.parseErrors.Load(),
		Drops:          l.drops.Load(),
		Exits:          l.exits.Load(),
	}
}

func unixNanoTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
