// Package feed streams live updates to remote subscribers over gRPC.
//
// Messages are google.protobuf.Struct values so clients in any language
// can decode them without generated stubs.
package feed

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"

	"github.com/banshee-data/coincidence.report/internal/live"
	"github.com/banshee-data/coincidence.report/internal/monitoring"
)

// ErrTooManyClients is returned to subscribers beyond Config.MaxClients.
var ErrTooManyClients = errors.New("too many feed clients")

// Config holds configuration for the feed server.
type Config struct {
	// ListenAddr is the address to listen on (e.g. "localhost:50151").
	ListenAddr string

	// MaxClients caps concurrent subscribers.
	MaxClients int

	// ClientBuffer is the per-client queue depth; slow clients lose
	// updates once it is full.
	ClientBuffer int

	// Status adds fields to the Status RPC, e.g. controller state.
	Status func() map[string]any
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   "localhost:50151",
		MaxClients:   8,
		ClientBuffer: 16,
	}
}

// frame is one update queued for broadcast.
type frame struct {
	update     *live.Update
	elapsedSec float64
}

type clientStream struct {
	id      string
	frameCh chan frame
}

// Publisher manages the gRPC server and update broadcasting.
type Publisher struct {
	config   Config
	server   *grpc.Server
	listener net.Listener

	frameChan chan frame
	clients   map[string]*clientStream
	clientsMu sync.RWMutex

	published atomic.Uint64
	dropped   atomic.Uint64
	lastSeq   atomic.Uint64
	elapsedMu sync.Mutex
	elapsed   float64

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewPublisher creates a publisher. Zero config fields take their defaults.
func NewPublisher(cfg Config) *Publisher {
	def := DefaultConfig()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = def.MaxClients
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = def.ClientBuffer
	}
	return &Publisher{
		config:    cfg,
		frameChan: make(chan frame, 64),
		clients:   make(map[string]*clientStream),
		stopCh:    make(chan struct{}),
	}
}

// Start listens on Config.ListenAddr and serves in the background.
func (p *Publisher) Start() error {
	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return p.Serve(lis)
}

// Serve serves on lis in the background.
func (p *Publisher) Serve(lis net.Listener) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("publisher already running")
	}
	p.listener = lis
	p.server = grpc.NewServer()
	RegisterService(p.server, NewServer(p))

	p.wg.Add(2)
	go p.broadcastLoop()
	go func() {
		defer p.wg.Done()
		monitoring.Logf("[Feed] gRPC server listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			monitoring.Logf("[Feed] gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr is the bound address, or nil before Start.
func (p *Publisher) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Stop gracefully stops the gRPC server.
func (p *Publisher) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)
	if p.server != nil {
		p.server.GracefulStop()
	}
	p.wg.Wait()
	monitoring.Logf("[Feed] gRPC server stopped")
}

// Publish queues u for every connected client. It never blocks; when the
// broadcast queue is full the update is dropped.
func (p *Publisher) Publish(u *live.Update) {
	if !p.running.Load() || u == nil {
		return
	}
	p.elapsedMu.Lock()
	p.elapsed += u.Batch.DurationSec()
	f := frame{update: u, elapsedSec: p.elapsed}
	p.elapsedMu.Unlock()

	select {
	case p.frameChan <- f:
		p.published.Add(1)
		p.lastSeq.Store(u.Seq)
	default:
		dropped := p.dropped.Add(1)
		monitoring.Logf("[Feed] DROPPED update %d (total dropped: %d), queue full", u.Seq, dropped)
	}
}

// Subscriber adapts Publish to the controller's subscriber signature.
func (p *Publisher) Subscriber() live.Subscriber {
	return func(u *live.Update) error {
		p.Publish(u)
		return nil
	}
}

// Stats reports publisher counters.
type Stats struct {
	Clients   int
	Published uint64
	Dropped   uint64
	LastSeq   uint64
}

// Stats returns the current counters.
func (p *Publisher) Stats() Stats {
	p.clientsMu.RLock()
	n := len(p.clients)
	p.clientsMu.RUnlock()
	return Stats{
		Clients:   n,
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		LastSeq:   p.lastSeq.Load(),
	}
}

// broadcastLoop distributes frames to all connected clients.
func (p *Publisher) broadcastLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case f := <-p.frameChan:
			p.clientsMu.RLock()
			for _, c := range p.clients {
				select {
				case c.frameCh <- f:
				default:
					p.dropped.Add(1)
				}
			}
			p.clientsMu.RUnlock()
		}
	}
}

// addClient registers a streaming client.
func (p *Publisher) addClient(id string) (*clientStream, error) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if len(p.clients) >= p.config.MaxClients {
		return nil, ErrTooManyClients
	}
	c := &clientStream{id: id, frameCh: make(chan frame, p.config.ClientBuffer)}
	p.clients[id] = c
	monitoring.Logf("[Feed] client connected: %s (total: %d)", id, len(p.clients))
	return c, nil
}

// removeClient unregisters a streaming client.
func (p *Publisher) removeClient(id string) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if _, ok := p.clients[id]; ok {
		delete(p.clients, id)
		monitoring.Logf("[Feed] client disconnected: %s (remaining: %d)", id, len(p.clients))
	}
}
