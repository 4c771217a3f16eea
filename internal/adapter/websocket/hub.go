package websocket

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/consultline/internal/adapter/metrics"
)

const (
	commandTimeout = 5 * time.Second
	stopTimeout    = 10 * time.Second
)

type client struct {
	userID uuid.UUID
	connID string
	writer *clientWriter
}

// hubCmd is the command interface for the Hub actor.
type hubCmd interface{ isHubCmd() }

type baseHubCmd struct{}

func (baseHubCmd) isHubCmd() {}

type registerCmd struct {
	baseHubCmd
	client *client
	reply  chan struct{}
}

type unregisterCmd struct {
	baseHubCmd
	connID string
	reply  chan struct{}
}

type sendCmd struct {
	baseHubCmd
	connID     string
	frame      []byte
	closeAfter bool
	reply      chan bool
}

type countCmd struct {
	baseHubCmd
	reply chan int
}

type stopCmd struct {
	baseHubCmd
}

// Hub owns the sockets connected to this instance. All state is confined
// to the run goroutine; callers talk to it through commands.
type Hub struct {
	cmdCh   chan hubCmd
	clock   clockwork.Clock
	clients map[string]*client
	done    chan struct{}
	metrics *metrics.WebSocketMetrics
}

func NewHub(clock clockwork.Clock, m *metrics.WebSocketMetrics) *Hub {
	h := &Hub{
		cmdCh:   make(chan hubCmd, 256),
		clock:   clock,
		clients: make(map[string]*client),
		done:    make(chan struct{}),
		metrics: m,
	}
	go h.run()
	return h
}

func (h *Hub) register(c *client) error {
	reply := make(chan struct{}, 1)
	if !h.submit(registerCmd{client: c, reply: reply}) {
		return fmt.Errorf("hub stopped")
	}
	if _, ok := awaitReply(h, reply); !ok {
		return fmt.Errorf("register command timed out after %v", commandTimeout)
	}
	return nil
}

// unregister stops the connection's writer and forgets it.
func (h *Hub) unregister(connID string) {
	reply := make(chan struct{}, 1)
	if h.submit(unregisterCmd{connID: connID, reply: reply}) {
		awaitReply(h, reply)
	}
}

// Send queues frame for connID and reports whether the connection is held
// here. A client whose buffer is full is evicted.
func (h *Hub) Send(connID string, frame []byte, closeAfter bool) bool {
	reply := make(chan bool, 1)
	if !h.submit(sendCmd{connID: connID, frame: frame, closeAfter: closeAfter, reply: reply}) {
		return false
	}
	delivered, _ := awaitReply(h, reply)
	return delivered
}

// Count returns the number of local connections, or -1 if the hub does not
// answer.
func (h *Hub) Count() int {
	reply := make(chan int, 1)
	if !h.submit(countCmd{reply: reply}) {
		return -1
	}
	n, ok := awaitReply(h, reply)
	if !ok {
		return -1
	}
	return n
}

func (h *Hub) submit(cmd hubCmd) bool {
	select {
	case h.cmdCh <- cmd:
		return true
	case <-h.done:
		return false
	}
}

func awaitReply[T any](h *Hub, reply <-chan T) (T, bool) {
	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	var zero T
	select {
	case v := <-reply:
		return v, true
	case <-h.done:
		return zero, false
	case <-timer.Chan():
		slog.Warn("Hub command timed out", "timeout", commandTimeout)
		return zero, false
	}
}

// Stop closes every connection and waits for the actor to exit.
func (h *Hub) Stop() {
	h.submit(stopCmd{})

	timeout := h.clock.NewTimer(stopTimeout)
	defer timeout.Stop()

	select {
	case <-h.done:
		slog.Info("Hub stopped gracefully")
	case <-timeout.Chan():
		slog.Warn("Hub stop timeout exceeded", "timeout", stopTimeout)
	}
}

func (h *Hub) run() {
	defer close(h.done)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Hub panic recovered", "panic", r)
			h.closeAll("hub failure")
		}
	}()

	for cmd := range h.cmdCh {
		switch c := cmd.(type) {
		case registerCmd:
			h.handleRegister(c)
		case unregisterCmd:
			h.drop(c.connID)
			c.reply <- struct{}{}
		case sendCmd:
			c.reply <- h.handleSend(c)
		case countCmd:
			c.reply <- len(h.clients)
		case stopCmd:
			slog.Info("Hub shutting down", "clients", len(h.clients))
			h.closeAll("server shutting down")
			return
		default:
			slog.Warn("Hub received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
		}
	}
}

func (h *Hub) handleRegister(c registerCmd) {
	h.clients[c.client.connID] = c.client
	h.metrics.Connected()
	slog.Debug("Client registered", "user_id", c.client.userID, "conn_id", c.client.connID, "total_clients", len(h.clients))
	c.reply <- struct{}{}
}

func (h *Hub) handleSend(c sendCmd) bool {
	cl, ok := h.clients[c.connID]
	if !ok {
		return false
	}

	if !cl.writer.enqueue(outbound{data: c.frame, closeAfter: c.closeAfter}) {
		slog.Warn("Disconnecting slow client", "user_id", cl.userID, "conn_id", cl.connID)
		h.metrics.SlowClient()
		h.drop(c.connID)
		return false
	}

	if c.closeAfter {
		// The writer closes the socket itself once the frame is flushed.
		delete(h.clients, c.connID)
		h.metrics.Disconnected()
	}
	return true
}

func (h *Hub) drop(connID string) {
	cl, ok := h.clients[connID]
	if !ok {
		return
	}
	cl.writer.stop()
	delete(h.clients, connID)
	h.metrics.Disconnected()
}

func (h *Hub) closeAll(reason string) {
	for connID, cl := range h.clients {
		cl.writer.stopGraceful(reason)
		delete(h.clients, connID)
		h.metrics.Disconnected()
	}
}
