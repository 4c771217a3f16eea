package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	writeDeadline     = 5 * time.Second
	messageBufferSize = 32
)

type outbound struct {
	data       []byte
	closeAfter bool
}

// clientWriter owns all writes to one connection: queued frames and
// keepalive pings. Socket deadlines use wall time because they are enforced
// by the network stack; the ping cadence follows the injected clock.
type clientWriter struct {
	connection   *websocket.Conn
	clock        clockwork.Clock
	pingInterval time.Duration
	pongWait     time.Duration
	onPong       func()
	sendChannel  chan outbound
	doneChannel  chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

func newClientWriter(connection *websocket.Conn, clock clockwork.Clock, pingInterval, pongWait time.Duration, onPong func()) *clientWriter {
	cw := &clientWriter{
		connection:   connection,
		clock:        clock,
		pingInterval: pingInterval,
		pongWait:     pongWait,
		onPong:       onPong,
		sendChannel:  make(chan outbound, messageBufferSize),
		doneChannel:  make(chan struct{}),
	}
	cw.configurePongHandler()
	cw.wg.Add(1)
	go cw.run()
	return cw
}

// enqueue queues a frame without blocking. It returns false when the
// buffer is full.
func (cw *clientWriter) enqueue(msg outbound) bool {
	select {
	case cw.sendChannel <- msg:
		return true
	default:
		return false
	}
}

func (cw *clientWriter) run() {
	ticker := cw.clock.NewTicker(cw.pingInterval)
	defer ticker.Stop()
	defer cw.wg.Done()

	for {
		select {
		case msg := <-cw.sendChannel:
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.TextMessage, msg.data); err != nil {
				_ = cw.connection.Close()
				return
			}
			if msg.closeAfter {
				cw.writeClose("superseded")
				return
			}
		case <-ticker.Chan():
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = cw.connection.Close()
				return
			}
		case <-cw.doneChannel:
			return
		}
	}
}

func (cw *clientWriter) stop() {
	cw.stopOnce.Do(func() {
		close(cw.doneChannel)
		_ = cw.connection.Close()
	})
	cw.wg.Wait()
}

// stopGraceful sends a WebSocket close frame with reason before closing.
func (cw *clientWriter) stopGraceful(reason string) {
	cw.stopOnce.Do(func() {
		close(cw.doneChannel)
		// The run goroutine must be gone before we write the close frame.
		cw.wg.Wait()
		cw.writeClose(reason)
	})
	cw.wg.Wait()
}

func (cw *clientWriter) writeClose(reason string) {
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	cw.updateWriteDeadline()
	_ = cw.connection.WriteMessage(websocket.CloseMessage, closeMsg)
	_ = cw.connection.Close()
}

func (cw *clientWriter) configurePongHandler() {
	cw.extendReadDeadline()
	cw.connection.SetPongHandler(func(string) error {
		cw.extendReadDeadline()
		if cw.onPong != nil {
			cw.onPong()
		}
		return nil
	})
}

func (cw *clientWriter) updateWriteDeadline() {
	_ = cw.connection.SetWriteDeadline(time.Now().Add(writeDeadline))
}

func (cw *clientWriter) extendReadDeadline() {
	_ = cw.connection.SetReadDeadline(time.Now().Add(cw.pongWait))
}
