package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

// the sole asynchronous boundary of the client. everything inside
// CoreClient is synchronous; the protocol delivers already-decoded
// frames and accepts outbound messages, and signals each (re)opened
// connection so the worker can replay its state.
type SyncProtocol interface {
	// queues an outbound message. messages queued while disconnected
	// may be discarded; the reconnect resync covers them.
	Send(message ClientMessage)
	Receive() <-chan ServerMessage
	// delivers the previous connection's close reason each time a
	// connection (re)opens. the first connect delivers
	// "InitialConnect".
	Connects() <-chan string
	// tears down the current connection, e.g. after a fatal protocol
	// violation, and lets the reconnect loop take over
	ForceReconnect(reason string)
	Close()
}

type SyncTransportSettings struct {
	WsHandshakeTimeout  time.Duration
	ReconnectTimeout    time.Duration
	MaxReconnectTimeout time.Duration
	WriteTimeout        time.Duration
	// the server pings periodically. a read deadline beyond the ping
	// interval detects dead connections.
	ReadTimeout         time.Duration
	TransportBufferSize int
}

func DefaultSyncTransportSettings() *SyncTransportSettings {
	return &SyncTransportSettings{
		WsHandshakeTimeout:  2 * time.Second,
		ReconnectTimeout:    100 * time.Millisecond,
		MaxReconnectTimeout: 15 * time.Second,
		WriteTimeout:        5 * time.Second,
		ReadTimeout:         60 * time.Second,
		TransportBufferSize: 8,
	}
}

// a reconnecting websocket implementation of SyncProtocol
type PlatformSyncTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	platformUrl string

	settings *SyncTransportSettings

	send           chan ClientMessage
	receive        chan ServerMessage
	connects       chan string
	forceReconnect chan string

	log LogFunction
}

func NewPlatformSyncTransportWithDefaults(ctx context.Context, platformUrl string) *PlatformSyncTransport {
	return NewPlatformSyncTransport(ctx, platformUrl, DefaultSyncTransportSettings())
}

func NewPlatformSyncTransport(ctx context.Context, platformUrl string, settings *SyncTransportSettings) *PlatformSyncTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &PlatformSyncTransport{
		ctx:            cancelCtx,
		cancel:         cancel,
		platformUrl:    platformUrl,
		settings:       settings,
		send:           make(chan ClientMessage, settings.TransportBufferSize),
		receive:        make(chan ServerMessage, settings.TransportBufferSize),
		connects:       make(chan string, 1),
		forceReconnect: make(chan string, 1),
		log:            LogFn(LogLevelDebug, "[t]"),
	}
	go transport.run()
	return transport
}

func (self *PlatformSyncTransport) Send(message ClientMessage) {
	select {
	case <-self.ctx.Done():
	case self.send <- message:
	}
}

func (self *PlatformSyncTransport) Receive() <-chan ServerMessage {
	return self.receive
}

func (self *PlatformSyncTransport) Connects() <-chan string {
	return self.connects
}

func (self *PlatformSyncTransport) ForceReconnect(reason string) {
	select {
	case self.forceReconnect <- reason:
	default:
		// a reconnect is already requested
	}
}

func (self *PlatformSyncTransport) run() {
	defer self.cancel()

	lastCloseReason := "InitialConnect"
	failureCount := 0

	for {
		dialer := &websocket.Dialer{
			HandshakeTimeout: self.settings.WsHandshakeTimeout,
		}
		ws, _, err := dialer.DialContext(self.ctx, self.platformUrl, nil)
		if err != nil {
			glog.Infof("[t]connect error = %s\n", err)
			timeout := self.settings.ReconnectTimeout << failureCount
			if self.settings.MaxReconnectTimeout < timeout || timeout <= 0 {
				timeout = self.settings.MaxReconnectTimeout
			}
			failureCount += 1
			self.log("reconnect in %s", timeout)
			if !self.drainSendUntil(timeout) {
				return
			}
			continue
		}
		failureCount = 0

		// anything queued before this connection predates the resync
		// the connect event triggers
		self.drainSend()
		select {
		case <-self.ctx.Done():
			ws.Close()
			return
		case self.connects <- lastCloseReason:
		}

		lastCloseReason = self.handle(ws)
		glog.V(1).Infof("[t]closed = %s\n", lastCloseReason)

		select {
		case <-self.ctx.Done():
			return
		default:
		}
	}
}

// pumps one connection until it dies. returns the close reason.
func (self *PlatformSyncTransport) handle(ws *websocket.Conn) string {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	closeReason := make(chan string, 2)
	setCloseReason := func(reason string) {
		select {
		case closeReason <- reason:
		default:
		}
	}

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case reason := <-self.forceReconnect:
				setCloseReason(reason)
				return
			case message, ok := <-self.send:
				if !ok {
					return
				}
				b, err := EncodeClientMessage(message)
				if err != nil {
					// an unencodable message is a bug, not a
					// connection failure
					glog.Errorf("[ts]encode error = %s\n", err)
					continue
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
					// a websocket deadline timeout cannot be recovered
					setCloseReason(fmt.Sprintf("write error: %s", err))
					return
				}
				glog.V(2).Infof("[ts]->\n")
			}
		}
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			_, b, err := ws.ReadMessage()
			if err != nil {
				setCloseReason(fmt.Sprintf("read error: %s", err))
				return
			}

			message, err := DecodeServerMessage(b)
			if err != nil {
				// decode contract violation. fatal for this
				// connection.
				glog.Infof("[tr]decode error = %s\n", err)
				setCloseReason(err.Error())
				return
			}

			select {
			case <-handleCtx.Done():
				return
			case self.receive <- message:
				glog.V(2).Infof("[tr]<-\n")
			}
		}
	}()

	select {
	case <-handleCtx.Done():
	}

	select {
	case reason := <-closeReason:
		return reason
	default:
		return "closed"
	}
}

func (self *PlatformSyncTransport) drainSend() {
	for {
		select {
		case <-self.send:
		default:
			return
		}
	}
}

// discards queued sends while waiting out the reconnect timeout.
// false when the transport is shut down.
func (self *PlatformSyncTransport) drainSendUntil(timeout time.Duration) bool {
	timer := time.After(timeout)
	for {
		select {
		case <-self.ctx.Done():
			return false
		case <-self.send:
		case <-self.forceReconnect:
		case <-timer:
			return true
		}
	}
}

func (self *PlatformSyncTransport) Close() {
	self.cancel()
}
