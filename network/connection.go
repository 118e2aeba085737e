package network

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// ErrPongTimeout indicates keep-alive timed out waiting for pong.
var ErrPongTimeout = errors.New("network: pong timeout")

// ConnectionState represents the lifecycle state of one websocket session.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "CONNECTING"
	StateReady        ConnectionState = "READY"
	StateDisconnected ConnectionState = "DISCONNECTED"
)

type connectionOptions struct {
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	WriteTimeout      time.Duration
}

// connection serializes writes on a websocket and tracks its terminal error.
// Reads are done by a single owner loop.
type connection struct {
	ws *websocket.Conn

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	writeTimeout      time.Duration

	sendMu sync.Mutex

	stateMu sync.RWMutex
	state   ConnectionState

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newConnection(ws *websocket.Conn, options connectionOptions) *connection {
	if options.KeepAliveInterval <= 0 {
		options.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if options.KeepAliveTimeout <= 0 {
		options.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if options.WriteTimeout <= 0 {
		options.WriteTimeout = DefaultWriteTimeout
	}

	c := &connection{
		ws:                ws,
		keepAliveInterval: options.KeepAliveInterval,
		keepAliveTimeout:  options.KeepAliveTimeout,
		writeTimeout:      options.WriteTimeout,
		closed:            make(chan struct{}),
		state:             StateConnecting,
	}
	ws.SetReadLimit(MaxFrameSize)
	return c
}

// start marks the session ready and begins keep-alive pings.
func (c *connection) start() {
	c.setState(StateReady)
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Time{})
	})
	go c.keepAliveLoop()
}

func (c *connection) State() ConnectionState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *connection) setState(state ConnectionState) {
	c.stateMu.Lock()
	c.state = state
	c.stateMu.Unlock()
}

// LastError returns the terminal connection error, if any.
func (c *connection) LastError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// send marshals a protocol message and writes it as one text message.
func (c *connection) send(message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	if c.State() == StateDisconnected {
		if err := c.LastError(); err != nil {
			return err
		}
		return io.EOF
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.closeWithError(fmt.Errorf("write message: %w", err))
		return err
	}
	return nil
}

// receive reads the next data message, with an optional deadline.
func (c *connection) receive(timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := c.ws.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = c.ws.SetReadDeadline(time.Time{})
		}()
	}
	for {
		messageType, payload, err := c.ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				return nil, ErrFrameTooLarge
			}
			return nil, err
		}
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			return payload, nil
		}
	}
}

func (c *connection) keepAliveLoop() {
	ticker := time.NewTicker(c.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.sendMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
			c.sendMu.Unlock()
			if err != nil {
				c.closeWithError(fmt.Errorf("send ping: %w", err))
				return
			}
			// a missing pong surfaces as a read timeout in the read loop
			if err := c.ws.SetReadDeadline(time.Now().Add(c.keepAliveTimeout)); err != nil {
				c.closeWithError(ErrPongTimeout)
				return
			}
		}
	}
}

// Close sends a normal close frame and tears the connection down.
func (c *connection) Close() error {
	c.sendMu.Lock()
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.writeTimeout),
	)
	c.sendMu.Unlock()
	c.closeWithError(nil)
	return nil
}

func (c *connection) closeWithError(err error) {
	c.closeOnce.Do(func() {
		if err != nil {
			glog.V(1).Infof("[ws]connection closed: %v\n", err)
		}
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()
		c.setState(StateDisconnected)
		close(c.closed)
		_ = c.ws.Close()
	})
}
