package rtmp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrClosed is returned by operations on a closed connection
var ErrClosed = errors.New("rtmp: connection closed")

const (
	defaultPort      = "1935"
	defaultFlashVer  = "FMLE/3.0 (compatible; FMSc/1.0)"
	defaultChunkSize = 4096
	defaultTimeout   = 15 * time.Second
	taskQueueSize    = 256
	infoInterval     = time.Second
)

// Config configures a client connection
type Config struct {
	FlashVer  string
	ChunkSize int
	Timeout   time.Duration
	Logger    logrus.FieldLogger
}

func (c *Config) setDefaults() {
	if c.FlashVer == "" {
		c.FlashVer = defaultFlashVer
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = defaultChunkSize
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
}

type responder func(cmd *command)

// Connection is an RTMP client connection. All protocol state is owned by a
// single executor goroutine; public methods enqueue work onto it so chunks
// leave the socket in call order.
type Connection struct {
	cfg Config
	log logrus.FieldLogger

	tasks     chan func()
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	netConn  net.Conn
	handlers []StatusHandler

	// executor state
	writer        *ChunkWriter
	connected     bool
	transactionID int
	responders    map[int]responder
	streams       []*Stream
	windowSize    uint32
	lastAck       uint64
	app           string
	tcURL         string
}

// NewConnection returns an unconnected client and starts its executor
func NewConnection(cfg Config) *Connection {
	cfg.setDefaults()
	c := &Connection{
		cfg:        cfg,
		log:        cfg.Logger.WithField("component", "rtmp"),
		tasks:      make(chan func(), taskQueueSize),
		done:       make(chan struct{}),
		responders: make(map[int]responder),
	}
	go c.run()
	return c
}

func (c *Connection) run() {
	ticker := time.NewTicker(infoInterval)
	defer ticker.Stop()

	for {
		select {
		case fn := <-c.tasks:
			fn()
		case <-ticker.C:
			for _, s := range c.streams {
				s.onTimeout()
			}
		case <-c.done:
			return
		}
	}
}

// async enqueues fn on the executor. It is dropped once the connection is closed.
func (c *Connection) async(fn func()) {
	select {
	case c.tasks <- fn:
	case <-c.done:
	}
}

// sync runs fn on the executor and waits for it. It reports false when the
// connection closed before fn completed; results written by fn must then be
// ignored.
func (c *Connection) sync(fn func()) bool {
	finished := make(chan struct{})
	select {
	case c.tasks <- func() { defer close(finished); fn() }:
	case <-c.done:
		return false
	}
	select {
	case <-finished:
		return true
	case <-c.done:
		return false
	}
}

// FlashVer returns the flash version string sent in connect
func (c *Connection) FlashVer() string {
	return c.cfg.FlashVer
}

// Done is closed when the connection closes
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// AddStatusHandler registers h for NetConnection status events
func (c *Connection) AddStatusHandler(h StatusHandler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

func (c *Connection) dispatch(st Status) {
	c.mu.Lock()
	handlers := append([]StatusHandler(nil), c.handlers...)
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{"code": st.Code, "level": st.Level}).Debug("connection status")
	for _, h := range handlers {
		h.OnStatus(st)
	}
}

// parseURL splits rtmp://host[:port]/app[/...] into a dial address and app name
func parseURL(rawURL string) (*url.URL, string, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", "", fmt.Errorf("invalid rtmp url: %w", err)
	}
	if u.Scheme != "rtmp" {
		return nil, "", "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, "", "", fmt.Errorf("rtmp url %q has no host", rawURL)
	}
	port := u.Port()
	if port == "" {
		port = defaultPort
	}
	app := strings.Trim(u.Path, "/")
	if app == "" {
		return nil, "", "", fmt.Errorf("rtmp url %q has no application", rawURL)
	}
	return u, net.JoinHostPort(u.Hostname(), port), app, nil
}

// Connect dials the server, runs the handshake and sends the connect
// command. The outcome of connect arrives as a status event.
func (c *Connection) Connect(ctx context.Context, rawURL string) error {
	u, addr, app, err := parseURL(rawURL)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	dialer := net.Dialer{Timeout: c.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	if err := conn.SetDeadline(time.Now().Add(c.cfg.Timeout)); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set handshake deadline: %w", err)
	}
	if err := clientHandshake(conn); err != nil {
		conn.Close()
		return err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return fmt.Errorf("failed to clear deadline: %w", err)
	}

	c.mu.Lock()
	c.netConn = conn
	c.mu.Unlock()

	tcURL := fmt.Sprintf("rtmp://%s/%s", u.Host, app)
	if !c.sync(func() { c.attach(conn, app, tcURL) }) {
		conn.Close()
		return ErrClosed
	}

	go c.readLoop(NewChunkReader(conn))

	c.log.WithFields(logrus.Fields{"addr": addr, "app": app}).Info("rtmp connection established")
	return nil
}

func (c *Connection) attach(conn net.Conn, app, tcURL string) {
	c.writer = NewChunkWriter(conn)
	c.app = app
	c.tcURL = tcURL
	c.sendConnect()
}

func (c *Connection) sendConnect() {
	c.transactionID = 1
	object := map[string]interface{}{
		"app":            c.app,
		"flashVer":       c.cfg.FlashVer,
		"tcUrl":          c.tcURL,
		"fpad":           false,
		"capabilities":   239,
		"audioCodecs":    0x0FFF,
		"videoCodecs":    0x00FF,
		"videoFunction":  1,
		"objectEncoding": 0,
	}
	c.call("connect", c.transactionID, object, c.onConnectResult)
}

func (c *Connection) onConnectResult(cmd *command) {
	st, ok := statusFromObject(firstArg(cmd))
	if !ok {
		st = NewStatus(CodeConnectFailed, "connect response carried no status")
	}
	if cmd.Name == "_error" && !st.IsError() {
		st = NewStatus(CodeConnectRejected, st.Description)
	}
	c.onConnectionStatus(st)
}

func (c *Connection) onConnectionStatus(st Status) {
	if st.Code == CodeConnectSuccess {
		c.connected = true
		c.output(ChunkType0, ChunkStreamControl, setChunkSizeMessage(uint32(c.cfg.ChunkSize)))
		if c.writer != nil {
			c.writer.SetChunkSize(c.cfg.ChunkSize)
		}
	}

	c.dispatch(st)
	for _, s := range c.streams {
		s.onConnectionStatus(st)
	}

	if st.IsError() {
		c.close()
	}
}

func firstArg(cmd *command) interface{} {
	if len(cmd.Args) == 0 {
		return nil
	}
	return cmd.Args[0]
}

// nextTransactionID returns a fresh transaction ID
func (c *Connection) nextTransactionID() int {
	c.transactionID++
	return c.transactionID
}

// call sends a command on the command chunk stream and registers r for its response
func (c *Connection) call(name string, transactionID int, object interface{}, r responder, args ...interface{}) int {
	payload, err := encodeCommand(name, transactionID, object, args...)
	if err != nil {
		c.log.WithError(err).WithField("command", name).Warn("failed to encode command")
		return 0
	}
	if r != nil {
		c.responders[transactionID] = r
	}
	return c.output(ChunkType0, ChunkStreamCommand, &Message{
		TypeID:  MessageTypeCommandAMF0,
		Payload: payload,
	})
}

// createStream asks the server for a message stream for s
func (c *Connection) createStream(s *Stream) {
	c.call("createStream", c.nextTransactionID(), nil, func(cmd *command) {
		if cmd.Name != "_result" {
			st, ok := statusFromObject(firstArg(cmd))
			if !ok {
				st = NewStatus(CodeStreamFailed, "createStream failed")
			}
			s.dispatch(st)
			return
		}
		var id float64
		ok := false
		if len(cmd.Args) > 0 {
			id, ok = cmd.Args[len(cmd.Args)-1].(float64)
		}
		if !ok {
			c.log.Warn("createStream result without stream id")
			return
		}
		s.id = uint32(id)
		s.setReadyState(StateOpen)
	})
}

// register adds s to the connection, creating it on the server when connected
func (c *Connection) register(s *Stream) {
	c.streams = append(c.streams, s)
	if c.connected {
		c.createStream(s)
	}
}

// output writes msg and returns the number of bytes written. Write failures close the connection.
func (c *Connection) output(chunkType ChunkType, csid uint32, msg *Message) int {
	if c.writer == nil {
		return 0
	}
	n, err := c.writer.WriteMessage(chunkType, csid, msg)
	if err != nil {
		c.log.WithError(err).WithField("type", msg.TypeID).Warn("failed to write message")
		c.close()
		return n
	}
	return n
}

func (c *Connection) readLoop(reader *ChunkReader) {
	for {
		msg, err := reader.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.log.WithError(err).Info("rtmp connection lost")
			}
			c.close()
			return
		}

		switch msg.TypeID {
		case MessageTypeSetChunkSize:
			size, err := readUint32Payload(msg)
			if err != nil {
				c.log.WithError(err).Warn("dropping malformed message")
				continue
			}
			reader.SetChunkSize(int(size & 0x7FFFFFFF))
		case MessageTypeAbort:
			csid, err := readUint32Payload(msg)
			if err != nil {
				c.log.WithError(err).Warn("dropping malformed message")
				continue
			}
			reader.Abort(csid)
		}

		read := reader.BytesRead()
		c.async(func() {
			c.handleMessage(msg)
			c.acknowledge(read)
		})
	}
}

// acknowledge sends an Acknowledgement once a full window has been received
func (c *Connection) acknowledge(read uint64) {
	if c.windowSize == 0 || read-c.lastAck < uint64(c.windowSize) {
		return
	}
	c.lastAck = read
	c.output(ChunkType0, ChunkStreamControl, ackMessage(uint32(read)))
}

func (c *Connection) handleMessage(msg *Message) {
	switch msg.TypeID {
	case MessageTypeSetChunkSize, MessageTypeAbort, MessageTypeAck:
	case MessageTypeWindowAckSize:
		size, err := readUint32Payload(msg)
		if err != nil {
			c.log.WithError(err).Warn("dropping malformed message")
			return
		}
		c.windowSize = size
	case MessageTypeSetPeerBandwidth:
		size, err := readUint32Payload(msg)
		if err != nil {
			c.log.WithError(err).Warn("dropping malformed message")
			return
		}
		c.output(ChunkType0, ChunkStreamControl, windowAckSizeMessage(size))
	case MessageTypeUserControl:
		c.handleUserControl(msg)
	case MessageTypeCommandAMF0, MessageTypeCommandAMF3:
		payload := msg.Payload
		if msg.TypeID == MessageTypeCommandAMF3 && len(payload) > 0 {
			payload = payload[1:]
		}
		cmd, err := decodeCommand(payload)
		if err != nil {
			c.log.WithError(err).Warn("dropping malformed command")
			return
		}
		c.handleCommand(msg.StreamID, cmd)
	default:
		c.log.WithField("type", msg.TypeID).Debug("ignoring message")
	}
}

func (c *Connection) handleUserControl(msg *Message) {
	if len(msg.Payload) < 6 {
		c.log.WithField("length", len(msg.Payload)).Warn("dropping short user control message")
		return
	}
	event := uint16(msg.Payload[0])<<8 | uint16(msg.Payload[1])
	data, _ := readUint32Payload(&Message{Payload: msg.Payload[2:]})

	switch event {
	case userControlPingRequest:
		c.output(ChunkType0, ChunkStreamControl, userControlMessage(userControlPingResponse, data))
	case userControlStreamBegin, userControlStreamEOF:
		c.log.WithFields(logrus.Fields{"event": event, "stream_id": data}).Debug("user control")
	}
}

func (c *Connection) handleCommand(streamID uint32, cmd *command) {
	switch cmd.Name {
	case "_result", "_error":
		if r, ok := c.responders[cmd.TransactionID]; ok {
			delete(c.responders, cmd.TransactionID)
			r(cmd)
			return
		}
		if st, ok := statusFromObject(firstArg(cmd)); ok {
			c.onConnectionStatus(st)
		}
	case "onStatus":
		st, ok := statusFromObject(firstArg(cmd))
		if !ok {
			c.log.Warn("onStatus without info object")
			return
		}
		for _, s := range c.streams {
			if s.id == streamID {
				s.onStatus(st)
				return
			}
		}
		c.onConnectionStatus(st)
	case "close":
		c.close()
	default:
		c.log.WithField("command", cmd.Name).Debug("ignoring command")
	}
}

// Close closes the connection. It is safe to call more than once and from any goroutine.
func (c *Connection) Close() error {
	c.close()
	return nil
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		conn := c.netConn
		c.mu.Unlock()

		c.dispatch(NewStatus(CodeConnectClosed, ""))
		close(c.done)
		if conn != nil {
			conn.Close()
		}
	})
}
