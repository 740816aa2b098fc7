// Package media carries frames from a worker's simulation loop to one
// browser client over a websocket, and the client's input and heartbeats
// back. Negotiation rides on the offer/answer exchange of the control
// channel: the answer names the socket URL and a short-lived access token.
package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dweam-team/world-arcade/internal/apperr"
	"github.com/dweam-team/world-arcade/internal/control"
	"github.com/dweam-team/world-arcade/internal/framebuf"
	"github.com/dweam-team/world-arcade/internal/gameloop"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	FrameEncoding = "msgpack"
	mediaPath     = "/media"
)

type State int32

const (
	StateNew State = iota
	StateNegotiated
	StateConnected
	StateClosed
	StateFailed
)

var stateNames = map[State]string{
	StateNew:        "new",
	StateNegotiated: "negotiated",
	StateConnected:  "connected",
	StateClosed:     "closed",
	StateFailed:     "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Terminal reports whether the client connection is gone for good.
func (s State) Terminal() bool { return s == StateClosed || s == StateFailed }

// FrameSource is drained by the send side. *framebuf.Buffer satisfies it.
type FrameSource interface {
	Take(ctx context.Context) (*framebuf.Frame, error)
}

// InputSink receives decoded client input. *gameloop.Loop satisfies it.
type InputSink interface {
	Push(ev gameloop.Event)
}

type Config struct {
	// Host is the interface the media socket binds to.
	Host string
	// PublicHost is advertised in the answer; defaults to Host.
	PublicHost   string
	TokenTTL     time.Duration
	Secret       []byte
	WriteTimeout time.Duration
	Log          *logrus.Entry
	Now          func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.PublicHost == "" {
		c.PublicHost = c.Host
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = time.Minute
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Transport serves at most one client connection at a time.
type Transport struct {
	cfg    Config
	log    *logrus.Entry
	signer *tokenSigner
	frames FrameSource
	input  InputSink

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	tokenID  string
	peer     *peer
	closed   bool

	state     atomic.Int32
	heartbeat atomic.Int64
	received  atomic.Int64
	sent      atomic.Int64
}

func New(cfg Config, frames FrameSource, input InputSink) (*Transport, error) {
	cfg = cfg.withDefaults()
	signer, err := newTokenSigner(cfg.Secret, cfg.TokenTTL)
	if err != nil {
		return nil, err
	}
	return &Transport{
		cfg:    cfg,
		log:    cfg.Log.WithField("component", "media"),
		signer: signer,
		frames: frames,
		input:  input,
	}, nil
}

func (t *Transport) State() State { return State(t.state.Load()) }

// LastHeartbeat is the time of the last client heartbeat, or of the last
// negotiation when none has arrived since.
func (t *Transport) LastHeartbeat() time.Time {
	return time.Unix(0, t.heartbeat.Load())
}

// Stats reports messages received from and frames sent to the client.
func (t *Transport) Stats() (received, sent int64) {
	return t.received.Load(), t.sent.Load()
}

func (t *Transport) touch() {
	t.heartbeat.Store(t.cfg.Now().UnixNano())
}

// Negotiate answers an offer. Each answer carries a fresh token; earlier
// tokens stop being accepted.
func (t *Transport) Negotiate(ctx context.Context, offer control.SessionDescription) (control.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return control.SessionDescription{}, err
	}
	if offer.Type != "offer" {
		return control.SessionDescription{}, apperr.New(apperr.CodeNegotiationFailed, fmt.Sprintf("expected an offer, got %q", offer.Type))
	}
	if !strings.HasPrefix(strings.TrimSpace(offer.SDP), "v=") {
		return control.SessionDescription{}, apperr.New(apperr.CodeNegotiationFailed, "offer is not a session description")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return control.SessionDescription{}, apperr.New(apperr.CodeNegotiationFailed, "media transport closed")
	}
	if err := t.listenLocked(); err != nil {
		return control.SessionDescription{}, apperr.Wrap(apperr.CodeNegotiationFailed, "open media socket", err)
	}

	now := t.cfg.Now()
	token, id, err := t.signer.mint(now)
	if err != nil {
		return control.SessionDescription{}, apperr.Wrap(apperr.CodeNegotiationFailed, "mint media token", err)
	}
	t.tokenID = id
	t.touch()
	if t.peer == nil {
		t.state.Store(int32(StateNegotiated))
	}

	port := t.listener.Addr().(*net.TCPAddr).Port
	return control.SessionDescription{SDP: t.answer(now, port, token), Type: "answer"}, nil
}

func (t *Transport) answer(now time.Time, port int, token string) string {
	host := net.JoinHostPort(t.cfg.PublicHost, strconv.Itoa(port))
	lines := []string{
		"v=0",
		fmt.Sprintf("o=- %d 1 IN IP4 %s", now.UnixNano(), t.cfg.PublicHost),
		"s=world-arcade",
		"t=0 0",
		fmt.Sprintf("a=ws-url:ws://%s%s?token=%s", host, mediaPath, token),
		"a=frame-encoding:" + FrameEncoding,
	}
	return strings.Join(lines, "\r\n") + "\r\n"
}

func (t *Transport) listenLocked() error {
	if t.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(t.cfg.Host, "0"))
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.HandleFunc(mediaPath, t.handleMedia)
	t.listener = ln
	t.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.WithError(err).Error("media server stopped")
		}
	}()
	t.log.WithField("addr", ln.Addr().String()).Info("media socket listening")
	return nil
}

// Addr is the bound media address, empty before the first negotiation.
func (t *Transport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 64 * 1024,
	// The signed token authorizes the connection, not the origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (t *Transport) handleMedia(w http.ResponseWriter, r *http.Request) {
	id, err := t.signer.verify(r.URL.Query().Get("token"), t.cfg.Now())
	t.mu.Lock()
	if err == nil && id != t.tokenID {
		err = errTokenRevoked
	}
	busy := t.peer != nil
	closed := t.closed
	t.mu.Unlock()

	switch {
	case err != nil:
		t.log.WithError(err).Warn("media connection rejected")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	case closed:
		http.Error(w, "media transport closed", http.StatusGone)
		return
	case busy:
		http.Error(w, "a client is already connected", http.StatusConflict)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.WithError(err).Warn("media upgrade failed")
		return
	}

	t.mu.Lock()
	if t.peer != nil || t.closed {
		t.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "busy"), time.Now().Add(time.Second))
		conn.Close()
		return
	}
	p := newPeer(t, conn)
	t.peer = p
	t.mu.Unlock()

	t.touch()
	t.state.Store(int32(StateConnected))
	t.log.WithField("remote", r.RemoteAddr).Info("media client connected")
	p.run()
}

func (t *Transport) handleMessage(data []byte) {
	t.received.Add(1)
	msg, err := ParseMessage(data)
	if err != nil {
		t.log.WithError(err).Debug("ignoring malformed message")
		return
	}
	if msg.Type == MsgHeartbeat {
		t.touch()
		return
	}
	if ev, ok := msg.Event(); ok && t.input != nil {
		t.input.Push(ev)
	}
}

// disconnected records the end of p's connection.
func (t *Transport) disconnected(p *peer, err error) {
	t.mu.Lock()
	if t.peer == p {
		t.peer = nil
	}
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}

	state := StateClosed
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		state = StateFailed
	}
	t.state.Store(int32(state))
	t.log.WithError(err).WithField("state", state).Info("media client disconnected")
}

// Close drops the client and stops the media socket.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	p := t.peer
	t.peer = nil
	srv := t.server
	t.mu.Unlock()

	t.state.Store(int32(StateClosed))
	if p != nil {
		p.close()
	}
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// MediaURL extracts the socket URL from an answer produced by Negotiate.
func MediaURL(sdp string) (string, bool) {
	for _, line := range strings.Split(sdp, "\n") {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(line), "a=ws-url:"); ok {
			return rest, true
		}
	}
	return "", false
}
