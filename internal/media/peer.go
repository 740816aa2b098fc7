package media

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dweam-team/world-arcade/internal/framebuf"
	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

const maxMessageSize = 64 * 1024

// peer is one connected client: frames go out on writePump, input comes in
// on readPump.
type peer struct {
	t    *Transport
	conn *websocket.Conn

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	ended     atomic.Bool
}

func newPeer(t *Transport, conn *websocket.Conn) *peer {
	ctx, cancel := context.WithCancel(context.Background())
	conn.SetReadLimit(maxMessageSize)
	return &peer{t: t, conn: conn, ctx: ctx, cancel: cancel}
}

// run blocks until the connection ends.
func (p *peer) run() {
	go p.writePump()
	err := p.readPump()
	p.close()
	if p.ended.Load() {
		err = nil
	}
	p.t.disconnected(p, err)
}

func (p *peer) readPump() error {
	for {
		typ, data, err := p.conn.ReadMessage()
		if err != nil {
			return err
		}
		if typ == websocket.TextMessage {
			p.t.handleMessage(data)
		}
	}
}

func (p *peer) writePump() {
	defer p.close()
	for {
		frame, err := p.t.frames.Take(p.ctx)
		if err != nil {
			if errors.Is(err, framebuf.ErrClosed) {
				p.ended.Store(true)
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "simulation ended")
				_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			}
			return
		}
		data, err := msgpack.Marshal(frame)
		if err != nil {
			p.t.log.WithError(err).Error("encode frame")
			return
		}
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.t.cfg.WriteTimeout))
		if err := p.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			p.t.log.WithError(err).Debug("frame write failed")
			return
		}
		p.t.sent.Add(1)
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		p.cancel()
		p.conn.Close()
	})
}
