package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/adfharrison1/go-syncdb/pkg/metrics"
	"github.com/adfharrison1/go-syncdb/pkg/rpc"
	"github.com/adfharrison1/go-syncdb/pkg/session"
)

const maxMessageSize = 16 << 20

// conn is one authenticated websocket. Frames are written only by writePump;
// everything else queues them on send.
type conn struct {
	id     string
	tenant string
	ws     *websocket.Conn
	reg    *Registry
	entry  *tenantEntry // set by Registry.attach
	logger *zap.SugaredLogger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	// wg tracks the pumps and in-flight calls; finished closes once they are done.
	wg       sync.WaitGroup
	finished chan struct{}
}

func newConn(r *Registry, ws *websocket.Conn, tenant string) *conn {
	id := uuid.NewString()
	return &conn{
		id:       id,
		tenant:   tenant,
		ws:       ws,
		reg:      r,
		logger:   r.logger.With("tenant", tenant, "conn", id),
		send:     make(chan []byte, r.sendBuffer),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// serve runs the connection until the peer goes away or the registry closes it.
func (c *conn) serve() {
	ctx, cancel := context.WithTimeout(context.Background(), c.reg.connectTimeout)
	entry, err := c.reg.attach(ctx, c)
	cancel()
	if err != nil {
		c.logger.Warnw("closing connection without session", "error", err)
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session unavailable")
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.reg.writeTimeout))
		c.ws.Close()
		return
	}
	defer c.reg.conns.Done()
	c.logger.Infow("connection opened", "remote", c.ws.RemoteAddr().String())

	sub := entry.session.Subscribe(c.reg.sendBuffer)
	c.wg.Add(2)
	go c.writePump()
	go c.relay(sub)
	c.readPump()

	sub.Close()
	c.close()
	c.wg.Wait()
	c.logger.Infow("connection closed")
	close(c.finished)
}

// close releases the connection. It is safe to call from any goroutine.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.reg.writeTimeout))
		c.ws.Close()
		if c.entry != nil {
			c.reg.detach(c)
		}
	})
}

func (c *conn) readPump() {
	pongWait := 2 * c.reg.pingInterval
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warnw("read failed", "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		// Calls run concurrently and keep running if the connection drops.
		c.wg.Add(1)
		go c.handle(data)
	}
}

func (c *conn) writePump() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.reg.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.reg.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Warnw("write failed", "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.reg.writeTimeout)); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// relay forwards the Session's events caused by other connections.
func (c *conn) relay(sub *session.Subscription) {
	defer c.wg.Done()
	for ev := range sub.C {
		if ev.Origin == c.id {
			continue
		}
		frame, err := rpc.Encode(notificationFor(ev))
		if err != nil {
			c.logger.Errorw("failed to encode notification", "kind", ev.Kind, "error", err)
			continue
		}
		select {
		case c.send <- frame:
			metrics.BroadcastDeliveries.WithLabelValues("delivered").Inc()
		case <-c.done:
			return
		default:
			metrics.BroadcastDeliveries.WithLabelValues("dropped").Inc()
			c.logger.Warnw("send queue full, notification dropped", "kind", ev.Kind)
		}
	}
}

// reply queues a response, waiting for room unless the connection is gone.
func (c *conn) reply(frame []byte) {
	select {
	case c.send <- frame:
	case <-c.done:
	}
}

func (c *conn) handle(data []byte) {
	defer c.wg.Done()
	start := time.Now()
	method := "invalid"

	var resp *rpc.Response
	req, err := rpc.DecodeRequest(data)
	switch {
	case err != nil && req == nil:
		resp = rpc.NewError(nil, err)
	case err != nil:
		resp = rpc.NewError(req.ID, err)
	default:
		method = metricMethod(req.Method)
		ctx := session.WithOrigin(context.Background(), c.id)
		resp = dispatch(ctx, c.entry.session, req)
	}

	code := "ok"
	if resp.Error != nil {
		code = string(resp.Error.Code)
		c.logger.Debugw("call failed", "method", method, "code", code, "error", resp.Error.Message)
	}
	metrics.RPCCalls.WithLabelValues(method, code).Inc()
	metrics.RPCDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())

	frame, err := rpc.Encode(resp)
	if err != nil {
		c.logger.Errorw("failed to encode response", "method", method, "error", err)
		return
	}
	c.reply(frame)
}
