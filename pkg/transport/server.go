package transport

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/geyang/zaku/pkg/codec"
	"github.com/geyang/zaku/pkg/metrics"
	"github.com/geyang/zaku/pkg/pubsub"
	"github.com/geyang/zaku/pkg/queue"
	"github.com/geyang/zaku/pkg/tasks"
	"github.com/geyang/zaku/pkg/zakuerr"
)

const (
	writeWait          = 10 * time.Second
	pingInterval       = 30 * time.Second
	pongWaitMultiplier = 3
	// maxPayloadBytes bounds a single inbound frame; large ndarray/image
	// payloads are expected to dominate this, so it is generous.
	maxPayloadBytes = 64 << 20
)

// Server dispatches envelopes arriving on websocket connections against a
// queue engine and pub/sub fabric. Its connection lifecycle (reader/writer
// goroutine pair, ping/pong keepalive, read-deadline renewal per frame) is
// grounded in the DriftPursuit broker's serveWS handler.
type Server struct {
	engine *queue.Engine
	fabric *pubsub.Fabric
	log    zerolog.Logger
	reg    *metrics.Registry

	authUser string
	authKey  string

	upgrader websocket.Upgrader

	mu          sync.Mutex
	connections map[*connection]struct{}
}

// NewServer constructs a Server. authUser/authKey empty means the AUTH
// handshake is not required.
func NewServer(engine *queue.Engine, fabric *pubsub.Fabric, log zerolog.Logger, reg *metrics.Registry, authUser, authKey string) *Server {
	return &Server{
		engine: engine,
		fabric: fabric,
		log:    log,
		reg:    reg,

		authUser: authUser,
		authKey:  authKey,

		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		connections: make(map[*connection]struct{}),
	}
}

// Handler returns the HTTP handler to mount the websocket endpoint on.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveWS)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxPayloadBytes)

	c := &connection{
		conn:   conn,
		send:   make(chan []byte, 256),
		closed: make(chan struct{}),
		server: s,
		log:    s.log.With().Str("remote_addr", r.RemoteAddr).Logger(),
		subs:   make(map[string]*pubsub.Subscription),
		claims: make(map[claimKey]time.Time),
	}

	s.mu.Lock()
	s.connections[c] = struct{}{}
	s.mu.Unlock()
	if s.reg != nil {
		s.reg.Connections.Inc()
	}

	if s.authUser != "" || s.authKey != "" {
		if !c.authenticate(s.authUser, s.authKey) {
			_ = conn.Close()
			s.deregister(c)
			return
		}
	}

	go c.writeLoop()
	go c.readLoop()
}

func (s *Server) deregister(c *connection) {
	c.closeOnce.Do(func() {
		close(c.closed)
		s.mu.Lock()
		delete(s.connections, c)
		s.mu.Unlock()
		if s.reg != nil {
			s.reg.Connections.Dec()
		}
		c.releaseClaims()
		c.closeSubscriptions()
	})
}

// claimKey identifies a task this connection currently holds, used for
// best-effort MARK_RESET on disconnect.
type claimKey struct {
	queue  string
	taskID string
}

type connection struct {
	conn   *websocket.Conn
	send   chan []byte
	closed chan struct{}
	server *Server
	log    zerolog.Logger

	closeOnce sync.Once

	mu     sync.Mutex
	subs   map[string]*pubsub.Subscription
	claims map[claimKey]time.Time
}

// authenticate synchronously reads the first frame and requires it to be a
// matching AUTH envelope.
func (c *connection) authenticate(user, key string) bool {
	waitDuration := pongWaitMultiplier * pingInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(waitDuration))

	_, msg, err := c.conn.ReadMessage()
	if err != nil {
		c.log.Warn().Err(err).Msg("transport: no frame received before auth deadline")
		return false
	}
	env, err := DecodeEnvelope(msg)
	if err != nil || env.Op != OpAuth || env.User != user || env.Key != key {
		reply, _ := EncodeEnvelope(errEnvelope(env, string(zakuerr.CodeUnauthenticated), "authentication failed"))
		_ = c.conn.WriteMessage(websocket.BinaryMessage, reply)
		return false
	}
	reply, _ := EncodeEnvelope(&Envelope{Op: OpAck, RID: env.RID})
	return c.conn.WriteMessage(websocket.BinaryMessage, reply) == nil
}

func (c *connection) readLoop() {
	defer c.server.deregister(c)
	defer func() { _ = c.conn.Close() }()

	waitDuration := pongWaitMultiplier * pingInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(waitDuration))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(waitDuration))
	})

	for {
		messageType, msg, err := c.conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				c.log.Warn().Err(err).Msg("transport: read deadline exceeded")
			} else if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug().Err(err).Msg("transport: read loop exiting")
			}
			return
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(waitDuration)); err != nil {
			return
		}
		if messageType != websocket.BinaryMessage && messageType != websocket.TextMessage {
			continue
		}

		env, err := DecodeEnvelope(msg)
		if err != nil {
			c.writeEnvelope(errEnvelope(nil, string(zakuerr.CodeInvalidArgument), "malformed envelope: "+err.Error()))
			continue
		}
		c.dispatch(env)
	}
}

func (c *connection) writeLoop() {
	pingTicker := time.NewTicker(pingInterval)
	defer func() {
		pingTicker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				c.log.Debug().Err(err).Msg("transport: write error")
				return
			}
		case <-pingTicker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *connection) writeEnvelope(e *Envelope) {
	data, err := EncodeEnvelope(e)
	if err != nil {
		c.log.Error().Err(err).Msg("transport: failed to encode outgoing envelope")
		return
	}
	select {
	case c.send <- data:
	case <-c.closed:
	}
}

func (c *connection) dispatch(req *Envelope) {
	ctx := context.Background()
	op := req.Op
	if c.server.reg != nil {
		c.server.reg.OpsTotal.WithLabelValues(string(op)).Inc()
	}

	switch op {
	case OpInitQueue:
		c.handleSimple(req, c.server.engine.InitQueue(ctx, req.Queue), nil)
	case OpRemoveQueue:
		c.handleSimple(req, c.server.engine.RemoveQueue(ctx, req.Queue), nil)
	case OpClearQueue:
		c.handleSimple(req, c.server.engine.ClearQueue(ctx, req.Queue), nil)
	case OpAdd:
		c.handleAdd(ctx, req)
	case OpTake:
		c.handleTake(ctx, req)
	case OpMarkDone:
		c.handleMarkDone(ctx, req)
	case OpMarkReset:
		c.handleMarkReset(ctx, req)
	case OpPublish:
		c.handlePublish(ctx, req)
	case OpSubscribe:
		c.handleSubscribe(req)
	case OpUnsubscribe:
		c.handleUnsubscribe(req)
	case OpPing:
		c.writeEnvelope(&Envelope{Op: OpPong, RID: req.RID})
	case OpInfo:
		c.handleInfo(ctx, req)
	case OpAuth:
		c.writeEnvelope(&Envelope{Op: OpAck, RID: req.RID})
	default:
		c.writeEnvelope(errEnvelope(req, string(zakuerr.CodeInvalidArgument), "unknown op "+string(op)))
	}
}

func (c *connection) handleSimple(req *Envelope, err error, payload *codec.Value) {
	if err != nil {
		c.replyErr(req, err)
		return
	}
	c.writeEnvelope(ackEnvelope(req, "", payload))
}

func (c *connection) handleAdd(ctx context.Context, req *Envelope) {
	id, err := c.server.engine.Add(ctx, req.Queue, req.Payload, req.TaskID, req.TTL)
	if err != nil {
		c.replyErr(req, err)
		return
	}
	c.writeEnvelope(ackEnvelope(req, id, nil))
}

func (c *connection) handleTake(ctx context.Context, req *Envelope) {
	ttl := time.Duration(req.TTL * float64(time.Second))
	if ttl <= 0 {
		ttl = time.Duration(tasks.DefaultTTLSeconds * float64(time.Second))
	}
	t, ok, err := c.server.engine.Take(ctx, req.Queue, ttl)
	if err != nil {
		c.replyErr(req, err)
		return
	}
	if !ok {
		c.writeEnvelope(ackEnvelope(req, "", nil))
		return
	}
	c.mu.Lock()
	c.claims[claimKey{queue: req.Queue, taskID: t.ID}] = time.Now()
	c.mu.Unlock()
	c.writeEnvelope(ackEnvelope(req, t.ID, t.Payload))
}

func (c *connection) handleMarkDone(ctx context.Context, req *Envelope) {
	err := c.server.engine.MarkDone(ctx, req.Queue, req.TaskID)
	if err == nil {
		c.observeClaimDuration(req.Queue, req.TaskID)
	}
	c.handleSimple(req, err, nil)
}

func (c *connection) handleMarkReset(ctx context.Context, req *Envelope) {
	err := c.server.engine.MarkReset(ctx, req.Queue, req.TaskID)
	if err == nil {
		c.observeClaimDuration(req.Queue, req.TaskID)
	}
	c.handleSimple(req, err, nil)
}

// observeClaimDuration records the wall time between the TAKE that claimed
// taskID and the MARK_DONE/MARK_RESET that released it, and forgets the
// claim either way. It is a no-op if this connection never claimed taskID
// itself (e.g. a MARK_DONE for a claim held by another connection).
func (c *connection) observeClaimDuration(queue, taskID string) {
	key := claimKey{queue: queue, taskID: taskID}
	c.mu.Lock()
	claimedAt, ok := c.claims[key]
	delete(c.claims, key)
	c.mu.Unlock()
	if ok && c.server.reg != nil {
		c.server.reg.ClaimDuration.WithLabelValues(queue).Observe(time.Since(claimedAt).Seconds())
	}
}

func (c *connection) handlePublish(ctx context.Context, req *Envelope) {
	count := c.server.fabric.Publish(ctx, req.Topic, req.Payload)
	if c.server.reg != nil {
		c.server.reg.PublishedTotal.WithLabelValues(req.Topic).Inc()
	}
	c.writeEnvelope(ackEnvelope(req, "", codec.Int(int64(count))))
}

func (c *connection) handleSubscribe(req *Envelope) {
	c.mu.Lock()
	_, exists := c.subs[req.RID]
	c.mu.Unlock()
	if exists {
		c.writeEnvelope(errEnvelope(req, string(zakuerr.CodeInvalidArgument), "duplicate rid on SUBSCRIBE"))
		return
	}

	sub := c.server.fabric.Subscribe(req.Topic, req.RID)
	c.mu.Lock()
	c.subs[req.RID] = sub
	c.mu.Unlock()
	if c.server.reg != nil {
		c.server.reg.Subscriptions.Inc()
	}

	c.writeEnvelope(ackEnvelope(req, "", nil))
	go c.pumpSubscription(sub, req.Timeout)
}

func (c *connection) pumpSubscription(sub *pubsub.Subscription, timeoutSeconds float64) {
	defer func() {
		c.mu.Lock()
		delete(c.subs, sub.RID)
		c.mu.Unlock()
		if c.server.reg != nil {
			c.server.reg.Subscriptions.Dec()
		}
	}()

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeoutSeconds > 0 {
		timer = time.NewTimer(time.Duration(timeoutSeconds * float64(time.Second)))
		timeoutCh = timer.C
		defer timer.Stop()
	}

	for {
		select {
		case event, ok := <-sub.Events:
			if !ok {
				return
			}
			c.writeEnvelope(eventEnvelope(event.Topic, event.RID, event.Payload, false))
			if timer != nil {
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(time.Duration(timeoutSeconds * float64(time.Second)))
			}
		case <-timeoutCh:
			c.writeEnvelope(eventEnvelope(sub.Topic, sub.RID, nil, true))
			sub.Close()
			return
		case <-c.closed:
			return
		}
	}
}

func (c *connection) handleUnsubscribe(req *Envelope) {
	c.mu.Lock()
	sub, ok := c.subs[req.RID]
	c.mu.Unlock()
	if !ok {
		c.writeEnvelope(errEnvelope(req, string(zakuerr.CodeNotFound), "no active subscription for rid "+req.RID))
		return
	}
	sub.Close()
	c.writeEnvelope(ackEnvelope(req, "", nil))
}

func (c *connection) handleInfo(ctx context.Context, req *Envelope) {
	pending, claimed, err := c.server.engine.Depths(ctx, req.Queue)
	if err != nil {
		c.replyErr(req, err)
		return
	}
	m := codec.NewMap()
	m.Set("pending", codec.Int(pending))
	m.Set("claimed", codec.Int(claimed))
	c.writeEnvelope(ackEnvelope(req, "", codec.MapValue(m)))
}

func (c *connection) replyErr(req *Envelope, err error) {
	op := ""
	if req != nil {
		op = string(req.Op)
	}
	code := string(zakuerr.CodeInternal)
	message := err.Error()
	if zerr, ok := zakuerr.As(err); ok {
		code = string(zerr.Code)
		message = zerr.Message
	}
	if c.server.reg != nil {
		c.server.reg.OpErrorsTotal.WithLabelValues(op, code).Inc()
	}
	c.writeEnvelope(errEnvelope(req, code, message))
}

func (c *connection) releaseClaims() {
	c.mu.Lock()
	claims := make([]claimKey, 0, len(c.claims))
	for k := range c.claims {
		claims = append(claims, k)
	}
	c.claims = make(map[claimKey]time.Time)
	c.mu.Unlock()

	if len(claims) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, k := range claims {
		if err := c.server.engine.MarkReset(ctx, k.queue, k.taskID); err != nil {
			c.log.Warn().Err(err).Str("queue", k.queue).Str("task_id", k.taskID).
				Msg("transport: best-effort claim release failed on disconnect")
		}
	}
}

func (c *connection) closeSubscriptions() {
	c.mu.Lock()
	subs := make([]*pubsub.Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}
