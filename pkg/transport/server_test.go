package transport

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"

	"github.com/geyang/zaku/pkg/codec"
	"github.com/geyang/zaku/pkg/logger"
	"github.com/geyang/zaku/pkg/pubsub"
	"github.com/geyang/zaku/pkg/queue"
	"github.com/geyang/zaku/pkg/store/redisstore"
)

func newTestHarness(t *testing.T, authUser, authKey string) (*httptest.Server, func() *websocket.Conn) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	st := redisstore.New(mr.Addr(), "", "zaku")
	engine := queue.NewEngine(st)
	fabric := pubsub.New()
	srv := NewServer(engine, fabric, logger.New(false, false), nil, authUser, authKey)

	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)

	dial := func() *websocket.Conn {
		url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/"
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			t.Fatalf("dial failed: %v", err)
		}
		return conn
	}
	return httpSrv, dial
}

func roundTrip(t *testing.T, conn *websocket.Conn, req *Envelope) *Envelope {
	t.Helper()
	data, err := EncodeEnvelope(req)
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Fatalf("write request: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	reply, err := DecodeEnvelope(msg)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return reply
}

func TestAddAndTakeRoundTrip(t *testing.T) {
	_, dial := newTestHarness(t, "", "")
	conn := dial()
	defer conn.Close()

	payload := codec.NewMap()
	payload.Set("x", codec.Int(7))
	addReply := roundTrip(t, conn, &Envelope{Op: OpAdd, RID: "r1", Queue: "q1", Payload: codec.MapValue(payload)})
	if addReply.Op != OpAck || addReply.TaskID == "" {
		t.Fatalf("expected ACK with a task id, got %+v", addReply)
	}

	takeReply := roundTrip(t, conn, &Envelope{Op: OpTake, RID: "r2", Queue: "q1"})
	if takeReply.Op != OpAck || takeReply.TaskID != addReply.TaskID {
		t.Fatalf("expected TAKE to return the added task id, got %+v", takeReply)
	}
	m, ok := takeReply.Payload.AsMap()
	if !ok {
		t.Fatal("expected a map payload back")
	}
	x, _ := m.Get("x")
	xi, _ := x.AsInt()
	if xi != 7 {
		t.Errorf("expected x=7, got %d", xi)
	}
}

func TestTakeOnEmptyQueueReturnsAckWithoutTaskID(t *testing.T) {
	_, dial := newTestHarness(t, "", "")
	conn := dial()
	defer conn.Close()

	reply := roundTrip(t, conn, &Envelope{Op: OpTake, RID: "r1", Queue: "empty"})
	if reply.Op != OpAck || reply.TaskID != "" {
		t.Fatalf("expected an empty ACK, got %+v", reply)
	}
}

func TestAddDuplicateIDFailsConflict(t *testing.T) {
	_, dial := newTestHarness(t, "", "")
	conn := dial()
	defer conn.Close()

	roundTrip(t, conn, &Envelope{Op: OpAdd, RID: "r1", Queue: "q1", TaskID: "fixed-id", Payload: codec.Null()})
	reply := roundTrip(t, conn, &Envelope{Op: OpAdd, RID: "r2", Queue: "q1", TaskID: "fixed-id", Payload: codec.Null()})
	if reply.Op != OpErr || reply.Error == nil || reply.Error.Code != "CONFLICT" {
		t.Fatalf("expected CONFLICT error, got %+v", reply)
	}
}

func TestPublishSubscribeOverWebsocket(t *testing.T) {
	_, dial := newTestHarness(t, "", "")
	subscriber := dial()
	defer subscriber.Close()
	publisher := dial()
	defer publisher.Close()

	ackReply := roundTrip(t, subscriber, &Envelope{Op: OpSubscribe, RID: "sub-1", Topic: "topic-a"})
	if ackReply.Op != OpAck {
		t.Fatalf("expected SUBSCRIBE ack, got %+v", ackReply)
	}

	roundTrip(t, publisher, &Envelope{Op: OpPublish, RID: "pub-1", Topic: "topic-a", Payload: codec.String("hi")})

	subscriber.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := subscriber.ReadMessage()
	if err != nil {
		t.Fatalf("reading event: %v", err)
	}
	event, err := DecodeEnvelope(msg)
	if err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.Op != OpEvent || event.RID != "sub-1" {
		t.Fatalf("expected EVENT tagged with sub-1, got %+v", event)
	}
	s, _ := event.Payload.AsString()
	if s != "hi" {
		t.Errorf("expected payload 'hi', got %q", s)
	}
}

func TestAuthRequiredRejectsMissingCredentials(t *testing.T) {
	_, dial := newTestHarness(t, "alice", "secret")
	conn := dial()
	defer conn.Close()

	// Send a non-AUTH frame first; the server should reply with a final
	// UNAUTHENTICATED ERR frame and then close the connection.
	data, _ := EncodeEnvelope(&Envelope{Op: OpPing, RID: "r1"})
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected a final ERR frame before the close, got %v", err)
	}
	reply, err := DecodeEnvelope(msg)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Op != OpErr || reply.Error == nil || reply.Error.Code != "UNAUTHENTICATED" {
		t.Fatalf("expected UNAUTHENTICATED error, got %+v", reply)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the connection to close after a non-AUTH first frame")
	}
}

func TestAuthSucceedsWithMatchingCredentials(t *testing.T) {
	_, dial := newTestHarness(t, "alice", "secret")
	conn := dial()
	defer conn.Close()

	reply := roundTrip(t, conn, &Envelope{Op: OpAuth, RID: "auth-1", User: "alice", Key: "secret"})
	if reply.Op != OpAck {
		t.Fatalf("expected auth ACK, got %+v", reply)
	}

	pingReply := roundTrip(t, conn, &Envelope{Op: OpPing, RID: "r2"})
	if pingReply.Op != OpPong {
		t.Fatalf("expected PONG after authenticating, got %+v", pingReply)
	}
}
