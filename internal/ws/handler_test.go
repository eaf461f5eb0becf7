package ws

import (
	"errors"
	"fmt"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"roomdrop/internal/core"
	"roomdrop/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

func TestTwoClientsObserveSameOrder(t *testing.T) {
	baseURL := startTestServer(t)

	alice, aliceSnap := connectClient(t, baseURL, "alice", "r1")
	defer alice.Close()
	if len(aliceSnap.History) != 0 {
		t.Fatalf("fresh room should have empty history: %#v", aliceSnap.History)
	}

	bob, bobSnap := connectClient(t, baseURL, "bob", "r1")
	defer bob.Close()
	if len(bobSnap.Members) != 2 {
		t.Fatalf("expected 2 members in bob's snapshot, got %d", len(bobSnap.Members))
	}

	const n = 4
	for i := 0; i < n; i++ {
		writeMsg(t, alice, protocol.Message{
			Type:    protocol.TypeSubmit,
			RoomID:  "r1",
			Content: &protocol.Content{Kind: protocol.KindText, Body: fmt.Sprintf("m%d", i)},
		})
	}

	for name, conn := range map[string]*websocket.Conn{"alice": alice, "bob": bob} {
		for i := 0; i < n; i++ {
			msg := readUntil(t, conn, func(m protocol.Message) bool {
				return m.Type == protocol.TypeMessage
			})
			if want := fmt.Sprintf("m%d", i); msg.Content == nil || msg.Content.Body != want {
				t.Fatalf("%s: message %d: got %#v want body %q", name, i, msg.Content, want)
			}
			if msg.Content.SenderID != "alice" {
				t.Fatalf("%s: expected sender alice, got %q", name, msg.Content.SenderID)
			}
		}
	}
}

func TestReconnectReceivesLastFiveSnapshot(t *testing.T) {
	baseURL := startTestServer(t)

	alice, _ := connectClient(t, baseURL, "alice", "r1")
	defer alice.Close()

	bob, _ := connectClient(t, baseURL, "bob", "r1")
	for i := 0; i < 3; i++ {
		writeMsg(t, alice, protocol.Message{
			Type:    protocol.TypeSubmit,
			RoomID:  "r1",
			Content: &protocol.Content{Kind: protocol.KindText, Body: fmt.Sprintf("old%d", i)},
		})
	}
	// Bob sees the three originals, then drops.
	for i := 0; i < 3; i++ {
		readUntil(t, bob, func(m protocol.Message) bool { return m.Type == protocol.TypeMessage })
	}
	bob.Close()
	readUntil(t, alice, func(m protocol.Message) bool {
		return m.Type == protocol.TypeMemberLeft && m.ClientID == "bob"
	})

	// Two more arrive while bob is away.
	for i := 0; i < 2; i++ {
		writeMsg(t, alice, protocol.Message{
			Type:    protocol.TypeSubmit,
			RoomID:  "r1",
			Content: &protocol.Content{Kind: protocol.KindText, Body: fmt.Sprintf("new%d", i)},
		})
	}
	for i := 0; i < 2; i++ {
		readUntil(t, alice, func(m protocol.Message) bool { return m.Type == protocol.TypeMessage })
	}

	bob2, snap := connectClient(t, baseURL, "bob", "r1")
	defer bob2.Close()

	want := []string{"old0", "old1", "old2", "new0", "new1"}
	if len(snap.History) != len(want) {
		t.Fatalf("expected %d history items, got %#v", len(want), snap.History)
	}
	for i, c := range snap.History {
		if c.Body != want[i] {
			t.Fatalf("history item %d: expected %q got %q", i, want[i], c.Body)
		}
	}
}

func TestRedialWhileOldConnectionStillOpen(t *testing.T) {
	baseURL := startTestServer(t)

	alice, _ := connectClient(t, baseURL, "alice", "r1")
	defer alice.Close()

	// Bob redials before the relay ever notices the first connection died.
	bob1, _ := connectClient(t, baseURL, "bob", "r1")
	bob2, snap := connectClient(t, baseURL, "bob", "r1")
	defer bob2.Close()
	if len(snap.Members) != 2 {
		t.Fatalf("expected 2 members in redial snapshot, got %#v", snap.Members)
	}

	// The abandoned socket tears down after the redial; the live connection
	// must keep receiving and submitting.
	bob1.Close()

	writeMsg(t, alice, protocol.Message{
		Type:    protocol.TypeSubmit,
		RoomID:  "r1",
		Content: &protocol.Content{Kind: protocol.KindText, Body: "after-redial"},
	})
	readUntil(t, bob2, func(m protocol.Message) bool {
		return m.Type == protocol.TypeMessage && m.Content != nil && m.Content.Body == "after-redial"
	})

	writeMsg(t, bob2, protocol.Message{
		Type:    protocol.TypeSubmit,
		RoomID:  "r1",
		Content: &protocol.Content{Kind: protocol.KindText, Body: "from-bob"},
	})
	msg := readUntil(t, alice, func(m protocol.Message) bool {
		return m.Type == protocol.TypeMessage && m.Content != nil && m.Content.Body == "from-bob"
	})
	if msg.Content.SenderID != "bob" {
		t.Fatalf("expected sender bob, got %q", msg.Content.SenderID)
	}
}

func TestSubmitToUnboundRoomYieldsErrorFrame(t *testing.T) {
	baseURL := startTestServer(t)

	mallory, _ := connectClient(t, baseURL, "mallory", "room-a")
	defer mallory.Close()
	victim, _ := connectClient(t, baseURL, "victim", "room-b")
	defer victim.Close()

	writeMsg(t, victim, protocol.Message{
		Type:    protocol.TypeSubmit,
		RoomID:  "room-b",
		Content: &protocol.Content{Kind: protocol.KindText, Body: "seed"},
	})
	readUntil(t, victim, func(m protocol.Message) bool { return m.Type == protocol.TypeMessage })

	writeMsg(t, mallory, protocol.Message{
		Type:    protocol.TypeSubmit,
		RoomID:  "room-b",
		Content: &protocol.Content{Kind: protocol.KindText, Body: "intruder"},
	})
	readUntil(t, mallory, func(m protocol.Message) bool {
		return m.Type == protocol.TypeError && m.Error != ""
	})

	// room-b history is unchanged: a rejoin snapshot still holds only the seed.
	writeMsg(t, victim, protocol.Message{Type: protocol.TypeJoin, RoomID: "room-b", ClientID: "victim"})
	snap := readUntil(t, victim, func(m protocol.Message) bool { return m.Type == protocol.TypeSnapshot })
	if len(snap.History) != 1 || snap.History[0].Body != "seed" {
		t.Fatalf("room-b history changed: %#v", snap.History)
	}
}

func TestFileContentRoundTripsThroughRelay(t *testing.T) {
	baseURL := startTestServer(t)

	alice, _ := connectClient(t, baseURL, "alice", "r1")
	defer alice.Close()

	writeMsg(t, alice, protocol.Message{
		Type:   protocol.TypeSubmit,
		RoomID: "r1",
		Content: &protocol.Content{
			Kind:      protocol.KindFile,
			MediaType: "image/png",
			FileName:  "a.png",
			DataURI:   "data:image/png;base64,iVBORw0KGgo=",
		},
	})

	msg := readUntil(t, alice, func(m protocol.Message) bool { return m.Type == protocol.TypeMessage })
	if msg.Content.FileName != "a.png" || msg.Content.MediaType != "image/png" {
		t.Fatalf("file metadata not preserved: %#v", msg.Content)
	}
	if msg.Content.DataURI != "data:image/png;base64,iVBORw0KGgo=" {
		t.Fatalf("payload not preserved: %q", msg.Content.DataURI)
	}
}

func TestFirstFrameMustBeJoin(t *testing.T) {
	baseURL := startTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(baseURL+"/ws", nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()

	writeMsg(t, conn, protocol.Message{Type: protocol.TypePing, TS: 1})
	readUntil(t, conn, func(m protocol.Message) bool {
		return m.Type == protocol.TypeError && strings.Contains(m.Error, "join")
	})
}

func TestPingPong(t *testing.T) {
	baseURL := startTestServer(t)

	alice, _ := connectClient(t, baseURL, "alice", "r1")
	defer alice.Close()

	writeMsg(t, alice, protocol.Message{Type: protocol.TypePing, TS: 12345})
	pong := readUntil(t, alice, func(m protocol.Message) bool { return m.Type == protocol.TypePong })
	if pong.TS != 12345 {
		t.Fatalf("pong should echo the ping timestamp, got %d", pong.TS)
	}
}

func TestMemberPresenceEvents(t *testing.T) {
	baseURL := startTestServer(t)

	alice, _ := connectClient(t, baseURL, "alice", "r1")
	defer alice.Close()

	bob, _ := connectClient(t, baseURL, "bob", "r1")
	readUntil(t, alice, func(m protocol.Message) bool {
		return m.Type == protocol.TypeMemberJoined && m.ClientID == "bob"
	})

	bob.Close()
	readUntil(t, alice, func(m protocol.Message) bool {
		return m.Type == protocol.TypeMemberLeft && m.ClientID == "bob"
	})
}

func startTestServer(t *testing.T) string {
	t.Helper()

	relay := core.NewRelay(5)
	e := echo.New()
	NewHandler(relay).Register(e)
	httpServer := httptest.NewServer(e)
	t.Cleanup(httpServer.Close)

	return "ws" + strings.TrimPrefix(httpServer.URL, "http")
}

func connectClient(t *testing.T, baseWSURL, clientID, roomID string) (*websocket.Conn, protocol.Message) {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(baseWSURL+"/ws", nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}

	writeMsg(t, conn, protocol.Message{Type: protocol.TypeJoin, RoomID: roomID, ClientID: clientID})
	snapshot := readUntil(t, conn, func(m protocol.Message) bool {
		return m.Type == protocol.TypeSnapshot && m.SelfID == clientID
	})
	return conn, snapshot
}

func writeMsg(t *testing.T, conn *websocket.Conn, msg protocol.Message) {
	t.Helper()
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write json: %v", err)
	}
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(protocol.Message) bool) protocol.Message {
	t.Helper()
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		var msg protocol.Message
		err := conn.ReadJSON(&msg)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.Fatalf("connection closed unexpectedly: %v", err)
			}
			t.Fatalf("read json: %v", err)
		}
		if match(msg) {
			return msg
		}
	}
	t.Fatal("timed out waiting for matching message")
	return protocol.Message{}
}
