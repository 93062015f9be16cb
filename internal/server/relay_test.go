package server

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/DCsunset/clip-share/internal/buffer"
	"github.com/DCsunset/clip-share/internal/pgptest"
	"github.com/DCsunset/clip-share/internal/protocol"
	"github.com/DCsunset/clip-share/internal/registry"
)

const readTimeout = 5 * time.Second

// Key generation is the slow part of these tests; share a small pool of
// identities across the package.
var (
	identityOnce sync.Once
	identityPool []*pgptest.Device
	identityErr  error
)

func testIdentity(t *testing.T, i int) *pgptest.Device {
	t.Helper()
	identityOnce.Do(func() {
		for _, name := range []string{"alpha", "bravo", "charlie"} {
			dev, err := pgptest.NewDevice(name)
			if err != nil {
				identityErr = err
				return
			}
			identityPool = append(identityPool, dev)
		}
	})
	if identityErr != nil {
		t.Fatalf("generate test identities: %v", identityErr)
	}
	return identityPool[i%len(identityPool)]
}

func fingerprint(t *testing.T, dev *pgptest.Device) string {
	t.Helper()
	fp, err := dev.Fingerprint()
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	return fp
}

func startRelay(t *testing.T, sizes buffer.Sizes) (*registry.Registry, *buffer.Buffer, string) {
	t.Helper()
	reg := registry.New()
	buf := buffer.New(sizes)
	relay := NewRelay(zaptest.NewLogger(t), reg, buf, RelayOptions{})
	srv := httptest.NewServer(relay)
	t.Cleanup(srv.Close)
	return reg, buf, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialRelay(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendMessage(t *testing.T, conn *websocket.Conn, typ protocol.MessageType, payload any) {
	t.Helper()
	msg, err := protocol.NewMessage(typ, payload)
	if err != nil {
		t.Fatalf("build %s message: %v", typ, err)
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("send %s message: %v", typ, err)
	}
}

func sendAuth(t *testing.T, conn *websocket.Conn, dev *pgptest.Device, name string) {
	t.Helper()
	armored, err := dev.ArmoredPublicKey()
	if err != nil {
		t.Fatalf("export key: %v", err)
	}
	challenge, err := dev.SignChallenge(time.Now())
	if err != nil {
		t.Fatalf("sign challenge: %v", err)
	}
	sendMessage(t, conn, protocol.TypeAuth, protocol.AuthRequest{
		PublicKey: armored,
		Challenge: challenge,
		Name:      name,
	})
}

// authenticate completes the handshake and consumes the initial presence
// broadcast so tests start from a quiet connection.
func authenticate(t *testing.T, conn *websocket.Conn, dev *pgptest.Device, name string) {
	t.Helper()
	sendAuth(t, conn, dev, name)
	expectNext(t, conn, protocol.TypeList)
}

func readNext(t *testing.T, conn *websocket.Conn) (protocol.Message, error) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	var msg protocol.Message
	err := conn.ReadJSON(&msg)
	return msg, err
}

// expectNext asserts the very next frame has the given type.
func expectNext(t *testing.T, conn *websocket.Conn, typ protocol.MessageType) protocol.Message {
	t.Helper()
	msg, err := readNext(t, conn)
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	if msg.Type != typ {
		t.Fatalf("expected %s frame, got %s (%s)", typ, msg.Type, msg.Data)
	}
	return msg
}

// await reads frames until one of the given type arrives, skipping
// presence broadcasts that other connections may trigger at any time.
func await(t *testing.T, conn *websocket.Conn, typ protocol.MessageType) protocol.Message {
	t.Helper()
	for i := 0; i < 16; i++ {
		msg, err := readNext(t, conn)
		if err != nil {
			t.Fatalf("read message: %v", err)
		}
		if msg.Type == typ {
			return msg
		}
		if msg.Type != protocol.TypeList {
			t.Fatalf("expected %s frame, got %s (%s)", typ, msg.Type, msg.Data)
		}
	}
	t.Fatalf("no %s frame after 16 reads", typ)
	return protocol.Message{}
}

func decodeAs[T any](t *testing.T, msg protocol.Message) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(msg.Data, &out); err != nil {
		t.Fatalf("decode %s payload: %v", msg.Type, err)
	}
	return out
}

func expectError(t *testing.T, conn *websocket.Conn, code protocol.ErrCode) protocol.ErrEvent {
	t.Helper()
	msg := await(t, conn, protocol.TypeError)
	ev := decodeAs[protocol.ErrEvent](t, msg)
	if ev.Code != code {
		t.Fatalf("expected error code %d (%s), got %d (%s)", code, code, ev.Code, ev.Code)
	}
	return ev
}

// roundTrip forces the server to process everything this connection has
// sent so far by completing a list request/response.
func roundTrip(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	sendMessage(t, conn, protocol.TypeList, nil)
	await(t, conn, protocol.TypeList)
}

func TestAuthAndPresence(t *testing.T) {
	_, _, url := startRelay(t, buffer.Sizes{Share: 10, Unpair: 10})

	alpha := testIdentity(t, 0)
	bravo := testIdentity(t, 1)

	connA := dialRelay(t, url)
	sendAuth(t, connA, alpha, "Alpha")
	first := expectNext(t, connA, protocol.TypeList)
	if devices := decodeAs[[]protocol.Device](t, first); len(devices) != 0 {
		t.Fatalf("expected empty device list, got %+v", devices)
	}

	connB := dialRelay(t, url)
	sendAuth(t, connB, bravo, "Bravo")

	// both sides see the updated presence, each excluding itself
	listB := decodeAs[[]protocol.Device](t, expectNext(t, connB, protocol.TypeList))
	if len(listB) != 1 || listB[0].DeviceID != fingerprint(t, alpha) || listB[0].Name != "Alpha" {
		t.Fatalf("unexpected list for bravo: %+v", listB)
	}
	listA := decodeAs[[]protocol.Device](t, expectNext(t, connA, protocol.TypeList))
	if len(listA) != 1 || listA[0].DeviceID != fingerprint(t, bravo) {
		t.Fatalf("unexpected list for alpha: %+v", listA)
	}

	// on-demand snapshot
	sendMessage(t, connA, protocol.TypeList, nil)
	onDemand := decodeAs[[]protocol.Device](t, expectNext(t, connA, protocol.TypeList))
	if len(onDemand) != 1 || onDemand[0].DeviceID != fingerprint(t, bravo) {
		t.Fatalf("unexpected on-demand list: %+v", onDemand)
	}

	// disconnect updates presence for the peer
	connB.Close()
	gone := decodeAs[[]protocol.Device](t, expectNext(t, connA, protocol.TypeList))
	if len(gone) != 0 {
		t.Fatalf("expected empty list after disconnect, got %+v", gone)
	}
}

func TestAuthFailureClosesConnection(t *testing.T) {
	_, _, url := startRelay(t, buffer.Sizes{})
	alpha := testIdentity(t, 0)

	armored, err := alpha.ArmoredPublicKey()
	if err != nil {
		t.Fatalf("export key: %v", err)
	}
	badChallenge, err := alpha.SignText("wrong-prefix-" + time.Now().Format(time.RFC3339))
	if err != nil {
		t.Fatalf("sign text: %v", err)
	}

	conn := dialRelay(t, url)
	sendMessage(t, conn, protocol.TypeAuth, protocol.AuthRequest{
		PublicKey: armored,
		Challenge: badChallenge,
		Name:      "Alpha",
	})

	expectError(t, conn, protocol.CodeAuthFailure)
	if _, err := readNext(t, conn); err == nil {
		t.Fatal("expected connection closed after auth failure")
	}
}

func TestStaleChallengeRejected(t *testing.T) {
	_, _, url := startRelay(t, buffer.Sizes{})
	alpha := testIdentity(t, 0)

	armored, err := alpha.ArmoredPublicKey()
	if err != nil {
		t.Fatalf("export key: %v", err)
	}
	stale, err := alpha.SignChallenge(time.Now().Add(-61 * time.Minute))
	if err != nil {
		t.Fatalf("sign challenge: %v", err)
	}

	conn := dialRelay(t, url)
	sendMessage(t, conn, protocol.TypeAuth, protocol.AuthRequest{
		PublicKey: armored,
		Challenge: stale,
		Name:      "Alpha",
	})
	expectError(t, conn, protocol.CodeAuthFailure)
}

func TestFirstFrameMustBeAuth(t *testing.T) {
	_, _, url := startRelay(t, buffer.Sizes{})

	conn := dialRelay(t, url)
	sendMessage(t, conn, protocol.TypeList, nil)

	expectError(t, conn, protocol.CodeInvalidRequest)
	if _, err := readNext(t, conn); err == nil {
		t.Fatal("expected connection closed after handshake violation")
	}
}

func TestDuplicateAuthOnSameConnection(t *testing.T) {
	_, _, url := startRelay(t, buffer.Sizes{})
	alpha := testIdentity(t, 0)

	conn := dialRelay(t, url)
	authenticate(t, conn, alpha, "Alpha")

	sendAuth(t, conn, alpha, "Alpha")
	expectError(t, conn, protocol.CodeSocketIDUsed)
	if _, err := readNext(t, conn); err == nil {
		t.Fatal("expected connection closed after duplicate auth")
	}
}

func TestReconnectEvictsPreviousSession(t *testing.T) {
	reg, _, url := startRelay(t, buffer.Sizes{})
	alpha := testIdentity(t, 0)

	first := dialRelay(t, url)
	authenticate(t, first, alpha, "Alpha")

	second := dialRelay(t, url)
	authenticate(t, second, alpha, "Alpha")

	// the displaced session is told why and then closed
	expectError(t, first, protocol.CodeDeviceAlreadyOnline)
	if _, err := readNext(t, first); err == nil {
		t.Fatal("expected first connection closed after eviction")
	}

	if reg.Len() != 1 {
		t.Fatalf("expected exactly one registry entry, got %d", reg.Len())
	}

	// the replacement session stays registered and usable even after the
	// evicted connection finishes tearing down
	roundTrip(t, second)
	if reg.Len() != 1 {
		t.Fatalf("expected replacement entry to survive, got %d", reg.Len())
	}
}

func TestShareRelabeledWithSenderIdentity(t *testing.T) {
	_, _, url := startRelay(t, buffer.Sizes{})
	alpha := testIdentity(t, 0)
	bravo := testIdentity(t, 1)

	connA := dialRelay(t, url)
	authenticate(t, connA, alpha, "Alpha")
	connB := dialRelay(t, url)
	authenticate(t, connB, bravo, "Bravo")

	sendMessage(t, connA, protocol.TypeShare, protocol.ShareEvent{
		DeviceID: fingerprint(t, bravo),
		Data:     protocol.ShareData{Type: protocol.DataClip, Content: "ciphertext"},
	})

	got := decodeAs[protocol.ShareEvent](t, await(t, connB, protocol.TypeShare))
	if got.DeviceID != fingerprint(t, alpha) {
		t.Fatalf("share labeled %s, want sender %s", got.DeviceID, fingerprint(t, alpha))
	}
	if got.Data.Type != protocol.DataClip || got.Data.Content != "ciphertext" {
		t.Fatalf("payload altered in transit: %+v", got.Data)
	}
}

func TestShareBufferBoundAndOrder(t *testing.T) {
	_, _, url := startRelay(t, buffer.Sizes{Share: 3, Unpair: 10})
	alpha := testIdentity(t, 0)
	bravo := testIdentity(t, 1)

	connA := dialRelay(t, url)
	authenticate(t, connA, alpha, "Alpha")

	for _, content := range []string{"m0", "m1", "m2", "m3", "m4"} {
		sendMessage(t, connA, protocol.TypeShare, protocol.ShareEvent{
			DeviceID: fingerprint(t, bravo),
			Data:     protocol.ShareData{Type: protocol.DataClip, Content: content},
		})
	}
	roundTrip(t, connA)

	connB := dialRelay(t, url)
	sendAuth(t, connB, bravo, "Bravo")

	// only the 3 most recent survive, delivered oldest first
	for _, want := range []string{"m2", "m3", "m4"} {
		got := decodeAs[protocol.ShareEvent](t, expectNext(t, connB, protocol.TypeShare))
		if got.Data.Content != want {
			t.Fatalf("buffered delivery out of order: got %s, want %s", got.Data.Content, want)
		}
		if got.DeviceID != fingerprint(t, alpha) {
			t.Fatalf("buffered share labeled %s, want %s", got.DeviceID, fingerprint(t, alpha))
		}
	}
	expectNext(t, connB, protocol.TypeList)

	// a second connect must not replay anything
	connB.Close()
	reconnect := dialRelay(t, url)
	sendAuth(t, reconnect, bravo, "Bravo")
	if msg := await(t, reconnect, protocol.TypeList); msg.Type != protocol.TypeList {
		t.Fatalf("expected only a list frame, got %s", msg.Type)
	}
}

func TestPairForwarding(t *testing.T) {
	_, _, url := startRelay(t, buffer.Sizes{})
	alpha := testIdentity(t, 0)
	bravo := testIdentity(t, 1)

	connA := dialRelay(t, url)
	authenticate(t, connA, alpha, "Alpha")
	connB := dialRelay(t, url)
	authenticate(t, connB, bravo, "Bravo")
	await(t, connA, protocol.TypeList)

	sendMessage(t, connA, protocol.TypePair, protocol.PairEvent{
		DeviceID:   fingerprint(t, bravo),
		Name:       "Bravo",
		PublicKey:  "alpha-e2e-key",
		ExpiryDate: "2026-09-01T12:00:00Z",
	})

	got := decodeAs[protocol.PairEvent](t, await(t, connB, protocol.TypePair))
	if got.DeviceID != fingerprint(t, alpha) || got.Name != "Alpha" {
		t.Fatalf("pair should carry the initiator reference, got %+v", got)
	}
	if got.PublicKey != "alpha-e2e-key" {
		t.Fatalf("initiator key altered: %s", got.PublicKey)
	}
	if got.ExpiryDate != "2026-09-01T12:00:00Z" {
		t.Fatalf("expiry must be forwarded opaquely, got %s", got.ExpiryDate)
	}
}

func TestPairNameMismatch(t *testing.T) {
	_, _, url := startRelay(t, buffer.Sizes{})
	alpha := testIdentity(t, 0)
	bravo := testIdentity(t, 1)

	connA := dialRelay(t, url)
	authenticate(t, connA, alpha, "Alpha")
	connB := dialRelay(t, url)
	authenticate(t, connB, bravo, "Bravo")

	sendMessage(t, connA, protocol.TypePair, protocol.PairEvent{
		DeviceID:  fingerprint(t, bravo),
		Name:      "Bob",
		PublicKey: "alpha-e2e-key",
	})

	ev := expectError(t, connA, protocol.CodeDeviceNameMismatched)
	if ev.Device == nil || ev.Device.Name != "Bravo" {
		t.Fatalf("expected the registered name in the error, got %+v", ev.Device)
	}

	// nothing is forwarded to the mismatched target: the next non-list
	// frame bravo sees is a legitimate share, not a pair
	sendMessage(t, connA, protocol.TypeShare, protocol.ShareEvent{
		DeviceID: fingerprint(t, bravo),
		Data:     protocol.ShareData{Type: protocol.DataNotification, Content: "ping"},
	})
	msg := await(t, connB, protocol.TypeShare)
	if msg.Type != protocol.TypeShare {
		t.Fatalf("unexpected frame %s", msg.Type)
	}

	// the mismatch is recoverable: the initiator's connection still works
	roundTrip(t, connA)
}

func TestPairOfflineTargetNotBuffered(t *testing.T) {
	_, buf, url := startRelay(t, buffer.Sizes{Share: 10, Unpair: 10})
	alpha := testIdentity(t, 0)
	bravo := testIdentity(t, 1)

	connA := dialRelay(t, url)
	authenticate(t, connA, alpha, "Alpha")

	sendMessage(t, connA, protocol.TypePair, protocol.PairEvent{
		DeviceID:  fingerprint(t, bravo),
		Name:      "Bravo",
		PublicKey: "alpha-e2e-key",
	})
	ev := expectError(t, connA, protocol.CodeDeviceOffline)
	if ev.Device == nil || ev.Device.DeviceID != fingerprint(t, bravo) {
		t.Fatalf("expected offline device reference, got %+v", ev.Device)
	}

	if pending := buf.Pending(fingerprint(t, bravo)); pending != 0 {
		t.Fatalf("pairing must not be buffered, found %d entries", pending)
	}
}

func TestUnpairBufferedForOfflineTarget(t *testing.T) {
	_, _, url := startRelay(t, buffer.Sizes{Share: 10, Unpair: 10})
	alpha := testIdentity(t, 0)
	bravo := testIdentity(t, 1)

	connA := dialRelay(t, url)
	authenticate(t, connA, alpha, "Alpha")

	// share then unpair while bravo is offline
	sendMessage(t, connA, protocol.TypeShare, protocol.ShareEvent{
		DeviceID: fingerprint(t, bravo),
		Data:     protocol.ShareData{Type: protocol.DataClip, Content: "pending"},
	})
	sendMessage(t, connA, protocol.TypeUnpair, protocol.UnpairEvent{
		DeviceID: fingerprint(t, bravo),
		Name:     "Bravo",
	})
	roundTrip(t, connA)

	connB := dialRelay(t, url)
	sendAuth(t, connB, bravo, "Bravo")

	// drained share first, then unpair, then presence; never a pair frame
	share := decodeAs[protocol.ShareEvent](t, expectNext(t, connB, protocol.TypeShare))
	if share.Data.Content != "pending" {
		t.Fatalf("unexpected buffered share %+v", share)
	}
	unpair := decodeAs[protocol.UnpairEvent](t, expectNext(t, connB, protocol.TypeUnpair))
	if unpair.DeviceID != fingerprint(t, alpha) || unpair.Name != "Alpha" {
		t.Fatalf("unpair should name the requesting device, got %+v", unpair)
	}
	expectNext(t, connB, protocol.TypeList)
}

func TestDeleteNotifiesPairedDevices(t *testing.T) {
	reg, buf, url := startRelay(t, buffer.Sizes{Share: 10, Unpair: 10})
	alpha := testIdentity(t, 0)
	bravo := testIdentity(t, 1)
	charlie := testIdentity(t, 2)

	connA := dialRelay(t, url)
	authenticate(t, connA, alpha, "Alpha")
	connB := dialRelay(t, url)
	authenticate(t, connB, bravo, "Bravo")

	sendMessage(t, connA, protocol.TypeDelete, protocol.DeleteEvent{
		PairedDevices: []protocol.Device{
			{DeviceID: fingerprint(t, bravo), Name: "Bravo"},
			{DeviceID: fingerprint(t, charlie), Name: "Charlie"},
		},
	})

	// online peer is told directly
	unpair := decodeAs[protocol.UnpairEvent](t, await(t, connB, protocol.TypeUnpair))
	if unpair.DeviceID != fingerprint(t, alpha) {
		t.Fatalf("unpair should come from alpha, got %+v", unpair)
	}

	// offline peer gets it on next connect
	if pending := buf.Pending(fingerprint(t, charlie)); pending != 1 {
		t.Fatalf("expected one buffered unpair for charlie, got %d", pending)
	}

	// the deleting device is gone and its connection closed
	if _, err := readNext(t, connA); err == nil {
		// a final presence frame may arrive before the close
		if _, err := readNext(t, connA); err == nil {
			t.Fatal("expected alpha's connection to close after delete")
		}
	}
	if _, ok := reg.Get(fingerprint(t, alpha)); ok {
		t.Fatal("alpha still registered after delete")
	}
}

func TestMalformedInSessionMessageIsRecoverable(t *testing.T) {
	_, _, url := startRelay(t, buffer.Sizes{})
	alpha := testIdentity(t, 0)

	conn := dialRelay(t, url)
	authenticate(t, conn, alpha, "Alpha")

	// not JSON at all
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{nope")); err != nil {
		t.Fatalf("write raw frame: %v", err)
	}
	expectError(t, conn, protocol.CodeInvalidRequest)

	// unknown message type
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatalf("write raw frame: %v", err)
	}
	expectError(t, conn, protocol.CodeInvalidRequest)

	// share with a bad shape
	sendMessage(t, conn, protocol.TypeShare, protocol.ShareEvent{
		Data: protocol.ShareData{Type: "file", Content: "x"},
	})
	expectError(t, conn, protocol.CodeInvalidRequest)

	// connection remains usable throughout
	roundTrip(t, conn)
}
