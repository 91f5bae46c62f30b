package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"pkt.systems/shellwarden/schema"
)

type fakeSession struct {
	mu       sync.Mutex
	latest   schema.OutputSnapshot
	has      bool
	subs     []chan schema.OutputSnapshot
	cleared  int
	input    []string
	running  bool
	paired   bool
	required bool
	onState  []func(schema.ShellState)
}

func (f *fakeSession) Latest() (schema.OutputSnapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, f.has
}

func (f *fakeSession) ObserveOutput() (<-chan schema.OutputSnapshot, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan schema.OutputSnapshot, 1)
	if f.has {
		ch <- f.latest
	}
	f.subs = append(f.subs, ch)
	return ch, func() {}
}

func (f *fakeSession) publish(snapshot schema.OutputSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest = snapshot
	f.has = true
	for _, ch := range f.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}

func (f *fakeSession) ClearOutput() error {
	f.mu.Lock()
	f.cleared++
	f.mu.Unlock()
	f.publish(schema.OutputSnapshot{Seq: 99})
	return nil
}

func (f *fakeSession) Cleared() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleared
}

func (f *fakeSession) setRunning(running bool) {
	f.mu.Lock()
	f.running = running
	f.mu.Unlock()
}

func (f *fakeSession) SendInput(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return schema.ErrNotRunning
	}
	f.input = append(f.input, string(data))
	return nil
}

func (f *fakeSession) Inputs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.input...)
}

func (f *fakeSession) Status() schema.ShellStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return schema.ShellStatus{State: schema.ShellStateRunning, PID: 42}
	}
	return schema.ShellStatus{State: schema.ShellStateNotStarted}
}

func (f *fakeSession) OutputBufferSize() int { return 16384 }

func (f *fakeSession) OnState(fn func(schema.ShellState)) {
	f.mu.Lock()
	f.onState = append(f.onState, fn)
	f.mu.Unlock()
}

func (f *fakeSession) setState(state schema.ShellState) {
	f.mu.Lock()
	listeners := append([]func(schema.ShellState){}, f.onState...)
	f.mu.Unlock()
	for _, fn := range listeners {
		fn(state)
	}
}

func (f *fakeSession) NeedsPairing(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.required && !f.paired, nil
}

func (f *fakeSession) SetPairedBefore(_ context.Context, value bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paired = value
	return nil
}

func newTestServer(t *testing.T, session *fakeSession, token string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer(Config{Token: token}, session).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, &fakeSession{running: true}, "secret")
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 without token, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["shell"] != string(schema.ShellStateRunning) {
		t.Fatalf("unexpected health body: %v", body)
	}
}

func TestOutputReturnsLatestSnapshot(t *testing.T) {
	session := &fakeSession{}
	session.publish(schema.OutputSnapshot{Seq: 3, Text: "$ ls\n", Size: 5})
	srv := newTestServer(t, session, "")
	resp, err := http.Get(srv.URL + "/api/output")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var snap schema.OutputSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Seq != 3 || snap.Text != "$ ls\n" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestTokenRequired(t *testing.T) {
	srv := newTestServer(t, &fakeSession{}, "secret")
	resp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/status?token=secret")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with query token, got %d", resp.StatusCode)
	}
}

func TestClearOutput(t *testing.T) {
	session := &fakeSession{}
	srv := newTestServer(t, session, "")
	resp, err := http.Post(srv.URL+"/api/output/clear", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if got := session.Cleared(); got != 1 {
		t.Fatalf("expected one clear, got %d", got)
	}
}

func TestInputMapsNotRunningToConflict(t *testing.T) {
	session := &fakeSession{}
	srv := newTestServer(t, session, "")
	resp, err := http.Post(srv.URL+"/api/input", "application/json", strings.NewReader(`{"data":"ls\n"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}

	session.setRunning(true)
	resp, err = http.Post(srv.URL+"/api/input", "application/json", strings.NewReader(`{"data":"ls\n"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if got := session.Inputs(); len(got) != 1 || got[0] != "ls\n" {
		t.Fatalf("unexpected input: %v", got)
	}

	resp, err = http.Post(srv.URL+"/api/input", "application/json", strings.NewReader(`{"data":""}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestPairingToggle(t *testing.T) {
	session := &fakeSession{required: true}
	srv := newTestServer(t, session, "")

	var payload PairingPayload
	getJSON(t, srv.URL+"/api/pairing", &payload)
	if !payload.NeedsPairing {
		t.Fatalf("expected pairing required")
	}

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/pairing", strings.NewReader(`{"paired_before":true}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.NeedsPairing {
		t.Fatalf("expected pairing satisfied")
	}

	req, _ = http.NewRequest(http.MethodPut, srv.URL+"/api/pairing", strings.NewReader(`{}`))
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing flag, got %d", resp2.StatusCode)
	}
}

func TestStreamDeliversSnapshots(t *testing.T) {
	session := &fakeSession{}
	session.publish(schema.OutputSnapshot{Seq: 1, Text: "first"})
	srv := newTestServer(t, session, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/output/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	first := readSSEData(t, reader)
	if first.Snapshot == nil || first.Snapshot.Text != "first" {
		t.Fatalf("unexpected first event: %+v", first)
	}
	session.publish(schema.OutputSnapshot{Seq: 2, Text: "second"})
	second := readSSEData(t, reader)
	if second.Snapshot == nil || second.Snapshot.Text != "second" {
		t.Fatalf("unexpected second event: %+v", second)
	}
}

func TestStreamRelaysStateTransitions(t *testing.T) {
	session := &fakeSession{}
	session.publish(schema.OutputSnapshot{Seq: 1, Text: "up"})
	srv := newTestServer(t, session, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/output/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	if first := readSSEData(t, reader); first.Type != "output" {
		t.Fatalf("expected output event first, got %+v", first)
	}
	session.setState(schema.ShellStateExited)
	event := readSSEData(t, reader)
	if event.Type != "state" || event.State != schema.ShellStateExited || event.Snapshot != nil {
		t.Fatalf("unexpected state event: %+v", event)
	}
}

func TestWebSocketRelaysStateTransitions(t *testing.T) {
	session := &fakeSession{}
	session.publish(schema.OutputSnapshot{Seq: 1, Text: "up"})
	srv := newTestServer(t, session, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/output/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	read := func() StreamEvent {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var event StreamEvent
		if err := json.Unmarshal(data, &event); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return event
	}
	if first := read(); first.Type != "output" {
		t.Fatalf("expected output event first, got %+v", first)
	}
	session.setState(schema.ShellStateRunning)
	if event := read(); event.Type != "state" || event.State != schema.ShellStateRunning {
		t.Fatalf("unexpected state event: %+v", event)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func TestWebSocketStreamsAndForwardsInput(t *testing.T) {
	session := &fakeSession{running: true}
	session.publish(schema.OutputSnapshot{Seq: 1, Text: "$ "})
	srv := newTestServer(t, session, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/output/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	msgType, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msgType != websocket.MessageText {
		t.Fatalf("expected text message, got %v", msgType)
	}
	var event StreamEvent
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if event.Snapshot == nil || event.Snapshot.Text != "$ " {
		t.Fatalf("unexpected event: %+v", event)
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte("id\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(session.Inputs()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected websocket input to be forwarded")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := session.Inputs()[0]; got != "id\n" {
		t.Fatalf("unexpected input %q", got)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func TestStatusForError(t *testing.T) {
	if got := statusForError(schema.ErrNotRunning); got != http.StatusConflict {
		t.Fatalf("expected 409, got %d", got)
	}
	if got := statusForError(errors.New("boom")); got != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", got)
	}
}

func getJSON(t *testing.T, url string, target any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}

func readSSEData(t *testing.T, reader *bufio.Reader) StreamEvent {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		data, ok := strings.CutPrefix(strings.TrimSpace(line), "data: ")
		if !ok {
			continue
		}
		var event StreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return event
	}
}
