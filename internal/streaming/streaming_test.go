package streaming

import (
	"bytes"
	"encoding/base64"
	"errors"
	"io"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/vnmchuo/ai-gateway/internal/jsonutil"
)

func collectEvents(r io.Reader) []Event {
	var out []Event
	for ev := range Events(r) {
		out = append(out, ev)
	}
	return out
}

func TestParser_SplitReads(t *testing.T) {
	raw := ": keep-alive\n\nevent: message_start\ndata: {\"a\":1}\n\ndata: line1\ndata: line2\r\n\r\nid: 7\ndata: tail"
	events := collectEvents(iotest.OneByteReader(strings.NewReader(raw)))

	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d: %+v", len(events), events)
	}
	if events[0].Event != "message_start" || events[0].Data != `{"a":1}` {
		t.Errorf("Expected message_start event, got %+v", events[0])
	}
	if events[1].Data != "line1\nline2" {
		t.Errorf("Expected multi-line data, got %q", events[1].Data)
	}
	if events[2].ID != "7" || events[2].Data != "tail" {
		t.Errorf("Expected trailing frame without blank line, got %+v", events[2])
	}
}

func TestParser_EOF(t *testing.T) {
	p := NewParser(strings.NewReader(""))
	if _, err := p.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF, got %v", err)
	}
}

func TestJSONChunks_SkipsDoneAndInvalid(t *testing.T) {
	raw := "data: {\"id\":\"1\"}\n\ndata: not json\n\ndata: {\"id\":\"2\"}\n\ndata: [DONE]\n\n"
	var got []string
	for obj := range JSONChunks(strings.NewReader(raw)) {
		id, _ := jsonutil.String(obj["id"])
		got = append(got, id)
	}
	if strings.Join(got, ",") != "1,2" {
		t.Errorf("Expected chunks 1,2, got %v", got)
	}
}

func TestEvent_EncodeRoundTrip(t *testing.T) {
	ev := Event{Event: "delta", Data: "a\nb", ID: "9"}
	encoded := ev.Encode()
	if string(encoded) != "id: 9\nevent: delta\ndata: a\ndata: b\n\n" {
		t.Errorf("Unexpected encoding %q", encoded)
	}
	events := collectEvents(bytes.NewReader(encoded))
	if len(events) != 1 || events[0] != ev {
		t.Errorf("Expected %+v back, got %+v", ev, events)
	}
}

func sampleMessage() *Message {
	return &Message{
		Headers: []Header{
			{Name: ":event-type", Type: HeaderString, Value: "chunk"},
			{Name: ":message-type", Type: HeaderString, Value: "event"},
			{Name: "flag", Type: HeaderBoolTrue, Value: true},
			{Name: "count", Type: HeaderInt, Value: int32(42)},
			{Name: "big", Type: HeaderLong, Value: int64(-7)},
			{Name: "at", Type: HeaderTimestamp, Value: time.UnixMilli(1700000000123).UTC()},
			{Name: "raw", Type: HeaderBytes, Value: []byte{1, 2, 3}},
		},
		Payload: []byte(`{"type":"content_block_delta","index":0}`),
	}
}

func TestMessage_EncodeDecode(t *testing.T) {
	msg := sampleMessage()
	b, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(got.Payload) != string(msg.Payload) {
		t.Errorf("Expected payload %s, got %s", msg.Payload, got.Payload)
	}
	if len(got.Headers) != len(msg.Headers) {
		t.Fatalf("Expected %d headers, got %d", len(msg.Headers), len(got.Headers))
	}
	if got.StringHeader(":event-type") != "chunk" {
		t.Errorf("Expected event type chunk, got %q", got.StringHeader(":event-type"))
	}
	if v, _ := got.Headers[3].Value.(int32); v != 42 {
		t.Errorf("Expected int header 42, got %v", got.Headers[3].Value)
	}
	if v, _ := got.Headers[5].Value.(time.Time); !v.Equal(time.UnixMilli(1700000000123)) {
		t.Errorf("Expected timestamp round trip, got %v", got.Headers[5].Value)
	}
}

func TestDecode_ChecksumFailures(t *testing.T) {
	b, err := sampleMessage().Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	prelude := append([]byte(nil), b...)
	prelude[9] ^= 0xff
	if _, err := Decode(prelude); !errors.Is(err, ErrPreludeChecksum) {
		t.Errorf("Expected ErrPreludeChecksum, got %v", err)
	}

	body := append([]byte(nil), b...)
	body[len(body)-6] ^= 0xff
	if _, err := Decode(body); !errors.Is(err, ErrMessageChecksum) {
		t.Errorf("Expected ErrMessageChecksum, got %v", err)
	}

	if _, err := Decode(b[:10]); !errors.Is(err, ErrMessageLength) {
		t.Errorf("Expected ErrMessageLength, got %v", err)
	}
}

func encodeAll(t *testing.T, msgs ...*Message) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, m := range msgs {
		b, err := m.Encode()
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		buf.Write(b)
	}
	return buf.Bytes()
}

func payloadMessage(payload string) *Message {
	return &Message{
		Headers: []Header{{Name: ":message-type", Type: HeaderString, Value: "event"}},
		Payload: []byte(payload),
	}
}

func TestDecoder_SplitAcrossReads(t *testing.T) {
	raw := encodeAll(t, payloadMessage(`{"n":1}`), payloadMessage(`{"n":2}`), payloadMessage(`{"n":3}`))

	var got []string
	for msg := range Messages(iotest.HalfReader(iotest.OneByteReader(bytes.NewReader(raw)))) {
		got = append(got, string(msg.Payload))
	}
	if strings.Join(got, "|") != `{"n":1}|{"n":2}|{"n":3}` {
		t.Errorf("Expected three payloads in order, got %v", got)
	}
}

func TestDecoder_CorruptMessageDropped(t *testing.T) {
	good, err := payloadMessage(`{"n":1}`).Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	bad := append([]byte(nil), good...)
	bad[len(bad)-1] ^= 0xff

	d := NewDecoder(bytes.NewReader(append(append([]byte(nil), good...), bad...)))
	msg, err := d.Next()
	if err != nil || string(msg.Payload) != `{"n":1}` {
		t.Fatalf("Expected first message, got %v %v", msg, err)
	}
	if _, err := d.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF after dropping the corrupt message, got %v", err)
	}
}

func TestDecoder_TruncatedTail(t *testing.T) {
	raw := encodeAll(t, payloadMessage(`{"n":1}`))
	d := NewDecoder(bytes.NewReader(raw[:len(raw)-3]))
	if _, err := d.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF on a truncated stream, got %v", err)
	}
}

func TestChunks_UnwrapsBytes(t *testing.T) {
	inner := base64.StdEncoding.EncodeToString([]byte(`{"type":"message_start","message":{"id":"msg_1"}}`))
	exception := &Message{
		Headers: []Header{
			{Name: ":message-type", Type: HeaderString, Value: "exception"},
			{Name: ":exception-type", Type: HeaderString, Value: "throttlingException"},
		},
		Payload: []byte(`{"message":"slow down"}`),
	}
	raw := encodeAll(t, payloadMessage(`{"bytes":"`+inner+`"}`), exception, payloadMessage(`{"metadata":{"usage":{"inputTokens":3}}}`))

	var got []jsonutil.Object
	for obj := range Chunks(bytes.NewReader(raw)) {
		got = append(got, obj)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 chunks, got %d", len(got))
	}
	if id, _ := jsonutil.String(jsonutil.Path(got[0], "message", "id")); id != "msg_1" {
		t.Errorf("Expected unwrapped message id msg_1, got %v", got[0])
	}
	if n, _ := jsonutil.Int(jsonutil.Path(got[1], "metadata", "usage", "inputTokens")); n != 3 {
		t.Errorf("Expected inputTokens 3, got %v", got[1])
	}
}

func TestToSSE(t *testing.T) {
	inner := base64.StdEncoding.EncodeToString([]byte(`{"type":"message_stop"}`))
	named := &Message{
		Headers: []Header{
			{Name: ":message-type", Type: HeaderString, Value: "event"},
			{Name: ":event-type", Type: HeaderString, Value: "metadata"},
		},
		Payload: []byte(`{"usage":{"inputTokens":1}}`),
	}
	raw := encodeAll(t, payloadMessage(`{"bytes":"`+inner+`"}`), named)

	events := collectEvents(ToSSE(io.NopCloser(bytes.NewReader(raw))))
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %+v", events)
	}
	if events[0].Event != "message_stop" || events[0].Data != `{"type":"message_stop"}` {
		t.Errorf("Expected message_stop event, got %+v", events[0])
	}
	if events[1].Event != "metadata" {
		t.Errorf("Expected event named from header, got %+v", events[1])
	}
}

func TestToSSE_CloseStopsEncoder(t *testing.T) {
	msgs := make([]*Message, 5)
	for i := range msgs {
		msgs[i] = payloadMessage(`{"type":"content_block_delta","index":` + strconv.Itoa(i) + `}`)
	}
	raw := encodeAll(t, msgs...)

	before := runtime.NumGoroutine()
	clientCopy, usageCopy := Tee(io.NopCloser(bytes.NewReader(raw)))
	sse := ToSSE(clientCopy)

	buf := make([]byte, 8)
	if _, err := io.ReadFull(sse, buf); err != nil {
		t.Fatalf("Expected a partial read, got %v", err)
	}
	if err := sse.Close(); err != nil {
		t.Fatalf("Expected no error on close, got %v", err)
	}
	_ = usageCopy.Close()

	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > before && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if after := runtime.NumGoroutine(); after > before {
		t.Errorf("Expected %d goroutines after close, got %d", before, after)
	}
	if _, err := sse.Read(buf); err == nil {
		t.Error("Expected read after close to fail")
	}
}

type slowSource struct {
	r      io.Reader
	closed bool
	mu     sync.Mutex
}

func (s *slowSource) Read(p []byte) (int, error) { return s.r.Read(p) }

func (s *slowSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *slowSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func TestTee_IdenticalBytes(t *testing.T) {
	data := strings.Repeat("0123456789", 10000)
	src := &slowSource{r: iotest.HalfReader(strings.NewReader(data))}
	a, b := Tee(src)

	var wg sync.WaitGroup
	var gotA, gotB []byte
	var errA, errB error
	wg.Add(2)
	go func() { defer wg.Done(); gotA, errA = io.ReadAll(a) }()
	go func() { defer wg.Done(); gotB, errB = io.ReadAll(b) }()
	wg.Wait()

	if errA != nil || errB != nil {
		t.Fatalf("Expected clean reads, got %v / %v", errA, errB)
	}
	if string(gotA) != data || string(gotB) != data {
		t.Errorf("Expected both branches to see all %d bytes, got %d and %d", len(data), len(gotA), len(gotB))
	}
	if !src.isClosed() {
		t.Errorf("Expected source closed after drain")
	}
}

func TestTee_SlowBranchDoesNotBlock(t *testing.T) {
	data := strings.Repeat("x", 1<<20)
	a, b := Tee(io.NopCloser(strings.NewReader(data)))

	done := make(chan int, 1)
	go func() {
		n, _ := io.Copy(io.Discard, a)
		done <- int(n)
	}()

	select {
	case n := <-done:
		if n != len(data) {
			t.Errorf("Expected %d bytes on the fast branch, got %d", len(data), n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("fast branch stalled behind unread branch")
	}

	got, err := io.ReadAll(b)
	if err != nil || len(got) != len(data) {
		t.Errorf("Expected slow branch to still receive everything, got %d bytes, err %v", len(got), err)
	}
}

func TestTee_CloseBothClosesSource(t *testing.T) {
	pr, pw := io.Pipe()
	src := &slowSource{r: pr}
	a, b := Tee(src)

	_ = a.Close()
	if _, err := a.Read(make([]byte, 1)); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("Expected ErrClosedPipe from a closed branch, got %v", err)
	}
	if src.isClosed() {
		t.Errorf("Expected source open while one branch remains")
	}
	_ = b.Close()
	if !src.isClosed() {
		t.Errorf("Expected source closed once both branches closed")
	}
	_ = pw.Close()
}
