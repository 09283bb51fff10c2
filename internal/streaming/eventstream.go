package streaming

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"iter"
	"log/slog"
	"time"

	"github.com/vnmchuo/ai-gateway/internal/jsonutil"
)

// AWS event stream framing:
//
//	total length (4) | headers length (4) | prelude crc (4) | headers | payload | message crc (4)
//
// All integers are big-endian. Both checksums are CRC32 (IEEE).
const (
	preludeLen       = 8
	preludeCRCLen    = 4
	messageCRCLen    = 4
	minMessageLen    = preludeLen + preludeCRCLen + messageCRCLen
	maxMessageLen    = 16 << 20
	maxHeadersLen    = 128 << 10
	EventStreamCType = "application/vnd.amazon.eventstream"
)

type HeaderType byte

const (
	HeaderBoolTrue HeaderType = iota
	HeaderBoolFalse
	HeaderByte
	HeaderShort
	HeaderInt
	HeaderLong
	HeaderBytes
	HeaderString
	HeaderTimestamp
	HeaderUUID
)

var (
	ErrPreludeChecksum = errors.New("eventstream: prelude checksum mismatch")
	ErrMessageChecksum = errors.New("eventstream: message checksum mismatch")
	ErrMessageLength   = errors.New("eventstream: invalid message length")
)

// Header is a typed message header. Value holds bool, int8, int16, int32,
// int64, []byte, string, time.Time or [16]byte depending on Type.
type Header struct {
	Name  string
	Type  HeaderType
	Value any
}

type Message struct {
	Headers []Header
	Payload []byte
}

// StringHeader returns the value of a string header.
func (m *Message) StringHeader(name string) string {
	for _, h := range m.Headers {
		if h.Name == name {
			if s, ok := h.Value.(string); ok {
				return s
			}
		}
	}
	return ""
}

// Encode renders m in wire form.
func (m *Message) Encode() ([]byte, error) {
	headers, err := encodeHeaders(m.Headers)
	if err != nil {
		return nil, err
	}
	total := minMessageLen + len(headers) + len(m.Payload)
	if total > maxMessageLen {
		return nil, ErrMessageLength
	}

	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(headers)))
	binary.BigEndian.PutUint32(buf[8:12], crc32.ChecksumIEEE(buf[:preludeLen]))
	n := preludeLen + preludeCRCLen
	n += copy(buf[n:], headers)
	n += copy(buf[n:], m.Payload)
	binary.BigEndian.PutUint32(buf[n:], crc32.ChecksumIEEE(buf[:n]))
	return buf, nil
}

// Decode parses exactly one message from b, validating both checksums.
func Decode(b []byte) (*Message, error) {
	if len(b) < minMessageLen {
		return nil, ErrMessageLength
	}
	total := binary.BigEndian.Uint32(b[0:4])
	headersLen := binary.BigEndian.Uint32(b[4:8])
	if int(total) != len(b) || total > maxMessageLen || headersLen > maxHeadersLen ||
		int(headersLen) > len(b)-minMessageLen {
		return nil, ErrMessageLength
	}
	if crc32.ChecksumIEEE(b[:preludeLen]) != binary.BigEndian.Uint32(b[8:12]) {
		return nil, ErrPreludeChecksum
	}
	end := len(b) - messageCRCLen
	if crc32.ChecksumIEEE(b[:end]) != binary.BigEndian.Uint32(b[end:]) {
		return nil, ErrMessageChecksum
	}

	start := preludeLen + preludeCRCLen
	headers, err := decodeHeaders(b[start : start+int(headersLen)])
	if err != nil {
		return nil, err
	}
	payload := make([]byte, end-start-int(headersLen))
	copy(payload, b[start+int(headersLen):end])
	return &Message{Headers: headers, Payload: payload}, nil
}

func encodeHeaders(headers []Header) ([]byte, error) {
	var out []byte
	for _, h := range headers {
		if len(h.Name) == 0 || len(h.Name) > 255 {
			return nil, fmt.Errorf("eventstream: invalid header name %q", h.Name)
		}
		out = append(out, byte(len(h.Name)))
		out = append(out, h.Name...)
		out = append(out, byte(h.Type))

		switch h.Type {
		case HeaderBoolTrue, HeaderBoolFalse:
		case HeaderByte:
			v, ok := h.Value.(int8)
			if !ok {
				return nil, headerTypeError(h)
			}
			out = append(out, byte(v))
		case HeaderShort:
			v, ok := h.Value.(int16)
			if !ok {
				return nil, headerTypeError(h)
			}
			out = binary.BigEndian.AppendUint16(out, uint16(v))
		case HeaderInt:
			v, ok := h.Value.(int32)
			if !ok {
				return nil, headerTypeError(h)
			}
			out = binary.BigEndian.AppendUint32(out, uint32(v))
		case HeaderLong:
			v, ok := h.Value.(int64)
			if !ok {
				return nil, headerTypeError(h)
			}
			out = binary.BigEndian.AppendUint64(out, uint64(v))
		case HeaderBytes, HeaderString:
			var v []byte
			switch x := h.Value.(type) {
			case string:
				v = []byte(x)
			case []byte:
				v = x
			default:
				return nil, headerTypeError(h)
			}
			if len(v) > 0xffff {
				return nil, fmt.Errorf("eventstream: header %q too long", h.Name)
			}
			out = binary.BigEndian.AppendUint16(out, uint16(len(v)))
			out = append(out, v...)
		case HeaderTimestamp:
			v, ok := h.Value.(time.Time)
			if !ok {
				return nil, headerTypeError(h)
			}
			out = binary.BigEndian.AppendUint64(out, uint64(v.UnixMilli()))
		case HeaderUUID:
			v, ok := h.Value.([16]byte)
			if !ok {
				return nil, headerTypeError(h)
			}
			out = append(out, v[:]...)
		default:
			return nil, fmt.Errorf("eventstream: unknown header type %d", h.Type)
		}
	}
	return out, nil
}

func headerTypeError(h Header) error {
	return fmt.Errorf("eventstream: header %q has value %T for type %d", h.Name, h.Value, h.Type)
}

func decodeHeaders(b []byte) ([]Header, error) {
	var headers []Header
	for len(b) > 0 {
		nameLen := int(b[0])
		if nameLen == 0 || len(b) < 1+nameLen+1 {
			return nil, errors.New("eventstream: truncated header name")
		}
		name := string(b[1 : 1+nameLen])
		typ := HeaderType(b[1+nameLen])
		b = b[2+nameLen:]

		need := func(n int) error {
			if len(b) < n {
				return fmt.Errorf("eventstream: truncated value for header %q", name)
			}
			return nil
		}

		h := Header{Name: name, Type: typ}
		switch typ {
		case HeaderBoolTrue:
			h.Value = true
		case HeaderBoolFalse:
			h.Value = false
		case HeaderByte:
			if err := need(1); err != nil {
				return nil, err
			}
			h.Value = int8(b[0])
			b = b[1:]
		case HeaderShort:
			if err := need(2); err != nil {
				return nil, err
			}
			h.Value = int16(binary.BigEndian.Uint16(b))
			b = b[2:]
		case HeaderInt:
			if err := need(4); err != nil {
				return nil, err
			}
			h.Value = int32(binary.BigEndian.Uint32(b))
			b = b[4:]
		case HeaderLong, HeaderTimestamp:
			if err := need(8); err != nil {
				return nil, err
			}
			v := int64(binary.BigEndian.Uint64(b))
			if typ == HeaderTimestamp {
				h.Value = time.UnixMilli(v).UTC()
			} else {
				h.Value = v
			}
			b = b[8:]
		case HeaderBytes, HeaderString:
			if err := need(2); err != nil {
				return nil, err
			}
			n := int(binary.BigEndian.Uint16(b))
			b = b[2:]
			if err := need(n); err != nil {
				return nil, err
			}
			if typ == HeaderString {
				h.Value = string(b[:n])
			} else {
				h.Value = append([]byte(nil), b[:n]...)
			}
			b = b[n:]
		case HeaderUUID:
			if err := need(16); err != nil {
				return nil, err
			}
			var u [16]byte
			copy(u[:], b)
			h.Value = u
			b = b[16:]
		default:
			return nil, fmt.Errorf("eventstream: unknown header type %d", typ)
		}
		headers = append(headers, h)
	}
	return headers, nil
}

// Decoder reads messages from a byte stream. Messages may span reads, so
// bytes accumulate in a growable buffer until the declared length is
// available. A message that fails to decode discards the buffered bytes.
type Decoder struct {
	r   io.Reader
	buf []byte
	eof bool
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Next returns the next message, or io.EOF when the stream ends.
func (d *Decoder) Next() (*Message, error) {
	chunk := make([]byte, 32*1024)
	for {
		if len(d.buf) >= 4 {
			total := int(binary.BigEndian.Uint32(d.buf))
			if total < minMessageLen || total > maxMessageLen {
				slog.Warn("eventstream: dropping buffer with invalid length", slog.Int("length", total))
				d.buf = d.buf[:0]
			} else if len(d.buf) >= total {
				msg, err := Decode(d.buf[:total])
				if err != nil {
					slog.Warn("eventstream: dropping undecodable message", slog.Any("error", err))
					d.buf = d.buf[:0]
					continue
				}
				d.buf = d.buf[total:]
				return msg, nil
			}
		}

		if d.eof {
			if len(d.buf) > 0 {
				slog.Warn("eventstream: truncated message at end of stream", slog.Int("bytes", len(d.buf)))
				d.buf = nil
			}
			return nil, io.EOF
		}

		n, err := d.r.Read(chunk)
		d.buf = append(d.buf, chunk[:n]...)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return nil, err
			}
			d.eof = true
		}
	}
}

// Messages yields every message of r.
func Messages(r io.Reader) iter.Seq[*Message] {
	return func(yield func(*Message) bool) {
		d := NewDecoder(r)
		for {
			msg, err := d.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					slog.Warn("eventstream: read failed", slog.Any("error", err))
				}
				return
			}
			if !yield(msg) {
				return
			}
		}
	}
}

// Chunks yields the JSON payload of each message. Payloads of the form
// {"bytes": "<base64>"} produced by invoke-with-response-stream are
// unwrapped. Exception messages are logged and skipped.
func Chunks(r io.Reader) iter.Seq[jsonutil.Object] {
	return func(yield func(jsonutil.Object) bool) {
		for msg := range Messages(r) {
			if len(msg.Payload) == 0 {
				continue
			}
			if mt := msg.StringHeader(":message-type"); mt == "exception" || mt == "error" {
				slog.Warn("eventstream: upstream exception",
					slog.String("type", msg.StringHeader(":exception-type")),
					slog.String("payload", string(msg.Payload)),
				)
				continue
			}
			obj, err := PayloadObject(msg.Payload)
			if err != nil {
				slog.Warn("eventstream: invalid payload json", slog.Any("error", err))
				continue
			}
			if !yield(obj) {
				return
			}
		}
	}
}

// PayloadObject decodes a message payload, unwrapping base64 "bytes".
func PayloadObject(payload []byte) (jsonutil.Object, error) {
	obj, err := jsonutil.DecodeObject(payload)
	if err != nil {
		return nil, err
	}
	if len(obj) == 1 {
		if encoded, ok := obj["bytes"].(string); ok {
			raw, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return nil, fmt.Errorf("eventstream: invalid bytes payload: %w", err)
			}
			return jsonutil.DecodeObject(raw)
		}
	}
	return obj, nil
}

// ToSSE re-encodes an event stream as server-sent events. Each message
// becomes one event named after its ":event-type" header, or after the
// "type" field of the payload when the header is absent. Closing the result
// closes src and stops the encoding goroutine.
func ToSSE(src io.ReadCloser) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		for msg := range Messages(src) {
			if len(msg.Payload) == 0 {
				continue
			}
			obj, err := PayloadObject(msg.Payload)
			if err != nil {
				slog.Warn("eventstream: invalid payload json", slog.Any("error", err))
				continue
			}
			data, err := jsonutil.Marshal(obj)
			if err != nil {
				slog.Warn("eventstream: re-encode failed", slog.Any("error", err))
				continue
			}
			name, _ := obj["type"].(string)
			if name == "" || msg.StringHeader(":message-type") == "exception" {
				name = msg.StringHeader(":event-type")
				if name == "" {
					name = msg.StringHeader(":exception-type")
				}
			}
			if _, err := pw.Write(Event{Event: name, Data: string(data)}.Encode()); err != nil {
				return
			}
		}
		_ = pw.Close()
	}()
	return &sseReader{PipeReader: pr, src: src}
}

type sseReader struct {
	*io.PipeReader
	src io.ReadCloser
}

func (r *sseReader) Close() error {
	_ = r.PipeReader.CloseWithError(io.ErrClosedPipe)
	return r.src.Close()
}
