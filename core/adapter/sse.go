package adapter

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// MaxEventSize 单个 SSE 事件的大小上限
const MaxEventSize = 4 << 20

// ErrEventTooLarge 上游事件超过 MaxEventSize
var ErrEventTooLarge = errors.New("sse event exceeds size limit")

// Event 一个完整的 SSE 事件
type Event struct {
	Name string
	Data []byte
}

// Encode 编码为 SSE 线格式
func (e Event) Encode() []byte {
	var b bytes.Buffer
	if e.Name != "" {
		b.WriteString("event: ")
		b.WriteString(e.Name)
		b.WriteByte('\n')
	}
	for _, line := range bytes.Split(e.Data, []byte("\n")) {
		b.WriteString("data: ")
		b.Write(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return b.Bytes()
}

// doneEvent OpenAI 流的结束标记
var doneEvent = Event{Data: []byte("[DONE]")}

// IsDone 是否为 OpenAI 的 [DONE] 标记
func (e Event) IsDone() bool {
	return bytes.Equal(bytes.TrimSpace(e.Data), doneEvent.Data)
}

// StreamTranslator reshapes upstream events into client-schema events one at a
// time. Finish is called on a clean upstream EOF and returns whatever terminal
// events the client still expects; it returns nil once a terminal event has
// already been emitted.
type StreamTranslator interface {
	Translate(ev Event) ([]Event, error)
	Finish() []Event
}

// EventReader 增量解析 SSE 字节流，兼容 LF / CRLF 与多行 data
type EventReader struct {
	scanner *bufio.Scanner
	name    string
	data    bytes.Buffer
	hasData bool
}

// NewEventReader 创建 SSE 读取器
func NewEventReader(r io.Reader) *EventReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxEventSize)
	return &EventReader{scanner: scanner}
}

// Next returns the next complete event. It returns io.EOF after the last event
// of a cleanly closed stream; any other error means the stream broke mid-way.
func (er *EventReader) Next() (Event, error) {
	for er.scanner.Scan() {
		line := er.scanner.Bytes()

		// 空行表示事件结束
		if len(line) == 0 {
			if ev, ok := er.flush(); ok {
				return ev, nil
			}
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))
		switch string(field) {
		case "event":
			er.name = string(value)
		case "data":
			if er.hasData {
				er.data.WriteByte('\n')
			}
			er.data.Write(value)
			er.hasData = true
			if er.data.Len() > MaxEventSize {
				return Event{}, ErrEventTooLarge
			}
		}
	}

	if err := er.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return Event{}, ErrEventTooLarge
		}
		return Event{}, fmt.Errorf("read upstream stream: %w", err)
	}
	// 没有空行收尾的残缺事件直接丢弃
	er.flush()
	return Event{}, io.EOF
}

func (er *EventReader) flush() (Event, bool) {
	if !er.hasData {
		er.name = ""
		return Event{}, false
	}
	ev := Event{Name: er.name, Data: append([]byte(nil), er.data.Bytes()...)}
	er.name = ""
	er.data.Reset()
	er.hasData = false
	return ev, true
}
