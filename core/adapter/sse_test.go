package adapter

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, r io.Reader) ([]Event, error) {
	t.Helper()
	reader := NewEventReader(r)
	var events []Event
	for {
		ev, err := reader.Next()
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

func TestSSESplittingLogic(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "Standard LF",
			input:    "data: block1\n\ndata: block2\n\n",
			expected: []string{"block1", "block2"},
		},
		{
			name:     "Mixed CRLF and LF",
			input:    "data: block1\r\n\r\ndata: block2\n\n",
			expected: []string{"block1", "block2"},
		},
		{
			name:     "Chunked input simulation",
			input:    "data: block1\n\ndata: bl",
			expected: []string{"block1"},
		},
		{
			name:     "Multi-line data and comments",
			input:    ": keep-alive\n\ndata: line1\ndata: line2\n\n",
			expected: []string{"line1\nline2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// 逐字节读取，模拟上游把事件拆成多个 TCP 包
			events, err := readAll(t, iotest.OneByteReader(strings.NewReader(tt.input)))
			require.NoError(t, err)

			var results []string
			for _, ev := range events {
				results = append(results, string(ev.Data))
			}
			assert.Equal(t, tt.expected, results)
		})
	}
}

func TestEventReaderKeepsEventName(t *testing.T) {
	events, err := readAll(t, strings.NewReader("event: message_start\ndata: {}\n\nevent: ping\ndata: {}\n\n"))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "message_start", events[0].Name)
	assert.Equal(t, "ping", events[1].Name)
}

func TestEventReaderReportsBrokenStream(t *testing.T) {
	broken := io.MultiReader(strings.NewReader("data: ok\n\n"), iotest.ErrReader(errors.New("connection reset")))
	events, err := readAll(t, broken)
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
	assert.Len(t, events, 1)
}

func TestEventReaderRejectsOversizedEvent(t *testing.T) {
	huge := "data: " + strings.Repeat("x", MaxEventSize+1) + "\n\n"
	_, err := readAll(t, strings.NewReader(huge))
	assert.ErrorIs(t, err, ErrEventTooLarge)
}

func TestEventEncode(t *testing.T) {
	assert.Equal(t, "event: message_stop\ndata: {}\n\n", string(Event{Name: "message_stop", Data: []byte("{}")}.Encode()))
	assert.Equal(t, "data: [DONE]\n\n", string(doneEvent.Encode()))
	assert.True(t, doneEvent.IsDone())
}
