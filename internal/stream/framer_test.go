package stream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/tether/internal/logger"
)

const sample = "data: {\"type\":\"thinking\",\"content\":\"hm\"}\n\n" +
	": keep-alive\n\n" +
	"event: message\r\nid: 7\r\ndata: {\"type\":\"text\",\"content\":\"héllo\"}\r\n\r\n" +
	"data:{\"type\":\"tool_call\",\"name\":\"ls\",\"input\":{\"path\":\"/\"}}\n\n" +
	"data: {\"type\":\"complete\"}\n\n"

func types(evs []Event) []string {
	out := make([]string, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Type)
	}
	return out
}

func TestFramer_WholeInput(t *testing.T) {
	f := NewFramer(logger.Discard())
	evs := f.Feed([]byte(sample))
	assert.Equal(t, []string{"thinking", "text", "tool_call", "complete"}, types(evs))
	assert.Equal(t, "héllo", evs[1].Text())
	assert.Zero(t, f.Buffered())

	var call struct {
		Name  string            `json:"name"`
		Input map[string]string `json:"input"`
	}
	require.NoError(t, evs[2].Decode(&call))
	assert.Equal(t, "ls", call.Name)
	assert.Equal(t, "/", call.Input["path"])
}

func TestFramer_ChunkBoundaryIndependence(t *testing.T) {
	want := types(NewFramer(logger.Discard()).Feed([]byte(sample)))
	b := []byte(sample)
	for size := 1; size <= len(b); size++ {
		f := NewFramer(logger.Discard())
		var got []Event
		for i := 0; i < len(b); i += size {
			end := min(i+size, len(b))
			got = append(got, f.Feed(b[i:end])...)
		}
		require.Equal(t, want, types(got), "chunk size %d", size)
		require.Zero(t, f.Buffered(), "chunk size %d", size)
	}
}

func TestFramer_PartialLineStaysBuffered(t *testing.T) {
	f := NewFramer(logger.Discard())
	assert.Empty(t, f.Feed([]byte(`data: {"type":"te`)))
	assert.Equal(t, len(`data: {"type":"te`), f.Buffered())

	evs := f.Feed([]byte("xt\",\"content\":\"a\"}\n\ndata: {\"type\""))
	require.Len(t, evs, 1)
	assert.Equal(t, "text", evs[0].Type)
	assert.Equal(t, len(`data: {"type"`), f.Buffered())

	f.Reset()
	assert.Zero(t, f.Buffered())
	assert.Empty(t, f.Feed([]byte(":\"complete\"}\n")), "reset discards the stale prefix")
}

func TestFramer_MalformedFrameIsDropped(t *testing.T) {
	f := NewFramer(logger.Discard())
	var dropped []*ProtocolError
	f.OnError = func(e *ProtocolError) { dropped = append(dropped, e) }

	in := "data: {\"type\":\"text\",\"content\":\"1\"}\n\n" +
		"data: {not json}\n\n" +
		"data: {\"content\":\"no type\"}\n\n" +
		"data: [1,2]\n\n" +
		"data: {\"type\":\"text\",\"content\":\"2\"}\n\n"
	evs := f.Feed([]byte(in))
	require.Len(t, evs, 2)
	assert.Equal(t, "1", evs[0].Text())
	assert.Equal(t, "2", evs[1].Text())
	require.Len(t, dropped, 3)
	assert.Contains(t, dropped[0].Line, "{not json}")
	assert.ErrorIs(t, dropped[1], errMissingType)
}

func TestFramer_UnterminatedLineIsNotAFrame(t *testing.T) {
	f := NewFramer(logger.Discard())
	tail := `data: {"type":"complete"}`
	assert.Empty(t, f.Feed([]byte(tail)), "a complete JSON payload still needs its newline")
	assert.Equal(t, len(tail), f.Buffered())

	evs := f.Feed([]byte("\n"))
	require.Len(t, evs, 1)
	assert.Equal(t, TypeComplete, evs[0].Type)
	assert.Zero(t, f.Buffered())
}

func TestFramer_EventDataIsNotAliased(t *testing.T) {
	f := NewFramer(logger.Discard())
	chunk := []byte("data: {\"type\":\"text\",\"content\":\"abc\"}\n")
	evs := f.Feed(chunk)
	require.Len(t, evs, 1)
	f.Feed([]byte(strings.Repeat("x", 200)))
	copy(chunk, strings.Repeat("z", len(chunk)))
	assert.Equal(t, "abc", evs[0].Text())
}

func TestEvent_Text(t *testing.T) {
	cases := []struct{ raw, want string }{
		{`{"type":"error","message":"boom"}`, "boom"},
		{`{"type":"error","error":"bad"}`, "bad"},
		{`{"type":"text","content":"c"}`, "c"},
		{`{"type":"text","text":"t"}`, "t"},
		{`{"type":"complete"}`, ""},
		{`{"type":"text","content":42}`, ""},
	}
	for _, tc := range cases {
		ev, err := parseEvent([]byte(tc.raw))
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, ev.Text(), tc.raw)
	}
	assert.True(t, Event{Type: TypeError}.Terminal())
	assert.True(t, Event{Type: TypeComplete}.Terminal())
	assert.False(t, Event{Type: TypeText}.Terminal())
}

func FuzzFramer(f *testing.F) {
	f.Add([]byte(sample), 3)
	f.Add([]byte("data: {\"type\":\"x\"}\r\n"), 1)
	f.Add([]byte("data: \xff\n\n:\n"), 2)
	f.Fuzz(func(t *testing.T, in []byte, size int) {
		if size <= 0 {
			size = 1
		}
		whole := NewFramer(logger.Discard())
		want := types(whole.Feed(in))
		chunked := NewFramer(logger.Discard())
		var got []Event
		for i := 0; i < len(in); i += size {
			got = append(got, chunked.Feed(in[i:min(i+size, len(in))])...)
		}
		if strings.Join(want, ",") != strings.Join(types(got), ",") {
			t.Fatalf("chunked decode differs: %v vs %v", want, types(got))
		}
		if whole.Buffered() != chunked.Buffered() {
			t.Fatalf("buffered %d vs %d", whole.Buffered(), chunked.Buffered())
		}
		for _, e := range got {
			if e.Type == "" {
				t.Fatal("event without type")
			}
		}
	})
}
