package anthropic

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"stratagem/runtime/model"
)

// testDecoder feeds a fixed sequence of events to the ssestream.Stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.err != nil {
		return false
	}
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

func event(typ, data string) ssestream.Event {
	return ssestream.Event{Type: typ, Data: []byte(data)}
}

func drain(t *testing.T, s model.Streamer) []model.Chunk {
	t.Helper()
	var chunks []model.Chunk
	for {
		ch, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return chunks
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		chunks = append(chunks, ch)
	}
}

func TestStreamerChunkSequence(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		event("message_start", `{"type":"message_start","message":{}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"two searches, then intersect"}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Adding "}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"a step."}}`),
		event("content_block_start", `{"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"tu_1","name":"add_step"}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"search_na"}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"me\":\"GenesByText\"}"}}`),
		event("content_block_stop", `{"type":"content_block_stop","index":2}`),
		event("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"input_tokens":7,"output_tokens":9}}`),
		event("message_stop", `{"type":"message_stop"}`),
	}}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)

	s := newStreamer(context.Background(), stream)
	defer s.Close()

	chunks := drain(t, s)
	want := []model.ChunkType{
		model.ChunkThinking,
		model.ChunkText,
		model.ChunkText,
		model.ChunkToolCall,
		model.ChunkUsage,
		model.ChunkStop,
	}
	if len(chunks) != len(want) {
		t.Fatalf("got %d chunks, want %d: %+v", len(chunks), len(want), chunks)
	}
	for i, typ := range want {
		if chunks[i].Type != typ {
			t.Fatalf("chunk %d: type %q, want %q", i, chunks[i].Type, typ)
		}
	}

	if chunks[0].Thinking != "two searches, then intersect" {
		t.Fatalf("unexpected thinking %q", chunks[0].Thinking)
	}
	if chunks[1].Text+chunks[2].Text != "Adding a step." {
		t.Fatalf("unexpected text %q", chunks[1].Text+chunks[2].Text)
	}

	call := chunks[3].ToolCall
	if call == nil {
		t.Fatalf("tool chunk missing ToolCall")
	}
	if call.ID != "tu_1" || call.Name != "add_step" {
		t.Fatalf("unexpected tool call %+v", call)
	}
	if string(call.Payload) != `{"search_name":"GenesByText"}` {
		t.Fatalf("fragments not joined: %s", call.Payload)
	}

	if u := chunks[4].Usage; u == nil || u.InputTokens != 7 || u.OutputTokens != 9 || u.TotalTokens != 16 {
		t.Fatalf("unexpected usage %+v", chunks[4].Usage)
	}
	if chunks[5].StopReason != "tool_use" {
		t.Fatalf("unexpected stop reason %q", chunks[5].StopReason)
	}

	// The stream stays terminated.
	if _, err := s.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after exhaustion, got %v", err)
	}
}

func TestStreamerEmptyToolArguments(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		event("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tu_2","name":"get_strategy"}}`),
		event("content_block_stop", `{"type":"content_block_stop","index":0}`),
		event("message_stop", `{"type":"message_stop"}`),
	}}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)

	s := newStreamer(context.Background(), stream)
	defer s.Close()

	chunks := drain(t, s)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[0].Type != model.ChunkToolCall {
		t.Fatalf("expected tool chunk, got %q", chunks[0].Type)
	}
	if string(chunks[0].ToolCall.Payload) != "{}" {
		t.Fatalf("zero-argument call must carry an empty object, got %s", chunks[0].ToolCall.Payload)
	}
}

func TestStreamerSurfacesDecoderError(t *testing.T) {
	dec := &testDecoder{err: &sdk.Error{StatusCode: http.StatusTooManyRequests}}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)

	s := newStreamer(context.Background(), stream)
	defer s.Close()

	_, err := s.Recv()
	if err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("expected stream error, got %v", err)
	}
	if !errors.Is(err, model.ErrRateLimited) {
		t.Fatalf("expected rate-limit classification, got %v", err)
	}
}

func TestStreamerHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dec := &testDecoder{events: []ssestream.Event{
		event("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"never"}}`),
	}}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)

	s := newStreamer(ctx, stream)
	defer s.Close()

	for {
		_, err := s.Recv()
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			t.Fatalf("expected context error, got io.EOF")
		}
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		return
	}
}
