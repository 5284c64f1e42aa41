package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"stratagem/runtime/model"
)

// streamer adapts an Anthropic Messages event stream to model.Streamer. A
// background goroutine drains the SSE stream into a buffered channel; Recv
// reads from it until the channel closes, then reports the terminal error or
// io.EOF.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	chunks chan model.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion]) model.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:    cctx,
		cancel: cancel,
		stream: stream,
		chunks: make(chan model.Chunk, 32),
	}
	go s.run()
	return s
}

// Recv implements model.Streamer.
func (s *streamer) Recv() (model.Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
		if err := s.err(); err != nil {
			return model.Chunk{}, err
		}
		return model.Chunk{}, io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		s.setErr(err)
		return model.Chunk{}, err
	}
}

// Close implements model.Streamer.
func (s *streamer) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

func (s *streamer) run() {
	defer close(s.chunks)
	defer func() {
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}()

	p := newEventProcessor(s.emit)
	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				s.setErr(wrapProviderError("stream", err))
			} else if err := s.ctx.Err(); err != nil {
				s.setErr(err)
			}
			return
		}
		if err := p.handle(s.stream.Current()); err != nil {
			s.setErr(err)
			return
		}
	}
}

func (s *streamer) emit(chunk model.Chunk) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.chunks <- chunk:
		return nil
	}
}

func (s *streamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet || err == nil {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *streamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

// eventProcessor converts Anthropic streaming events into model.Chunks. Text
// and thinking deltas pass through as they arrive; tool-call JSON fragments
// accumulate per content-block index and surface as one ChunkToolCall when
// the block stops.
type eventProcessor struct {
	emit       func(model.Chunk) error
	toolBlocks map[int]*toolBuffer
	stopReason string
}

type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func newEventProcessor(emit func(model.Chunk) error) *eventProcessor {
	return &eventProcessor{emit: emit, toolBlocks: make(map[int]*toolBuffer)}
}

func (p *eventProcessor) handle(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		p.toolBlocks = make(map[int]*toolBuffer)
		p.stopReason = ""
		return nil
	case sdk.ContentBlockStartEvent:
		if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			p.toolBlocks[int(ev.Index)] = &toolBuffer{id: tu.ID, name: tu.Name}
		}
		return nil
	case sdk.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return nil
			}
			return p.emit(model.Chunk{Type: model.ChunkText, Text: delta.Text})
		case sdk.ThinkingDelta:
			if delta.Thinking == "" {
				return nil
			}
			return p.emit(model.Chunk{Type: model.ChunkThinking, Thinking: delta.Thinking})
		case sdk.InputJSONDelta:
			if tb := p.toolBlocks[int(ev.Index)]; tb != nil && delta.PartialJSON != "" {
				tb.fragments = append(tb.fragments, delta.PartialJSON)
			}
			return nil
		default:
			return nil
		}
	case sdk.ContentBlockStopEvent:
		tb := p.toolBlocks[int(ev.Index)]
		if tb == nil {
			return nil
		}
		delete(p.toolBlocks, int(ev.Index))
		return p.emit(model.Chunk{
			Type: model.ChunkToolCall,
			ToolCall: &model.ToolCall{
				ID:      tb.id,
				Name:    tb.name,
				Payload: tb.payload(),
			},
		})
	case sdk.MessageDeltaEvent:
		p.stopReason = string(ev.Delta.StopReason)
		usage := model.TokenUsage{
			InputTokens:  int(ev.Usage.InputTokens),
			OutputTokens: int(ev.Usage.OutputTokens),
			TotalTokens:  int(ev.Usage.InputTokens + ev.Usage.OutputTokens),
		}
		return p.emit(model.Chunk{Type: model.ChunkUsage, Usage: &usage})
	case sdk.MessageStopEvent:
		p.toolBlocks = make(map[int]*toolBuffer)
		return p.emit(model.Chunk{Type: model.ChunkStop, StopReason: p.stopReason})
	}
	return nil
}

// payload joins the accumulated JSON fragments. An empty accumulation means
// the tool takes no arguments; the API expects "{}" rather than nothing.
func (tb *toolBuffer) payload() json.RawMessage {
	joined := strings.TrimSpace(strings.Join(tb.fragments, ""))
	if joined == "" {
		joined = "{}"
	}
	return json.RawMessage(joined)
}
