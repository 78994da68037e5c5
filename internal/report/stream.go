package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"greenaudit/internal/audit"
)

// Status tags a stream chunk.
type Status string

const (
	StatusAudit Status = "audit"
	StatusDone  Status = "done"
)

// ChunkMeta heads every stream chunk.
type ChunkMeta struct {
	ID     string `json:"id,omitempty"`
	Status Status `json:"status"`
	Total  int    `json:"total,omitempty"`
}

// Chunk is one stream message. Audit holds an audit.Result for audit chunks
// and a *Report for the done chunk.
type Chunk struct {
	Meta  ChunkMeta `json:"meta"`
	Audit any       `json:"audit"`
}

// AuditChunk wraps a settled audit result. total is the number of audits in
// the run.
func AuditChunk(id string, res audit.Result, total int) Chunk {
	return Chunk{Meta: ChunkMeta{ID: id, Status: StatusAudit, Total: total}, Audit: res}
}

// DoneChunk wraps the final report.
func DoneChunk(id string, rep *Report) Chunk {
	return Chunk{Meta: ChunkMeta{ID: id, Status: StatusDone}, Audit: rep}
}

// Sink receives chunks. Push must not block the caller.
type Sink interface {
	Push(Chunk)
	End()
}

// ErrPipeClosed is recorded when a chunk arrives after End.
var ErrPipeClosed = errors.New("report pipe closed")

// Pipe is an unbounded in-memory Sink. Producers never block; consumers
// read JSON-encoded chunks with Next.
type Pipe struct {
	mu     sync.Mutex
	queue  [][]byte
	ended  bool
	err    error
	notify chan struct{}
}

// NewPipe returns an empty pipe.
func NewPipe() *Pipe {
	return &Pipe{notify: make(chan struct{}, 1)}
}

// Push encodes c and queues it. Chunks pushed after End are dropped and
// recorded in Err.
func (p *Pipe) Push(c Chunk) {
	raw, err := json.Marshal(c)

	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.ended:
		p.err = errors.Join(p.err, ErrPipeClosed)
		return
	case err != nil:
		p.err = errors.Join(p.err, fmt.Errorf("encode %s chunk: %w", c.Meta.Status, err))
		return
	}
	p.queue = append(p.queue, raw)
	p.signal()
}

// End marks the end of the stream. Queued chunks stay readable.
func (p *Pipe) End() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ended = true
	p.signal()
}

// Err reports chunks that could not be queued.
func (p *Pipe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Pipe) signal() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Next blocks until a chunk is available. It returns io.EOF once the pipe has
// ended and every queued chunk was read.
func (p *Pipe) Next(ctx context.Context) ([]byte, error) {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			raw := p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
			p.mu.Unlock()
			return raw, nil
		}
		ended := p.ended
		p.mu.Unlock()
		if ended {
			return nil, io.EOF
		}

		select {
		case <-p.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// WriteTo drains p into w as newline-delimited JSON until the pipe ends.
func WriteTo(ctx context.Context, w io.Writer, p *Pipe) (int64, error) {
	var written int64
	for {
		raw, err := p.Next(ctx)
		if errors.Is(err, io.EOF) {
			return written, nil
		}
		if err != nil {
			return written, err
		}
		n, err := w.Write(append(raw, '\n'))
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("write chunk: %w", err)
		}
	}
}

// SinkFunc adapts a function to Sink. End is a no-op.
type SinkFunc func(Chunk)

func (f SinkFunc) Push(c Chunk) { f(c) }
func (SinkFunc) End()           {}
