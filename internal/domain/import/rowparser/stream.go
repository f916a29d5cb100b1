package rowparser

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/FACorreiaa/echo-ledger/internal/domain/common"
	"github.com/FACorreiaa/echo-ledger/internal/domain/import/sniffer"
)

// Progress is reported after every chunk.
type Progress struct {
	RowsSoFar int
	Finished  bool
}

// Summary is handed to OnComplete and returned by Wait.
type Summary struct {
	Headers     []string
	Fingerprint string
	Rows        int
	Errors      []common.RowError
	Aborted     bool
	Err         error
}

// Callbacks receive the streamed rows. All of them run on the stream goroutine,
// one at a time, in file order.
type Callbacks struct {
	OnRow      func(common.RawRow)
	OnProgress func(Progress)
	OnComplete func(Summary)
}

// Stream is a running streaming parse.
type Stream struct {
	aborted atomic.Bool
	done    chan struct{}
	summary Summary
}

// Abort asks the stream to stop. It takes effect at the next chunk boundary,
// never in the middle of a chunk.
func (s *Stream) Abort() {
	s.aborted.Store(true)
}

// Wait blocks until the stream finished and returns its summary.
func (s *Stream) Wait() Summary {
	<-s.done
	return s.summary
}

// Done is closed once OnComplete has returned.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Stream parses r incrementally in chunks of Options.ChunkSize rows.
// Cancelling ctx behaves like Abort.
func (p *Parser) Stream(ctx context.Context, r io.Reader, cb Callbacks) *Stream {
	s := &Stream{done: make(chan struct{})}
	go s.run(ctx, p, r, cb)
	return s
}

func (s *Stream) run(ctx context.Context, p *Parser, r io.Reader, cb Callbacks) {
	defer close(s.done)

	finish := func() {
		if cb.OnComplete != nil {
			cb.OnComplete(s.summary)
		}
	}

	rr, err := p.open(r)
	if err != nil {
		s.summary.Err = err
		finish()
		return
	}
	s.summary.Headers = rr.headers
	s.summary.Fingerprint = sniffer.Fingerprint(rr.headers)

	chunk := make([]common.RawRow, 0, p.opts.ChunkSize)
	for {
		if s.aborted.Load() || ctx.Err() != nil {
			s.summary.Aborted = true
			finish()
			return
		}

		chunk = chunk[:0]
		eof := false
		for len(chunk) < p.opts.ChunkSize {
			row, rowErr, err := rr.next()
			if err == io.EOF {
				eof = true
				break
			}
			if err != nil {
				s.summary.Err = err
				finish()
				return
			}
			if rowErr != nil {
				s.summary.Errors = append(s.summary.Errors, *rowErr)
				continue
			}
			chunk = append(chunk, row)
		}

		for _, row := range chunk {
			if cb.OnRow != nil {
				cb.OnRow(row)
			}
		}
		s.summary.Rows += len(chunk)

		if cb.OnProgress != nil {
			cb.OnProgress(Progress{RowsSoFar: s.summary.Rows, Finished: eof})
		}
		if eof {
			finish()
			return
		}
	}
}

// Collect streams r to completion and returns the rows in file order.
func (p *Parser) Collect(ctx context.Context, r io.Reader, onProgress func(Progress)) ([]common.RawRow, Summary) {
	var rows []common.RawRow
	s := p.Stream(ctx, r, Callbacks{
		OnRow:      func(row common.RawRow) { rows = append(rows, row) },
		OnProgress: onProgress,
	})
	summary := s.Wait()
	return rows, summary
}
