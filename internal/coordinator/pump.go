package coordinator

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

const defaultChunkSize = 64 << 10

// chunkWriter receives media chunks; *Producer implements it.
type chunkWriter interface {
	WriteChunk(chunk []byte) error
}

// pump copies a source stream to the relay connection in binary chunks.
type pump struct {
	src       Stream
	dst       chunkWriter
	chunkSize int
	log       *slog.Logger

	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}

	// written by run before done is closed
	err   error
	eof   bool
	bytes int64
}

func startPump(src Stream, dst chunkWriter, log *slog.Logger) *pump {
	p := &pump{
		src:       src,
		dst:       dst,
		chunkSize: defaultChunkSize,
		log:       log,
		stopped:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *pump) run() {
	defer close(p.done)
	start := time.Now()
	buf := make([]byte, p.chunkSize)

	defer func() {
		p.log.Debug("pump finished",
			slog.String("sent", humanize.Bytes(uint64(p.bytes))),
			slog.Duration("elapsed", time.Since(start)),
			slog.Bool("eof", p.eof))
	}()

	for {
		n, err := p.src.Read(buf)
		if n > 0 {
			if p.isStopped() {
				return
			}
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if werr := p.dst.WriteChunk(chunk); werr != nil {
				if !p.isStopped() {
					p.err = fmt.Errorf("relay write: %w", werr)
				}
				return
			}
			p.bytes += int64(n)
		}
		if err != nil {
			switch {
			case p.isStopped():
			case errors.Is(err, io.EOF):
				p.eof = true
			default:
				p.err = fmt.Errorf("source read: %w", err)
			}
			return
		}
	}
}

func (p *pump) isStopped() bool {
	select {
	case <-p.stopped:
		return true
	default:
		return false
	}
}

// Stop closes the source and waits for the copy loop to exit. Results of a
// stopped pump are not reported as failures.
func (p *pump) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopped)
		_ = p.src.Close()
	})
	<-p.done
}

// Done is closed when the copy loop has exited.
func (p *pump) Done() <-chan struct{} { return p.done }

// Result is valid after Done is closed.
func (p *pump) Result() (eof bool, err error) {
	return p.eof, p.err
}
