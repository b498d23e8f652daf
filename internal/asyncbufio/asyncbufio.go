// Package asyncbufio moves buffered writes to a background goroutine, so a
// producer is only held up when the queue between them is full.
package asyncbufio

import (
	"bufio"
	"io"
	"time"
)

// Writer provides asynchronous writing to an underlying io.Writer using a
// buffered channel.
type Writer struct {
	writer        *bufio.Writer // does the writing, owned by writeLoop
	flushNow      chan struct{} // asks writeLoop to flush; closed by Close
	flushComplete chan error    // answers a flush request
	datachannel   chan []byte   // data waiting to be written
	flushInterval time.Duration // periodic flush
	err           error         // first write error, owned by writeLoop
}

// NewWriter starts the background writer for w. Up to channelDepth writes
// can be queued before Write blocks.
func NewWriter(w io.Writer, channelDepth int, flushInterval time.Duration) *Writer {
	aw := &Writer{
		writer:        bufio.NewWriter(w),
		datachannel:   make(chan []byte, channelDepth),
		flushNow:      make(chan struct{}),
		flushComplete: make(chan error),
		flushInterval: flushInterval,
	}
	go aw.writeLoop()
	return aw
}

// Write queues a copy of p, blocking while the queue is full. Errors from the
// underlying writer are reported by the next Flush or Close.
func (aw *Writer) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	aw.datachannel <- buf
	return len(p), nil
}

// Flush writes everything queued so far and flushes the underlying writer.
func (aw *Writer) Flush() error {
	aw.flushNow <- struct{}{}
	return <-aw.flushComplete
}

// Close flushes and stops the background goroutine. Write and Flush must not
// be called after Close.
func (aw *Writer) Close() error {
	close(aw.flushNow)
	return <-aw.flushComplete
}

func (aw *Writer) writeLoop() {
	ticker := time.NewTicker(aw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-aw.datachannel:
			aw.write(data)

		case _, ok := <-aw.flushNow:
			aw.flush()
			aw.flushComplete <- aw.err
			if !ok {
				return
			}

		case <-ticker.C:
			aw.flush()
		}
	}
}

func (aw *Writer) write(data []byte) {
	if _, err := aw.writer.Write(data); err != nil && aw.err == nil {
		aw.err = err
	}
}

// flush empties the queue before flushing the underlying writer.
func (aw *Writer) flush() {
	for {
		select {
		case data := <-aw.datachannel:
			aw.write(data)
		default:
			if err := aw.writer.Flush(); err != nil && aw.err == nil {
				aw.err = err
			}
			return
		}
	}
}
