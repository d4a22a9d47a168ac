package server

import (
	"encoding/json"
	"io"
	"log"
	"sync"
	"time"
)

const (
	outboundBuffer = 256
	writeTimeout   = 10 * time.Second
)

// peer receives frames for one connection. send never blocks.
type peer interface {
	send(frame wsFrame) bool
}

// deadlineWriter is the part of a websocket connection the writer needs.
type deadlineWriter interface {
	io.Writer
	SetWriteDeadline(t time.Time) error
}

// wsPeer queues outbound frames and writes them from a single goroutine, so
// broadcasts never wait on a slow socket. A full queue drops the frame.
type wsPeer struct {
	connID    string
	out       chan wsFrame
	done      chan struct{}
	closeOnce sync.Once
}

func newWSPeer(connID string, buffer int) *wsPeer {
	if buffer <= 0 {
		buffer = outboundBuffer
	}
	return &wsPeer{
		connID: connID,
		out:    make(chan wsFrame, buffer),
		done:   make(chan struct{}),
	}
}

func (p *wsPeer) send(frame wsFrame) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.out <- frame:
		return true
	case <-p.done:
		return false
	default:
		log.Printf("chat: outbound queue full, dropping frame conn=%s type=%q", p.connID, frame.Type)
		return false
	}
}

// close stops the writer. Frames already queued are still flushed.
func (p *wsPeer) close() {
	p.closeOnce.Do(func() { close(p.done) })
}

// writeLoop encodes queued frames to w until close is called or a write fails.
func (p *wsPeer) writeLoop(w deadlineWriter) {
	encoder := json.NewEncoder(w)
	write := func(frame wsFrame) bool {
		_ = w.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := encoder.Encode(frame); err != nil {
			p.close()
			return false
		}
		return true
	}
	for {
		select {
		case frame := <-p.out:
			if !write(frame) {
				return
			}
		case <-p.done:
			for {
				select {
				case frame := <-p.out:
					if !write(frame) {
						return
					}
				default:
					return
				}
			}
		}
	}
}
