package ncp

import (
	"io"
	"sync"

	"github.com/pkg/errors"

	aqua "github.com/jnorth314/Aquamarine"
	"github.com/jnorth314/Aquamarine/bgapi"
)

// link owns the byte stream to the module. The rx loop accumulates bytes,
// runs the frame codec until it reports an incomplete frame, and emits
// decoded frames in arrival order. The write path flushes one whole
// encoded frame per Write call so concurrent submitters never interleave.
type link struct {
	rwc   io.ReadWriteCloser
	table *bgapi.Table
	log   aqua.Logger

	wmu    sync.Mutex
	frames chan bgapi.Frame

	emu sync.Mutex
	err error

	cmu  sync.Mutex
	done chan struct{}
}

func newLink(rwc io.ReadWriteCloser, table *bgapi.Table, log aqua.Logger) *link {
	l := &link{
		rwc:    rwc,
		table:  table,
		log:    log,
		frames: make(chan bgapi.Frame, frameQueueSize),
		done:   make(chan struct{}),
	}

	go l.rxLoop()

	return l
}

// writeFrame marshals and flushes one frame atomically.
func (l *link) writeFrame(f bgapi.Frame) error {
	b, err := bgapi.Marshal(f)
	if err != nil {
		return err
	}

	if !l.isOpen() {
		return io.EOF
	}

	l.wmu.Lock()
	defer l.wmu.Unlock()

	n, err := l.rwc.Write(b)
	if err != nil {
		return errors.Wrap(err, "link write")
	}
	if n != len(b) {
		return errors.Errorf("link write: short write %d of %d", n, len(b))
	}

	return nil
}

func (l *link) rxLoop() {
	defer close(l.frames)

	var buf []byte
	tmp := make([]byte, 512)

	for {
		n, err := l.rwc.Read(tmp)

		if n > 0 {
			buf = append(buf, tmp[:n]...)
			buf = l.drain(buf)
		}

		switch {
		case n == 0 && err == nil:
			// read timeout on an idle line
			if !l.isOpen() {
				return
			}

		case err == io.EOF:
			l.setErr(err)
			return

		case err != nil:
			l.setErr(errors.Wrap(err, "link read"))
			return
		}
	}
}

// drain decodes every complete frame at the head of buf and returns the
// remainder.
func (l *link) drain(buf []byte) []byte {
	for {
		f, n, err := bgapi.Decode(buf, l.table)

		switch {
		case err == nil:
			buf = buf[n:]
			select {
			case l.frames <- f:
			case <-l.done:
				return buf
			}

		case errors.Is(err, bgapi.ErrIncomplete):
			return buf

		case errors.Is(err, aqua.ErrMalformed):
			// noise on the wire, resynchronize one byte at a time
			l.log.Debugf("link: malformed frame, dropping byte 0x%02x", buf[0])
			buf = buf[n:]

		case errors.Is(err, aqua.ErrUnknownOpcode):
			l.log.Warnf("link: dropping frame with unknown opcode: % x", buf[:n])
			buf = buf[n:]

		default:
			l.log.Errorf("link: decode: %v", err)
			return buf
		}
	}
}

// Err reports why the frame channel closed, nil for a local close.
func (l *link) Err() error {
	l.emu.Lock()
	defer l.emu.Unlock()
	return l.err
}

func (l *link) setErr(err error) {
	l.emu.Lock()
	defer l.emu.Unlock()
	if l.err == nil {
		l.err = err
	}
}

func (l *link) isOpen() bool {
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

func (l *link) close() error {
	l.cmu.Lock()
	defer l.cmu.Unlock()

	select {
	case <-l.done:
		return nil
	default:
		close(l.done)
		return l.rwc.Close()
	}
}
