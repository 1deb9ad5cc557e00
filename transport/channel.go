// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"
	"gopkg.in/tomb.v2"

	"github.com/bureau-foundation/servicebus/lib/metrics"
	"github.com/bureau-foundation/servicebus/ports"
)

// ErrChannelClosed is returned when sending on a closed channel.
var ErrChannelClosed = errors.New("transport: channel closed")

// outbound is an encoded frame waiting for the writer.
type outbound struct {
	data  []byte
	files []*os.File
}

// Channel carries frames between two nodes over a Unix stream socket.
// Sends never block: frames queue until the writer goroutine drains
// them. A reader goroutine hands each received frame to the owning
// controller in arrival order.
type Channel struct {
	conn    *net.UnixConn
	options ChannelOptions
	logger  *slog.Logger
	metrics *metrics.Metrics

	onFrame func(*Channel, *frame)
	onClose func(*Channel, error)

	tomb tomb.Tomb
	wake chan struct{}

	mu     sync.Mutex
	queue  []outbound
	closed bool
	peer   ports.NodeName
}

func newChannel(conn *net.UnixConn, options ChannelOptions, logger *slog.Logger, m *metrics.Metrics,
	onFrame func(*Channel, *frame), onClose func(*Channel, error)) *Channel {
	return &Channel{
		conn:    conn,
		options: options.withDefaults(),
		logger:  logger,
		metrics: m,
		onFrame: onFrame,
		onClose: onClose,
		wake:    make(chan struct{}, 1),
	}
}

// start launches the reader and writer. onClose runs once after both
// have stopped and the socket is closed.
func (ch *Channel) start() {
	ch.metrics.ChannelOpened()
	ch.tomb.Go(func() error {
		ch.tomb.Go(ch.readLoop)
		ch.tomb.Go(ch.writeLoop)
		<-ch.tomb.Dying()
		ch.conn.Close()
		return nil
	})
	go func() {
		err := ch.tomb.Wait()
		ch.mu.Lock()
		ch.closed = true
		queued := ch.queue
		ch.queue = nil
		ch.mu.Unlock()
		for _, out := range queued {
			closeAll(out.files)
		}
		ch.metrics.ChannelClosed()
		ch.onClose(ch, err)
	}()
}

// Peer returns the node named in the peer's hello, or the zero name
// before it arrives.
func (ch *Channel) Peer() ports.NodeName {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.peer
}

func (ch *Channel) setPeer(node ports.NodeName) {
	ch.mu.Lock()
	ch.peer = node
	ch.mu.Unlock()
}

// Close shuts the channel down. Queued frames are discarded.
func (ch *Channel) Close() {
	ch.tomb.Kill(nil)
}

// Done is closed once the channel has fully stopped.
func (ch *Channel) Done() <-chan struct{} {
	return ch.tomb.Dead()
}

// send encodes f and queues it. The channel takes ownership of f.Files
// whether or not the send succeeds.
func (ch *Channel) send(f *frame) error {
	data, err := encodeFrame(f, ch.options)
	if err != nil {
		closeAll(f.Files)
		return err
	}
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		closeAll(f.Files)
		return ErrChannelClosed
	}
	ch.queue = append(ch.queue, outbound{data: data, files: f.Files})
	ch.mu.Unlock()
	f.Files = nil

	select {
	case ch.wake <- struct{}{}:
	default:
	}
	return nil
}

func (ch *Channel) writeLoop() error {
	for {
		select {
		case <-ch.tomb.Dying():
			return nil
		case <-ch.wake:
		}
		for {
			ch.mu.Lock()
			queued := ch.queue
			ch.queue = nil
			ch.mu.Unlock()
			if len(queued) == 0 {
				break
			}
			for i, out := range queued {
				if err := ch.write(out); err != nil {
					for _, rest := range queued[i+1:] {
						closeAll(rest.files)
					}
					return ch.ioError("write", err)
				}
			}
		}
	}
}

// write sends one frame. Descriptors ride on the first byte; the
// caller's copies are closed once the kernel has its own.
func (ch *Channel) write(out outbound) error {
	defer closeAll(out.files)
	var oob []byte
	if len(out.files) > 0 {
		fds := make([]int, len(out.files))
		for i, file := range out.files {
			fds[i] = int(file.Fd())
		}
		oob = unix.UnixRights(fds...)
	}
	n, _, err := ch.conn.WriteMsgUnix(out.data, oob, nil)
	if err != nil {
		return err
	}
	if n < len(out.data) {
		if _, err := ch.conn.Write(out.data[n:]); err != nil {
			return err
		}
	}
	ch.metrics.FrameSent(len(out.data))
	return nil
}

func (ch *Channel) readLoop() error {
	oob := make([]byte, unix.CmsgSpace(MaxFrameFiles*4))
	for {
		f, size, err := ch.readFrame(oob)
		if err != nil {
			if errors.Is(err, ErrCorruptFrame) {
				ch.metrics.FrameRejected()
			}
			err = ch.ioError("read", err)
			if err == nil {
				// A clean hangup still has to stop the writer.
				ch.tomb.Kill(nil)
			}
			return err
		}
		ch.metrics.FrameReceived(size)
		ch.onFrame(ch, f)
	}
}

func (ch *Channel) readFrame(oob []byte) (*frame, int, error) {
	var files []*os.File
	fail := func(err error) (*frame, int, error) {
		closeAll(files)
		return nil, 0, err
	}

	header := make([]byte, headerSize)
	if err := ch.readFull(header, oob, &files); err != nil {
		return fail(err)
	}
	h, err := parseHeader(header, ch.options)
	if err != nil {
		return fail(err)
	}
	body := make([]byte, h.bodyLen)
	if err := ch.readFull(body, oob, &files); err != nil {
		return fail(err)
	}
	if len(files) != h.numFiles {
		return fail(fmt.Errorf("%w: %d descriptors, header says %d", ErrCorruptFrame, len(files), h.numFiles))
	}
	f, err := decodeBody(header, h, body)
	if err != nil {
		return fail(err)
	}
	f.Files = files
	return f, headerSize + h.bodyLen, nil
}

// readFull fills buf, collecting any descriptors that arrive.
func (ch *Channel) readFull(buf, oob []byte, files *[]*os.File) error {
	for len(buf) > 0 {
		n, oobn, flags, _, err := ch.conn.ReadMsgUnix(buf, oob)
		if oobn > 0 {
			received, parseErr := parseRights(oob[:oobn])
			*files = append(*files, received...)
			if parseErr != nil {
				return fmt.Errorf("%w: %v", ErrCorruptFrame, parseErr)
			}
		}
		if flags&unix.MSG_CTRUNC != 0 {
			return fmt.Errorf("%w: descriptors truncated", ErrCorruptFrame)
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return io.EOF
		}
		buf = buf[n:]
	}
	return nil
}

func parseRights(oob []byte) ([]*os.File, error) {
	messages, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var files []*os.File
	for i := range messages {
		fds, err := unix.ParseUnixRights(&messages[i])
		if err != nil {
			continue
		}
		for _, fd := range fds {
			files = append(files, os.NewFile(uintptr(fd), "scm_rights"))
		}
	}
	return files, nil
}

// ioError maps errors caused by our own shutdown, and a clean hangup
// by the peer, to nil.
func (ch *Channel) ioError(op string, err error) error {
	select {
	case <-ch.tomb.Dying():
		return nil
	default:
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return fmt.Errorf("channel %s: %w", op, err)
}

func closeAll(files []*os.File) {
	for _, file := range files {
		if file != nil {
			file.Close()
		}
	}
}
