//go:build linux

package netcore

import (
	"errors"
	"io"
	"net"
	"sync"
	"syscall"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// epollDemux is the readiness-style demux variant of spec.md §4.2,
// grounded directly on the teacher's watcher.go event loop: one epoll
// instance per Loop, level-triggered recv/send interest toggled per
// connection, a duplicated raw fd per connection (dupconn, below) so a
// conn.Close() from elsewhere can never cause us to epoll_ctl a
// recycled fd number, and a pipe-based wakeup exactly like the
// teacher's chPendingNotify/chEventNotify split collapses into one
// epoll_wait call here.
type epollDemux struct {
	epfd int

	mu    sync.Mutex
	byFD  map[int]*Connection

	wakeR, wakeW int // pipe for cross-thread wakeup, armed for read on epfd

	events []unix.EpollEvent
}

func newDemux() (demux, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "epoll_create1")
	}
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, pkgerrors.Wrap(err, "pipe2")
	}
	d := &epollDemux{
		epfd:   epfd,
		byFD:   make(map[int]*Connection),
		wakeR:  fds[0],
		wakeW:  fds[1],
		events: make([]unix.EpollEvent, 256),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, d.wakeR, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(d.wakeR),
	}); err != nil {
		unix.Close(d.wakeR)
		unix.Close(d.wakeW)
		unix.Close(epfd)
		return nil, pkgerrors.Wrap(err, "epoll_ctl add wake fd")
	}
	return d, nil
}

// dupconn duplicates conn's underlying fd via RawConn.Control, mirroring
// RTradeLtd-gaio/aio_generic.go's dupconn: once duplicated, I/O proceeds
// against the duplicate and the original net.Conn is discarded.
func dupconn(conn net.Conn) (int, error) {
	sc, ok := conn.(interface {
		SyscallConn() (syscall.RawConn, error)
	})
	if !ok {
		return -1, ErrUnsupportedConn
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return -1, ErrUnsupportedConn
	}
	var newfd int
	var dupErr error
	ctrlErr := rc.Control(func(fd uintptr) {
		newfd, dupErr = unix.Dup(int(fd))
	})
	if ctrlErr != nil {
		return -1, ctrlErr
	}
	if dupErr != nil {
		return -1, dupErr
	}
	if err := unix.SetNonblock(newfd, true); err != nil {
		unix.Close(newfd)
		return -1, err
	}
	return newfd, nil
}

func (d *epollDemux) associate(c *Connection) error {
	fd, err := dupconn(c.conn)
	if err != nil {
		return err
	}
	c.conn.Close()
	c.fd = fd

	d.mu.Lock()
	d.byFD[fd] = c
	d.mu.Unlock()

	if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: 0, // armed explicitly via armRecv/armSend
		Fd:     int32(fd),
	}); err != nil {
		return pkgerrors.Wrap(err, "epoll_ctl add")
	}
	return nil
}

func (d *epollDemux) dissociate(c *Connection) error {
	if c.fd < 0 {
		return nil
	}
	d.mu.Lock()
	delete(d.byFD, c.fd)
	d.mu.Unlock()
	unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, c.fd, nil)
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}

func (d *epollDemux) interestFor(c *Connection, recv, send bool) uint32 {
	var ev uint32
	if recv {
		ev |= unix.EPOLLIN
	}
	if send {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (d *epollDemux) modify(c *Connection, recv, send bool) error {
	if c.fd < 0 {
		return nil
	}
	if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_MOD, c.fd, &unix.EpollEvent{
		Events: d.interestFor(c, recv, send),
		Fd:     int32(c.fd),
	}); err != nil {
		return pkgerrors.Wrap(err, "epoll_ctl mod")
	}
	return nil
}

func (d *epollDemux) armRecv(c *Connection) error {
	return d.modify(c, true, c.sendInFlight)
}

func (d *epollDemux) disarmRecv(c *Connection) {
	d.modify(c, false, c.sendInFlight)
}

func (d *epollDemux) armSend(c *Connection) error {
	return d.modify(c, !c.recvPaused, true)
}

func (d *epollDemux) disarmSend(c *Connection) {
	d.modify(c, !c.recvPaused, false)
}

func (d *epollDemux) wakeup() {
	var b [1]byte
	unix.Write(d.wakeW, b[:])
}

func (d *epollDemux) close() error {
	unix.Close(d.wakeR)
	unix.Close(d.wakeW)
	return unix.Close(d.epfd)
}

// poll is one epoll_wait cycle. It mirrors the teacher's tryRead/tryWrite
// loops directly: on EPOLLIN, attempt a non-blocking read and feed the
// bytes (or error) to handleRecvProgress; on EPOLLOUT, attempt a
// non-blocking write of the next send chunk and feed the result to
// handleSendProgress.
func (d *epollDemux) poll(timeoutMS int) (bool, error) {
	n, err := unix.EpollWait(d.epfd, d.events, timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return false, nil
		}
		return false, err
	}

	woke := false
	for i := 0; i < n; i++ {
		ev := d.events[i]
		fd := int(ev.Fd)

		if fd == d.wakeR {
			woke = true
			var drain [64]byte
			for {
				if _, err := unix.Read(d.wakeR, drain[:]); err != nil {
					break
				}
			}
			continue
		}

		d.mu.Lock()
		c, ok := d.byFD[fd]
		d.mu.Unlock()
		if !ok {
			continue
		}

		if ev.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			c.handleRecvProgress(nil, errors.New("netcore: socket hup/err"))
			continue
		}
		if ev.Events&unix.EPOLLIN != 0 {
			d.handleReadable(c)
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			d.handleWritable(c)
		}
	}
	return woke, nil
}

func (d *epollDemux) handleReadable(c *Connection) {
	buf := make([]byte, 64*1024)
	for {
		nr, err := unix.Read(c.fd, buf)
		if err == unix.EAGAIN {
			return
		}
		if err == unix.EINTR {
			continue
		}
		if nr == 0 && err == nil {
			c.handleRecvProgress(nil, io.EOF)
			return
		}
		if err != nil {
			c.handleRecvProgress(nil, err)
			return
		}
		c.handleRecvProgress(buf[:nr], nil)
		if nr < len(buf) {
			return
		}
	}
}

// shutdownSocket applies shutdown(2) in the requested direction(s),
// matching the C++ original's Socket::shutdown(bool,bool).
func shutdownSocket(fd int, closeSend, closeRecv bool) error {
	switch {
	case closeSend && closeRecv:
		return unix.Shutdown(fd, unix.SHUT_RDWR)
	case closeSend:
		return unix.Shutdown(fd, unix.SHUT_WR)
	case closeRecv:
		return unix.Shutdown(fd, unix.SHUT_RD)
	}
	return nil
}

func (d *epollDemux) handleWritable(c *Connection) {
	chunk := c.nextSendChunk()
	if len(chunk) == 0 {
		c.handleSendProgress(0, nil)
		return
	}
	for {
		nw, err := unix.Write(c.fd, chunk)
		if err == unix.EAGAIN {
			return
		}
		if err == unix.EINTR {
			continue
		}
		c.handleSendProgress(nw, err)
		return
	}
}
