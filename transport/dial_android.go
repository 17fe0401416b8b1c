// +build android

package transport

/*
#include <stdlib.h>
#include <string.h>
#include <unistd.h>
#include <sys/time.h>
#include <sys/types.h>
#include <sys/socket.h>
#include <sys/un.h>
#include <sys/uio.h>

#define ANCIL_FD_BUFFER(n) \
    struct { \
        struct cmsghdr h; \
        int fd[n]; \
    }

int
ancil_send_fds_with_buffer(int sock, const int *fds, unsigned n_fds, void *buffer)
{
    struct msghdr msghdr;
    char nothing = '!';
    struct iovec nothing_ptr;
    struct cmsghdr *cmsg;
    int i;

    nothing_ptr.iov_base = &nothing;
    nothing_ptr.iov_len = 1;
    msghdr.msg_name = NULL;
    msghdr.msg_namelen = 0;
    msghdr.msg_iov = &nothing_ptr;
    msghdr.msg_iovlen = 1;
    msghdr.msg_flags = 0;
    msghdr.msg_control = buffer;
    msghdr.msg_controllen = sizeof(struct cmsghdr) + sizeof(int) * n_fds;
    cmsg = CMSG_FIRSTHDR(&msghdr);
    cmsg->cmsg_len = msghdr.msg_controllen;
    cmsg->cmsg_level = SOL_SOCKET;
    cmsg->cmsg_type = SCM_RIGHTS;
    for(i = 0; i < n_fds; i++)
        ((int *)CMSG_DATA(cmsg))[i] = fds[i];
    return(sendmsg(sock, &msghdr, 0) >= 0 ? 0 : -1);
}

int
ancil_send_fd(int sock, int fd)
{
    ANCIL_FD_BUFFER(1) buffer;

    return(ancil_send_fds_with_buffer(sock, &fd, 1, &buffer));
}

void
set_timeout(int sock)
{
    struct timeval tv;
    tv.tv_sec  = 3;
    tv.tv_usec = 0;
    setsockopt(sock, SOL_SOCKET, SO_RCVTIMEO, (char *)&tv, sizeof(struct timeval));
    setsockopt(sock, SOL_SOCKET, SO_SNDTIMEO, (char *)&tv, sizeof(struct timeval));
}

*/
import "C"

import (
	"net"
	"syscall"

	"github.com/pkg/errors"
	kcp "github.com/xtaci/kcp-go/v5"
)

// VpnMode, when set by the embedding Android app, routes the outgoing UDP
// socket through the VPN service's protect_path so it does not get
// recursively tunneled through the very VPN it establishes.
var VpnMode bool

func controlOnConnSetup(network string, address string, c syscall.RawConn) error {
	if !VpnMode {
		return nil
	}
	fn := func(s uintptr) {
		fd := int(s)
		path := "protect_path"

		socket, err := syscall.Socket(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
		if err != nil {
			return
		}
		defer syscall.Close(socket)

		C.set_timeout(C.int(socket))

		if err := syscall.Connect(socket, &syscall.SockaddrUnix{Name: path}); err != nil {
			return
		}

		C.ancil_send_fd(C.int(socket), C.int(fd))

		dummy := []byte{1}
		syscall.Read(socket, dummy)
	}
	return c.Control(fn)
}

type connectedUDPConn struct{ *net.UDPConn }

// Dial opens the client side of a KCP conversation. Under VpnMode it dials
// through controlOnConnSetup so the UDP socket is protected from the
// Android VPN service's own tunnel; tcpraw dialing is not supported on this
// platform.
func Dial(opts DialOptions) (*kcp.UDPSession, error) {
	if opts.TCP {
		return nil, errors.New("tcpraw dialing is not supported on android")
	}
	if !VpnMode {
		return kcp.DialWithOptions(opts.RemoteAddr, opts.Block, opts.DataShard, opts.ParityShard)
	}

	d := net.Dialer{Control: controlOnConnSetup}
	udpconn, err := d.Dial("udp", opts.RemoteAddr)
	if err != nil {
		return nil, errors.Wrap(err, "net.Dialer.Dial")
	}
	return kcp.NewConn(opts.RemoteAddr, opts.Block, opts.DataShard, opts.ParityShard, &connectedUDPConn{udpconn.(*net.UDPConn)})
}
