// +build linux,!android

package transport

import (
	"net"

	"github.com/pkg/errors"
	kcp "github.com/xtaci/kcp-go/v5"
	"github.com/xtaci/tcpraw"
)

// Dial opens the client side of a KCP conversation, optionally carried over
// a tcpraw-emulated TCP stream instead of plain UDP when opts.TCP is set.
func Dial(opts DialOptions) (*kcp.UDPSession, error) {
	if opts.TCP {
		raddr, err := net.ResolveTCPAddr("tcp", opts.RemoteAddr)
		if err != nil {
			return nil, errors.Wrap(err, "net.ResolveTCPAddr()")
		}
		conn, err := tcpraw.Dial("tcp", opts.RemoteAddr)
		if err != nil {
			return nil, errors.Wrap(err, "tcpraw.Dial()")
		}
		return kcp.NewConn2(raddr, opts.Block, opts.DataShard, opts.ParityShard, conn)
	}
	return kcp.DialWithOptions(opts.RemoteAddr, opts.Block, opts.DataShard, opts.ParityShard)
}
