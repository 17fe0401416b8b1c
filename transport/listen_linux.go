// +build linux

package transport

import (
	"github.com/pkg/errors"
	kcp "github.com/xtaci/kcp-go/v5"
	"github.com/xtaci/tcpraw"
)

// Listen accepts the server side of KCP conversations on opts.Addr, over a
// tcpraw-emulated TCP listener instead of plain UDP when opts.TCP is set.
func Listen(opts ListenOptions) (*kcp.Listener, error) {
	if opts.TCP {
		conn, err := tcpraw.Listen("tcp", opts.Addr)
		if err != nil {
			return nil, errors.Wrap(err, "tcpraw.Listen()")
		}
		return kcp.ServeConn(opts.Block, opts.DataShard, opts.ParityShard, conn)
	}
	return kcp.ListenWithOptions(opts.Addr, opts.Block, opts.DataShard, opts.ParityShard)
}
