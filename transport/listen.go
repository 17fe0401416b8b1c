// +build !linux

package transport

import (
	"github.com/pkg/errors"
	kcp "github.com/xtaci/kcp-go/v5"
)

// Listen accepts the server side of KCP conversations on opts.Addr.
func Listen(opts ListenOptions) (*kcp.Listener, error) {
	if opts.TCP {
		return nil, errors.New("tcpraw listening is only supported on linux")
	}
	return kcp.ListenWithOptions(opts.Addr, opts.Block, opts.DataShard, opts.ParityShard)
}
