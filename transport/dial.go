// +build !linux

package transport

import (
	"github.com/pkg/errors"
	kcp "github.com/xtaci/kcp-go/v5"
)

// Dial opens the client side of a KCP conversation. opts.TCP (tcpraw dual
// stack dialing) is linux-only, mirroring the teacher's listen_linux.go split
// for the accept side.
func Dial(opts DialOptions) (*kcp.UDPSession, error) {
	if opts.TCP {
		return nil, errors.New("tcpraw dialing is only supported on linux")
	}
	return kcp.DialWithOptions(opts.RemoteAddr, opts.Block, opts.DataShard, opts.ParityShard)
}
