package transport

import kcp "github.com/xtaci/kcp-go/v5"

// DialOptions bundles the parameters fdmux's client needs to open one KCP
// conversation, gathered from the ambient CLI/JSON configuration.
type DialOptions struct {
	RemoteAddr  string
	Block       kcp.BlockCrypt
	DataShard   int
	ParityShard int
	TCP         bool // emulate a TCP connection via tcpraw (linux only)
}

// ListenOptions bundles the parameters fdmux's server needs to accept KCP
// conversations on one address.
type ListenOptions struct {
	Addr        string
	Block       kcp.BlockCrypt
	DataShard   int
	ParityShard int
	TCP         bool // emulate a TCP connection via tcpraw (linux only)
}
