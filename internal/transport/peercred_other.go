//go:build !linux

package transport

import "net"

func peerOf(net.Conn) Peer { return Peer{} }
