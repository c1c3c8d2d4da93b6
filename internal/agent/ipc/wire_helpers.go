package ipc

import "github.com/teton-ai/fleet/internal/wire"

func commandOpenTunnel(port uint16) wire.CommandTx {
	return wire.CommandTx{Kind: wire.KindOpenTunnel, OpenTunnel: &wire.OpenTunnelTx{Port: &port}}
}

func commandStartOTA() wire.CommandTx {
	return wire.CommandTx{Kind: wire.KindStartOTA}
}
