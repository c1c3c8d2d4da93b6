// Package wire defines the tagged-union command protocol exchanged between
// the fleet agent and the control server over the home-post transport.
package wire

import (
	"encoding/json"
	"fmt"
)

// CommandTx is a command the server issues to a device. Kind is the
// discriminator; unit variants set only Kind, and variants carrying data also
// set the matching payload pointer.
type CommandTx struct {
	Kind string `json:"kind"`

	FreeForm     *FreeFormTx     `json:"free_form,omitempty"`
	OpenTunnel   *OpenTunnelTx   `json:"open_tunnel,omitempty"`
	UpdateNet    *UpdateNetworkTx `json:"update_network,omitempty"`
	UpdateVars   *UpdateVariablesTx `json:"update_variables,omitempty"`
	DownloadOTA  *DownloadOTATx  `json:"download_ota,omitempty"`
}

const (
	KindPing            = "ping"
	KindUpgrade         = "upgrade"
	KindRestart         = "restart"
	KindFreeForm        = "free_form"
	KindOpenTunnel      = "open_tunnel"
	KindCloseTunnel     = "close_tunnel"
	KindUpdateNetwork   = "update_network"
	KindUpdateVariables = "update_variables"
	KindDownloadOTA     = "download_ota"
	KindCheckOTAStatus  = "check_ota_status"
	KindStartOTA        = "start_ota"
)

type FreeFormTx struct {
	Cmd string `json:"cmd"`
}

type OpenTunnelTx struct {
	Port *uint16 `json:"port,omitempty"`
}

type UpdateNetworkTx struct {
	Network NetworkConfig `json:"network"`
}

type UpdateVariablesTx struct {
	Variables map[string]string `json:"variables"`
}

type DownloadOTATx struct {
	Tools   string  `json:"tools"`
	Payload string  `json:"payload"`
	Rate    float64 `json:"rate"`
}

type NetworkConfig struct {
	Type           string `json:"network_type"`
	SSID           string `json:"ssid"`
	Hidden         bool   `json:"is_network_hidden"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	Password       string `json:"password"`
}

// Command is a queued command as seen by the agent, with its server id and
// continue_on_error flag.
type Command struct {
	ID              int64     `json:"id"`
	Command         CommandTx `json:"command"`
	ContinueOnError bool      `json:"continue_on_error"`
}

// CommandRx is a result an agent reports back for a command (or a synthetic
// id < 0 for agent-originated spontaneous state).
type CommandRx struct {
	Kind string `json:"kind"`

	Restart      *RestartRx      `json:"restart,omitempty"`
	FreeForm     *FreeFormRx     `json:"free_form,omitempty"`
	OpenTunnel   *OpenTunnelRx   `json:"open_tunnel,omitempty"`
	UpdateSystem *UpdateSystemInfoRx `json:"update_system_info,omitempty"`
	WifiConnect  *WifiConnectRx  `json:"wifi_connect,omitempty"`
	DownloadOTA  *DownloadOTARx  `json:"download_ota,omitempty"`
	CheckOTA     *CheckOTAStatusRx `json:"check_ota_status,omitempty"`
}

const (
	RxKindPong             = "pong"
	RxKindRestart          = "restart"
	RxKindFreeForm         = "free_form"
	RxKindOpenTunnel       = "open_tunnel"
	RxKindTunnelClosed     = "tunnel_closed"
	RxKindGetVariables     = "get_variables"
	RxKindUpgraded         = "upgraded"
	RxKindUpdateVariables  = "update_variables"
	RxKindGetNetwork       = "get_network"
	RxKindUpdateNetwork    = "update_network"
	RxKindUpdateSystemInfo = "update_system_info"
	RxKindWifiConnect      = "wifi_connect"
	RxKindDownloadOTA      = "download_ota"
	RxKindCheckOTAStatus   = "check_ota_status"
)

type RestartRx struct {
	Message string `json:"message"`
}

type FreeFormRx struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

type OpenTunnelRx struct {
	PortServer uint16 `json:"port_server"`
}

type UpdateSystemInfoRx struct {
	SystemInfo json.RawMessage `json:"system_info"`
}

type WifiConnectRx struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

type DownloadOTARx struct {
	BytesWritten int64   `json:"bytes_written"`
	Elapsed      float64 `json:"elapsed_seconds"`
}

type CheckOTAStatusRx struct {
	Status string `json:"status"`
}

// CommandResponse is a response an agent posts home, correlated to a command
// id (which may be synthetic, i.e. negative).
type CommandResponse struct {
	ID      int64     `json:"id"`
	Command CommandRx `json:"command"`
	Status  int32     `json:"status"`
}

// Synthetic ids pre-seeded by Postman at startup; see spec §4.5.
const (
	SyntheticGetVariables  int64 = -1
	SyntheticSystemInfo    int64 = -2
	SyntheticGetNetwork    int64 = -4
)

// ValidateKind reports whether kind is a known CommandTx discriminator.
func ValidateKind(kind string) error {
	switch kind {
	case KindPing, KindUpgrade, KindRestart, KindFreeForm, KindOpenTunnel,
		KindCloseTunnel, KindUpdateNetwork, KindUpdateVariables,
		KindDownloadOTA, KindCheckOTAStatus, KindStartOTA:
		return nil
	default:
		return fmt.Errorf("wire: unknown command kind %q", kind)
	}
}
