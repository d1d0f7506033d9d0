package tdls

import (
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	// ErrUnknownInterface is returned when an interface name cannot be
	// resolved to an nl80211 interface.
	ErrUnknownInterface = errors.New("unknown wireless interface")

	// ErrAllocationFailed is returned when a vendor command message cannot
	// be built.
	ErrAllocationFailed = errors.New("failed to allocate vendor command message")

	// ErrRegistrationFailed is returned when the transport refuses to route
	// vendor events to a command.
	ErrRegistrationFailed = errors.New("failed to register vendor event handler")

	// ErrInvalidAddress is returned when a peer address is not a 6 byte
	// IEEE 802 MAC-48 address.
	ErrInvalidAddress = errors.New("peer address must be a 6 byte MAC-48 address")

	// ErrInvalidParams is returned when Params cannot be represented in a
	// vendor command.
	ErrInvalidParams = errors.New("invalid TDLS parameters")

	// ErrNotSupported is returned when the vendor multicast group is not
	// offered by nl80211.
	ErrNotSupported = errors.New("not supported")
)

// A MissingAttributeError is returned when a mandatory vendor attribute is
// absent from a driver response or event.
type MissingAttributeError struct {
	// The vendor attribute identifier.
	ID uint16

	// A descriptive name for the attribute.
	Name string
}

// Error implements error.
func (e *MissingAttributeError) Error() string {
	return fmt.Sprintf("mandatory vendor attribute %s (%d) not found", e.Name, e.ID)
}

// A TransportError is a non-zero status reported by the driver or the
// netlink transport while executing a command.
type TransportError struct {
	// Code is the negative errno reported for the request, or -1 when the
	// failure did not carry one.
	Code int

	// Err is the underlying transport error.
	Err error
}

// Error implements error.
func (e *TransportError) Error() string {
	return fmt.Sprintf("vendor command failed with status %d: %v", e.Code, e.Err)
}

// Unwrap returns the underlying transport error.
func (e *TransportError) Unwrap() error { return e.Err }

// Status codes returned by Code. They follow the wifi_error values of the
// Android WiFi HAL.
const (
	CodeSuccess        = 0
	CodeUnknown        = -1
	CodeNotSupported   = -3
	CodeInvalidArgs    = -5
	CodeOutOfMemory    = -9
	CodeNotInitialized = -2
)

// Code maps an error returned by a Client to a numeric status code. A nil
// error is CodeSuccess and a TransportError reports its own code unchanged.
func Code(err error) int {
	if err == nil {
		return CodeSuccess
	}

	var terr *TransportError
	if errors.As(err, &terr) {
		return terr.Code
	}

	var merr *MissingAttributeError
	switch {
	case errors.As(err, &merr),
		errors.Is(err, ErrInvalidAddress),
		errors.Is(err, ErrInvalidParams),
		errors.Is(err, ErrUnknownInterface):
		return CodeInvalidArgs
	case errors.Is(err, ErrAllocationFailed):
		return CodeOutOfMemory
	case errors.Is(err, ErrNotSupported), errors.Is(err, errUnimplemented):
		return CodeNotSupported
	case errors.Is(err, errClosed):
		return CodeNotInitialized
	default:
		return CodeUnknown
	}
}

// A State is the state of a TDLS link with a peer.
type State uint32

const (
	// StateDisabled indicates that TDLS is not enabled for the peer.
	StateDisabled State = iota + 1

	// StateEnabled indicates that TDLS is enabled, but a direct link has
	// not yet been attempted.
	StateEnabled

	// StateTrying indicates that a direct link is being attempted.
	StateTrying

	// StateEstablished indicates that a direct link is established.
	StateEstablished

	// StateEstablishedOffChannel indicates that a direct link is
	// established on a channel other than the access point's.
	StateEstablishedOffChannel

	// StateDropped indicates that a direct link was established, but is
	// temporarily dropped.
	StateDropped

	// StateFailed indicates that TDLS failed permanently for the peer.
	StateFailed
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateEnabled:
		return "enabled"
	case StateTrying:
		return "trying"
	case StateEstablished:
		return "established"
	case StateEstablishedOffChannel:
		return "established off channel"
	case StateDropped:
		return "dropped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// A Reason explains the most recent State of a TDLS link.
type Reason int32

const (
	ReasonSuccess         Reason = 0
	ReasonUnspecified     Reason = -1
	ReasonNotSupported    Reason = -2
	ReasonUnsupportedBand Reason = -3
	ReasonNotBeneficial   Reason = -4
	ReasonDroppedByRemote Reason = -5
)

// String returns the string representation of a Reason.
func (r Reason) String() string {
	switch r {
	case ReasonSuccess:
		return "success"
	case ReasonUnspecified:
		return "unspecified"
	case ReasonNotSupported:
		return "peer does not support TDLS"
	case ReasonUnsupportedBand:
		return "peer does not support band"
	case ReasonNotBeneficial:
		return "direct link not beneficial"
	case ReasonDroppedByRemote:
		return "dropped by peer"
	default:
		return fmt.Sprintf("unknown(%d)", r)
	}
}

// Params are hints passed to the driver when enabling TDLS with a peer.
type Params struct {
	// The channel on which to form the direct link.
	Channel uint32

	// The global operating class of Channel.
	GlobalOperatingClass uint32

	// The maximum latency tolerated by the traffic. Sent to the driver in
	// whole milliseconds: fractions of a millisecond are truncated, and
	// values below 1ms other than zero, negative values and values of 2^32ms
	// or more are rejected with ErrInvalidParams.
	MaxLatency time.Duration

	// The minimum bandwidth required by the traffic, in kbit/s.
	MinBandwidthKbps uint32
}

// Status is the state of a TDLS link with a peer, as reported by the
// driver.
type Status struct {
	// The hardware address of the peer.
	Peer net.HardwareAddr

	// The state of the link.
	State State

	// The reason for the current state.
	Reason Reason

	// The channel the link operates on.
	Channel uint32

	// The global operating class of Channel.
	GlobalOperatingClass uint32
}

// A Handler is invoked when the driver reports a TDLS state change for a
// peer. Handlers run on the Client's event goroutine. A Handler may call
// Disable or Unregister, but must not call Close, which waits for the event
// goroutine to exit.
type Handler func(peer net.HardwareAddr, s Status)

// An Interface is a WiFi network interface which can issue TDLS commands.
type Interface struct {
	// The index of the interface.
	Index int

	// The name of the interface.
	Name string

	// The hardware address of the interface.
	HardwareAddr net.HardwareAddr

	// The physical device that this interface belongs to. Each PHY owns
	// one TDLS command instance.
	PHY int
}
