package tdls

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mdlayher/netlink"
	"github.com/rs/zerolog"
	"github.com/wlanctl/tdls/internal/nl80211"
	"github.com/wlanctl/tdls/internal/qca"
)

// errClosed is returned when a Client is used after Close.
var errClosed = errors.New("use of closed TDLS client")

// A transport is the control channel used by a command: it executes
// encoded vendor commands and routes vendor events to subscribers.
type transport interface {
	// execute sends the encoded nl80211 attributes of a vendor command and
	// blocks until the driver replies. It returns the reply's vendor data,
	// if any. ack is set for commands whose reply carries no data.
	execute(attrs []byte, ack bool) ([]byte, error)

	// subscribe routes vendor events matching key to fn until unsubscribe
	// is called for the same key.
	subscribe(key eventKey, fn func(subcmd uint32, data []byte)) error

	// unsubscribe stops routing events matching key. It is a no-op for keys
	// without a subscription.
	unsubscribe(key eventKey)
}

// An eventKey identifies the vendor events routed to a single command.
type eventKey struct {
	vendor uint32
	subcmd uint32
	phy    int
}

// A request is a single vendor command, built, executed and discarded by one
// operation.
type request struct {
	subcmd uint32
	ack    bool
	ae     *netlink.AttributeEncoder
}

// bind addresses the request to ifi.
func (r *request) bind(ifi *Interface) {
	r.ae.Uint32(nl80211.AttrIfindex, uint32(ifi.Index))
}

// group encodes the request's vendor data attributes.
func (r *request) group(fn func(ae *netlink.AttributeEncoder) error) {
	encodeGroup(r.ae, fn)
}

// encode returns the request's netlink attributes.
func (r *request) encode() ([]byte, error) {
	b, err := r.ae.Encode()
	if err != nil {
		return nil, errors.Join(ErrAllocationFailed, err)
	}

	return b, nil
}

// maxLatencyMS is the largest latency hint the vendor schema can carry.
const maxLatencyMS = 1<<32 - 1

// latencyMS converts a latency hint to whole milliseconds, truncating any
// fraction of a millisecond.
func latencyMS(d time.Duration) (uint32, error) {
	ms := d / time.Millisecond
	switch {
	case d < 0:
		return 0, fmt.Errorf("%w: negative max latency %s", ErrInvalidParams, d)
	case d > 0 && ms == 0:
		return 0, fmt.Errorf("%w: max latency %s is below 1ms", ErrInvalidParams, d)
	case ms > maxLatencyMS:
		return 0, fmt.Errorf("%w: max latency %s exceeds %dms", ErrInvalidParams, d, uint64(maxLatencyMS))
	}

	return uint32(ms), nil
}

// A command issues TDLS vendor commands for a single PHY and dispatches the
// driver's TDLS state change events to a Handler.
type command struct {
	t      transport
	phy    int
	vendor uint32
	log    zerolog.Logger

	// mu serializes operations and guards the fields below.
	mu     sync.Mutex
	status Status
	subs   map[uint32]struct{}

	// hmu guards the observer state read by the event goroutine.
	hmu     sync.Mutex
	handler Handler
	peers   map[string]struct{}
}

func newCommand(t transport, phy int, vendor uint32, log zerolog.Logger) *command {
	return &command{
		t:      t,
		phy:    phy,
		vendor: vendor,
		log:    log.With().Int("phy", phy).Logger(),

		subs:  make(map[uint32]struct{}),
		peers: make(map[string]struct{}),
	}
}

// start begins a new request for subcmd.
func (c *command) start(subcmd uint32) *request {
	ae := netlink.NewAttributeEncoder()
	ae.Uint32(nl80211.AttrVendorID, c.vendor)
	ae.Uint32(nl80211.AttrVendorSubcmd, subcmd)

	return &request{
		subcmd: subcmd,
		ae:     ae,
	}
}

// enable asks the driver to enable TDLS with peer and routes the resulting
// state change events to h.
func (c *command) enable(ifi *Interface, peer net.HardwareAddr, p Params, h Handler) error {
	if len(peer) != 6 {
		return ErrInvalidAddress
	}

	latency, err := latencyMS(p.MaxLatency)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	req := c.start(qca.SubcmdTDLSEnable)
	req.ack = true
	req.bind(ifi)
	req.group(func(ae *netlink.AttributeEncoder) error {
		if err := encodePeer(ae, qca.AttrTDLSEnableMACAddr, peer); err != nil {
			return err
		}

		ae.Uint32(qca.AttrTDLSEnableChannel, p.Channel)
		ae.Uint32(qca.AttrTDLSEnableGlobalOperatingClass, p.GlobalOperatingClass)
		ae.Uint32(qca.AttrTDLSEnableMaxLatencyMS, latency)
		ae.Uint32(qca.AttrTDLSEnableMinBandwidthKbps, p.MinBandwidthKbps)
		return nil
	})

	// Register before sending so that no event following the reply is lost.
	added, prev := c.addPeer(peer, h)
	if err := c.register(qca.SubcmdTDLSState); err != nil {
		c.restorePeer(peer, added, prev)
		return err
	}

	if _, err := c.execute(req); err != nil {
		if c.restorePeer(peer, added, prev) == 0 {
			c.unregister(qca.SubcmdTDLSState)
		}
		return err
	}

	c.log.Debug().Stringer("peer", peer).Msg("TDLS enabled")
	return nil
}

// disable asks the driver to tear down TDLS with peer. Once the driver has
// accepted the request no further events are delivered for peer, and the
// event registration is revoked when no enabled peers remain.
func (c *command) disable(ifi *Interface, peer net.HardwareAddr) error {
	if len(peer) != 6 {
		return ErrInvalidAddress
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	req := c.start(qca.SubcmdTDLSDisable)
	req.ack = true
	req.bind(ifi)
	req.group(func(ae *netlink.AttributeEncoder) error {
		return encodePeer(ae, qca.AttrTDLSDisableMACAddr, peer)
	})

	if _, err := c.execute(req); err != nil {
		return err
	}

	if c.removePeer(peer) == 0 {
		c.unregister(qca.SubcmdTDLSState)
	}

	c.log.Debug().Stringer("peer", peer).Msg("TDLS disabled")
	return nil
}

// getStatus queries the driver for the TDLS status of peer. The command's
// snapshot is only replaced by a fully decoded response.
func (c *command) getStatus(ifi *Interface, peer net.HardwareAddr) (*Status, error) {
	if len(peer) != 6 {
		return nil, ErrInvalidAddress
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	req := c.start(qca.SubcmdTDLSGetStatus)
	req.bind(ifi)
	req.group(func(ae *netlink.AttributeEncoder) error {
		return encodePeer(ae, qca.AttrTDLSGetStatusMACAddr, peer)
	})

	data, err := c.execute(req)
	if err != nil {
		return nil, err
	}

	msg, err := parseVendorData(qca.SubcmdTDLSGetStatus, data)
	if err != nil {
		c.log.Warn().Err(err).Stringer("peer", peer).Msg("invalid TDLS status response")
		return nil, err
	}

	rsp, ok := msg.(*statusResponse)
	if !ok {
		return nil, fmt.Errorf("tdls: unexpected status response %T", msg)
	}

	c.status = rsp.Status
	c.status.Peer = append(net.HardwareAddr(nil), peer...)

	s := c.status
	return &s, nil
}

// snapshot returns the most recent successfully decoded status.
func (c *command) snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.status
}

// execute sends req and waits for the driver's reply.
func (c *command) execute(req *request) ([]byte, error) {
	b, err := req.encode()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	data, err := c.t.execute(b, req.ack)
	recordCommand(subcmdName(req.subcmd), err, time.Since(start))
	if err != nil {
		c.log.Debug().Err(err).Str("command", subcmdName(req.subcmd)).Msg("vendor command failed")

		var terr *TransportError
		if errors.As(err, &terr) {
			return nil, err
		}

		return nil, &TransportError{Code: CodeUnknown, Err: err}
	}

	return data, nil
}

// register asks the transport to route vendor events for subcmd to this
// command. Registering an already registered subcommand is a no-op.
func (c *command) register(subcmd uint32) error {
	if _, ok := c.subs[subcmd]; ok {
		return nil
	}

	key := eventKey{vendor: c.vendor, subcmd: subcmd, phy: c.phy}
	if err := c.t.subscribe(key, c.handleEvent); err != nil {
		c.log.Error().Err(err).Str("event", subcmdName(subcmd)).Msg("unable to register vendor handler")
		return errors.Join(ErrRegistrationFailed, err)
	}

	c.subs[subcmd] = struct{}{}
	return nil
}

// unregister revokes the event registration for subcmd. It is idempotent.
func (c *command) unregister(subcmd uint32) {
	if _, ok := c.subs[subcmd]; !ok {
		return
	}

	c.t.unsubscribe(eventKey{vendor: c.vendor, subcmd: subcmd, phy: c.phy})
	delete(c.subs, subcmd)

	if subcmd == qca.SubcmdTDLSState {
		c.hmu.Lock()
		c.handler = nil
		c.peers = make(map[string]struct{})
		c.hmu.Unlock()
	}
}

// close revokes every event registration held by the command.
func (c *command) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subcmd := range c.subs {
		c.unregister(subcmd)
	}
}

// addPeer stores h as the observer and marks peer as enabled. It reports
// whether peer was not already enabled, and returns the observer h replaced.
func (c *command) addPeer(peer net.HardwareAddr, h Handler) (bool, Handler) {
	c.hmu.Lock()
	defer c.hmu.Unlock()

	prev := c.handler
	c.handler = h

	k := peer.String()
	if _, ok := c.peers[k]; ok {
		return false, prev
	}

	c.peers[k] = struct{}{}
	return true, prev
}

// restorePeer undoes addPeer after a failed enable. It returns the number of
// peers which remain enabled.
func (c *command) restorePeer(peer net.HardwareAddr, added bool, prev Handler) int {
	c.hmu.Lock()
	defer c.hmu.Unlock()

	c.handler = prev
	if added {
		delete(c.peers, peer.String())
	}

	return len(c.peers)
}

// removePeer marks peer as disabled and returns the number of peers which
// remain enabled.
func (c *command) removePeer(peer net.HardwareAddr) int {
	c.hmu.Lock()
	defer c.hmu.Unlock()

	delete(c.peers, peer.String())
	return len(c.peers)
}

// handleEvent is the entry point for vendor events routed to the command.
func (c *command) handleEvent(subcmd uint32, data []byte) {
	msg, err := parseVendorData(subcmd, data)
	if err != nil {
		recordEvent(subcmdName(subcmd), "invalid")
		c.log.Warn().Err(err).Str("event", subcmdName(subcmd)).Msg("invalid TDLS event")
		return
	}

	ev, ok := msg.(*stateChangeEvent)
	if !ok {
		recordEvent(subcmdName(subcmd), "ignored")
		c.log.Error().Uint32("subcmd", subcmd).Msg("unexpected TDLS event subcommand")
		return
	}

	c.hmu.Lock()
	h := c.handler
	_, enabled := c.peers[ev.Peer.String()]
	c.hmu.Unlock()

	switch {
	case h == nil:
		recordEvent(subcmdName(subcmd), "dropped")
		c.log.Warn().Stringer("peer", ev.Peer).Msg("no TDLS handler registered")
		return
	case !enabled:
		recordEvent(subcmdName(subcmd), "dropped")
		c.log.Debug().Stringer("peer", ev.Peer).Msg("TDLS event for disabled peer")
		return
	}

	recordEvent(subcmdName(subcmd), "delivered")
	c.log.Debug().
		Stringer("peer", ev.Peer).
		Stringer("state", ev.State).
		Stringer("reason", ev.Reason).
		Msg("TDLS state changed")

	h(ev.Peer, ev.Status)
}

// A registry holds the command for each PHY of a Client.
type registry struct {
	t      transport
	vendor uint32
	log    zerolog.Logger

	mu       sync.Mutex
	commands map[int]*command
	closed   bool
}

func newRegistry(t transport, vendor uint32, log zerolog.Logger) *registry {
	return &registry{
		t:        t,
		vendor:   vendor,
		log:      log,
		commands: make(map[int]*command),
	}
}

// command returns the command for phy, creating it on first use.
func (r *registry) command(phy int) (*command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errClosed
	}

	c, ok := r.commands[phy]
	if !ok {
		c = newCommand(r.t, phy, r.vendor, r.log)
		r.commands[phy] = c
	}

	return c, nil
}

// close revokes the event registrations of every command. The registry
// cannot be used afterwards.
func (r *registry) close() {
	r.mu.Lock()
	cmds := r.commands
	r.commands = nil
	r.closed = true
	r.mu.Unlock()

	for _, c := range cmds {
		c.close()
	}
}
