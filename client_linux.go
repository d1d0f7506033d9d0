//go:build linux
// +build linux

package tdls

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

var _ transport = &client{}

// An eventConn is a generic netlink connection joined to the nl80211 vendor
// multicast group.
type eventConn interface {
	JoinGroup(group uint32) error
	LeaveGroup(group uint32) error
	Receive() ([]genetlink.Message, []netlink.Message, error)
	Close() error
}

// A client is the Linux implementation of the TDLS transport, which makes
// use of netlink, generic netlink, and nl80211 vendor commands.
type client struct {
	c             *genetlink.Conn
	familyID      uint16
	familyVersion uint8
	vendorGroup   uint32
	log           zerolog.Logger

	// dial opens the secondary connection used to receive vendor events.
	dial func() (eventConn, error)

	// mu guards the fields below.
	mu       sync.Mutex
	handlers map[eventKey]func(subcmd uint32, data []byte)
	events   eventConn
	closed   bool

	// wg tracks event receive goroutines.
	wg sync.WaitGroup
}

// newClient dials a generic netlink connection and verifies that nl80211
// is available for use by this package.
func newClient(log zerolog.Logger) (*client, error) {
	c, err := genetlink.Dial(nil)
	if err != nil {
		return nil, err
	}

	// Make a best effort to apply the strict options set to provide better
	// errors and validation. We don't apply Strict in the constructor because
	// TDLS capable drivers ship on a range of kernels and we can't guarantee
	// it will always work on older kernels.
	for _, o := range []netlink.ConnOption{
		netlink.ExtendedAcknowledge,
		netlink.GetStrictCheck,
	} {
		_ = c.SetOption(o, true)
	}

	return initClient(c, log)
}

func initClient(c *genetlink.Conn, log zerolog.Logger) (*client, error) {
	family, err := c.GetFamily(unix.NL80211_GENL_NAME)
	if err != nil {
		// Ensure the genl socket is closed on error to avoid leaking file
		// descriptors.
		_ = c.Close()
		return nil, err
	}

	// A zero group ID means that vendor events are unavailable, which is
	// only reported once a Handler is registered.
	var group uint32
	for _, g := range family.Groups {
		if g.Name == unix.NL80211_MULTICAST_GROUP_VENDOR {
			group = g.ID
			break
		}
	}

	return &client{
		c:             c,
		familyID:      family.ID,
		familyVersion: family.Version,
		vendorGroup:   group,
		log:           log,

		dial: func() (eventConn, error) {
			return genetlink.Dial(nil)
		},
		handlers: make(map[eventKey]func(uint32, []byte)),
	}, nil
}

// Close stops receiving vendor events and closes the client's generic
// netlink connections.
func (c *client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.handlers = nil
	events := c.events
	c.events = nil
	c.mu.Unlock()

	if events != nil {
		_ = events.Close()
	}
	c.wg.Wait()

	return c.c.Close()
}

// Interfaces requests that nl80211 return a list of all WiFi interfaces present
// on this system.
func (c *client) Interfaces() ([]*Interface, error) {
	// Ask nl80211 to dump a list of all WiFi interfaces
	msgs, err := c.c.Execute(
		genetlink.Message{
			Header: genetlink.Header{
				Command: unix.NL80211_CMD_GET_INTERFACE,
				Version: c.familyVersion,
			},
		},
		c.familyID,
		netlink.Request|netlink.Dump,
	)
	if err != nil {
		return nil, err
	}

	return parseInterfaces(msgs)
}

// interfaceByName resolves the WiFi interface with the specified name.
func (c *client) interfaceByName(name string) (*Interface, error) {
	ifis, err := c.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, ifi := range ifis {
		if ifi.Name == name {
			return ifi, nil
		}
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownInterface, name)
}

// execute executes an nl80211 vendor command with the specified netlink
// request attributes and returns the vendor data of the reply. The
// netlink.Request header flag is automatically set.
func (c *client) execute(attrs []byte, ack bool) ([]byte, error) {
	// Only request an acknowledgement when the driver sends no reply, or
	// we get an extra message back from the kernel after the reply.
	flags := netlink.Request
	if ack {
		flags |= netlink.Acknowledge
	}

	msgs, err := c.c.Execute(
		genetlink.Message{
			Header: genetlink.Header{
				Command: unix.NL80211_CMD_VENDOR,
				Version: c.familyVersion,
			},
			Data: attrs,
		},
		c.familyID,
		flags,
	)
	if err != nil {
		return nil, transportError(err)
	}

	return parseVendorReply(msgs)
}

// subscribe implements transport.
func (c *client) subscribe(key eventKey, fn func(uint32, []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errClosed
	}

	if c.events == nil {
		if err := c.listen(); err != nil {
			return err
		}
	}

	c.handlers[key] = fn
	return nil
}

// unsubscribe implements transport. The event connection is closed once no
// subscriptions remain.
func (c *client) unsubscribe(key eventKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.handlers[key]; !ok {
		return
	}

	delete(c.handlers, key)
	if len(c.handlers) > 0 || c.events == nil {
		return
	}

	// Leave group on exit. Err is non-actionable
	_ = c.events.LeaveGroup(c.vendorGroup)
	_ = c.events.Close()
	c.events = nil
}

// listen dials the event connection, joins the vendor multicast group and
// starts receiving events. The caller must hold c.mu.
func (c *client) listen() error {
	if c.vendorGroup == 0 {
		return fmt.Errorf("nl80211 %q multicast group: %w",
			unix.NL80211_MULTICAST_GROUP_VENDOR, ErrNotSupported)
	}

	conn, err := c.dial()
	if err != nil {
		return err
	}

	if err := conn.JoinGroup(c.vendorGroup); err != nil {
		_ = conn.Close()
		return err
	}

	c.events = conn

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.receiveEvents(conn)
	}()

	return nil
}

// receiveEvents receives vendor events from conn until it is closed.
//
// The caller should not receive on the given connection and is responsible
// for closing it.
func (c *client) receiveEvents(conn eventConn) {
	for {
		msgs, _, err := conn.Receive()
		if err != nil {
			c.log.Debug().Err(err).Msg("stopped receiving vendor events")
			return
		}

		for _, m := range msgs {
			c.dispatch(m)
		}
	}
}

// dispatch routes a single vendor event to its subscriber.
func (c *client) dispatch(m genetlink.Message) {
	if m.Header.Command != unix.NL80211_CMD_VENDOR {
		return
	}

	key, data, err := parseVendorEvent(m.Data)
	if err != nil {
		c.log.Debug().Err(err).Msg("malformed vendor event")
		return
	}

	c.mu.Lock()
	fn, ok := c.handlers[key]
	c.mu.Unlock()

	if !ok {
		c.log.Debug().
			Uint32("vendor", key.vendor).
			Uint32("subcmd", key.subcmd).
			Int("phy", key.phy).
			Msg("no handler for vendor event")
		return
	}

	fn(key.subcmd, data)
}

// SetDeadline sets the read and write deadlines associated with the connection.
func (c *client) SetDeadline(t time.Time) error {
	return c.c.SetDeadline(t)
}

// SetReadDeadline sets the read deadline associated with the connection.
func (c *client) SetReadDeadline(t time.Time) error {
	return c.c.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline associated with the connection.
func (c *client) SetWriteDeadline(t time.Time) error {
	return c.c.SetWriteDeadline(t)
}

// transportError converts a netlink error into a *TransportError carrying
// the negative errno reported by the kernel or driver.
func transportError(err error) error {
	code := CodeUnknown

	var errno unix.Errno
	if errors.As(err, &errno) {
		code = -int(errno)
	}

	return &TransportError{Code: code, Err: err}
}

// parseVendorReply returns the vendor data of an nl80211 vendor command
// reply. Replies which only acknowledge the command have no vendor data.
func parseVendorReply(msgs []genetlink.Message) ([]byte, error) {
	for _, m := range msgs {
		if m.Header.Command != unix.NL80211_CMD_VENDOR {
			continue
		}

		ad, err := netlink.NewAttributeDecoder(m.Data)
		if err != nil {
			return nil, err
		}

		for ad.Next() {
			if ad.Type() == unix.NL80211_ATTR_VENDOR_DATA {
				return ad.Bytes(), nil
			}
		}

		if err := ad.Err(); err != nil {
			return nil, err
		}
	}

	return nil, nil
}

// parseVendorEvent parses the routing attributes and vendor data of an
// nl80211 vendor event.
func parseVendorEvent(b []byte) (eventKey, []byte, error) {
	ad, err := netlink.NewAttributeDecoder(b)
	if err != nil {
		return eventKey{}, nil, err
	}

	var (
		key               eventKey
		data              []byte
		hasVendor, hasCmd bool
	)

	for ad.Next() {
		switch ad.Type() {
		case unix.NL80211_ATTR_WIPHY:
			key.phy = int(ad.Uint32())
		case unix.NL80211_ATTR_VENDOR_ID:
			key.vendor = ad.Uint32()
			hasVendor = true
		case unix.NL80211_ATTR_VENDOR_SUBCMD:
			key.subcmd = ad.Uint32()
			hasCmd = true
		case unix.NL80211_ATTR_VENDOR_DATA:
			data = ad.Bytes()
		}
	}

	if err := ad.Err(); err != nil {
		return eventKey{}, nil, err
	}

	if !hasVendor || !hasCmd {
		return eventKey{}, nil, errors.New("vendor event without vendor ID or subcommand")
	}

	return key, data, nil
}

// parseInterfaces parses zero or more Interfaces from nl80211 interface
// messages.
func parseInterfaces(msgs []genetlink.Message) ([]*Interface, error) {
	ifis := make([]*Interface, 0, len(msgs))
	for _, m := range msgs {
		attrs, err := netlink.UnmarshalAttributes(m.Data)
		if err != nil {
			return nil, err
		}

		var ifi Interface
		if err := (&ifi).parseAttributes(attrs); err != nil {
			return nil, err
		}

		ifis = append(ifis, &ifi)
	}

	return ifis, nil
}

// parseAttributes parses netlink attributes into an Interface's fields.
func (ifi *Interface) parseAttributes(attrs []netlink.Attribute) error {
	for _, a := range attrs {
		switch a.Type {
		case unix.NL80211_ATTR_IFINDEX:
			ifi.Index = int(nlenc.Uint32(a.Data))
		case unix.NL80211_ATTR_IFNAME:
			ifi.Name = nlenc.String(a.Data)
		case unix.NL80211_ATTR_MAC:
			ifi.HardwareAddr = net.HardwareAddr(a.Data)
		case unix.NL80211_ATTR_WIPHY:
			ifi.PHY = int(nlenc.Uint32(a.Data))
		}
	}

	return nil
}
