//go:build linux
// +build linux

package tdls

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/genetlink/genltest"
	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
	"github.com/rs/zerolog"
	"github.com/wlanctl/tdls/internal/nl80211"
	"github.com/wlanctl/tdls/internal/qca"
	"golang.org/x/sys/unix"
)

func TestLinux_nl80211Constants(t *testing.T) {
	tests := []struct {
		name      string
		want, got int
	}{
		{name: "CMD_GET_INTERFACE", want: unix.NL80211_CMD_GET_INTERFACE, got: nl80211.CmdGetInterface},
		{name: "CMD_NEW_INTERFACE", want: unix.NL80211_CMD_NEW_INTERFACE, got: nl80211.CmdNewInterface},
		{name: "CMD_VENDOR", want: unix.NL80211_CMD_VENDOR, got: nl80211.CmdVendor},
		{name: "ATTR_WIPHY", want: unix.NL80211_ATTR_WIPHY, got: nl80211.AttrWiphy},
		{name: "ATTR_IFINDEX", want: unix.NL80211_ATTR_IFINDEX, got: nl80211.AttrIfindex},
		{name: "ATTR_IFNAME", want: unix.NL80211_ATTR_IFNAME, got: nl80211.AttrIfname},
		{name: "ATTR_MAC", want: unix.NL80211_ATTR_MAC, got: nl80211.AttrMAC},
		{name: "ATTR_VENDOR_ID", want: unix.NL80211_ATTR_VENDOR_ID, got: nl80211.AttrVendorID},
		{name: "ATTR_VENDOR_SUBCMD", want: unix.NL80211_ATTR_VENDOR_SUBCMD, got: nl80211.AttrVendorSubcmd},
		{name: "ATTR_VENDOR_DATA", want: unix.NL80211_ATTR_VENDOR_DATA, got: nl80211.AttrVendorData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, tt.got); diff != "" {
				t.Fatalf("unexpected constant value (-want +got):\n%s", diff)
			}
		})
	}

	if diff := cmp.Diff(unix.NL80211_MULTICAST_GROUP_VENDOR, nl80211.MulticastGroupVendor); diff != "" {
		t.Fatalf("unexpected multicast group name (-want +got):\n%s", diff)
	}
}

func TestLinux_clientInterfacesOK(t *testing.T) {
	want := []*Interface{
		{
			Index:        1,
			Name:         "wlan0",
			HardwareAddr: net.HardwareAddr{0xde, 0xad, 0xbe, 0xef, 0xde, 0xad},
			PHY:          0,
		},
		{
			Index:        2,
			Name:         "wlan1",
			HardwareAddr: net.HardwareAddr{0xde, 0xad, 0xbe, 0xef, 0xde, 0xae},
			PHY:          1,
		},
	}

	const flags = netlink.Request | netlink.Dump

	c := testClient(t, genltest.CheckRequest(familyID, unix.NL80211_CMD_GET_INTERFACE, flags,
		mustInterfaces(want),
	))

	got, err := c.Interfaces()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected interfaces (-want +got):\n%s", diff)
	}
}

func TestLinux_ClientUnknownInterface(t *testing.T) {
	c := testTDLSClient(t, testClient(t, route(t, nil)))

	_, err := c.Status("wlan9", testPeer)
	if !errors.Is(err, ErrUnknownInterface) {
		t.Fatalf("expected unknown interface, but got: %v", err)
	}

	if diff := cmp.Diff(CodeInvalidArgs, Code(err)); diff != "" {
		t.Fatalf("unexpected code (-want +got):\n%s", diff)
	}
}

func TestLinux_ClientEnableRequest(t *testing.T) {
	const flags = netlink.Request | netlink.Acknowledge

	var got []netlink.Attribute
	c := testTDLSClient(t, testClient(t, route(t, genltest.CheckRequest(familyID, unix.NL80211_CMD_VENDOR, flags,
		func(greq genetlink.Message, _ netlink.Message) ([]genetlink.Message, error) {
			attrs, err := netlink.UnmarshalAttributes(greq.Data)
			if err != nil {
				return nil, err
			}

			got = attrs
			return vendorAck(), nil
		},
	))))
	c.c.dial = func() (eventConn, error) { return newFakeEventConn(), nil }

	err := c.Enable("wlan0", testPeer, Params{
		Channel:              40,
		GlobalOperatingClass: 81,
		MaxLatency:           100 * time.Millisecond,
		MinBandwidthKbps:     2000,
	}, func(net.HardwareAddr, Status) {})
	if err != nil {
		t.Fatalf("failed to enable TDLS: %v", err)
	}

	want := []netlink.Attribute{
		{Type: unix.NL80211_ATTR_VENDOR_ID, Data: nlenc.Uint32Bytes(qca.OUI)},
		{Type: unix.NL80211_ATTR_VENDOR_SUBCMD, Data: nlenc.Uint32Bytes(qca.SubcmdTDLSEnable)},
		{Type: unix.NL80211_ATTR_IFINDEX, Data: nlenc.Uint32Bytes(uint32(testInterfaces[0].Index))},
		{
			Type: netlink.Nested | unix.NL80211_ATTR_VENDOR_DATA,
			Data: mustMarshalAttributes([]netlink.Attribute{
				{Type: qca.AttrTDLSEnableMACAddr, Data: testPeer},
				{Type: qca.AttrTDLSEnableChannel, Data: nlenc.Uint32Bytes(40)},
				{Type: qca.AttrTDLSEnableGlobalOperatingClass, Data: nlenc.Uint32Bytes(81)},
				{Type: qca.AttrTDLSEnableMaxLatencyMS, Data: nlenc.Uint32Bytes(100)},
				{Type: qca.AttrTDLSEnableMinBandwidthKbps, Data: nlenc.Uint32Bytes(2000)},
			}),
		},
	}

	if diff := diffNetlinkAttributes(want, got); diff != "" {
		t.Fatalf("unexpected enable request (-want +got):\n%s", diff)
	}
}

func TestLinux_ClientStatusOK(t *testing.T) {
	const flags = netlink.Request

	c := testTDLSClient(t, testClient(t, route(t, genltest.CheckRequest(familyID, unix.NL80211_CMD_VENDOR, flags,
		func(_ genetlink.Message, _ netlink.Message) ([]genetlink.Message, error) {
			data := statusReply(t, statusAttrIDs, Status{
				State:                StateEstablishedOffChannel,
				Reason:               ReasonSuccess,
				Channel:              149,
				GlobalOperatingClass: 124,
			})

			return []genetlink.Message{{
				Header: genetlink.Header{
					Command: unix.NL80211_CMD_VENDOR,
				},
				Data: mustMarshalAttributes([]netlink.Attribute{
					{Type: unix.NL80211_ATTR_VENDOR_ID, Data: nlenc.Uint32Bytes(qca.OUI)},
					{Type: unix.NL80211_ATTR_VENDOR_SUBCMD, Data: nlenc.Uint32Bytes(qca.SubcmdTDLSGetStatus)},
					{Type: netlink.Nested | unix.NL80211_ATTR_VENDOR_DATA, Data: data},
				}),
			}}, nil
		},
	))))

	want := &Status{
		Peer:                 testPeer,
		State:                StateEstablishedOffChannel,
		Reason:               ReasonSuccess,
		Channel:              149,
		GlobalOperatingClass: 124,
	}

	got, err := c.Status("wlan0", testPeer)
	if err != nil {
		t.Fatalf("failed to get status: %v", err)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected status (-want +got):\n%s", diff)
	}
}

func TestLinux_ClientStatusErrno(t *testing.T) {
	c := testTDLSClient(t, testClient(t, route(t, func(_ genetlink.Message, _ netlink.Message) ([]genetlink.Message, error) {
		return nil, genltest.Error(int(unix.EOPNOTSUPP))
	})))

	_, err := c.Status("wlan0", testPeer)

	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected transport error, but got: %v", err)
	}

	if diff := cmp.Diff(-int(unix.EOPNOTSUPP), Code(err)); diff != "" {
		t.Fatalf("unexpected code (-want +got):\n%s", diff)
	}
}

func TestLinux_ClientNoVendorGroup(t *testing.T) {
	family := genetlink.Family{
		ID:      familyID,
		Name:    unix.NL80211_GENL_NAME,
		Version: 1,
	}

	c := testTDLSClient(t, testClientFamily(t, family, route(t, func(_ genetlink.Message, _ netlink.Message) ([]genetlink.Message, error) {
		t.Error("vendor command sent without an event registration")
		return vendorAck(), nil
	})))

	err := c.Enable("wlan0", testPeer, Params{}, func(net.HardwareAddr, Status) {})
	if !errors.Is(err, ErrRegistrationFailed) {
		t.Fatalf("expected registration failure, but got: %v", err)
	}
	if !errors.Is(err, ErrNotSupported) {
		t.Fatalf("expected not supported, but got: %v", err)
	}
}

func TestLinux_ClientEvents(t *testing.T) {
	ec := newFakeEventConn()

	c := testTDLSClient(t, testClient(t, route(t, func(_ genetlink.Message, _ netlink.Message) ([]genetlink.Message, error) {
		return vendorAck(), nil
	})))
	c.c.dial = func() (eventConn, error) { return ec, nil }

	events := make(chan Status, 1)
	err := c.Enable("wlan0", testPeer, Params{}, func(_ net.HardwareAddr, s Status) {
		events <- s
	})
	if err != nil {
		t.Fatalf("failed to enable TDLS: %v", err)
	}

	if diff := cmp.Diff([]uint32{vendorGroupID}, ec.joinedGroups()); diff != "" {
		t.Fatalf("unexpected joined groups (-want +got):\n%s", diff)
	}

	phy := uint32(testInterfaces[0].PHY)
	ec.msgs <- []genetlink.Message{
		// Events for other vendors, subcommands and PHYs are not routed.
		vendorEvent(phy, 0x001a11, qca.SubcmdTDLSState, stateEvent(t, testPeer, StateFailed, ReasonUnspecified)),
		vendorEvent(phy, qca.OUI, qca.SubcmdTDLSGetStatus, stateEvent(t, testPeer, StateFailed, ReasonUnspecified)),
		vendorEvent(phy+1, qca.OUI, qca.SubcmdTDLSState, stateEvent(t, testPeer, StateFailed, ReasonUnspecified)),
		{Header: genetlink.Header{Command: unix.NL80211_CMD_NEW_INTERFACE}},
		vendorEvent(phy, qca.OUI, qca.SubcmdTDLSState, stateEvent(t, testPeer, StateEstablished, ReasonSuccess)),
	}

	want := Status{
		Peer:                 testPeer,
		State:                StateEstablished,
		Reason:               ReasonSuccess,
		Channel:              36,
		GlobalOperatingClass: 115,
	}

	select {
	case got := <-events:
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("unexpected event (-want +got):\n%s", diff)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for TDLS event")
	}

	if err := c.Disable("wlan0", testPeer); err != nil {
		t.Fatalf("failed to disable TDLS: %v", err)
	}

	// Disabling the last peer revokes the registration.
	if diff := cmp.Diff([]uint32{vendorGroupID}, ec.leftGroups()); diff != "" {
		t.Fatalf("unexpected left groups (-want +got):\n%s", diff)
	}
	if !ec.isClosed() {
		t.Fatal("event connection was not closed")
	}
}

func TestLinux_ClientHandlerDisable(t *testing.T) {
	ec := newFakeEventConn()

	c := testTDLSClient(t, testClient(t, route(t, func(_ genetlink.Message, _ netlink.Message) ([]genetlink.Message, error) {
		return vendorAck(), nil
	})))
	c.c.dial = func() (eventConn, error) { return ec, nil }

	// Tear down the link from the event goroutine once it is established.
	errC := make(chan error, 1)
	err := c.Enable("wlan0", testPeer, Params{}, func(peer net.HardwareAddr, _ Status) {
		errC <- c.Disable("wlan0", peer)
	})
	if err != nil {
		t.Fatalf("failed to enable TDLS: %v", err)
	}

	phy := uint32(testInterfaces[0].PHY)
	ec.msgs <- []genetlink.Message{
		vendorEvent(phy, qca.OUI, qca.SubcmdTDLSState, stateEvent(t, testPeer, StateEstablished, ReasonSuccess)),
	}

	select {
	case err := <-errC:
		if err != nil {
			t.Fatalf("failed to disable TDLS from handler: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for handler")
	}

	// The event goroutine exits with the connection, so closing the client
	// on cleanup does not block.
	if !ec.isClosed() {
		t.Fatal("event connection was not closed")
	}
}

func TestLinux_parseVendorEventMissingRouting(t *testing.T) {
	b := mustMarshalAttributes([]netlink.Attribute{
		{Type: unix.NL80211_ATTR_WIPHY, Data: nlenc.Uint32Bytes(0)},
		{Type: unix.NL80211_ATTR_VENDOR_DATA, Data: []byte{}},
	})

	if _, _, err := parseVendorEvent(b); err == nil {
		t.Fatal("no error occurred, but expected one")
	}
}

func TestLinux_parseVendorReplyAck(t *testing.T) {
	data, err := parseVendorReply([]genetlink.Message{
		{Header: genetlink.Header{Command: 0}},
		{Header: genetlink.Header{Command: unix.NL80211_CMD_VENDOR}},
	})
	if err != nil {
		t.Fatalf("failed to parse reply: %v", err)
	}

	if len(data) != 0 {
		t.Fatalf("expected no vendor data, but got: %v", data)
	}
}

func TestLinux_initClientErrorCloseConn(t *testing.T) {
	c := genltest.Dial(func(_ genetlink.Message, _ netlink.Message) ([]genetlink.Message, error) {
		// Assume that nl80211 does not exist on this system.
		// The genetlink Conn should be closed to avoid leaking file descriptors.
		return nil, genltest.Error(int(syscall.ENOENT))
	})

	if _, err := initClient(c, zerolog.Nop()); err == nil {
		t.Fatal("no error occurred, but expected one")
	}
}

const (
	familyID      = 26
	vendorGroupID = 5
)

var testInterfaces = []*Interface{{
	Index:        3,
	Name:         "wlan0",
	HardwareAddr: net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
	PHY:          1,
}}

func testClient(t *testing.T, fn genltest.Func) *client {
	return testClientFamily(t, genetlink.Family{
		ID:      familyID,
		Name:    unix.NL80211_GENL_NAME,
		Version: 1,
		Groups: []genetlink.MulticastGroup{
			{ID: 4, Name: unix.NL80211_MULTICAST_GROUP_MLME},
			{ID: vendorGroupID, Name: unix.NL80211_MULTICAST_GROUP_VENDOR},
		},
	}, fn)
}

func testClientFamily(t *testing.T, family genetlink.Family, fn genltest.Func) *client {
	c := genltest.Dial(genltest.ServeFamily(family, func(greq genetlink.Message, nreq netlink.Message) ([]genetlink.Message, error) {
		// If this function is invoked, we are calling a nl80211 function.
		if diff := cmp.Diff(int(family.ID), int(nreq.Header.Type)); diff != "" {
			t.Fatalf("unexpected generic netlink family ID (-want +got):\n%s", diff)
		}

		if diff := cmp.Diff(family.Version, greq.Header.Version); diff != "" {
			t.Fatalf("unexpected generic netlink family version (-want +got):\n%s", diff)
		}

		msgs, err := fn(greq, nreq)
		if err != nil {
			return nil, err
		}

		// Do a favor for the caller by planting the correct version in each message
		// header, as long as no version is supplied.
		for i := range msgs {
			if msgs[i].Header.Version == 0 {
				msgs[i].Header.Version = family.Version
			}
		}

		return msgs, nil
	}))

	client, err := initClient(c, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to initialize test client: %v", err)
	}

	return client
}

// testTDLSClient wraps c in a Client which is closed on cleanup.
func testTDLSClient(t *testing.T, c *client) *Client {
	t.Helper()

	tc := newClientWith(c, qca.OUI, zerolog.Nop())
	t.Cleanup(func() { _ = tc.Close() })
	return tc
}

// route answers interface dumps with testInterfaces and passes vendor
// commands to vendor.
func route(t *testing.T, vendor genltest.Func) genltest.Func {
	interfaces := mustInterfaces(testInterfaces)

	return func(greq genetlink.Message, nreq netlink.Message) ([]genetlink.Message, error) {
		switch greq.Header.Command {
		case unix.NL80211_CMD_GET_INTERFACE:
			return interfaces(greq, nreq)
		case unix.NL80211_CMD_VENDOR:
			if vendor == nil {
				t.Error("unexpected vendor command")
				return vendorAck(), nil
			}

			return vendor(greq, nreq)
		default:
			return nil, fmt.Errorf("unexpected nl80211 command: %d", greq.Header.Command)
		}
	}
}

// vendorAck is the reply to a vendor command which carries no vendor data.
func vendorAck() []genetlink.Message {
	return []genetlink.Message{{
		Header: genetlink.Header{
			Command: unix.NL80211_CMD_VENDOR,
		},
	}}
}

func vendorEvent(phy, vendor, subcmd uint32, data []byte) genetlink.Message {
	return genetlink.Message{
		Header: genetlink.Header{
			Command: unix.NL80211_CMD_VENDOR,
		},
		Data: mustMarshalAttributes([]netlink.Attribute{
			{Type: unix.NL80211_ATTR_WIPHY, Data: nlenc.Uint32Bytes(phy)},
			{Type: unix.NL80211_ATTR_VENDOR_ID, Data: nlenc.Uint32Bytes(vendor)},
			{Type: unix.NL80211_ATTR_VENDOR_SUBCMD, Data: nlenc.Uint32Bytes(subcmd)},
			{Type: netlink.Nested | unix.NL80211_ATTR_VENDOR_DATA, Data: data},
		}),
	}
}

func mustInterfaces(ifis []*Interface) genltest.Func {
	msgs := make([]genetlink.Message, 0, len(ifis))
	for _, ifi := range ifis {
		msgs = append(msgs, genetlink.Message{
			Header: genetlink.Header{
				Command: unix.NL80211_CMD_NEW_INTERFACE,
			},
			Data: mustMarshalAttributes(ifi.attributes()),
		})
	}

	return func(_ genetlink.Message, _ netlink.Message) ([]genetlink.Message, error) {
		return msgs, nil
	}
}

func (ifi *Interface) attributes() []netlink.Attribute {
	return []netlink.Attribute{
		{Type: unix.NL80211_ATTR_IFINDEX, Data: nlenc.Uint32Bytes(uint32(ifi.Index))},
		{Type: unix.NL80211_ATTR_IFNAME, Data: nlenc.Bytes(ifi.Name)},
		{Type: unix.NL80211_ATTR_MAC, Data: ifi.HardwareAddr},
		{Type: unix.NL80211_ATTR_WIPHY, Data: nlenc.Uint32Bytes(uint32(ifi.PHY))},
	}
}

var _ eventConn = &fakeEventConn{}

// A fakeEventConn delivers the message batches sent on msgs until closed.
type fakeEventConn struct {
	msgs chan []genetlink.Message
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	joined []uint32
	left   []uint32
}

func newFakeEventConn() *fakeEventConn {
	return &fakeEventConn{
		msgs: make(chan []genetlink.Message),
		done: make(chan struct{}),
	}
}

func (c *fakeEventConn) JoinGroup(group uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.joined = append(c.joined, group)
	return nil
}

func (c *fakeEventConn) LeaveGroup(group uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.left = append(c.left, group)
	return nil
}

func (c *fakeEventConn) Receive() ([]genetlink.Message, []netlink.Message, error) {
	select {
	case msgs := <-c.msgs:
		return msgs, nil, nil
	case <-c.done:
		return nil, nil, errors.New("use of closed connection")
	}
}

func (c *fakeEventConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeEventConn) joinedGroups() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]uint32(nil), c.joined...)
}

func (c *fakeEventConn) leftGroups() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]uint32(nil), c.left...)
}

func (c *fakeEventConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
