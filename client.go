package tdls

import (
	"errors"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/wlanctl/tdls/internal/qca"
)

// errUnimplemented is returned by all functions on platforms that do not
// support nl80211.
var errUnimplemented = errors.New("TDLS vendor commands not implemented on this platform")

// Config contains options for a Client.
type Config struct {
	// VendorID is the OUI carried by vendor commands. If zero, the
	// Qualcomm Atheros OUI is used.
	VendorID uint32

	// Logger receives protocol diagnostics. If nil, nothing is logged.
	Logger *zerolog.Logger
}

// A Client issues TDLS vendor commands to WiFi drivers using operating
// system-specific operations.
//
// Each PHY is driven by a single command instance owned by the Client, and
// operations on the same PHY are serialized.
type Client struct {
	c *client
	r *registry
}

// New creates a new Client. cfg may be nil to use the defaults.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	vendor := cfg.VendorID
	if vendor == 0 {
		vendor = qca.OUI
	}

	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}

	c, err := newClient(log)
	if err != nil {
		return nil, err
	}

	return newClientWith(c, vendor, log), nil
}

func newClientWith(c *client, vendor uint32, log zerolog.Logger) *Client {
	return &Client{
		c: c,
		r: newRegistry(c, vendor, log),
	}
}

// Close revokes all TDLS event registrations and releases resources used
// by a Client. Close waits for running Handlers to return, so it must not be
// called from a Handler.
func (c *Client) Close() error {
	c.r.close()
	return c.c.Close()
}

// Interfaces returns a list of the system's WiFi network interfaces.
func (c *Client) Interfaces() ([]*Interface, error) {
	return c.c.Interfaces()
}

// Enable asks the driver of the named interface to enable TDLS with peer,
// using p as hints for the direct link.
//
// On success, the driver reports state changes for peer to h until Disable
// is called for peer or Unregister is called for the interface. A single
// Handler serves each PHY: the most recent h replaces earlier ones.
func (c *Client) Enable(ifname string, peer net.HardwareAddr, p Params, h Handler) error {
	ifi, cmd, err := c.command(ifname)
	if err != nil {
		return err
	}

	return cmd.enable(ifi, peer, p, h)
}

// Disable asks the driver of the named interface to tear down TDLS with
// peer. Once Disable returns successfully, h passed to Enable is no longer
// invoked for peer.
func (c *Client) Disable(ifname string, peer net.HardwareAddr) error {
	ifi, cmd, err := c.command(ifname)
	if err != nil {
		return err
	}

	return cmd.disable(ifi, peer)
}

// Status retrieves the TDLS status of peer from the driver of the named
// interface.
func (c *Client) Status(ifname string, peer net.HardwareAddr) (*Status, error) {
	ifi, cmd, err := c.command(ifname)
	if err != nil {
		return nil, err
	}

	return cmd.getStatus(ifi, peer)
}

// Unregister stops delivering TDLS state changes for every peer on the PHY
// of the named interface, without changing the driver's TDLS state.
func (c *Client) Unregister(ifname string) error {
	_, cmd, err := c.command(ifname)
	if err != nil {
		return err
	}

	cmd.mu.Lock()
	defer cmd.mu.Unlock()

	cmd.unregister(qca.SubcmdTDLSState)
	return nil
}

// command resolves ifname and returns the command for its PHY.
func (c *Client) command(ifname string) (*Interface, *command, error) {
	ifi, err := c.c.interfaceByName(ifname)
	if err != nil {
		return nil, nil, err
	}

	cmd, err := c.r.command(ifi.PHY)
	if err != nil {
		return nil, nil, err
	}

	return ifi, cmd, nil
}

// SetDeadline sets the read and write deadlines associated with the connection.
func (c *Client) SetDeadline(t time.Time) error {
	return c.c.SetDeadline(t)
}

// SetReadDeadline sets the read deadline associated with the connection.
func (c *Client) SetReadDeadline(t time.Time) error {
	return c.c.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline associated with the connection.
func (c *Client) SetWriteDeadline(t time.Time) error {
	return c.c.SetWriteDeadline(t)
}
