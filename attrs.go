package tdls

import (
	"net"

	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
	"github.com/wlanctl/tdls/internal/nl80211"
)

// Netlink attribute header length and alignment.
const (
	nlaHeaderLen = 4
	nlaAlignTo   = 4
)

// encodeGroup encodes the NL80211_ATTR_VENDOR_DATA group of a vendor command.
// Vendor attributes can only be added from within fn, and the group is
// always closed once fn returns.
func encodeGroup(ae *netlink.AttributeEncoder, fn func(ae *netlink.AttributeEncoder) error) {
	ae.Nested(nl80211.AttrVendorData, fn)
}

// encodePeer encodes a peer's 6 byte hardware address.
func encodePeer(ae *netlink.AttributeEncoder, typ uint16, peer net.HardwareAddr) error {
	if len(peer) != 6 {
		return ErrInvalidAddress
	}

	ae.Bytes(typ, peer)
	return nil
}

// encodeInt32 encodes a signed 32-bit vendor attribute. The vendor schema
// carries signed values in the same 4 bytes as unsigned ones.
func encodeInt32(ae *netlink.AttributeEncoder, typ uint16, v int32) {
	ae.Int32(typ, v)
}

// An attributeTable is a decoded view of a vendor attribute buffer, keyed by
// attribute type.
type attributeTable map[uint16][]byte

// decodeAttributes parses b into an attributeTable containing attribute types
// 0 through maxID. Parsing is permissive: attributes following a malformed
// one are left out of the table, as are types above maxID.
func decodeAttributes(b []byte, maxID uint16) attributeTable {
	t := make(attributeTable)

	ad, err := netlink.NewAttributeDecoder(wellFormed(b))
	if err != nil {
		return t
	}

	for ad.Next() {
		if typ := ad.Type(); typ <= maxID {
			t[typ] = ad.Bytes()
		}
	}

	// Every attribute was validated by wellFormed.
	_ = ad.Err()
	return t
}

// wellFormed returns the longest prefix of b which consists of complete
// netlink attributes.
func wellFormed(b []byte) []byte {
	var n int
	for len(b)-n >= nlaHeaderLen {
		l := int(nlenc.Uint16(b[n : n+2]))
		if l < nlaHeaderLen || n+l > len(b) {
			break
		}

		n += nlaAlign(l)
		if n > len(b) {
			n = len(b)
		}
	}

	return b[:n]
}

// nlaAlign rounds l up to the netlink attribute alignment.
func nlaAlign(l int) int {
	return (l + nlaAlignTo - 1) & ^(nlaAlignTo - 1)
}

// hardwareAddr returns the mandatory 6 byte address attribute typ.
func (t attributeTable) hardwareAddr(typ uint16, name string) (net.HardwareAddr, error) {
	b, ok := t[typ]
	if !ok || len(b) < 6 {
		return nil, &MissingAttributeError{ID: typ, Name: name}
	}

	addr := make(net.HardwareAddr, 6)
	copy(addr, b)
	return addr, nil
}

// uint32 returns the mandatory unsigned 32-bit attribute typ.
func (t attributeTable) uint32(typ uint16, name string) (uint32, error) {
	b, ok := t[typ]
	if !ok || len(b) < 4 {
		return 0, &MissingAttributeError{ID: typ, Name: name}
	}

	return nlenc.Uint32(b[:4]), nil
}

// int32 returns the mandatory signed 32-bit attribute typ.
func (t attributeTable) int32(typ uint16, name string) (int32, error) {
	v, err := t.uint32(typ, name)
	if err != nil {
		return 0, err
	}

	return int32(v), nil
}
