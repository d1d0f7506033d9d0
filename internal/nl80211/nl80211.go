// Package nl80211 contains the subset of nl80211 identifiers needed to
// build and parse vendor commands on every platform.
//
// The values match nl80211.h. golang.org/x/sys/unix only exports them on
// Linux, and the vendor attribute codec is shared by all builds.
package nl80211

// Commands from the nl80211_commands enumeration.
const (
	CmdGetInterface = 5
	CmdNewInterface = 7
	CmdVendor       = 103
)

// Attributes from the nl80211_attrs enumeration.
const (
	AttrWiphy        = 1
	AttrIfindex      = 3
	AttrIfname       = 4
	AttrMAC          = 6
	AttrVendorID     = 195
	AttrVendorSubcmd = 196
	AttrVendorData   = 197
)

// MulticastGroupVendor is the name of the multicast group on which drivers
// emit vendor events.
const MulticastGroupVendor = "vendor"
