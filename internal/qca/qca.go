// Package qca contains the Qualcomm Atheros nl80211 vendor command
// identifiers used for TDLS control.
//
// Values mirror qca_nl80211_vendor_subcmds and the qca_wlan_vendor_attr_tdls_*
// enumerations from the QCA vendor definitions shipped with the driver.
package qca

// OUI is the vendor identifier carried in NL80211_ATTR_VENDOR_ID.
const OUI = 0x001374

// Vendor subcommands, carried in NL80211_ATTR_VENDOR_SUBCMD.
const (
	SubcmdTDLSEnable    = 25
	SubcmdTDLSDisable   = 26
	SubcmdTDLSGetStatus = 27
	SubcmdTDLSState     = 28
)

// qca_wlan_vendor_attr_tdls_enable
const (
	AttrTDLSEnableInvalid = iota
	AttrTDLSEnableMACAddr
	AttrTDLSEnableChannel
	AttrTDLSEnableGlobalOperatingClass
	AttrTDLSEnableMaxLatencyMS
	AttrTDLSEnableMinBandwidthKbps
	attrTDLSEnableAfterLast

	AttrTDLSEnableMax = attrTDLSEnableAfterLast - 1
)

// qca_wlan_vendor_attr_tdls_disable
const (
	AttrTDLSDisableInvalid = iota
	AttrTDLSDisableMACAddr
	attrTDLSDisableAfterLast

	AttrTDLSDisableMax = attrTDLSDisableAfterLast - 1
)

// qca_wlan_vendor_attr_tdls_get_status
const (
	AttrTDLSGetStatusInvalid = iota
	AttrTDLSGetStatusMACAddr
	AttrTDLSGetStatusState
	AttrTDLSGetStatusReason
	AttrTDLSGetStatusChannel
	AttrTDLSGetStatusGlobalOperatingClass
	attrTDLSGetStatusAfterLast

	AttrTDLSGetStatusMax = attrTDLSGetStatusAfterLast - 1
)

// qca_wlan_vendor_attr_tdls_state
const (
	AttrTDLSStateInvalid = iota
	AttrTDLSMACAddr
	AttrTDLSNewState
	AttrTDLSStateReason
	AttrTDLSStateChannel
	AttrTDLSStateGlobalOperatingClass
	attrTDLSStateAfterLast

	AttrTDLSStateMax = attrTDLSStateAfterLast - 1
)
