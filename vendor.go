package tdls

import (
	"fmt"

	"github.com/wlanctl/tdls/internal/qca"
)

// A vendorMessage is the decoded vendor data of a TDLS reply or event.
//
// The set of implementations is closed: enableAck, disableAck,
// *statusResponse, *stateChangeEvent and unrecognized.
type vendorMessage interface {
	vendorMessage()
}

// enableAck is the reply to a TDLS enable command.
type enableAck struct{}

// disableAck is the reply to a TDLS disable command.
type disableAck struct{}

// A statusResponse is the reply to a TDLS get status command. Its Peer is
// not carried by the driver.
type statusResponse struct {
	Status
}

// A stateChangeEvent is an asynchronous TDLS state change notification.
type stateChangeEvent struct {
	Status
}

// unrecognized is vendor data for a subcommand this package does not handle.
type unrecognized struct {
	Subcmd uint32
}

func (enableAck) vendorMessage()         {}
func (disableAck) vendorMessage()        {}
func (*statusResponse) vendorMessage()   {}
func (*stateChangeEvent) vendorMessage() {}
func (unrecognized) vendorMessage()      {}

// parseVendorData decodes the vendor data b of a message tagged with subcmd.
// A mandatory attribute missing from b results in a *MissingAttributeError.
func parseVendorData(subcmd uint32, b []byte) (vendorMessage, error) {
	switch subcmd {
	case qca.SubcmdTDLSEnable:
		return enableAck{}, nil
	case qca.SubcmdTDLSDisable:
		return disableAck{}, nil
	case qca.SubcmdTDLSGetStatus:
		t := decodeAttributes(b, qca.AttrTDLSGetStatusMax)

		var rsp statusResponse
		if err := rsp.parseAttributes(t, statusAttrs{
			state:                qca.AttrTDLSGetStatusState,
			reason:               qca.AttrTDLSGetStatusReason,
			channel:              qca.AttrTDLSGetStatusChannel,
			globalOperatingClass: qca.AttrTDLSGetStatusGlobalOperatingClass,
		}); err != nil {
			return nil, err
		}

		return &rsp, nil
	case qca.SubcmdTDLSState:
		t := decodeAttributes(b, qca.AttrTDLSStateMax)

		peer, err := t.hardwareAddr(qca.AttrTDLSMACAddr, "peer address")
		if err != nil {
			return nil, err
		}

		ev := stateChangeEvent{Status: Status{Peer: peer}}
		if err := ev.parseAttributes(t, statusAttrs{
			state:                qca.AttrTDLSNewState,
			reason:               qca.AttrTDLSStateReason,
			channel:              qca.AttrTDLSStateChannel,
			globalOperatingClass: qca.AttrTDLSStateGlobalOperatingClass,
		}); err != nil {
			return nil, err
		}

		return &ev, nil
	default:
		return unrecognized{Subcmd: subcmd}, nil
	}
}

// statusAttrs maps the fields of a Status to the attribute types of one
// vendor schema.
type statusAttrs struct {
	state, reason, channel, globalOperatingClass uint16
}

// parseAttributes parses the mandatory status attributes of t into s's
// fields. s is left untouched when an attribute is missing.
func (s *Status) parseAttributes(t attributeTable, ids statusAttrs) error {
	state, err := t.uint32(ids.state, "state")
	if err != nil {
		return err
	}

	reason, err := t.int32(ids.reason, "reason")
	if err != nil {
		return err
	}

	channel, err := t.uint32(ids.channel, "channel")
	if err != nil {
		return err
	}

	goc, err := t.uint32(ids.globalOperatingClass, "global operating class")
	if err != nil {
		return err
	}

	s.State = State(state)
	s.Reason = Reason(reason)
	s.Channel = channel
	s.GlobalOperatingClass = goc
	return nil
}

// subcmdName returns a short name for a TDLS vendor subcommand, used in logs
// and metric labels.
func subcmdName(subcmd uint32) string {
	switch subcmd {
	case qca.SubcmdTDLSEnable:
		return "enable"
	case qca.SubcmdTDLSDisable:
		return "disable"
	case qca.SubcmdTDLSGetStatus:
		return "get_status"
	case qca.SubcmdTDLSState:
		return "state"
	default:
		return fmt.Sprintf("unknown(%d)", subcmd)
	}
}
