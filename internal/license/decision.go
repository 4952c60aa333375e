package license

import "fmt"

type RejectReason string

const (
	ReasonUnknownKey         RejectReason = "unknown_key"
	ReasonDeactivated        RejectReason = "deactivated"
	ReasonExpired            RejectReason = "expired"
	ReasonDeviceLimitReached RejectReason = "device_limit_reached"
)

// Decision is the outcome of Verify. Rejections are results, not errors.
type Decision struct {
	Accepted      bool
	Reason        RejectReason
	License       *License // nil for ReasonUnknownKey
	Binding       *Binding // set when Accepted
	DaysRemaining int
	// FirstActivation is true when Binding was created by this call.
	FirstActivation bool
}

// Message is the human-readable text the desktop client shows.
func (d Decision) Message() string {
	if d.Accepted {
		if d.FirstActivation {
			return "License activated"
		}
		return "License valid"
	}
	switch d.Reason {
	case ReasonUnknownKey:
		return "Invalid license key"
	case ReasonDeactivated:
		return "License has been deactivated"
	case ReasonExpired:
		return "License has expired"
	case ReasonDeviceLimitReached:
		if d.License != nil {
			return fmt.Sprintf("Device limit reached (%d max)", d.License.MaxDevices)
		}
		return "Device limit reached"
	}
	return "License rejected"
}
