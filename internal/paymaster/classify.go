package paymaster

import "strings"

// declineMarkers are the textual signals a sponsor emits when it refuses to
// pay for an operation. The upstream API provides no structured decline
// code, so classification is substring matching on the error payload; any
// error not matching these markers is treated as fatal and must not trigger
// the fee-token fallback. Replace this with a typed check if the API ever
// grows one.
var declineMarkers = []string{
	"policy denied",
	"policy violation",
	"denied by policy",
	"does not match policy",
	"paymaster refused",
	"sponsorship declined",
	"sponsorship unavailable",
	"not eligible for sponsorship",
	"not sponsored",
	"sponsorship policy",
}

// IsSponsorshipDeclined reports whether err is a sponsor refusal rather
// than an infrastructure fault
func IsSponsorshipDeclined(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range declineMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
