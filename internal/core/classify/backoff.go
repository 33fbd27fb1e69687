package classify

import "time"

const (
	backoffValueMask = 0x1F
	backoffUnitMask  = 0xE0
)

// Timer units indexed by bits 6-8 of a GPRS timer 3 octet. Unit 7 means
// the timer is deactivated.
var backoffUnits = [...]time.Duration{
	10 * time.Minute,
	time.Hour,
	10 * time.Hour,
	2 * time.Second,
	30 * time.Second,
	time.Minute,
	time.Hour,
}

// DecodeBackoffTimer decodes a 3GPP backoff timer octet. It returns false
// when the timer is deactivated or zero.
func DecodeBackoffTimer(b byte) (time.Duration, bool) {
	value := time.Duration(b & backoffValueMask)
	unit := int(b&backoffUnitMask) >> 5
	if unit >= len(backoffUnits) || value == 0 {
		return 0, false
	}
	return value * backoffUnits[unit], true
}
