package ledger

import "strings"

// Status is the canonical order state. Broker-native codes are translated
// through per-broker tables; codes with no mapping pass through as their raw
// string so unexpected broker responses stay visible to operators.
type Status string

const (
	AwaitingEntry   Status = "AWAITING_ENTRY"
	Pending         Status = "PENDING"
	Open            Status = "OPEN"
	TriggerPending  Status = "TRIGGER_PENDING"
	PartiallyFilled Status = "PARTIALLY_FILLED"
	Filled          Status = "FILLED"
	Completed       Status = "COMPLETED"
	Cancelled       Status = "CANCELLED"
	Rejected        Status = "REJECTED"
	Failed          Status = "FAILED"
	Expired         Status = "EXPIRED"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	switch s {
	case Completed, Cancelled, Rejected, Failed:
		return true
	}
	return false
}

// ExitReason values are first-class so analytics can split exits by cause.
const (
	ExitTargetHit      = "target_hit"
	ExitStopLossHit    = "stop_loss_hit"
	ExitSignalReversal = "signal_reversal"
	ExitSquareOff      = "eod_square_off"
	ExitMaxLossForced  = "max_loss_forced"
)

// statusTables maps broker-native status codes to canonical statuses.
var statusTables = map[string]map[string]Status{
	"wallex": {
		"NEW":              Pending,
		"ACTIVE":           Open,
		"PARTIALLY_FILLED": PartiallyFilled,
		"FILLED":           Filled,
		"DONE":             Filled,
		"CANCELED":         Cancelled,
		"CANCELLED":        Cancelled,
		"REJECTED":         Rejected,
		"EXPIRED":          Expired,
	},
	"alpaca": {
		"NEW":              Pending,
		"ACCEPTED":         Pending,
		"PENDING_NEW":      Pending,
		"HELD":             TriggerPending,
		"PARTIALLY_FILLED": PartiallyFilled,
		"FILLED":           Filled,
		"DONE_FOR_DAY":     Completed,
		"CANCELED":         Cancelled,
		"PENDING_CANCEL":   Open,
		"REJECTED":         Rejected,
		"EXPIRED":          Expired,
		"SUSPENDED":        Failed,
	},
	"paper": {
		"NEW":              Pending,
		"OPEN":             Open,
		"TRIGGER_PENDING":  TriggerPending,
		"PARTIALLY_FILLED": PartiallyFilled,
		"FILLED":           Filled,
		"CANCELLED":        Cancelled,
		"REJECTED":         Rejected,
		"FAILED":           Failed,
	},
}

// MapStatus translates a broker-native status into the canonical enum.
// Unknown codes are passed through raw rather than dropped.
func MapStatus(brokerName, native string) Status {
	key := strings.ToUpper(strings.TrimSpace(native))
	if key == "" {
		return Pending
	}
	name := strings.ToLower(brokerName)
	for kind, table := range statusTables {
		if name != kind && !strings.HasPrefix(name, kind+"-") {
			continue
		}
		if st, ok := table[key]; ok {
			return st
		}
		break
	}
	return Status(key)
}
