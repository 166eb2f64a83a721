package constant

import "time"

const (
	// PACKET_DROP_PERCENT is the upper bound of the drop rate drawn for
	// every route.
	PACKET_DROP_PERCENT = 0.05

	// UNORDERED_PACKET_DELIVERY_PERCENT is the upper bound of the rate at
	// which a route delivers out of order.
	UNORDERED_PACKET_DELIVERY_PERCENT = 0.05

	// REORDER_WINDOW is how many packets behind the head an out of order
	// delivery may pick from.
	REORDER_WINDOW = 4

	// MAX_PACKET_INQUEUE is the capacity of a route. Packets sent to a
	// full route are lost.
	MAX_PACKET_INQUEUE = 1024

	MIN_TICK = 1 * time.Millisecond
	MAX_TICK = 5 * time.Millisecond

	HEARTBEAT_TIMEOUT   = 50 * time.Millisecond
	VIEW_CHANGE_TIMEOUT = 250 * time.Millisecond
	RECOVERY_TIMEOUT    = 100 * time.Millisecond
	REQUEST_TIMEOUT     = 400 * time.Millisecond

	// FAULT_PERCENT is the per-iteration chance of injecting a fault
	// while none is active.
	FAULT_PERCENT = 0.002
	// MIN_FAULT and MAX_FAULT bound how long an isolation lasts.
	MIN_FAULT = 100 * time.Millisecond
	MAX_FAULT = 1 * time.Second
)
