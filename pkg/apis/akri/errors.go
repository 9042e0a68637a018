package akri

import "errors"

// Error taxonomy shared across the agent.
var (
	// ErrNoHandler is returned when a discovery request targets a
	// discovery name with no registered endpoints.
	ErrNoHandler = errors.New("no discovery handler registered for this name")

	// ErrUnknownDevice is returned when an Instance references a CDI
	// name absent from the device manager.
	ErrUnknownDevice = errors.New("unknown device: no matching CDI kind")

	// ErrUsageParse is returned for a malformed slot id or usage string.
	ErrUsageParse = errors.New("malformed slot usage")

	// ErrSlotInUse is returned on optimistic-concurrency loss or when a
	// specifically requested slot is held by someone else.
	ErrSlotInUse = errors.New("slot already in use")

	// ErrNoSlot is returned when no unused slot is available.
	ErrNoSlot = errors.New("no unused slot available")

	// ErrUnsolvableProperty is returned when a required property's
	// backing ConfigMap/Secret key is missing.
	ErrUnsolvableProperty = errors.New("unsolvable required property")
)
