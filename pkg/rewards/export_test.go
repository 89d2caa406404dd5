package rewards

// Bridges exposing unexported identifiers to the external test package.
var (
	EligibleAPYBps        = eligibleAPYBps
	EffectiveLockDuration = effectiveLockDuration
	InitiatorAddress      = initiatorAddress
)
