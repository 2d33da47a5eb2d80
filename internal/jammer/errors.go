package jammer

import "errors"

var (
	// ErrInvalidConfig is returned by Configure and Validate when a
	// configuration value is out of range. The previous configuration stays
	// in effect.
	ErrInvalidConfig = errors.New("invalid jammer config")

	// ErrTransmissionFailure is reported when the medium emitted no energy
	// for a burst. It is recorded as telemetry only; the jamming loop keeps
	// running and retries on the next scheduled burst.
	ErrTransmissionFailure = errors.New("jamming signal not sent")

	// ErrContractViolation marks a required collaborator that was never
	// wired. The controller panics with an error wrapping it.
	ErrContractViolation = errors.New("jammer contract violation")

	// ErrTimerMisuse describes a mitigation timeout that fired while
	// reaction to mitigation is disabled. It is ignored, never returned.
	ErrTimerMisuse = errors.New("mitigation timeout with reaction disabled")
)
