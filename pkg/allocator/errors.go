package allocator

import "errors"

var (
	// ErrAlreadyAssigned means the team already holds an in-use environment
	// for the problem. Surfaced as a conflict; the caller may retry after
	// releasing.
	ErrAlreadyAssigned = errors.New("team has already assigned problem environment")

	// ErrNoEnvironmentAvailable means no claimable environment exists right
	// now: the pool is exhausted, the gateway reported no capacity, or the
	// bounded transaction retries ran out. Retryable later.
	ErrNoEnvironmentAvailable = errors.New("no available problem environment")

	// ErrGatewayUnavailable means the provisioning gateway could not be
	// reached on the create path. The operation is aborted; no local record
	// is created.
	ErrGatewayUnavailable = errors.New("provisioning gateway unavailable")

	// ErrIntegrity means an invariant over the environment table is broken,
	// e.g. a team's in-use records span multiple instance names. This is a
	// data-corruption bug, never retried.
	ErrIntegrity = errors.New("problem environment integrity violation")

	// ErrForbidden means the authorization collaborator denied the
	// operation before any state was touched.
	ErrForbidden = errors.New("operation not permitted")
)
