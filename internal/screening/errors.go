package screening

import "errors"

var (
	// ErrUnauthorized: the caller lacks the role the operation requires.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidInput: empty or malformed identifier or amount.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound: unknown health centre, payment configuration or diagnosis.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists: the identifier is already taken.
	ErrAlreadyExists = errors.New("already exists")
	// ErrInvalidState: the entity is not in the state the transition requires.
	ErrInvalidState = errors.New("invalid state")
	// ErrSettlement: the reward transfer could not be completed.
	ErrSettlement = errors.New("settlement failed")
)

const (
	msgEmptyID          = "an empty string is not a valid id"
	msgUnknownCentre    = "unexisting health centre"
	msgUnknownConfig    = "no payment configuration found"
	msgNoBinding        = "no payment configuration assigned to screener"
	msgMustBeRegistered = "diagnosis must be in 'registered' status"
	msgMustBeValidated  = "diagnosis must be in 'validated' status"
	msgNotAssigned      = "health service not assigned to diagnosis' health centre"
	msgNotHealthService = "the assigned account must have a health service role"
)
