package domain

import "errors"

// Family groups protocol errors by cause.
type Family string

// Error families.
const (
	FamilyAuthorization Family = "authorization"
	FamilyTemporal      Family = "temporal"
	FamilyState         Family = "state"
	FamilyValidation    Family = "validation"
	FamilyAvailability  Family = "availability"
	FamilyCustody       Family = "custody"
)

// Error is a named protocol failure. Instances are sentinels: compare with errors.Is.
type Error struct {
	Name    string
	Family  Family
	message string
}

func (e *Error) Error() string {
	return e.message
}

func newError(name string, family Family, message string) *Error {
	return &Error{Name: name, Family: family, message: message}
}

// Authorization failures.
var (
	ErrCallerIsNotAdmin      = newError("CallerIsNotAdmin", FamilyAuthorization, "caller is not admin")
	ErrInvalidSigner         = newError("InvalidSigner", FamilyAuthorization, "invalid signer")
	ErrTraderAddressMismatch = newError("TraderAddressMismatch", FamilyAuthorization, "trader address mismatch")
)

// Temporal failures.
var (
	ErrSignatureExpired = newError("SignatureExpired", FamilyTemporal, "signature expired")
	ErrTradeNotExpired  = newError("TradeNotExpired", FamilyTemporal, "trade not expired")
)

// State-integrity failures.
var (
	ErrTradeAlreadyExists        = newError("TradeAlreadyExits", FamilyState, "trade already exists")
	ErrTradeNotFound             = newError("TradeNotFound", FamilyState, "trade not found")
	ErrTradeNotCreatedOrResolved = newError("TradeNotCreatedOrResolved", FamilyState, "trade not in created state")
	ErrTradeAlreadyClaimed       = newError("TradeAlreadyClaimed", FamilyState, "trade already claimed")
	ErrAlreadyInitialized        = newError("AlreadyInitialized", FamilyState, "engine already initialized")
	ErrNotInitialized            = newError("NotInitialized", FamilyState, "engine not initialized")
)

// Input validation failures.
var (
	ErrAddressIsZeroAddress = newError("AddressIsZeroAddress", FamilyValidation, "address is the zero address")
	ErrEmptyString          = newError("EmptyString", FamilyValidation, "String must not be empty")
	ErrSameValueAsPrevious  = newError("SameValueAsPrevious", FamilyValidation, "same value as previous")
	ErrAddressAlreadyAdmin  = newError("AddressAlreadyAdmin", FamilyValidation, "address already admin")
	ErrAddressAlreadySigner = newError("AddressAlreadySigner", FamilyValidation, "address already signer")
	ErrAddressNotAdmin      = newError("AddressNotAdmin", FamilyValidation, "address not admin")
	ErrAddressNotSigner     = newError("AddressNotSigner", FamilyValidation, "address not signer")
	ErrInvalidPayload       = newError("InvalidPayload", FamilyValidation, "invalid payload")
	ErrInsufficientCustody  = newError("InsufficientCustody", FamilyValidation, "amount exceeds unencumbered custody balance")
)

// Availability failures.
var (
	ErrEnforcedPause = newError("EnforcedPause", FamilyAvailability, "enforced pause")
	ErrExpectedPause = newError("ExpectedPause", FamilyAvailability, "expected pause")
)

// Custody failures.
var (
	ErrCustodyFailed       = newError("CustodyFailed", FamilyCustody, "custody transfer failed")
	ErrCustodyCompensation = newError("CustodyCompensation", FamilyCustody, "custody compensation failed")
)

// AsError returns the first protocol error in err's chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// ErrorName returns the protocol name of err, or "" for non-protocol errors.
func ErrorName(err error) string {
	if pe, ok := AsError(err); ok {
		return pe.Name
	}
	return ""
}
