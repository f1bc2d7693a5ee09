package errors

// Status codes returned to management API callers. Zero is success.
const (
	StatusOK               = 0
	StatusInternal         = 2100002
	StatusInvalidParameter = 2100003
	StatusNotFound         = 2100004
	StatusUnavailable      = 2100005

	StatusInvalidNetworkType   = 2101007
	StatusNoScoreForType       = 2101008
	StatusNoNetworkIDAvailable = 2101009
	StatusSupplierNotFound     = 2101010
	StatusRequestNotFound      = 2101011
	StatusNetworkNotFound      = 2101012
)

func sentinel(kind Kind, code int, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// Domain sentinels. Wrap them with fmt.Errorf("...: %w", ErrX) or Wrapf to add
// context; Code and errors.Is see through the wrapping.
var (
	ErrInternal          = sentinel(KindInternal, StatusInternal, "internal error")
	ErrInvalidParameter  = sentinel(KindValidation, StatusInvalidParameter, "invalid parameter")
	ErrDaemonUnavailable = sentinel(KindUnavailable, StatusInternal, "network daemon unavailable")

	ErrInvalidNetworkType   = sentinel(KindValidation, StatusInvalidNetworkType, "invalid network type")
	ErrNoScoreForType       = sentinel(KindValidation, StatusNoScoreForType, "no score for network type")
	ErrNoNetworkIDAvailable = sentinel(KindUnavailable, StatusNoNetworkIDAvailable, "no network id available")
	ErrSupplierNotFound     = sentinel(KindNotFound, StatusSupplierNotFound, "supplier not found")
	ErrRequestNotFound      = sentinel(KindNotFound, StatusRequestNotFound, "request not found")
	ErrNetworkNotFound      = sentinel(KindNotFound, StatusNetworkNotFound, "network not found")
)

// Code maps err to the status code reported to API callers. The innermost
// sentinel code wins; otherwise the outermost Kind decides.
func Code(err error) int {
	if err == nil {
		return StatusOK
	}

	code := 0
	for e := err; e != nil; e = Unwrap(e) {
		if ce, ok := e.(*Error); ok && ce.Code != 0 {
			code = ce.Code
		}
	}
	if code != 0 {
		return code
	}

	switch GetKind(err) {
	case KindValidation:
		return StatusInvalidParameter
	case KindNotFound:
		return StatusNotFound
	case KindUnavailable, KindTimeout:
		return StatusUnavailable
	default:
		return StatusInternal
	}
}
