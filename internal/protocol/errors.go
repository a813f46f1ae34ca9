package protocol

const (
	// Reasoning service call failures.
	ErrTimeout   = "E_TIMEOUT"
	ErrTransport = "E_TRANSPORT"
	ErrServer    = "E_SERVER"
	ErrProtocol  = "E_PROTOCOL"
	ErrCancelled = "E_CANCELLED"

	// Bridge-local failures (recovered panics, misconfiguration).
	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrTimeout:   {},
	ErrTransport: {},
	ErrServer:    {},
	ErrProtocol:  {},
	ErrCancelled: {},
	ErrInternal:  {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
