package protocol

// ErrCode identifies a protocol failure. Values are part of the wire
// format and must keep their numeric order.
type ErrCode int

const (
	CodeInvalidRequest ErrCode = iota
	CodeAuthFailure
	CodeSocketIDUsed
	CodeDeviceAlreadyOnline
	CodeDeviceOffline
	CodeDeviceNameMismatched
	CodeInternalError
)

var errCodeMessages = map[ErrCode]string{
	CodeInvalidRequest:       "invalid request",
	CodeAuthFailure:          "authentication failed",
	CodeSocketIDUsed:         "socket id already used",
	CodeDeviceAlreadyOnline:  "device already online",
	CodeDeviceOffline:        "device offline",
	CodeDeviceNameMismatched: "device name mismatched",
	CodeInternalError:        "internal server error",
}

func (c ErrCode) String() string {
	if msg, ok := errCodeMessages[c]; ok {
		return msg
	}
	return "unknown error"
}

var errCodeLabels = map[ErrCode]string{
	CodeInvalidRequest:       "invalid_request",
	CodeAuthFailure:          "auth_failure",
	CodeSocketIDUsed:         "socket_id_used",
	CodeDeviceAlreadyOnline:  "device_already_online",
	CodeDeviceOffline:        "device_offline",
	CodeDeviceNameMismatched: "device_name_mismatched",
	CodeInternalError:        "internal_error",
}

// Label returns a stable snake_case identifier for logs and metrics.
func (c ErrCode) Label() string {
	if label, ok := errCodeLabels[c]; ok {
		return label
	}
	return "unknown"
}

// EventError is a protocol failure carried as a value. Fatal errors
// terminate the connection after the error frame is written; the rest
// leave the connection usable.
type EventError struct {
	Code   ErrCode
	Device *Device
	Fatal  bool
}

func (e *EventError) Error() string {
	return e.Code.String()
}

// Event converts the error into its wire representation.
func (e *EventError) Event() ErrEvent {
	return ErrEvent{Code: e.Code, Device: e.Device}
}

// NewEventError builds a recoverable protocol error.
func NewEventError(code ErrCode, device *Device) *EventError {
	return &EventError{Code: code, Device: device}
}

// NewFatalError builds a connection-terminating protocol error.
func NewFatalError(code ErrCode, device *Device) *EventError {
	return &EventError{Code: code, Device: device, Fatal: true}
}
