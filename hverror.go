package hvf

import (
	"errors"
	"fmt"
)

// Hypervisor Framework hv_return_t constants for ARM64.
const (
	HV_SUCCESS             uint32 = 0x00000000
	HV_ERROR               uint32 = 0xFAE94001
	HV_BUSY                uint32 = 0xFAE94002
	HV_BAD_ARGUMENT        uint32 = 0xFAE94003
	HV_ILLEGAL_GUEST_STATE uint32 = 0xFAE94004
	HV_NO_RESOURCES        uint32 = 0xFAE94005
	HV_NO_DEVICE           uint32 = 0xFAE94006
	HV_DENIED              uint32 = 0xFAE94007
	HV_EXISTS              uint32 = 0xFAE94008
	HV_UNSUPPORTED         uint32 = 0xFAE9400F
)

// Kind classifies hypervisor errors. Every native hv_return_t is translated
// into one of these at the native boundary; raw platform codes never surface
// above this package on their own.
type Kind int

const (
	// KindCapabilityUnavailable means the host lacks hypervisor support,
	// hardware, or the com.apple.security.hypervisor entitlement.
	KindCapabilityUnavailable Kind = iota + 1
	// KindInvalidArgument covers overlapping regions, malformed permissions,
	// misaligned addresses and unknown unmap targets.
	KindInvalidArgument
	// KindResourceExhausted means a native allocation or handle limit failed.
	KindResourceExhausted
	// KindHandleInvalid means the operation targeted a destroyed VM or a
	// stopped vCPU.
	KindHandleInvalid
	// KindNativeFailure is an opaque underlying failure; the raw code is
	// preserved for diagnostics.
	KindNativeFailure
)

func (k Kind) String() string {
	switch k {
	case KindCapabilityUnavailable:
		return "capability unavailable"
	case KindInvalidArgument:
		return "invalid argument"
	case KindResourceExhausted:
		return "resource exhausted"
	case KindHandleInvalid:
		return "handle invalid"
	case KindNativeFailure:
		return "native failure"
	default:
		return "unknown"
	}
}

// Error is the error type returned by this package. Code holds the raw
// 32-bit hv_return_t value (often 0xFAE940xx) when the error originated in
// the framework, and zero when the error was synthesized locally.
type Error struct {
	Kind Kind
	Code uint32
	Op   string
	msg  string
}

func (e *Error) Error() string {
	if e.msg != "" {
		return e.msg
	}
	if e.Op != "" {
		return fmt.Sprintf("hvf: %s: %s", e.Op, codeText(e.Code))
	}
	return "hvf: " + codeText(e.Code)
}

// Is reports kind equality so callers can match against the exported
// sentinels with errors.Is without caring about Op or Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.msg != "" && t.msg != e.msg {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the Kind from err, unwrapping as needed. Returns zero for
// errors that did not originate in this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func codeText(code uint32) string {
	switch code {
	case HV_SUCCESS:
		return "success"
	case HV_ERROR:
		return "general error (HV_ERROR) - check system requirements and API usage"
	case HV_BUSY:
		return "resource busy (HV_BUSY) - another operation is in progress"
	case HV_BAD_ARGUMENT:
		return "invalid argument (HV_BAD_ARGUMENT) - check parameter values and alignment"
	case HV_ILLEGAL_GUEST_STATE:
		return "illegal guest state (HV_ILLEGAL_GUEST_STATE) - guest CPU state is invalid"
	case HV_NO_RESOURCES:
		return "insufficient resources (HV_NO_RESOURCES) - system memory or limits exceeded"
	case HV_NO_DEVICE:
		return "device not found (HV_NO_DEVICE) - hardware virtualization unavailable"
	case HV_DENIED:
		return "access denied (HV_DENIED) - missing entitlement 'com.apple.security.hypervisor' or insufficient privileges"
	case HV_EXISTS:
		return "resource exists (HV_EXISTS) - VM or vCPU already created"
	case HV_UNSUPPORTED:
		return "operation unsupported (HV_UNSUPPORTED) - feature not available on this hardware/OS"
	default:
		return fmt.Sprintf("unknown error code 0x%08x - consult Apple Hypervisor.framework documentation", code)
	}
}

// kindForCode maps a raw hv_return_t onto the error taxonomy.
func kindForCode(code uint32) Kind {
	switch code {
	case HV_DENIED, HV_NO_DEVICE, HV_UNSUPPORTED:
		return KindCapabilityUnavailable
	case HV_BAD_ARGUMENT, HV_ILLEGAL_GUEST_STATE:
		return KindInvalidArgument
	case HV_NO_RESOURCES, HV_EXISTS, HV_BUSY:
		return KindResourceExhausted
	default:
		return KindNativeFailure
	}
}

// nativeErr translates a raw return code into an *Error, tagged with the
// failing operation. Returns nil on HV_SUCCESS.
func nativeErr(op string, code uint32) error {
	if code == HV_SUCCESS {
		return nil
	}
	return &Error{Kind: kindForCode(code), Code: code, Op: op}
}

// Common specific errors for API consumers.
var (
	ErrUnavailable       = &Error{Kind: KindCapabilityUnavailable, msg: "hvf: hypervisor not available on this host"}
	ErrVMDestroyed       = &Error{Kind: KindHandleInvalid, msg: "hvf: VM is destroyed"}
	ErrVCPUStopped       = &Error{Kind: KindHandleInvalid, msg: "hvf: vCPU is stopped"}
	ErrRegionOverlap     = &Error{Kind: KindInvalidArgument, msg: "hvf: region overlaps an existing mapping"}
	ErrRegionNotMapped   = &Error{Kind: KindInvalidArgument, msg: "hvf: no mapped region matches base and size"}
	ErrMisaligned        = &Error{Kind: KindInvalidArgument, msg: "hvf: address not page-aligned"}
	ErrInvalidPerms      = &Error{Kind: KindInvalidArgument, msg: "hvf: invalid permission flags"}
	ErrInvalidRegister   = &Error{Kind: KindInvalidArgument, msg: "hvf: invalid register"}
	ErrInvalidAllocation = &Error{Kind: KindInvalidArgument, msg: "hvf: unknown allocation handle"}
	ErrAllocationMapped  = &Error{Kind: KindInvalidArgument, msg: "hvf: allocation is still mapped"}
	ErrVMAlreadyActive   = &Error{Kind: KindResourceExhausted, Code: HV_BUSY, msg: "hvf: VM already active in this process"}
)
