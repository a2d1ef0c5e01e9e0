package device

import "fmt"

// FailureKind classifies scan failures surfaced to callers.
type FailureKind string

const (
	KindNotConnected     FailureKind = "NotConnected"
	KindConnectionFailed FailureKind = "ConnectionFailed"
	KindNoFunctionalUnit FailureKind = "NoFunctionalUnit"
	KindUnsupported      FailureKind = "UnsupportedCapability"
	KindScanTimeout      FailureKind = "ScanTimeout"
	KindScanFailed       FailureKind = "ScanFailed"
	KindScanCancelled    FailureKind = "ScanCancelled"
	KindBufferOverflow   FailureKind = "BufferOverflow"
)

// Failure is the only error type the session lets escape its boundary.
// Transient failures (driver busy, momentary glitch) are retried inside
// the session up to the configured attempt budget; everything else is
// surfaced immediately.
type Failure struct {
	Kind      FailureKind
	Msg       string
	Transient bool
}

func (f *Failure) Error() string {
	if f.Msg == "" {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Msg)
}

// Is matches any Failure with the same Kind, so callers can use
// errors.Is(err, &Failure{Kind: KindScanTimeout}).
func (f *Failure) Is(target error) bool {
	t, ok := target.(*Failure)
	return ok && t.Kind == f.Kind
}

func failf(kind FailureKind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Sentinel values for errors.Is comparisons.
var (
	ErrNotConnected     = &Failure{Kind: KindNotConnected}
	ErrConnectionFailed = &Failure{Kind: KindConnectionFailed}
	ErrNoFunctionalUnit = &Failure{Kind: KindNoFunctionalUnit}
	ErrUnsupported      = &Failure{Kind: KindUnsupported}
	ErrScanTimeout      = &Failure{Kind: KindScanTimeout}
	ErrScanFailed       = &Failure{Kind: KindScanFailed}
	ErrScanCancelled    = &Failure{Kind: KindScanCancelled}
	ErrBufferOverflow   = &Failure{Kind: KindBufferOverflow}
)
