package version

import "errors"

var (
	// ErrProtocolVersionMismatch names the condition of a document's embedded
	// syncProtocolVersion not matching ProtocolVersion. No function in this
	// module returns it: the sync engine logs the mismatch and desyncs the
	// affected document rather than treating it as fatal to the whole pass.
	ErrProtocolVersionMismatch = errors.New("document sync protocol version mismatch")

	// ErrNoVersion names the condition of a required version vector being
	// absent. No function in this module returns it.
	ErrNoVersion = errors.New("document has no version vector")
)

// Is reports whether target is also a *VersionParseError, so
// errors.Is(err, &VersionParseError{}) matches any parse error regardless of
// its fields; kept for parity with the teacher's VersionError.Is.
func (e *VersionParseError) Is(target error) bool {
	_, ok := target.(*VersionParseError)
	return ok
}
