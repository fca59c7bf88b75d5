package codes

// Stable error codes surfaced on CLI output and report artifacts.
// Renaming one is a breaking change for downstream tooling.
const (
	Usage = "AIW_E_USAGE"
	IO    = "AIW_E_IO"

	SubjectStartup  = "AIW_E_SUBJECT_STARTUP"
	Transport       = "AIW_E_TRANSPORT"
	Timeout         = "AIW_E_TIMEOUT"
	SubjectExited   = "AIW_E_SUBJECT_EXITED"
	Protocol        = "AIW_E_PROTOCOL"
	AssertionFailed = "AIW_E_ASSERTION_FAILED"
)
