// Package output provides JSON/styled output formatting and the structured
// error type shared by every layer of the CLI.
package output

// Exit codes returned by the studio binary.
const (
	ExitOK         = 0 // Success
	ExitUsage      = 1 // Invalid arguments or flags
	ExitNotFound   = 2 // Resource not found
	ExitAuth       = 3 // Not authenticated or session expired
	ExitForbidden  = 4 // Access denied
	ExitRateLimit  = 5 // Rate limited (429)
	ExitNetwork    = 6 // Connection/DNS/timeout error
	ExitServer     = 7 // Server returned 5xx
	ExitValidation = 8 // Request rejected as invalid (4xx)
	ExitParse      = 9 // Response body could not be parsed
)

// Error codes for the JSON envelope. Each code is one error kind.
const (
	CodeUsage      = "usage"
	CodeNetwork    = "network"
	CodeValidation = "validation"
	CodeAuth       = "auth_required"
	CodeForbidden  = "forbidden"
	CodeNotFound   = "not_found"
	CodeRateLimit  = "rate_limit"
	CodeServer     = "server_error"
	CodeParse      = "parse_error"
)

// ExitCodeFor returns the exit code for a given error code.
func ExitCodeFor(code string) int {
	switch code {
	case CodeUsage:
		return ExitUsage
	case CodeNotFound:
		return ExitNotFound
	case CodeAuth:
		return ExitAuth
	case CodeForbidden:
		return ExitForbidden
	case CodeRateLimit:
		return ExitRateLimit
	case CodeNetwork:
		return ExitNetwork
	case CodeValidation:
		return ExitValidation
	case CodeParse:
		return ExitParse
	default:
		return ExitServer
	}
}
