package mcp

import (
	"errors"
	"fmt"

	"github.com/rosfleet/rosfleet/pkg/errdefs"
)

// Standard JSON-RPC 2.0 error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Domain errors occupy the reserved -32000..-32099 server range,
// grouped by taxonomy family. The numbers are part of the wire contract
// and must not be reassigned.
var domainCodes = map[errdefs.Code]int{
	// Authorization
	errdefs.CodeUnauthorized:        -32000,
	errdefs.CodeForbidden:           -32001,
	errdefs.CodeEnvironmentMismatch: -32002,
	errdefs.CodeCapabilityMissing:   -32003,
	errdefs.CodeRoleInsufficient:    -32004,
	errdefs.CodeRateLimitExceeded:   -32005,

	// Resource lookup
	errdefs.CodeDeviceNotFound:     -32010,
	errdefs.CodePlanNotFound:       -32011,
	errdefs.CodeSnapshotNotFound:   -32012,
	errdefs.CodeCredentialNotFound: -32013,

	// State and lifecycle
	errdefs.CodePlanAlreadyApplied:    -32020,
	errdefs.CodePlanExpired:           -32021,
	errdefs.CodeApprovalTokenExpired:  -32022,
	errdefs.CodeApprovalTokenInvalid:  -32023,
	errdefs.CodeSelfApprovalForbidden: -32024,

	// Safety checks
	errdefs.CodePreChangeHealthFailed:  -32030,
	errdefs.CodePostChangeHealthFailed: -32031,
	errdefs.CodeSnapshotCreateFailed:   -32032,
	errdefs.CodeRollbackFailed:         -32033,
	errdefs.CodeUnsafeOperation:        -32034,

	// Device interaction
	errdefs.CodeDeviceUnreachable: -32040,
	errdefs.CodeAuthFailure:       -32041,
	errdefs.CodeDeviceError:       -32042,
	errdefs.CodeTimeout:           -32043,
	errdefs.CodeNoChange:          -32044,

	// Registration
	errdefs.CodeNameConflict:       -32050,
	errdefs.CodeInvalidEnvironment: -32051,
	errdefs.CodeVaultLocked:        -32052,

	// Resource limits
	errdefs.CodeQueueSaturated:          -32060,
	errdefs.CodeConcurrentLimitExceeded: -32061,
	errdefs.CodeTokenBudgetExceeded:     -32062,
}

// rpcCode maps a taxonomy code onto the wire
func rpcCode(code errdefs.Code) int {
	switch code {
	case errdefs.CodeParseError:
		return CodeParseError
	case errdefs.CodeInvalidRequest:
		return CodeInvalidRequest
	case errdefs.CodeMethodNotFound:
		return CodeMethodNotFound
	case errdefs.CodeInvalidParams:
		return CodeInvalidParams
	case errdefs.CodeInternalError:
		return CodeInternalError
	}
	if n, ok := domainCodes[code]; ok {
		return n
	}
	return CodeInternalError
}

// toRPCError packages a taxonomy error into the JSON-RPC envelope. The
// stable string code rides along in data so clients can switch on it
// without memorizing the numeric range.
func toRPCError(err error) *RPCError {
	code := errdefs.CodeOf(err)
	data := map[string]interface{}{"code": string(code)}

	var e *errdefs.Error
	if errors.As(err, &e) {
		for k, v := range e.Data {
			data[k] = v
		}
	} else {
		// Unmapped errors never leak raw details, only the type name
		data["type"] = fmt.Sprintf("%T", err)
	}

	msg := err.Error()
	if code == errdefs.CodeInternalError && e == nil {
		msg = "internal error"
	}
	return &RPCError{
		Code:    rpcCode(code),
		Message: msg,
		Data:    data,
	}
}
