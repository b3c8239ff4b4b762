package ldap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/adsync/internal/directory"
)

// ErrorCategory represents different categories of LDAP errors.
type ErrorCategory string

const (
	ErrorCategoryConnection     ErrorCategory = "connection"
	ErrorCategoryAuthentication ErrorCategory = "authentication"
	ErrorCategoryPermission     ErrorCategory = "permission"
	ErrorCategoryNotFound       ErrorCategory = "not_found"
	ErrorCategoryValidation     ErrorCategory = "validation"
	ErrorCategoryServer         ErrorCategory = "server"
	ErrorCategoryTimeout        ErrorCategory = "timeout"
	ErrorCategoryUnknown        ErrorCategory = "unknown"
)

// LDAPError carries the result code and server message of a failed operation.
type LDAPError struct {
	Operation string
	Category  ErrorCategory
	LDAPCode  uint16
	Message   string
	ServerMsg string
	DN        string
	Retryable bool
	Cause     error
}

func (e *LDAPError) Error() string {
	var parts []string

	if e.LDAPCode > 0 {
		parts = append(parts, fmt.Sprintf("LDAP %s failed (code %d)", e.Operation, e.LDAPCode))
	} else {
		parts = append(parts, fmt.Sprintf("LDAP %s failed", e.Operation))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.ServerMsg != "" && e.ServerMsg != e.Message {
		parts = append(parts, fmt.Sprintf("server: %s", e.ServerMsg))
	}
	if e.DN != "" {
		parts = append(parts, fmt.Sprintf("DN: %s", e.DN))
	}

	return strings.Join(parts, " - ")
}

func (e *LDAPError) Unwrap() error {
	return e.Cause
}

// NewLDAPError categorises err. A nil err yields nil.
func NewLDAPError(operation string, err error) *LDAPError {
	if err == nil {
		return nil
	}

	ldapErr := &LDAPError{
		Operation: operation,
		Cause:     err,
	}

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) && resultErr.ResultCode != ldap.ErrorNetwork {
		ldapErr.LDAPCode = resultErr.ResultCode
		if resultErr.Err != nil {
			ldapErr.ServerMsg = resultErr.Err.Error()
		}
		ldapErr.Category = categorizeError(resultErr.ResultCode)
		ldapErr.Retryable = isLDAPCodeRetryable(resultErr.ResultCode)
		ldapErr.Message = ldap.LDAPResultCodeMap[resultErr.ResultCode]
		if ldapErr.Message == "" {
			ldapErr.Message = fmt.Sprintf("Unknown LDAP error (code %d)", resultErr.ResultCode)
		}
		return ldapErr
	}

	ldapErr.Category = categorizeGenericError(err)
	ldapErr.Retryable = ldapErr.Category == ErrorCategoryConnection || ldapErr.Category == ErrorCategoryTimeout
	ldapErr.Message = err.Error()
	return ldapErr
}

func categorizeError(code uint16) ErrorCategory {
	switch code {
	case ldap.LDAPResultInvalidCredentials,
		ldap.LDAPResultInappropriateAuthentication,
		ldap.LDAPResultStrongAuthRequired,
		ldap.LDAPResultConfidentialityRequired,
		ldap.LDAPResultAuthMethodNotSupported:
		return ErrorCategoryAuthentication

	case ldap.LDAPResultInsufficientAccessRights,
		ldap.LDAPResultUnwillingToPerform:
		return ErrorCategoryPermission

	case ldap.LDAPResultNoSuchObject,
		ldap.LDAPResultNoSuchAttribute,
		ldap.LDAPResultUndefinedAttributeType:
		return ErrorCategoryNotFound

	case ldap.LDAPResultInvalidAttributeSyntax,
		ldap.LDAPResultInvalidDNSyntax,
		ldap.LDAPResultFilterError:
		return ErrorCategoryValidation

	case ldap.LDAPResultTimeLimitExceeded,
		ldap.LDAPResultTimeout:
		return ErrorCategoryTimeout

	case ldap.LDAPResultServerDown,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultBusy,
		ldap.LDAPResultAdminLimitExceeded:
		return ErrorCategoryServer

	case ldap.LDAPResultConnectError,
		ldap.LDAPResultProtocolError,
		ldap.ErrorNetwork:
		return ErrorCategoryConnection

	default:
		return ErrorCategoryUnknown
	}
}

func categorizeGenericError(err error) ErrorCategory {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorCategoryTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return ErrorCategoryTimeout
	case errors.As(err, &netErr):
		return ErrorCategoryConnection
	}

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) && resultErr.ResultCode == ldap.ErrorNetwork {
		return ErrorCategoryConnection
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "kerberos"),
		strings.Contains(errStr, "gssapi"),
		strings.Contains(errStr, "credentials"):
		return ErrorCategoryAuthentication
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "timed out"):
		return ErrorCategoryTimeout
	case strings.Contains(errStr, "connection"),
		strings.Contains(errStr, "network"),
		strings.Contains(errStr, "broken pipe"),
		strings.Contains(errStr, "no such host"):
		return ErrorCategoryConnection
	}
	return ErrorCategoryUnknown
}

func isLDAPCodeRetryable(code uint16) bool {
	switch code {
	case ldap.LDAPResultBusy,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultServerDown,
		ldap.LDAPResultTimeLimitExceeded,
		ldap.LDAPResultConnectError,
		ldap.ErrorNetwork:
		return true
	default:
		return false
	}
}

// IsRetryableError reports whether err is worth another attempt against a
// fresh connection.
func IsRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return asLDAPError("", err).Retryable
}

// GetErrorCategory returns the category of an error.
func GetErrorCategory(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryUnknown
	}
	return asLDAPError("", err).Category
}

// asLDAPError returns the *LDAPError already in err's chain, or categorises
// err afresh.
func asLDAPError(operation string, err error) *LDAPError {
	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) {
		return ldapErr
	}
	return NewLDAPError(operation, err)
}

// classify converts an LDAP failure into a directory error so callers can
// branch on directory kinds without importing go-ldap. Cancellation passes
// through unchanged.
func classify(operation string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var de *directory.Error
	if errors.As(err, &de) {
		return err
	}

	ldapErr := asLDAPError(operation, err)

	var kind directory.ErrorKind
	switch ldapErr.Category {
	case ErrorCategoryAuthentication:
		kind = directory.KindAuth
	case ErrorCategoryConnection, ErrorCategoryServer:
		kind = directory.KindConnection
	case ErrorCategoryTimeout:
		kind = directory.KindTimeout
	default:
		kind = directory.KindOther
	}
	return directory.NewError(kind, operation, err)
}
