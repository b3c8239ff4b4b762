package ldap

import (
	"context"
	"errors"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// LogOperation runs fn, logging its duration and outcome on the ldap
// subsystem.
func LogOperation(ctx context.Context, operation string, fields map[string]any, fn func() error) error {
	start := time.Now()

	if fields == nil {
		fields = make(map[string]any)
	}
	fields["operation"] = operation

	tflog.SubsystemDebug(ctx, "ldap", "Starting operation", fields)

	err := fn()

	fields["duration_ms"] = time.Since(start).Milliseconds()
	if err != nil {
		LogLDAPError(ctx, operation, err, fields)
		return err
	}

	switch d := time.Since(start); {
	case d > 5*time.Second:
		tflog.SubsystemWarn(ctx, "ldap", "Slow operation detected", fields)
	default:
		tflog.SubsystemDebug(ctx, "ldap", "Operation completed successfully", fields)
	}
	return nil
}

// LogLDAPError logs err with any result code and diagnostic message it
// carries.
func LogLDAPError(ctx context.Context, operation string, err error, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}
	fields["operation"] = operation
	fields["error"] = err.Error()
	fields["category"] = string(GetErrorCategory(err))

	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		fields["ldap_result_code"] = ldapErr.ResultCode
		if ldapErr.MatchedDN != "" {
			fields["ldap_matched_dn"] = ldapErr.MatchedDN
		}
		if ldapErr.Err != nil {
			fields["ldap_diagnostic_message"] = ldapErr.Err.Error()
		}
	}

	tflog.SubsystemError(ctx, "ldap", "LDAP operation failed", fields)
}

// LogPoolEvent logs connection pool events.
func LogPoolEvent(ctx context.Context, event string, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}
	fields["event"] = event

	switch event {
	case "connection_failed":
		tflog.SubsystemWarn(ctx, "ldap", "Pool event", fields)
	case "connection_established", "pool_closed":
		tflog.SubsystemDebug(ctx, "ldap", "Pool event", fields)
	default:
		tflog.SubsystemTrace(ctx, "ldap", "Pool event", fields)
	}
}
