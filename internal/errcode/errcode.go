// Package errcode defines the closed error taxonomy surfaced by the
// update engine. Every operation that can fail in a way a caller needs
// to branch on returns a *Error carrying one of these codes, rather
// than a bare error string.
package errcode

import (
	"errors"
	"fmt"
)

// Code is a classified failure reported in ProgressSnapshot.error and
// in API responses.
type Code string

const (
	InvalidRequest  Code = "INVALID_REQUEST"
	Conflict        Code = "CONFLICT"
	VersionMismatch Code = "VERSION_MISMATCH"

	DownloadFailed Code = "DOWNLOAD_FAILED"
	DiskFull       Code = "DISK_FULL"
	MD5Mismatch    Code = "MD5_MISMATCH"
	Canceled       Code = "CANCELED"

	InvalidManifest Code = "INVALID_MANIFEST"
	PathTraversal   Code = "PATH_TRAVERSAL"
	MissingSource   Code = "MISSING_SOURCE"

	PackageExpired Code = "PACKAGE_EXPIRED"

	DeploymentFailed    Code = "DEPLOYMENT_FAILED"
	ProcessKillFailed   Code = "PROCESS_KILL_FAILED"
	ServiceUnhealthy    Code = "SERVICE_UNHEALTHY"
	RollbackOKAfterFail Code = "ROLLBACK_OK_AFTER_FAILURE"
	RollbackFailed      Code = "ROLLBACK_FAILED"
)

// Error pairs a taxonomy Code with the underlying cause.
type Error struct {
	Code Code
	Err  error
}

func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

func Wrap(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf extracts the taxonomy Code from err, or "" if err is nil or
// does not wrap an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
