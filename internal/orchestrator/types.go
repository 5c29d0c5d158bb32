package orchestrator

import "github.com/ecairns22/otad/internal/errcode"

// PackageDescriptor is the immutable request that starts a download.
type PackageDescriptor struct {
	Version   string
	URL       string
	FileName  string
	SizeBytes int64
	MD5Hex    string
}

// OpError is returned by the public API when a request is rejected or
// fails synchronously (as opposed to failures discovered later and
// only visible via the Progress Bus).
type OpError = errcode.Error
