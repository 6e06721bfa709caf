package cache

import (
	platformerrors "github.com/jmgilman/go/errors"
)

// Each error carries a platform code; its classification tells the host
// whether retrying the operation can help.
var (
	// ErrUnsupportedEnvironment is returned when an engine is built without
	// any cache storage.
	ErrUnsupportedEnvironment = platformerrors.New(platformerrors.CodeNotImplemented, "cache storage not supported")
	// ErrStorageUnavailable wraps failures to open or use a bucket.
	ErrStorageUnavailable = platformerrors.New(platformerrors.CodeUnavailable, "cache storage unavailable")
	// ErrFetchFailed fails a whole precache batch when any item in it does.
	ErrFetchFailed = platformerrors.New(platformerrors.CodeNetwork, "precache fetch failed")
	// ErrNetwork wraps live fetch failures.
	ErrNetwork = platformerrors.New(platformerrors.CodeNetwork, "network error")
	// ErrNotCacheable rejects storing a request other than GET.
	ErrNotCacheable = platformerrors.New(platformerrors.CodeInvalidInput, "only GET requests can be cached")
)
