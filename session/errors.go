package session

import "errors"

// ErrNoRefreshToken indicates a refresh was requested but no refresh token
// is persisted. This is a local condition; no network call was made.
var ErrNoRefreshToken = errors.New("no refresh token")
