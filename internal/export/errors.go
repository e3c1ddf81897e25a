package export

import "errors"

// ErrUnknownPayload is returned for a file name outside Names.
var ErrUnknownPayload = errors.New("unknown payload")
