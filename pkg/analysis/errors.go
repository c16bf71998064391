package analysis

import "errors"

// errNoPitch is returned when a clip has no trackable pitch content to
// estimate a key from.
var errNoPitch = errors.New("no trackable pitch content")
