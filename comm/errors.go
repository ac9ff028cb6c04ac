package comm

import "errors"

// ErrAborted is raised inside a collective when another rank of the world has
// failed. The rank that observes it cannot make progress and should unwind.
var ErrAborted = errors.New("comm: process group aborted")
