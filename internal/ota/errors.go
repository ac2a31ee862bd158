package ota

import "github.com/iotali/device-agent/internal/errs"

// Cancelled is returned by a worker stage when it observes stopRequested.
// The finalize step inspects it (via errors.Is) to choose between
// publishing "update stopped" and "update failed".
var Cancelled = errs.ErrCancelled
