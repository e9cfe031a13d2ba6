package corejs

import _ "embed"

// bootstrapSource installs the script-visible send/dispatch/recv/
// setAsyncHandler/shared primitives (§6.3) before any user script runs.
//
//go:embed bootstrap.js
var bootstrapSource string
