package common

// PackageName is the service identifier used for metrics and logging.
const PackageName = "masterpad-backend"

// Version is set at build time via -ldflags.
var Version = "dev"
