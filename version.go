package blocktalk

import "fmt"

// appName is the daemon's display name.
const appName = "walletd"

// Semantic version components of the daemon.
const (
	appMajor uint = 0
	appMinor uint = 2
	appPatch uint = 0
)

// Version returns the application version as a properly formed string.
func Version() string {
	return fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)
}
