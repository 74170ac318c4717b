package internal

import (
	"fmt"
	"runtime"
)

// Version is set at release time with
// -ldflags "-X roomchat/internal.Version=1.2.3".
var Version = "dev"

// VersionString describes the running binary.
func VersionString() string {
	return fmt.Sprintf("roomchat %s (%s %s/%s)", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
