//go:build windows

package signals

import "os"

// Windows has no SIGHUP; reloads come from the config watcher only.
func notifyHangup(chan<- os.Signal) {}
