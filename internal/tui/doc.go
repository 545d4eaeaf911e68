// Package tui provides the terminal views of superagents.
//
// HealthModel is a read-only live view of a running supervisor's health
// snapshot, used by "superagents health --watch". It polls a FetchFunc on a
// fixed interval and keeps showing the last good snapshot when a fetch
// fails. Users quit with 'q' or Ctrl+C and force a refresh with 'r'.
//
// Usage:
//
//	fetch := func(ctx context.Context) (cortex.HealthSnapshot, error) {
//	    return client.Health(ctx)
//	}
//	err := tui.RunHealthWatch(fetch, 2*time.Second, "127.0.0.1:7787")
package tui
