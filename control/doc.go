// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics for the service manager: monotonically increasing
// counters plus gauges evaluated when a snapshot is taken.
package control
