// Package session
// Author: momentics <momentics@gmail.com>
//
// Session bookkeeping shared by service hosts: an id-keyed registry whose
// mutations and snapshots run under one lock, and a per-session attribute
// store with optional expiry.

package session
