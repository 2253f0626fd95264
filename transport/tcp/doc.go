// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package tcp builds the listening socket used by the server: address
// validation, socket options applied before bind, and optional pinning of
// the accept loop to a CPU.
package tcp
