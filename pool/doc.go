// Package pool
// Author: momentics <momentics@gmail.com>
//
// Reusable memory for the hot paths of hioload-wshost: staging buffers for
// handshakes and compression, and typed object pools for the deflate
// codecs, whose construction is far more expensive than a reset.
package pool
