// Package api
// Author: momentics <momentics@gmail.com>
//
// Close status registry and the close report delivered to every handler.

package api

import (
	"fmt"
	"unicode/utf8"
)

// Close status codes per the RFC 6455 registry.
const (
	CloseNormalClosure      uint16 = 1000
	CloseGoingAway          uint16 = 1001
	CloseProtocolError      uint16 = 1002
	CloseUnsupportedData    uint16 = 1003
	CloseNoStatusReceived   uint16 = 1005
	CloseAbnormalClosure    uint16 = 1006
	CloseInvalidPayloadData uint16 = 1007
	ClosePolicyViolation    uint16 = 1008
	CloseMessageTooBig      uint16 = 1009
	CloseMandatoryExtension uint16 = 1010
	CloseInternalServerErr  uint16 = 1011
	CloseServiceRestart     uint16 = 1012
	CloseTryAgainLater      uint16 = 1013
	CloseBadGateway         uint16 = 1014
	CloseTLSHandshake       uint16 = 1015
)

// MaxCloseReasonLen is the largest reason that fits a control frame next to
// the two status bytes.
const MaxCloseReasonLen = 123

// CloseInfo is reported exactly once per connection that reached Open.
type CloseInfo struct {
	Code   uint16
	Reason string
	// Clean is true only when a close frame was both sent and received.
	Clean bool
}

func (ci CloseInfo) String() string {
	return fmt.Sprintf("code=%d reason=%q clean=%t", ci.Code, ci.Reason, ci.Clean)
}

// IsValidCloseCode reports whether code may travel in a close frame.
// 1005, 1006 and 1015 are reserved for local reporting only.
func IsValidCloseCode(code uint16) bool {
	switch {
	case code >= 1000 && code <= 1003:
		return true
	case code >= 1007 && code <= 1014:
		return true
	case code >= 3000 && code <= 4999:
		return true
	}
	return false
}

// ValidateClose checks a caller supplied code and reason.
func ValidateClose(code uint16, reason string) error {
	if !IsValidCloseCode(code) {
		return ErrInvalidCloseCode
	}
	if len(reason) > MaxCloseReasonLen {
		return ErrReasonTooLong
	}
	if !utf8.ValidString(reason) {
		return ErrInvalidReason
	}
	return nil
}
