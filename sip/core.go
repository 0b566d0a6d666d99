package sip

import (
	"strings"

	"github.com/google/uuid"

	"github.com/voicegrid/sipcore/header"
	"github.com/voicegrid/sipcore/internal/types"
	"github.com/voicegrid/sipcore/internal/util"
	"github.com/voicegrid/sipcore/uri"
)

// URI represents a SIP URI.
// See [uri.URI].
type URI = uri.URI

// Values represents header or URI parameters.
// See [types.Values].
type Values = types.Values

// ProtoInfo represents SIP protocol information.
// See [types.ProtoInfo].
type ProtoInfo = types.ProtoInfo

// ProtoVer20 is the SIP protocol version used by this package.
var ProtoVer20 = ProtoInfo{Name: "SIP", Version: "2.0"}

// Addr represents a network address.
// See [types.Addr].
type Addr = types.Addr

// RenderOptions contains message rendering options.
// See [types.RenderOptions].
type RenderOptions = types.RenderOptions

// Header represents a generic SIP header.
// See [header.Header].
type Header = header.Header

// HeaderName represents a SIP header name.
// See [header.Name].
type HeaderName = header.Name

// CanonicHeaderName returns a canonicalized header name.
// See [header.CanonicName].
func CanonicHeaderName[T ~string](name T) HeaderName { return header.CanonicName(name) }

// MagicCookie is the RFC 3261 branch prefix marking a transaction
// compliant Via branch parameter.
const MagicCookie = "z9hG4bK"

// GenerateBranch returns a new unique branch parameter value prefixed
// with the [MagicCookie].
func GenerateBranch() string {
	return MagicCookie + util.RandStringLC(32)
}

// IsRFC3261Branch reports whether the branch parameter value starts with
// the [MagicCookie], i.e. was generated by an RFC 3261 compliant element.
func IsRFC3261Branch(branch string) bool {
	return len(branch) > len(MagicCookie) && strings.HasPrefix(branch, MagicCookie)
}

// GenerateTag returns a new random tag parameter value of n characters.
// If n is not positive the default length of 16 is used.
func GenerateTag(n int) string {
	if n <= 0 {
		n = 16
	}
	return util.RandStringLC(n)
}

// NewCallID returns a new unique Call-ID header.
func NewCallID() header.CallID {
	return header.CallID(uuid.NewString())
}
