package grpcutil

import (
	"golang.org/x/net/http2"

	"github.com/fullstorydev/grpcwire/status"
)

// http2ErrStatus maps HTTP/2 error codes, as seen in RST_STREAM and GOAWAY
// frames, to call statuses. NO_ERROR maps to UNAVAILABLE because peers use
// it for graceful connection shutdown, after which the request is safe to
// retry elsewhere.
var http2ErrStatus = map[http2.ErrCode]*status.Status{
	http2.ErrCodeNo:                 status.Unavailable,
	http2.ErrCodeProtocol:           status.Internal,
	http2.ErrCodeInternal:           status.Internal,
	http2.ErrCodeFlowControl:        status.Internal,
	http2.ErrCodeSettingsTimeout:    status.Internal,
	http2.ErrCodeStreamClosed:       status.Internal,
	http2.ErrCodeFrameSize:          status.Internal,
	http2.ErrCodeRefusedStream:      status.Unavailable,
	http2.ErrCodeCancel:             status.Cancelled,
	http2.ErrCodeCompression:        status.Internal,
	http2.ErrCodeConnect:            status.Internal,
	http2.ErrCodeEnhanceYourCalm:    status.ResourceExhausted.WithDescription("Bandwidth exhausted"),
	http2.ErrCodeInadequateSecurity: status.PermissionDenied.WithDescription("Permission denied as protocol is not secure enough to call"),
	http2.ErrCodeHTTP11Required:     status.Unknown,
}

// StatusForHTTP2Code converts an HTTP/2 error code to a status, annotated
// with the code's name.
func StatusForHTTP2Code(code http2.ErrCode) *status.Status {
	st, ok := http2ErrStatus[code]
	if !ok {
		st = status.Internal
	}
	return st.AugmentDescription("HTTP/2 error code: " + code.String())
}
