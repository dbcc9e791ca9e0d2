package transport

import (
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http2/hpack"
	"google.golang.org/grpc/codes"

	"github.com/fullstorydev/grpcwire/internal/grpcutil"
	"github.com/fullstorydev/grpcwire/metadata"
	"github.com/fullstorydev/grpcwire/status"
)

// buildClientHeaderFields assembles the HEADERS block for a new client
// stream: pseudo-headers first, then the transport-owned headers, then the
// application metadata (already scrubbed of reserved keys by the call
// layer).
func buildClientHeaderFields(hdr *CallHdr, scheme, userAgent string) []hpack.HeaderField {
	fields := []hpack.HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: ":scheme", Value: scheme},
		{Name: ":path", Value: "/" + hdr.Method},
		{Name: ":authority", Value: hdr.Authority},
		{Name: grpcutil.ContentTypeKey, Value: grpcutil.ContentTypeGrpc},
		{Name: grpcutil.TEKey, Value: grpcutil.TETrailers},
		{Name: grpcutil.UserAgentKey, Value: userAgent},
	}
	if hdr.HasTimeout {
		fields = append(fields, hpack.HeaderField{
			Name:  grpcutil.TimeoutKey,
			Value: grpcutil.EncodeTimeout(hdr.Timeout),
		})
	}
	if hdr.Headers != nil {
		fields = append(fields, hdr.Headers.HeaderFields()...)
	}
	return fields
}

// splitPseudoHeaders partitions decoded header fields into pseudo-headers
// and regular fields.
func splitPseudoHeaders(fields []hpack.HeaderField) (pseudo map[string]string, rest []hpack.HeaderField) {
	pseudo = make(map[string]string)
	for _, f := range fields {
		if strings.HasPrefix(f.Name, ":") {
			pseudo[f.Name] = f.Value
			continue
		}
		rest = append(rest, f)
	}
	return pseudo, rest
}

// statusFromTrailers extracts the call status from trailer metadata. ok is
// false when no grpc-status is present.
func statusFromTrailers(md *metadata.MD) (st *status.Status, ok bool) {
	raw, ok := md.Get(grpcutil.StatusKey)
	if !ok {
		return nil, false
	}
	code, err := strconv.Atoi(raw)
	if err != nil {
		return status.Internal.WithDescriptionf("malformed grpc-status %q", raw), true
	}
	st = status.FromCodeValue(code)
	if msg, ok := md.Get(grpcutil.MessageKey); ok && msg != "" {
		st = st.WithDescription(grpcutil.DecodeGrpcMessage(msg))
	}
	return st, true
}

// scrubInboundMetadata removes the transport-owned headers before metadata
// is handed to the call listener.
func scrubInboundMetadata(md *metadata.MD) {
	md.Remove(grpcutil.StatusKey)
	md.Remove(grpcutil.MessageKey)
}

// codeForHTTPStatus maps a non-200 :status pseudo-header to a call code,
// for responses that never made it to a gRPC server.
func codeForHTTPStatus(httpStatus int) codes.Code {
	switch httpStatus {
	case http.StatusBadRequest:
		return codes.Internal
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.Unimplemented
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusTooManyRequests:
		return codes.Unavailable
	}
	return codes.Unknown
}
