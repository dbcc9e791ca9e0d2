// Package grpcutil holds wire-protocol constants and conversions shared by
// the client and server transport handlers.
package grpcutil

import (
	"strings"
)

// Well-known header names.
const (
	ContentTypeKey           = "content-type"
	ContentTypeGrpc          = "application/grpc"
	TEKey                    = "te"
	TETrailers               = "trailers"
	UserAgentKey             = "user-agent"
	TimeoutKey               = "grpc-timeout"
	StatusKey                = "grpc-status"
	MessageKey               = "grpc-message"
	MessageEncodingKey       = "grpc-encoding"
	MessageAcceptEncodingKey = "grpc-accept-encoding"
)

// Reserved headers that callers may not supply directly; the transport owns
// their canonical values.
var ReservedHeaders = []string{
	UserAgentKey,
	MessageEncodingKey,
	MessageAcceptEncodingKey,
	TimeoutKey,
	ContentTypeKey,
	TEKey,
}

const implementationVersion = "1.0.0"

// UserAgent composes the user-agent header value, prefixing an optional
// application-supplied agent string.
func UserAgent(appAgent string) string {
	base := "grpc-go-wire/" + implementationVersion
	if appAgent == "" {
		return base
	}
	return appAgent + " " + base
}

// IsGrpcContentType reports whether contentType names the gRPC protocol. The
// base type must be exactly "application/grpc"; it may be followed by a
// subtype suffix ("+proto") or parameters (";charset=utf-8").
func IsGrpcContentType(contentType string) bool {
	if !strings.HasPrefix(contentType, ContentTypeGrpc) {
		return false
	}
	if len(contentType) == len(ContentTypeGrpc) {
		return true
	}
	switch contentType[len(ContentTypeGrpc)] {
	case '+', ';':
		return true
	}
	return false
}

// MethodFromPath extracts the fully-qualified method name from a request
// path. The path must begin with '/'; the remainder is the method.
func MethodFromPath(path string) (string, bool) {
	if len(path) < 2 || path[0] != '/' {
		return "", false
	}
	return path[1:], true
}
