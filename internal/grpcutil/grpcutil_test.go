package grpcutil

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"google.golang.org/grpc/codes"
)

func TestEncodeTimeoutGreedy(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want string
	}{
		{0, "0n"},
		{-time.Second, "0n"},
		{time.Nanosecond, "1n"},
		{99999999 * time.Nanosecond, "99999999n"},
		{100000000 * time.Nanosecond, "100000u"},
		{2 * time.Second, "2000000u"},
		{2*time.Second + time.Nanosecond, "2000000u"},
		{99999999 * time.Second, "99999999S"},
		{time.Duration(math.MaxInt64), "2562047H"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, EncodeTimeout(c.in), "encode %v", c.in)
	}
}

func TestTimeoutRoundTripNeverGrows(t *testing.T) {
	inputs := []time.Duration{
		1, 999, 12345 * time.Microsecond, 2000000001 * time.Nanosecond,
		3 * time.Minute, 7*time.Hour + 3*time.Second,
	}
	for _, in := range inputs {
		out, err := DecodeTimeout(EncodeTimeout(in))
		require.NoError(t, err)
		assert.LessOrEqual(t, out, in)
	}
	// divisible by the chosen unit: exact round trip
	out, err := DecodeTimeout(EncodeTimeout(2 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, out)
}

func TestDecodeTimeoutErrors(t *testing.T) {
	for _, in := range []string{"", "m", "123", "1234567890S", "12x", "-1m"} {
		_, err := DecodeTimeout(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestContentType(t *testing.T) {
	assert.True(t, IsGrpcContentType("application/grpc"))
	assert.True(t, IsGrpcContentType("application/grpc+proto"))
	assert.True(t, IsGrpcContentType("application/grpc;charset=utf-8"))
	assert.False(t, IsGrpcContentType("application/grpc-web"))
	assert.False(t, IsGrpcContentType("application/json"))
	assert.False(t, IsGrpcContentType(""))
}

func TestMethodFromPath(t *testing.T) {
	m, ok := MethodFromPath("/pkg.Service/Method")
	require.True(t, ok)
	assert.Equal(t, "pkg.Service/Method", m)

	_, ok = MethodFromPath("pkg.Service/Method")
	assert.False(t, ok)
	_, ok = MethodFromPath("/")
	assert.False(t, ok)
}

func TestHTTP2ErrorMapping(t *testing.T) {
	cases := map[http2.ErrCode]codes.Code{
		http2.ErrCodeNo:                 codes.Unavailable,
		http2.ErrCodeProtocol:           codes.Internal,
		http2.ErrCodeRefusedStream:      codes.Unavailable,
		http2.ErrCodeCancel:             codes.Canceled,
		http2.ErrCodeEnhanceYourCalm:    codes.ResourceExhausted,
		http2.ErrCodeInadequateSecurity: codes.PermissionDenied,
		http2.ErrCodeHTTP11Required:     codes.Unknown,
		http2.ErrCode(0x77):             codes.Internal,
	}
	for in, want := range cases {
		st := StatusForHTTP2Code(in)
		assert.Equal(t, want, st.Code(), "code %v", in)
		assert.Contains(t, st.Description(), "HTTP/2 error code:")
	}
}

func TestGrpcMessageRoundTrip(t *testing.T) {
	for _, msg := range []string{
		"", "plain ascii with space", "pct % sign", "newline\nhere", "héllo, 世界",
	} {
		assert.Equal(t, msg, DecodeGrpcMessage(EncodeGrpcMessage(msg)))
	}
	assert.Equal(t, "plain", EncodeGrpcMessage("plain"))
	assert.Equal(t, "a%0Ab", EncodeGrpcMessage("a\nb"))
	// malformed escapes pass through
	assert.Equal(t, "bad%zzesc", DecodeGrpcMessage("bad%zzesc"))
	assert.Equal(t, "trail%", DecodeGrpcMessage("trail%"))
}

func TestUserAgent(t *testing.T) {
	assert.Equal(t, "grpc-go-wire/"+implementationVersion, UserAgent(""))
	assert.Equal(t, "myapp/0.1 grpc-go-wire/"+implementationVersion, UserAgent("myapp/0.1"))
}
