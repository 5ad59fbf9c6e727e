package failure

import (
	"context"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindSurvivesWrapping(t *testing.T) {
	err := Transport("read", io.EOF)
	wrapped := errors.Wrap(err, "session")

	assert.Equal(t, KindTransport, KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, io.EOF))
	assert.Contains(t, wrapped.Error(), "transport error [read]: EOF")
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(KindWrite, "insert", nil))
}

func TestIsRetriable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"config", Config("subscribe", "channel %q not supported", "ticker"), false},
		{"canceled", errors.Wrap(context.Canceled, "read"), false},
		{"protocol", Protocol("sequence", "expected %d, got %d", 3, 4), true},
		{"auth", Auth("token", io.ErrUnexpectedEOF), true},
		{"write", Write("insertAll", errors.New("status 500")), true},
		{"plain", errors.New("boom"), true},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetriable(tt.err))
		})
	}
}

func TestUnknownKind(t *testing.T) {
	require.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.True(t, Is(Protocol("check", "gap"), KindProtocol))
	assert.False(t, Is(Protocol("check", "gap"), KindWrite))
}
