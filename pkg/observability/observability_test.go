package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDisabledProviderIsNoOp(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Meter())

	// All instrumentation paths must be safe with no providers dialed.
	ctx, finish := p.TrackDispatch(context.Background(), "/click",
		attribute.String("warden.session_id", "sess-1"))
	assert.NotNil(t, ctx)
	finish(errors.New("boom"))
	finish2 := func() {
		_, done := p.TrackDispatch(context.Background(), "/type")
		done(nil)
	}
	assert.NotPanics(t, finish2)

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNilConfigUsesDefaults(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, p.config.Enabled)
	assert.Equal(t, "warden", p.config.ServiceName)
}
