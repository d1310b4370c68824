package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitDisabledIsNoop(t *testing.T) {
	tel, err := Init(context.Background(), Config{ServiceName: "test"})
	require.NoError(t, err)
	require.NotNil(t, tel.Tracer())

	ctx, span := tel.Tracer().Start(context.Background(), "op")
	span.End()
	assert.Empty(t, TraceID(ctx))
	assert.NoError(t, tel.Shutdown(context.Background()))
}
