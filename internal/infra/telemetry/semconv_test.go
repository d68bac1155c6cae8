package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubscriptionAttributesOmitEmptyMethod(t *testing.T) {
	attrs := SubscriptionAttributes("dev", "binance", "ticker", "")
	require.Len(t, attrs, 3)

	attrs = SubscriptionAttributes("dev", "binance", "ticker", "pull")
	require.Len(t, attrs, 4)
	require.Equal(t, AttrMethod, attrs[3].Key)
	require.Equal(t, "pull", attrs[3].Value.AsString())
}

func TestEnvironmentDefaultsToDevelopment(t *testing.T) {
	SetEnvironment("")
	require.Equal(t, "development", Environment())
	SetEnvironment(" PROD ")
	require.Equal(t, "prod", Environment())
	SetEnvironment("")
}

func TestDisabledProviderIsNoop(t *testing.T) {
	provider, err := NewProvider(context.Background(), Config{Enabled: false, Environment: "dev"})
	require.NoError(t, err)
	require.False(t, provider.Enabled())
	require.NotNil(t, provider.Meter("test"))
	require.NoError(t, provider.Shutdown(context.Background()))
	SetEnvironment("")
}

func TestStripScheme(t *testing.T) {
	require.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("collector:4318"))
}
