package chirpstack

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpaumelle/smart-parking-platform-sub000/errors"
	"github.com/cpaumelle/smart-parking-platform-sub000/storage"
	storemem "github.com/cpaumelle/smart-parking-platform-sub000/storage/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDownlinkJSON(t *testing.T) {
	body, err := downlinkJSON("a1b2c3d4e5f60718", []byte{0x02}, 10, true)
	require.NoError(t, err)

	var env downlinkEnqueue
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, "a1b2c3d4e5f60718", env.DevEUI)
	assert.Equal(t, "Ag==", env.Data)
	assert.Equal(t, 10, env.FPort)
	assert.True(t, env.Confirmed)
}

func TestApplicationForPrefersDisplayOverride(t *testing.T) {
	ctx := context.Background()
	store := storemem.New()
	require.NoError(t, store.SaveDisplay(ctx, &storage.Display{
		DeviceEUI:     "display-1",
		TenantID:      "tenant-1",
		ApplicationID: "app-override",
		PayloadTable:  map[string]string{"free": "01"},
	}))

	c := NewClient(Config{
		BrokerURL:     "tcp://localhost:1883",
		ClientID:      "test",
		ApplicationID: "app-default",
	}, nil, testLogger(), WithDisplayDirectory(store))

	app, err := c.applicationFor(ctx, "display-1")
	require.NoError(t, err)
	assert.Equal(t, "app-override", app)

	app, err = c.applicationFor(ctx, "display-unknown")
	require.NoError(t, err)
	assert.Equal(t, "app-default", app)
}

type countingDirectory struct {
	inner   DisplayDirectory
	lookups int
}

func (d *countingDirectory) GetDisplay(ctx context.Context, eui string) (*storage.Display, error) {
	d.lookups++
	return d.inner.GetDisplay(ctx, eui)
}

func TestApplicationForCachesResolution(t *testing.T) {
	ctx := context.Background()
	store := storemem.New()
	require.NoError(t, store.SaveDisplay(ctx, &storage.Display{
		DeviceEUI:     "display-1",
		TenantID:      "tenant-1",
		ApplicationID: "app-override",
		PayloadTable:  map[string]string{"free": "01"},
	}))
	dir := &countingDirectory{inner: store}

	c := NewClient(Config{
		BrokerURL:     "tcp://localhost:1883",
		ClientID:      "test",
		ApplicationID: "app-default",
	}, nil, testLogger(), WithDisplayDirectory(dir))

	for i := 0; i < 3; i++ {
		app, err := c.applicationFor(ctx, "display-1")
		require.NoError(t, err)
		assert.Equal(t, "app-override", app)
	}
	assert.Equal(t, 1, dir.lookups)
}

func TestApplicationForRequiresSomeApplication(t *testing.T) {
	c := NewClient(Config{
		BrokerURL: "tcp://localhost:1883",
		ClientID:  "test",
	}, nil, testLogger())

	_, err := c.applicationFor(context.Background(), "display-1")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}
