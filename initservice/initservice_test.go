package initservice

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/strangelove-ventures/mandrake/registry"
)

func TestEnsureIsASingleton(t *testing.T) {
	svc1 := Ensure(WithRegistryOptions(registry.WithRootPath(t.TempDir())))
	svc2 := Ensure(WithRegistryOptions(registry.WithRootPath(t.TempDir())))
	require.Same(t, svc1, svc2)
}

func TestShutdownStopsSweeperAndDrainsRegistry(t *testing.T) {
	svc := Ensure()
	done := make(chan struct{})
	go func() {
		svc.Shutdown(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not return")
	}
}
