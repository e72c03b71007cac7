//go:build integration

package integration

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/meigma/zipstream"
	"github.com/meigma/zipstream/cache/registry"
)

// --- Registry Container Setup ---

var (
	registryOnce sync.Once
	registryAddr string
	registryErr  error
)

// getRegistry returns the shared registry address, starting the container if needed.
func getRegistry(tb testing.TB) string {
	tb.Helper()

	if os.Getenv("SKIP_DOCKER_TESTS") == "1" {
		tb.Skip("SKIP_DOCKER_TESTS is set")
	}

	registryOnce.Do(func() {
		registryAddr, registryErr = startRegistryContainer(context.Background())
	})

	if registryErr != nil {
		tb.Fatalf("start registry container: %v", registryErr)
	}

	return registryAddr
}

// startRegistryContainer starts a registry:2 container and returns the host:port address.
// Cleanup is left to the testcontainers reaper.
func startRegistryContainer(ctx context.Context) (string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "registry:2",
		ExposedPorts: []string{"5000/tcp"},
		Env:          map[string]string{"REGISTRY_STORAGE_DELETE_ENABLED": "true"},
		WaitingFor:   wait.ForHTTP("/v2/").WithPort("5000/tcp").WithStatusCodeMatcher(isOKStatus),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("start registry container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve registry host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5000/tcp")
	if err != nil {
		return "", fmt.Errorf("resolve registry port: %w", err)
	}

	return fmt.Sprintf("%s:%s", host, port.Port()), nil
}

func isOKStatus(status int) bool {
	return status >= 200 && status < 300
}

// --- Cache Factory ---

// testRepo generates a per-test repository to avoid collisions.
func testRepo(addr, testName string) string {
	return fmt.Sprintf("%s/test/%s", addr, strings.ToLower(testName))
}

// newRegistryCache creates a cache for the local test registry.
func newRegistryCache(tb testing.TB, repo string, opts ...registry.Option) *registry.Cache {
	tb.Helper()

	allOpts := append([]registry.Option{registry.WithPlainHTTP(true)}, opts...)
	c, err := registry.New(repo, allOpts...)
	require.NoError(tb, err, "create registry cache")
	return c
}

// --- Request Helpers ---

// build runs a request through svc and returns the archive bytes.
func build(tb testing.TB, svc *zipstream.Service, entries []zipstream.Entry) (*zipstream.Response, []byte) {
	tb.Helper()

	raw, err := zipstream.EncodeManifest(entries)
	require.NoError(tb, err)
	resp, err := svc.BuildOrServe(context.Background(), raw, entries)
	require.NoError(tb, err, "BuildOrServe")
	data, err := io.ReadAll(resp)
	require.NoError(tb, err, "read archive")
	require.NoError(tb, resp.Close())
	return resp, data
}
