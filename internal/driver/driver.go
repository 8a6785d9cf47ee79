// Package driver provisions and tears down scenario platforms and hands out
// connections to them.
package driver

import (
	"context"
	"fmt"
	"io"
	"time"

	dockerclient "github.com/docker/docker/client"

	commonerrors "github.com/deploymenttheory/go-scenario-composer/internal/common/errors"
	"github.com/deploymenttheory/go-scenario-composer/internal/connection"
	"github.com/deploymenttheory/go-scenario-composer/internal/scenario"
)

// Driver manages the lifecycle of a scenario's platforms
type Driver interface {
	Name() string
	Create(ctx context.Context, platforms []scenario.Platform) error
	Destroy(ctx context.Context, platforms []scenario.Platform) error
	Connect(ctx context.Context, platform scenario.Platform) (connection.Connection, error)
}

// Options configure driver construction
type Options struct {
	// DockerHost overrides DOCKER_HOST when set
	DockerHost string

	// Compression of image build contexts: none, gzip, bzip2, xz
	Compression string

	// Out receives image build and pull progress
	Out io.Writer

	// PollInterval between container readiness checks
	PollInterval time.Duration
}

// New returns the driver named by the scenario
func New(s *scenario.Scenario, opts Options) (Driver, error) {
	switch s.Driver.Name {
	case "docker":
		clientOpts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
		if opts.DockerHost != "" {
			clientOpts = append(clientOpts, dockerclient.WithHost(opts.DockerHost))
		}
		cli, err := dockerclient.NewClientWithOpts(clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create docker client: %w", err)
		}
		return NewDocker(cli, s.Dir, opts), nil

	case "delegated":
		return NewDelegated(), nil

	default:
		return nil, fmt.Errorf("%w: %s", commonerrors.ErrUnsupportedDriver, s.Driver.Name)
	}
}
