package driver

import (
	"context"
	"fmt"

	commonerrors "github.com/deploymenttheory/go-scenario-composer/internal/common/errors"
	"github.com/deploymenttheory/go-scenario-composer/internal/common/osutil"
	"github.com/deploymenttheory/go-scenario-composer/internal/connection"
	"github.com/deploymenttheory/go-scenario-composer/internal/logger"
	"github.com/deploymenttheory/go-scenario-composer/internal/scenario"
)

// Delegated targets hosts managed outside the composer. Create and destroy
// are no-ops unless the scenario supplies playbooks for them.
type Delegated struct {
	dialSSH func(ctx context.Context, cfg connection.SSHConfig) (connection.Connection, error)
}

// NewDelegated returns a delegated driver
func NewDelegated() *Delegated {
	return &Delegated{
		dialSSH: func(ctx context.Context, cfg connection.SSHConfig) (connection.Connection, error) {
			conn, err := connection.DialSSH(ctx, cfg)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
	}
}

func (d *Delegated) Name() string { return "delegated" }

func (d *Delegated) Create(_ context.Context, platforms []scenario.Platform) error {
	for _, p := range platforms {
		logger.LogInfo("Delegated platform is managed externally, skipping create", map[string]interface{}{"platform": p.Name})
	}
	return nil
}

func (d *Delegated) Destroy(_ context.Context, platforms []scenario.Platform) error {
	for _, p := range platforms {
		logger.LogInfo("Delegated platform is managed externally, skipping destroy", map[string]interface{}{"platform": p.Name})
	}
	return nil
}

func (d *Delegated) Connect(ctx context.Context, p scenario.Platform) (connection.Connection, error) {
	switch p.Connection.Type {
	case "", "local":
		shell := p.Connection.Shell
		if shell == "" && osutil.IsWindows() {
			shell = connection.ShellPowerShell
		}
		if shell == connection.ShellPowerShell {
			return connection.NewLocal(p.Name, "powershell", "-NoProfile", "-Command"), nil
		}
		return connection.NewLocal(p.Name), nil

	case "ssh":
		return d.dialSSH(ctx, connection.SSHConfig{
			Name:           p.Name,
			Host:           p.Connection.Host,
			Port:           p.Connection.Port,
			User:           p.Connection.User,
			Password:       p.Connection.Password,
			PrivateKeyFile: p.Connection.PrivateKey,
			KnownHostsFile: p.Connection.KnownHosts,
			Shell:          p.Connection.Shell,
			WorkDir:        p.Connection.WorkDir,
		})

	default:
		return nil, fmt.Errorf("%w: %s", commonerrors.ErrUnsupportedConnection, p.Connection.Type)
	}
}
