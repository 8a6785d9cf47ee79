package image

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/deploymenttheory/go-scenario-composer/internal/logger"
)

// BrokerOptions parameterise the broker + database client image
type BrokerOptions struct {
	BaseImage       string
	PostgresVersion string
	RabbitMQVersion string
	// RuntimePackages are apt packages the broker needs at runtime
	RuntimePackages []string
	// ServiceFiles are build-context paths copied into the supervisor tree
	ServiceFiles map[string]string
	// NonRootUser is the user the image ends on
	NonRootUser string
}

// DefaultBrokerOptions returns the options used by the shipped scenarios
func DefaultBrokerOptions() BrokerOptions {
	return BrokerOptions{
		BaseImage:       "aiidateam/aiida-prerequisites:0.4.0",
		PostgresVersion: "12.3",
		RabbitMQVersion: "3.8.14",
		RuntimePackages: []string{"erlang", "xz-utils"},
		ServiceFiles: map[string]string{
			"s6-assets/s6-rc.d": "/etc/s6-overlay/s6-rc.d",
			"s6-assets/init":    "/etc/init",
		},
		NonRootUser: "${NB_USER}",
	}
}

// BrokerRecipe builds the image recipe with PostgreSQL client tooling and a
// RabbitMQ broker installed on top of the base image
func BrokerRecipe(opts BrokerOptions) *Recipe {
	rmqDir := "/opt/rabbitmq_server-${RMQ_VERSION}"
	archive := "rabbitmq-server-generic-unix-${RMQ_VERSION}.tar.xz"
	url := "https://github.com/rabbitmq/rabbitmq-server/releases/download/v${RMQ_VERSION}/" + archive

	r := NewRecipe(opts.BaseImage).
		Arg("PGSQL_VERSION", opts.PostgresVersion).
		Arg("RMQ_VERSION", opts.RabbitMQVersion).
		User("root")

	// Database engine from the package manager, then clean its caches
	r.Run(
		"mamba install --yes -c conda-forge postgresql=${PGSQL_VERSION}",
		"mamba clean --all -f -y",
	)
	r.Run(
		`fix-permissions "${CONDA_DIR}"`,
		`fix-permissions "/home/${NB_USER}"`,
	)

	// Broker runtime dependencies from the system package manager
	r.Run(
		"apt-get update --yes",
		fmt.Sprintf("apt-get install --yes --no-install-recommends %s", joinPackages(opts.RuntimePackages)),
		"apt-get clean",
		"rm -rf /var/lib/apt/lists/*",
	)

	// Versioned broker release, executables linked onto the search path
	r.Run(
		"wget -c --no-check-certificate "+url,
		"tar -xf "+archive,
		"rm "+archive,
		"mv rabbitmq_server-${RMQ_VERSION} /opt/",
		"ln -sf "+rmqDir+"/sbin/* /usr/local/bin/",
		"fix-permissions "+rmqDir,
	)

	for _, src := range sortedKeys(opts.ServiceFiles) {
		r.Copy(src, opts.ServiceFiles[src])
	}

	return r.
		User(opts.NonRootUser).
		Workdir(`"/home/${NB_USER}"`)
}

// ContextFiles maps the service files found under dir to their build
// context paths. Service files missing from dir are dropped from the options
// and returned sorted.
func (o *BrokerOptions) ContextFiles(dir string) (map[string]string, []string) {
	files := make(map[string]string)
	var missing []string
	for src := range o.ServiceFiles {
		local := filepath.Join(dir, src)
		if _, err := os.Stat(local); err != nil {
			logger.LogWarn("Service file missing from build context, dropping it", map[string]interface{}{
				"file":        src,
				"context_dir": dir,
			})
			delete(o.ServiceFiles, src)
			missing = append(missing, src)
			continue
		}
		files[local] = src
	}
	sort.Strings(missing)
	return files, missing
}

func joinPackages(pkgs []string) string {
	return strings.Join(pkgs, " ")
}
