package scenario

import (
	"github.com/deploymenttheory/go-scenario-composer/internal/common/yamlutil"
)

// Lifecycle phases
const (
	PhaseDependency  = "dependency"
	PhaseCreate      = "create"
	PhasePrepare     = "prepare"
	PhaseConverge    = "converge"
	PhaseIdempotence = "idempotence"
	PhaseSideEffect  = "side_effect"
	PhaseVerify      = "verify"
	PhaseCleanup     = "cleanup"
	PhaseDestroy     = "destroy"
)

// KnownPhases lists every phase a sequence may name
var KnownPhases = []string{
	PhaseDependency,
	PhaseCreate,
	PhasePrepare,
	PhaseConverge,
	PhaseIdempotence,
	PhaseSideEffect,
	PhaseVerify,
	PhaseCleanup,
	PhaseDestroy,
}

// Sequence is an ordered list of phase names
type Sequence []string

// Contains reports whether the sequence names phase
func (s Sequence) Contains(phase string) bool {
	for _, p := range s {
		if p == phase {
			return true
		}
	}
	return false
}

// Scenario is a loaded scenario definition
type Scenario struct {
	// Name of the scenario; defaults to the directory name
	Name string

	// Dir is the absolute directory holding the scenario file
	Dir string

	// File is the absolute path of the scenario file
	File string

	// Sequences maps an action (test, create, ...) to its phases
	Sequences map[string]Sequence

	Driver      Driver
	Platforms   []Platform
	Provisioner Provisioner
	Verifier    Verifier
}

// Driver selects how platforms are provisioned
type Driver struct {
	Name string `yaml:"name"` // docker, delegated
}

// Platform describes one target instance
type Platform struct {
	Name           string            `yaml:"name"`
	Image          string            `yaml:"image,omitempty"`
	Dockerfile     string            `yaml:"dockerfile,omitempty"`
	BuildContext   string            `yaml:"context,omitempty"`
	BuildArgs      map[string]string `yaml:"buildargs,omitempty"`
	PreBuildImage  bool              `yaml:"pre_build_image,omitempty"`
	Command        string            `yaml:"command,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"`
	Volumes        []string          `yaml:"volumes,omitempty"`
	PublishedPorts []string          `yaml:"published_ports,omitempty"`
	Privileged     bool              `yaml:"privileged,omitempty"`
	Labels         map[string]string `yaml:"labels,omitempty"`

	// Retries bounds container health polling, never task execution
	Retries     int          `yaml:"retries,omitempty"`
	HealthCheck *HealthCheck `yaml:"healthcheck,omitempty"`

	// Connection is used by the delegated driver
	Connection Connection `yaml:"connection,omitempty"`
}

// HealthCheck mirrors a container health check
type HealthCheck struct {
	Test     []string          `yaml:"test"`
	Interval yamlutil.Duration `yaml:"interval,omitempty"`
	Timeout  yamlutil.Duration `yaml:"timeout,omitempty"`
	Retries  int               `yaml:"retries,omitempty"`
}

// Connection describes how to reach a delegated platform
type Connection struct {
	Type       string `yaml:"type,omitempty"` // local, ssh
	Host       string `yaml:"host,omitempty"`
	Port       int    `yaml:"port,omitempty"`
	User       string `yaml:"user,omitempty"`
	Password   string `yaml:"password,omitempty"`
	PrivateKey string `yaml:"private_key,omitempty"`
	KnownHosts string `yaml:"known_hosts,omitempty"`
	Shell      string `yaml:"shell,omitempty"` // bash, powershell
	WorkDir    string `yaml:"workdir,omitempty"`
}

// Provisioner configures playbook execution
type Provisioner struct {
	Name      string            `yaml:"name"`
	Env       map[string]string `yaml:"env,omitempty"`
	Inventory Inventory         `yaml:"inventory,omitempty"`
	Playbooks map[string]string `yaml:"playbooks,omitempty"`
}

// Inventory holds variables substituted into every task
type Inventory struct {
	Vars map[string]interface{} `yaml:"vars,omitempty"`
}

// Verifier names the tool used for the verify phase
type Verifier struct {
	Name string `yaml:"name"`
}

// document is the on-disk layout of a scenario file
type document struct {
	Scenario    scenarioBlock `yaml:"scenario"`
	Driver      Driver        `yaml:"driver"`
	Platforms   []Platform    `yaml:"platforms"`
	Provisioner Provisioner   `yaml:"provisioner"`
	Verifier    Verifier      `yaml:"verifier"`
}

type scenarioBlock struct {
	Name      string              `yaml:"name"`
	Sequences map[string][]string `yaml:",inline"`
}
