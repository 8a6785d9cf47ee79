package driver

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-connections/nat"
	"github.com/hashicorp/go-multierror"
	specs "github.com/opencontainers/image-spec/specs-go/v1"

	commonerrors "github.com/deploymenttheory/go-scenario-composer/internal/common/errors"
	"github.com/deploymenttheory/go-scenario-composer/internal/common/fsutil"
	"github.com/deploymenttheory/go-scenario-composer/internal/connection"
	"github.com/deploymenttheory/go-scenario-composer/internal/image"
	"github.com/deploymenttheory/go-scenario-composer/internal/logger"
	"github.com/deploymenttheory/go-scenario-composer/internal/scenario"
)

const (
	// OwnerLabel marks containers created by the composer
	OwnerLabel = "scenario-composer.owner"

	// LocalImagePrefix names images built from a recipe or Dockerfile
	LocalImagePrefix = "composer_local/"

	defaultCommand      = "while true; do sleep 10000; done"
	defaultPollInterval = 2 * time.Second

	// Docker's own health check defaults
	defaultHealthInterval = 30 * time.Second
	defaultHealthRetries  = 3
)

// DockerAPI is the subset of the docker client used by the driver
type DockerAPI interface {
	connection.DockerExecAPI

	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, ref string, options types.ImagePullOptions) (io.ReadCloser, error)
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options types.ContainerStartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerRemove(ctx context.Context, containerID string, options types.ContainerRemoveOptions) error
}

// Docker provisions platforms as long running containers
type Docker struct {
	api          DockerAPI
	scenarioDir  string
	compression  string
	out          io.Writer
	pollInterval time.Duration
	after        func(time.Duration) <-chan time.Time
}

// NewDocker returns a docker driver. scenarioDir anchors relative
// Dockerfile, build context and recipe asset paths.
func NewDocker(api DockerAPI, scenarioDir string, opts Options) *Docker {
	d := &Docker{
		api:          api,
		scenarioDir:  scenarioDir,
		compression:  opts.Compression,
		out:          opts.Out,
		pollInterval: opts.PollInterval,
		after:        time.After,
	}
	if d.compression == "" {
		d.compression = "none"
	}
	if d.out == nil {
		d.out = io.Discard
	}
	if d.pollInterval <= 0 {
		d.pollInterval = defaultPollInterval
	}
	return d
}

func (d *Docker) Name() string { return "docker" }

// Create provisions every platform, stopping at the first failure
func (d *Docker) Create(ctx context.Context, platforms []scenario.Platform) error {
	for _, p := range platforms {
		if err := d.createPlatform(ctx, p); err != nil {
			return fmt.Errorf("platform %s: %w", p.Name, err)
		}
	}
	return nil
}

func (d *Docker) createPlatform(ctx context.Context, p scenario.Platform) error {
	existing, err := d.api.ContainerInspect(ctx, p.Name)
	switch {
	case err == nil && isRunning(existing):
		logger.LogInfo("Platform container already running", map[string]interface{}{"platform": p.Name})
		return nil
	case err == nil:
		if err := d.removeContainer(ctx, p.Name); err != nil {
			return err
		}
	case !dockerclient.IsErrNotFound(err):
		return fmt.Errorf("inspecting container: %w", err)
	}

	if err := d.ensureVolumes(ctx, p.Volumes); err != nil {
		return err
	}

	ref, err := d.ensureImage(ctx, p)
	if err != nil {
		return err
	}

	config, hostConfig, err := containerConfig(p, ref)
	if err != nil {
		return err
	}

	logger.LogInfo("Creating platform container", map[string]interface{}{
		"platform": p.Name,
		"image":    ref,
	})
	created, err := d.api.ContainerCreate(ctx, config, hostConfig, nil, nil, p.Name)
	if err != nil {
		return fmt.Errorf("creating container: %w", err)
	}
	for _, w := range created.Warnings {
		logger.LogWarn(w, map[string]interface{}{"platform": p.Name})
	}

	if err := d.api.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("starting container: %w", err)
	}

	return d.waitReady(ctx, p)
}

// ensureVolumes creates the named volumes a platform mounts. Bind mounts
// (host paths) are left to the daemon.
func (d *Docker) ensureVolumes(ctx context.Context, mounts []string) error {
	for _, spec := range mounts {
		name := strings.SplitN(spec, ":", 2)[0]
		if !isNamedVolume(name) {
			continue
		}
		if _, err := d.api.VolumeCreate(ctx, volume.CreateOptions{
			Name:   name,
			Labels: map[string]string{OwnerLabel: "true"},
		}); err != nil {
			return fmt.Errorf("creating volume %s: %w", name, err)
		}
		logger.LogDebug("Volume ready", map[string]interface{}{"volume": name})
	}
	return nil
}

var volumeNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]+$`)

func isNamedVolume(name string) bool {
	return volumeNamePattern.MatchString(name)
}

// ensureImage returns the image reference to run. Pre built images are
// pulled when absent, otherwise the platform Dockerfile or the broker recipe
// is built on top of the platform image.
func (d *Docker) ensureImage(ctx context.Context, p scenario.Platform) (string, error) {
	if p.PreBuildImage {
		return p.Image, d.pullIfMissing(ctx, p.Image)
	}

	tag := LocalImageTag(p)
	buildContext, dockerfile, err := d.buildContext(p)
	if err != nil {
		return "", err
	}
	defer buildContext.Close()

	buildArgs := make(map[string]*string, len(p.BuildArgs))
	for k, v := range p.BuildArgs {
		v := v
		buildArgs[k] = &v
	}

	logger.LogInfo("Building platform image", map[string]interface{}{
		"platform": p.Name,
		"tag":      tag,
	})
	err = image.Build(ctx, d.api, buildContext, types.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  dockerfile,
		BuildArgs:   buildArgs,
		Remove:      true,
		ForceRemove: true,
		Labels:      map[string]string{OwnerLabel: "true"},
	}, d.out)
	if err != nil {
		return "", err
	}
	return tag, nil
}

// buildContext streams the build context for p through a pipe
func (d *Docker) buildContext(p scenario.Platform) (io.ReadCloser, string, error) {
	if p.Dockerfile != "" {
		dockerfile := fsutil.ResolvePath(d.scenarioDir, p.Dockerfile)
		dir := filepath.Dir(dockerfile)
		if p.BuildContext != "" {
			dir = fsutil.ResolvePath(d.scenarioDir, p.BuildContext)
		}
		rel, err := filepath.Rel(dir, dockerfile)
		if err != nil || strings.HasPrefix(rel, "..") {
			return nil, "", fmt.Errorf("%w: dockerfile %s is outside build context %s", commonerrors.ErrImageBuildFailed, dockerfile, dir)
		}
		if !fsutil.FileExists(dockerfile) {
			return nil, "", fmt.Errorf("%w: %s", commonerrors.ErrFileNotFound, dockerfile)
		}
		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(image.WriteDirContext(pw, dir, d.compression))
		}()
		return pr, filepath.ToSlash(rel), nil
	}

	recipe, files := d.recipeFor(p)
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(image.WriteContext(pw, recipe, files, d.compression))
	}()
	return pr, image.DockerfileName, nil
}

// recipeFor layers the broker recipe on the platform image. Service assets
// missing from the scenario directory are left out of the recipe.
func (d *Docker) recipeFor(p scenario.Platform) (*image.Recipe, map[string]string) {
	opts := image.DefaultBrokerOptions()
	if p.Image != "" {
		opts.BaseImage = p.Image
	}

	files, _ := opts.ContextFiles(d.scenarioDir)
	return image.BrokerRecipe(opts), files
}

func (d *Docker) pullIfMissing(ctx context.Context, ref string) error {
	if _, _, err := d.api.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	} else if !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("inspecting image %s: %w", ref, err)
	}

	logger.LogInfo("Pulling platform image", map[string]interface{}{"image": ref})
	out, err := d.api.ImagePull(ctx, ref, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", commonerrors.ErrImagePullFailed, ref, err)
	}
	defer out.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(out, d.out, 0, false, nil); err != nil {
		return fmt.Errorf("%w: %s: %v", commonerrors.ErrImagePullFailed, ref, err)
	}
	return nil
}

// waitReady polls the container until it runs and, when it has a health
// check, reports healthy. A health checked container is polled no faster
// than its check interval and for at least as many checks as Docker needs
// to declare it unhealthy. Retries sets the minimum number of polls.
func (d *Docker) waitReady(ctx context.Context, p scenario.Platform) error {
	poll, attempts := d.readyPolling(p)

	var status string
	for attempt := 1; attempt <= attempts; attempt++ {
		info, err := d.api.ContainerInspect(ctx, p.Name)
		if err != nil {
			return fmt.Errorf("inspecting container: %w", err)
		}

		status = containerStatus(info)
		logger.LogDebug("Platform container status", map[string]interface{}{
			"platform": p.Name,
			"status":   status,
			"attempt":  attempt,
		})
		switch status {
		case "running", "healthy":
			return nil
		case "unhealthy", "exited", "dead":
			return fmt.Errorf("%w: %s is %s", commonerrors.ErrContainerUnhealthy, p.Name, status)
		}
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.after(poll):
		}
	}
	return fmt.Errorf("%w: %s is %s after %d checks", commonerrors.ErrContainerUnhealthy, p.Name, status, attempts)
}

// readyPolling returns the wait between readiness checks and how many
// checks to make
func (d *Docker) readyPolling(p scenario.Platform) (time.Duration, int) {
	poll, attempts := d.pollInterval, p.Retries
	if attempts <= 0 {
		attempts = scenario.DefaultRetries
	}

	hc := p.HealthCheck
	if hc == nil || len(hc.Test) == 0 {
		return poll, attempts
	}

	interval := hc.Interval.Std()
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	if interval > poll {
		poll = interval
	}

	retries := hc.Retries
	if retries <= 0 {
		retries = defaultHealthRetries
	}
	// the first check runs one interval after start and each may take
	// up to the check timeout
	checks := retries + 1
	if timeout := hc.Timeout.Std(); timeout > 0 {
		checks += int((timeout + poll - 1) / poll)
	}
	if checks > attempts {
		attempts = checks
	}
	return poll, attempts
}

func isRunning(info types.ContainerJSON) bool {
	return info.ContainerJSONBase != nil && info.State != nil && info.State.Running
}

func containerStatus(info types.ContainerJSON) string {
	if info.ContainerJSONBase == nil || info.State == nil {
		return "unknown"
	}
	if !info.State.Running {
		return info.State.Status
	}
	if info.State.Health != nil {
		return info.State.Health.Status
	}
	return "running"
}

// Destroy force removes every platform container. Missing containers are
// not an error and every platform is attempted.
func (d *Docker) Destroy(ctx context.Context, platforms []scenario.Platform) error {
	var result *multierror.Error
	for _, p := range platforms {
		if err := d.removeContainer(ctx, p.Name); err != nil {
			result = multierror.Append(result, fmt.Errorf("platform %s: %w", p.Name, err))
		}
	}
	return result.ErrorOrNil()
}

func (d *Docker) removeContainer(ctx context.Context, name string) error {
	err := d.api.ContainerRemove(ctx, name, types.ContainerRemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("removing container: %w", err)
	}
	if err == nil {
		logger.LogInfo("Removed platform container", map[string]interface{}{"platform": name})
	}
	return nil
}

func (d *Docker) Connect(_ context.Context, p scenario.Platform) (connection.Connection, error) {
	return connection.NewDocker(d.api, p.Name), nil
}

// LocalImageTag is the tag used for images built for p
func LocalImageTag(p scenario.Platform) string {
	base := p.Image
	if base == "" {
		base = p.Name
	}
	return LocalImagePrefix + sanitizeRef(base)
}

func sanitizeRef(ref string) string {
	ref = strings.ToLower(ref)
	return strings.NewReplacer(":", "_", "@", "_").Replace(ref)
}

func containerConfig(p scenario.Platform, ref string) (*container.Config, *container.HostConfig, error) {
	exposed, bindings, err := nat.ParsePortSpecs(p.PublishedPorts)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid published ports: %w", err)
	}

	cmd := p.Command
	if cmd == "" {
		cmd = defaultCommand
	}

	labels := map[string]string{OwnerLabel: "true"}
	for k, v := range p.Labels {
		labels[k] = v
	}

	env := make([]string, 0, len(p.Env))
	for _, k := range sortedKeys(p.Env) {
		env = append(env, k+"="+p.Env[k])
	}

	config := &container.Config{
		Image:        ref,
		Hostname:     hostname(p.Name),
		Cmd:          []string{"bash", "-c", cmd},
		Env:          env,
		Labels:       labels,
		ExposedPorts: exposed,
	}
	if hc := p.HealthCheck; hc != nil {
		config.Healthcheck = &container.HealthConfig{
			Test:     hc.Test,
			Interval: hc.Interval.Std(),
			Timeout:  hc.Timeout.Std(),
			Retries:  hc.Retries,
		}
	}

	hostConfig := &container.HostConfig{
		Binds:        p.Volumes,
		PortBindings: bindings,
		Privileged:   p.Privileged,
	}
	return config, hostConfig, nil
}

var hostnameInvalid = regexp.MustCompile(`[^a-zA-Z0-9-]+`)

// hostname derives an RFC 1123 label from a platform name
func hostname(name string) string {
	h := strings.Trim(hostnameInvalid.ReplaceAllString(name, "-"), "-")
	if len(h) > 63 {
		h = h[:63]
	}
	return h
}
