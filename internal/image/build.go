package image

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/jsonmessage"

	"github.com/deploymenttheory/go-scenario-composer/internal/common/errors"
	"github.com/deploymenttheory/go-scenario-composer/internal/logger"
)

// Builder is the part of the docker client that builds images
type Builder interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
}

// Build sends a build context to the daemon and streams progress to out.
// The first failing build step fails the build.
func Build(ctx context.Context, api Builder, buildContext io.Reader, options types.ImageBuildOptions, out io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if options.Dockerfile == "" {
		options.Dockerfile = DockerfileName
	}

	logger.LogInfo("Building image", map[string]interface{}{
		"tags":       options.Tags,
		"dockerfile": options.Dockerfile,
	})

	resp, err := api.ImageBuild(ctx, buildContext, options)
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrImageBuildFailed, err)
	}
	defer resp.Body.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, out, 0, false, nil); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrImageBuildFailed, err)
	}
	return nil
}

// BuildRecipe renders r into a context with files and builds it as tag
func BuildRecipe(ctx context.Context, api Builder, r *Recipe, files map[string]string, tag, compression string, out io.Writer) error {
	if err := r.Validate(); err != nil {
		return err
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(WriteContext(pw, r, files, compression))
	}()
	defer pr.Close()

	return Build(ctx, api, pr, types.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  DockerfileName,
		Remove:      true,
		ForceRemove: true,
	}, out)
}
