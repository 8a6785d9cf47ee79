package cmd

import (
	"fmt"
	"strings"

	dockerclient "github.com/docker/docker/client"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-scenario-composer/internal/common/errors"
	"github.com/deploymenttheory/go-scenario-composer/internal/config"
	"github.com/deploymenttheory/go-scenario-composer/internal/image"
	"github.com/deploymenttheory/go-scenario-composer/internal/logger"
)

var imageCmd = &cobra.Command{
	Use:   "image",
	Short: "Render or build the broker and database client image",
}

var imageRenderCmd = &cobra.Command{
	Use:   "render",
	Short: "Print the image recipe as a Dockerfile",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := brokerOptions(cmd)
		if err != nil {
			return err
		}
		recipe := image.BrokerRecipe(opts)
		if err := recipe.Validate(); err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), recipe.Render())
		return nil
	},
}

var imageBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the image with the local docker daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := brokerOptions(cmd)
		if err != nil {
			return err
		}
		contextDir, _ := cmd.Flags().GetString("context-dir")
		files, missing := opts.ContextFiles(contextDir)
		if len(missing) > 0 && cmd.Flags().Changed("context-dir") {
			return fmt.Errorf("%w: %s missing from %s", errors.ErrFileNotFound, strings.Join(missing, ", "), contextDir)
		}

		clientOpts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
		if host := config.Instance.Docker.Host; host != "" {
			clientOpts = append(clientOpts, dockerclient.WithHost(host))
		}
		cli, err := dockerclient.NewClientWithOpts(clientOpts...)
		if err != nil {
			return fmt.Errorf("failed to create docker client: %w", err)
		}
		defer cli.Close()

		tag := config.Instance.Image.Tag
		if err := image.BuildRecipe(cmd.Context(), cli, image.BrokerRecipe(opts), files, tag, config.Instance.Image.Compression, cmd.OutOrStdout()); err != nil {
			return err
		}

		logger.LogInfo("Image built", map[string]interface{}{"tag": tag})
		return nil
	},
}

// brokerOptions applies the recipe flags on top of the defaults
func brokerOptions(cmd *cobra.Command) (image.BrokerOptions, error) {
	opts := image.DefaultBrokerOptions()
	flags := cmd.Flags()

	if v, _ := flags.GetString("base-image"); v != "" {
		opts.BaseImage = v
	}
	if v, _ := flags.GetString("postgres-version"); v != "" {
		opts.PostgresVersion = v
	}
	if v, _ := flags.GetString("rabbitmq-version"); v != "" {
		opts.RabbitMQVersion = v
	}
	if v, _ := flags.GetString("user"); v != "" {
		opts.NonRootUser = v
	}
	if flags.Changed("package") {
		pkgs, err := flags.GetStringSlice("package")
		if err != nil {
			return opts, err
		}
		opts.RuntimePackages = pkgs
	}
	return opts, nil
}

func addRecipeFlags(cmd *cobra.Command) {
	defaults := image.DefaultBrokerOptions()
	flags := cmd.Flags()
	flags.String("base-image", defaults.BaseImage, "Base image")
	flags.String("postgres-version", defaults.PostgresVersion, "PostgreSQL version installed with mamba")
	flags.String("rabbitmq-version", defaults.RabbitMQVersion, "RabbitMQ release to unpack")
	flags.String("user", defaults.NonRootUser, "User the image ends on")
	flags.StringSlice("package", defaults.RuntimePackages, "Broker runtime apt packages")
}

func init() {
	addRecipeFlags(imageRenderCmd)
	addRecipeFlags(imageBuildCmd)

	imageBuildCmd.Flags().String("context-dir", ".", "Directory holding the s6-assets service files")
	imageBuildCmd.Flags().String("tag", "molecule_tests", "Image tag")
	imageBuildCmd.Flags().String("compression", "none", "Build context compression: none, gzip, bzip2 or xz")

	imageCmd.AddCommand(imageRenderCmd, imageBuildCmd)
}
