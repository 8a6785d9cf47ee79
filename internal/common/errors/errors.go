package errors

import (
	"errors"
)

var (
	// General Errors
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrPathNotAccessible = errors.New("path is not accessible")

	// Scenario Errors
	ErrScenarioNotFound  = errors.New("scenario not found")
	ErrScenarioInvalid   = errors.New("invalid scenario definition")
	ErrScenarioParse     = errors.New("error parsing scenario")
	ErrUnknownPhase      = errors.New("unknown lifecycle phase")
	ErrUnknownSequence   = errors.New("unknown lifecycle sequence")
	ErrPhaseFailed       = errors.New("lifecycle phase failed")
	ErrNotIdempotent     = errors.New("converge is not idempotent")
	ErrPlaybookNotFound  = errors.New("playbook file not found")
	ErrInterpolation     = errors.New("error interpolating environment variables")
	ErrDuplicatePlatform = errors.New("duplicate platform name")

	// Playbook Errors
	ErrPlaybookParse   = errors.New("error parsing playbook")
	ErrTaskInvalid     = errors.New("invalid task definition")
	ErrTaskFailed      = errors.New("task failed")
	ErrTemplateFailed  = errors.New("error rendering template")
	ErrIncludeCycle    = errors.New("include cycle detected")
	ErrCommandTimeout  = errors.New("command timed out")
	ErrUndefinedVarRef = errors.New("undefined variable")

	// Driver & Connection Errors
	ErrUnsupportedDriver     = errors.New("unsupported driver")
	ErrUnsupportedConnection = errors.New("unsupported connection type")
	ErrContainerNotFound     = errors.New("container not found")
	ErrContainerUnhealthy    = errors.New("container did not become healthy")
	ErrImageBuildFailed      = errors.New("image build failed")
	ErrImagePullFailed       = errors.New("image pull failed")
	ErrExecFailed            = errors.New("command execution failed")
	ErrCopyFailed            = errors.New("copy to target failed")
	ErrConnectionFailed      = errors.New("connection failed")

	// Compression Errors
	ErrCompressionFailed      = errors.New("compression failed")
	ErrUnsupportedCompression = errors.New("unsupported compression format")

	// File & Directory Errors
	ErrFileNotFound = errors.New("file not found")
	ErrDirNotFound  = errors.New("directory not found")

	// Download Errors
	ErrDownloadFailed = errors.New("failed to download file")
	ErrChecksumFailed = errors.New("checksum mismatch after download")
	ErrFileWriteError = errors.New("error writing to file")

	// Configuration Errors
	ErrConfigInvalid      = errors.New("invalid configuration")
	ErrConfigFileNotFound = errors.New("configuration file not found")
	ErrConfigParseError   = errors.New("error parsing configuration")
)
