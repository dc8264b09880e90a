package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/gantryci/gantry/pkg/artifacts"
	"github.com/gantryci/gantry/pkg/models"
)

// DockerRunner executes a job inside a container. The workspace is staged
// on the host and bind mounted at ContainerWorkDir, so artifacts move
// through the host filesystem and never through the container API.
type DockerRunner struct {
	name              string
	id                string
	image             string
	platform          string
	src               string
	buildDir          string
	env               []models.EnvVar
	systemEnv         []string
	commands          []string
	epiloguePass      []string
	epilogueFail      []string
	artifactSteps     []models.ArtifactStep
	artifactManager   *artifacts.Manager
	logOptions        LogOptions
	registryUser      string
	registryPass      string
	mountDockerSocket bool
	workspace         string
}

func NewDockerRunner(name string, artifactManager *artifacts.Manager, logOptions LogOptions) *DockerRunner {
	if logOptions.Stdout == nil {
		logOptions.Stdout = os.Stdout
	}
	if logOptions.Stderr == nil {
		logOptions.Stderr = os.Stderr
	}
	return &DockerRunner{
		name:            name,
		id:              slug.Make(name + uuid.NewString()),
		src:             ".",
		buildDir:        DefaultBuildDir,
		artifactManager: artifactManager,
		logOptions:      logOptions,
	}
}

func (d *DockerRunner) WithImage(image string) *DockerRunner {
	d.image = image
	return d
}

// WithPlatform pins the image platform, "linux/arm64" style. Empty means
// the daemon default.
func (d *DockerRunner) WithPlatform(platform string) *DockerRunner {
	d.platform = platform
	return d
}

func (d *DockerRunner) WithSrc(src string) *DockerRunner {
	d.src = filepath.Clean(src)
	return d
}

func (d *DockerRunner) WithBuildDir(dir string) *DockerRunner {
	d.buildDir = dir
	return d
}

// WithEnv sets the pipeline environment exported at the top of the job
// script, in declaration order.
func (d *DockerRunner) WithEnv(vars []models.EnvVar) *DockerRunner {
	d.env = vars
	return d
}

// WithSystemEnv sets engine provided KEY=VALUE pairs passed through the
// container environment, GANTRY_RUN_ID and friends.
func (d *DockerRunner) WithSystemEnv(env []string) *DockerRunner {
	d.systemEnv = env
	return d
}

func (d *DockerRunner) WithCommands(commands []string) *DockerRunner {
	d.commands = commands
	return d
}

// WithEpilogue sets the commands that run after the main script, one list
// per outcome.
func (d *DockerRunner) WithEpilogue(onPass, onFail []string) *DockerRunner {
	d.epiloguePass = onPass
	d.epilogueFail = onFail
	return d
}

func (d *DockerRunner) WithArtifacts(steps []models.ArtifactStep) *DockerRunner {
	d.artifactSteps = steps
	return d
}

// WithRegistryAuth sets credentials for pulling from private registries.
func (d *DockerRunner) WithRegistryAuth(username, password string) *DockerRunner {
	d.registryUser = username
	d.registryPass = password
	return d
}

// WithDockerSocket mounts the host docker socket into the job container so
// jobs can drive docker themselves.
func (d *DockerRunner) WithDockerSocket(mount bool) *DockerRunner {
	d.mountDockerSocket = mount
	return d
}

func (d *DockerRunner) ID() string { return d.id }

// Workspace returns the host side staged directory the job ran in. Empty
// until Run stages it.
func (d *DockerRunner) Workspace() string { return d.workspace }

func (d *DockerRunner) Run(ctx context.Context) error {
	platform, err := parsePlatform(d.platform)
	if err != nil {
		return fmt.Errorf("unable to run job %s: %w", d.name, err)
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("unable to create docker client for job %s: %w", d.name, err)
	}
	defer cli.Close()

	if err := d.pullImage(ctx, cli); err != nil {
		return err
	}

	ws, err := stageWorkspace(d.src, d.buildDir, d.id, d.name)
	if err != nil {
		return err
	}
	d.workspace = ws

	if err := pullArtifactSteps(ctx, d.artifactManager, d.id, d.name, d.workspace, d.artifactSteps); err != nil {
		return err
	}

	mainCmd := []string{"/bin/sh", "-ec", script(d.env, d.commands)}
	runErr := d.runContainer(ctx, cli, platform, d.id, mainCmd)
	d.runEpilogue(ctx, cli, platform, runErr == nil)
	if runErr != nil {
		return runErr
	}

	return pushArtifactSteps(ctx, d.artifactManager, d.id, d.name, d.workspace, d.artifactSteps)
}

func (d *DockerRunner) pullImage(ctx context.Context, cli *client.Client) error {
	opts := image.PullOptions{Platform: d.platform}
	if d.registryUser != "" {
		auth, err := registry.EncodeAuthConfig(registry.AuthConfig{
			Username: d.registryUser,
			Password: d.registryPass,
		})
		if err != nil {
			return fmt.Errorf("unable to encode registry credentials for job %s: %w", d.name, err)
		}
		opts.RegistryAuth = auth
	}

	pull := func() error {
		reader, err := cli.ImagePull(ctx, d.image, opts)
		if err != nil {
			return err
		}
		defer reader.Close()
		// The pull only completes once the progress stream is drained.
		var out io.Writer = io.Discard
		if d.logOptions.ShowImagePull {
			out = d.logOptions.Stdout
		}
		_, err = io.Copy(out, reader)
		return err
	}
	if err := backoff.Retry(pull, pullBackoff(ctx)); err != nil {
		return fmt.Errorf("unable to pull image %s for job %s: %w", d.image, d.name, err)
	}
	return nil
}

// runContainer creates a container running the given command, streams its
// output and waits for it to exit. A non zero exit code is returned as an
// error.
func (d *DockerRunner) runContainer(ctx context.Context, cli *client.Client, platform *ocispec.Platform, name string, cmd []string) error {
	mounts := []mount.Mount{{
		Type:   mount.TypeBind,
		Source: d.workspace,
		Target: ContainerWorkDir,
	}}
	if d.mountDockerSocket {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: "/var/run/docker.sock",
			Target: "/var/run/docker.sock",
		})
	}

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image:      d.image,
		Env:        append(append([]string{}, d.systemEnv...), WorkspaceEnv+"="+ContainerWorkDir),
		Cmd:        cmd,
		WorkingDir: ContainerWorkDir,
	}, &container.HostConfig{
		Mounts: mounts,
	}, nil, platform, name)
	if err != nil {
		return fmt.Errorf("unable to create container for job %s: %w", d.name, err)
	}
	defer cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})

	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("unable to start container for job %s: %w", d.name, err)
	}

	logs, err := cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return fmt.Errorf("unable to attach logs for job %s: %w", d.name, err)
	}
	defer logs.Close()

	if _, err := stdcopy.StdCopy(d.logOptions.Stdout, d.logOptions.Stderr, logs); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("job %s stopped: %w", d.name, ctx.Err())
		}
		return fmt.Errorf("unable to read container logs for job %s: %w", d.name, err)
	}

	statusCh, errCh := cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return fmt.Errorf("error waiting for job %s container: %w", d.name, err)
	case status := <-statusCh:
		if status.StatusCode != 0 {
			return fmt.Errorf("job %s failed with exit code %d", d.name, status.StatusCode)
		}
	case <-ctx.Done():
		return fmt.Errorf("job %s stopped: %w", d.name, ctx.Err())
	}
	return nil
}

// runEpilogue runs the outcome's epilogue commands in a fresh container
// with the same image, mounts and exported environment. Epilogue failures
// are reported on the job output and do not change the job result, and a
// stopped job still gets its epilogue.
func (d *DockerRunner) runEpilogue(ctx context.Context, cli *client.Client, platform *ocispec.Platform, passed bool) {
	commands := d.epiloguePass
	if !passed {
		commands = d.epilogueFail
	}
	if len(commands) == 0 {
		return
	}

	cmd := []string{"/bin/sh", "-c", script(d.env, commands)}
	if err := d.runContainer(context.WithoutCancel(ctx), cli, platform, d.id+"-epilogue", cmd); err != nil {
		fmt.Fprintf(d.logOptions.Stderr, "epilogue for job %s: %v\n", d.name, err)
	}
}

// parsePlatform turns an "os/arch" or "os/arch/variant" string into an OCI
// platform. Empty input means no pinning.
func parsePlatform(s string) (*ocispec.Platform, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("invalid platform %q, want os/arch", s)
	}
	p := &ocispec.Platform{OS: parts[0], Architecture: parts[1]}
	if len(parts) == 3 {
		p.Variant = parts[2]
	}
	return p, nil
}

func pullBackoff(ctx context.Context) backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 2 * time.Second
	policy.MaxInterval = 15 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(policy, 3), ctx)
}
