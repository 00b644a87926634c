package preload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"github.com/eyeflow-dev/kernel/artifact"
	"github.com/eyeflow-dev/kernel/manifest"
)

// ContainerLoader pulls an image and records its ref, deferring the actual
// `docker run` of the container to CALL_SERVICE dispatch time (the handle's
// Invoke starts a fresh container per call from the recorded image ref,
// passing the method and arguments as EYEFLOW_METHOD / EYEFLOW_ARGS).
type ContainerLoader struct {
	docker client.APIClient
}

// NewContainerLoader builds a ContainerLoader from an existing Docker client.
func NewContainerLoader(docker client.APIClient) *ContainerLoader {
	return &ContainerLoader{docker: docker}
}

func (l *ContainerLoader) Format() manifest.Format { return manifest.FormatContainer }

func (l *ContainerLoader) Load(ctx context.Context, entry manifest.Entry) (artifact.Handle, error) {
	rc, err := l.docker.ImagePull(ctx, entry.URL, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("pull image %s: %w", entry.URL, err)
	}
	defer func() { _ = rc.Close() }()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return nil, fmt.Errorf("drain pull progress for %s: %w", entry.URL, err)
	}

	if _, _, err := l.docker.ImageInspectWithRaw(ctx, entry.URL); err != nil {
		return nil, fmt.Errorf("inspect pulled image %s: %w", entry.URL, err)
	}

	return &containerHandle{serviceID: entry.ServiceID, imageRef: entry.URL, docker: l.docker}, nil
}

type containerHandle struct {
	serviceID string
	imageRef  string
	docker    client.APIClient
	closed    bool
}

func (h *containerHandle) ServiceID() string { return h.serviceID }
func (h *containerHandle) Format() string    { return string(manifest.FormatContainer) }

func (h *containerHandle) Healthy(ctx context.Context) bool {
	if h.closed {
		return false
	}
	_, _, err := h.docker.ImageInspectWithRaw(ctx, h.imageRef)
	return err == nil
}

func (h *containerHandle) Close() error {
	h.closed = true
	return nil
}

// Invoke runs a fresh, disposable container from the pulled image, passing
// method and args as environment variables, and parses the container's
// final stdout line as the JSON result. The container is removed once it
// exits regardless of outcome.
func (h *containerHandle) Invoke(ctx context.Context, method string, args map[string]any) (map[string]any, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal args for %s: %w", method, err)
	}

	created, err := h.docker.ContainerCreate(ctx, &container.Config{
		Image: h.imageRef,
		Env:   []string{"EYEFLOW_METHOD=" + method, "EYEFLOW_ARGS=" + string(payload)},
	}, nil, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create container from %s: %w", h.imageRef, err)
	}
	defer func() {
		_ = h.docker.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
	}()

	if err := h.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container %s: %w", created.ID, err)
	}

	statusCh, errCh := h.docker.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("wait for container %s: %w", created.ID, err)
		}
	case status := <-statusCh:
		if status.StatusCode != 0 {
			return nil, fmt.Errorf("container %s exited with status %d", created.ID, status.StatusCode)
		}
	}

	logs, err := h.docker.ContainerLogs(ctx, created.ID, container.LogsOptions{ShowStdout: true})
	if err != nil {
		return nil, fmt.Errorf("read logs from %s: %w", created.ID, err)
	}
	defer logs.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, logs); err != nil {
		return nil, fmt.Errorf("drain logs from %s: %w", created.ID, err)
	}

	var result map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &result); err != nil {
		return nil, fmt.Errorf("decode result from container %s: %w", created.ID, err)
	}
	return result, nil
}

// ImageRef is the resolved, locally-pullable image reference the handle's
// Invoke runs containers from.
func (h *containerHandle) ImageRef() string { return h.imageRef }
