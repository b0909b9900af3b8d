package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"

	"github.com/Ark0N/AI-Code-Executor/pkg/api"
	"github.com/Ark0N/AI-Code-Executor/pkg/sandbox"
)

// PutFile writes content into the container workspace under name.
func (r *Runtime) PutFile(ctx context.Context, handle *sandbox.Handle, name string, content []byte) error {
	if err := validateWorkspaceName(name); err != nil {
		return err
	}
	if err := r.EnsureRunning(ctx, handle); err != nil {
		return err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(content)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("tar header: %w", err)
	}
	if _, err := tw.Write(content); err != nil {
		return fmt.Errorf("tar content: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("tar close: %w", err)
	}

	if err := r.cli.CopyToContainer(ctx, handle.ContainerID, sandbox.WorkspaceDir, &buf, container.CopyToContainerOptions{}); err != nil {
		return api.NewContainerRuntimeError(fmt.Sprintf("copy to container: %v", err))
	}
	r.touch(handle.ConversationID)
	return nil
}

// WorkspaceFiles lists the regular files in the workspace with their
// sizes. Contents are not included.
func (r *Runtime) WorkspaceFiles(ctx context.Context, handle *sandbox.Handle) ([]api.FileInfo, error) {
	if err := r.EnsureRunning(ctx, handle); err != nil {
		return nil, err
	}

	res, err := r.runExec(ctx, handle.ContainerID, []string{
		"find", sandbox.WorkspaceDir, "-mindepth", "1", "-maxdepth", "1", "-type", "f", "-printf", "%s\t%f\n",
	}, nil)
	if err != nil {
		return nil, api.NewContainerRuntimeError(fmt.Sprintf("list workspace: %v", err))
	}
	if res.exitCode != 0 {
		return nil, api.NewContainerRuntimeError(fmt.Sprintf("list workspace exited %d: %s", res.exitCode, strings.TrimSpace(res.stderr)))
	}
	return parseFileListing(res.stdout), nil
}

// parseFileListing parses "size<TAB>name" lines into file infos sorted by
// name.
func parseFileListing(listing string) []api.FileInfo {
	var files []api.FileInfo
	for _, line := range strings.Split(listing, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		sizeStr, name, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 10, 64)
		if err != nil {
			continue
		}
		files = append(files, api.FileInfo{Name: name, Size: size})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files
}

// ReadFile returns the content of one workspace file, capped at the
// runtime's file view limit so an oversized file never gets fully
// buffered in server memory.
func (r *Runtime) ReadFile(ctx context.Context, handle *sandbox.Handle, name string) ([]byte, error) {
	if err := validateWorkspaceName(name); err != nil {
		return nil, err
	}
	if err := r.EnsureRunning(ctx, handle); err != nil {
		return nil, err
	}

	rc, _, err := r.cli.CopyFromContainer(ctx, handle.ContainerID, path.Join(sandbox.WorkspaceDir, name))
	if err != nil {
		return nil, fmt.Errorf("file %s: %w", name, sandbox.ErrNotFound)
	}
	defer rc.Close()

	content, found, err := readTarEntry(rc, r.fileViewLimit)
	if err != nil {
		return nil, api.NewContainerRuntimeError(err.Error())
	}
	if !found {
		return nil, fmt.Errorf("file %s: %w", name, sandbox.ErrNotFound)
	}
	return content, nil
}

// readTarEntry extracts the first regular file from a tar stream,
// reading at most limit bytes of its content.
func readTarEntry(r io.Reader, limit int64) ([]byte, bool, error) {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("read tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		var src io.Reader = tr
		if limit > 0 {
			src = io.LimitReader(tr, limit)
		}
		content, err := io.ReadAll(src)
		if err != nil {
			return nil, false, fmt.Errorf("read file: %w", err)
		}
		return content, true, nil
	}
}

// validateWorkspaceName rejects names that would escape the workspace.
func validateWorkspaceName(name string) error {
	if name == "" {
		return api.NewInvalidRequestError("name", "file name is required")
	}
	if strings.Contains(name, "/") || name == "." || name == ".." {
		return api.NewInvalidRequestError("name", "file name must not contain path separators")
	}
	return nil
}
