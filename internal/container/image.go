package container

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/build"
	goarchive "github.com/moby/go-archive"
)

// BuildImage builds the worker image from dockerfile inside contextDir and
// tags it.
func (d *Docker) BuildImage(ctx context.Context, contextDir, dockerfile, tag string) error {
	tar, err := goarchive.TarWithOptions(contextDir, &goarchive.TarOptions{
		ExcludePatterns: []string{".git", "data"},
	})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}
	defer tar.Close()

	resp, err := d.client.ImageBuild(ctx, tar, build.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: dockerfile,
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("build image: %w", err)
	}
	defer resp.Body.Close()

	// Drain the build output
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		d.log.Warn("error reading build output", "error", err)
	}

	d.log.Info("worker image built", "image", tag)
	return nil
}
