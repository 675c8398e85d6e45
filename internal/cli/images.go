package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/containerd/errdefs"
	"github.com/cruciblehq/cell/internal/image"
	"github.com/docker/go-units"
)

// Represents the 'cell images' command.
type ImagesCmd struct {
	Remove *string `help:"Remove the named image from the cache." placeholder:"NAME"`
}

// Executes the images command.
//
// Lists the cached images, or removes one. Removing an image that does not
// exist, or giving no name, is reported but not treated as a failure.
func (c *ImagesCmd) Run(ctx context.Context) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}

	if c.Remove != nil {
		err := rt.RemoveImage(*c.Remove)
		if errdefs.IsNotFound(err) || errdefs.IsInvalidArgument(err) {
			slog.Error(err.Error())
			return nil
		}
		return err
	}

	images, err := rt.Images()
	if err != nil {
		return err
	}
	return printImages(os.Stdout, images, time.Now())
}

// Writes the images as an aligned table.
func printImages(w io.Writer, images []image.Image, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 3, ' ', 0)
	fmt.Fprintln(tw, "NAME\tLAYERS\tSIZE\tPULLED")
	for _, img := range images {
		pulled := "unknown"
		if !img.Pulled.IsZero() {
			pulled = units.HumanDuration(now.Sub(img.Pulled)) + " ago"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", img.Name, img.Layers, units.HumanSize(float64(img.Size)), pulled)
	}
	return tw.Flush()
}
