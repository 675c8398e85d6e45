package cli

import "context"

// Represents the 'cell pull' command.
type PullCmd struct {
	Image    string `arg:"" help:"Image to pull."`
	Registry string `short:"r" help:"Registry to pull from, chosen from the image name by default." placeholder:"NAME"`
}

// Executes the pull command.
func (c *PullCmd) Run(ctx context.Context) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	return rt.Pull(ctx, c.Registry, c.Image)
}
