package docker

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/client"
)

// WaitReady polls the host's daemon until it answers. Connection failures
// are retried; any other error is returned immediately.
func (r *Runtime) WaitReady(ctx context.Context, hostID string) error {
	cli, err := r.client(hostID)
	if err != nil {
		return err
	}
	log := r.log.With("host", hostID)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	waiting := false
	for {
		_, err := cli.Ping(ctx)
		if err == nil {
			if waiting {
				log.Debug("daemon reachable")
			}
			return nil
		}
		if !client.IsErrConnectionFailed(err) {
			log.Error("ping failed", "err", err)
			return fmt.Errorf("connect to docker daemon on %s: %w", hostID, err)
		}
		if !waiting {
			waiting = true
			log.Debug("waiting for docker daemon")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
