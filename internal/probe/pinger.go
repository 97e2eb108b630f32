package probe

import (
	"context"
	"fmt"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// Pinger reports whether the host at address answered.
type Pinger func(ctx context.Context, address string) (bool, error)

// ICMPPinger sends count echo requests and reports the host alive if any
// reply arrives before timeout. Unprivileged mode uses UDP ping sockets.
func ICMPPinger(count int, timeout time.Duration, privileged bool) Pinger {
	return func(ctx context.Context, address string) (bool, error) {
		pinger, err := probing.NewPinger(address)
		if err != nil {
			return false, fmt.Errorf("create pinger for %s: %w", address, err)
		}
		pinger.Count = count
		pinger.Timeout = timeout
		pinger.SetPrivileged(privileged)

		errCh := make(chan error, 1)
		go func() { errCh <- pinger.Run() }()

		select {
		case err := <-errCh:
			if err != nil {
				return false, fmt.Errorf("ping %s: %w", address, err)
			}
		case <-ctx.Done():
			pinger.Stop()
			<-errCh
			return false, ctx.Err()
		}
		return pinger.Statistics().PacketsRecv > 0, nil
	}
}
