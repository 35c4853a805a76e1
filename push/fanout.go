package push

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Fanout broadcasts a message to a token set and prunes tokens the provider
// reports as gone.
type Fanout struct {
	sender   Sender
	registry Registry
	logger   *log.Logger
}

// NewFanout wires a sender to the token registry it prunes.
func NewFanout(sender Sender, registry Registry, logger *log.Logger) *Fanout {
	return &Fanout{sender: sender, registry: registry, logger: logger}
}

// Broadcast multicasts the message and deletes unregistered tokens from the
// registry, one goroutine per deletion. Deletions are best effort; a failed
// delete is logged and the token is retried implicitly on the next broadcast.
// The returned error is non-nil only when the multicast call itself failed.
func (f *Fanout) Broadcast(ctx context.Context, tokens []string, msg Message) error {
	results, err := f.sender.SendMulticast(ctx, tokens, msg)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, r := range results {
		if !r.Unregistered {
			if r.Err != nil {
				f.logger.WithError(r.Err).WithField("token", r.Token).Warn("push delivery failed")
			}
			continue
		}
		wg.Add(1)
		go func(token string) {
			defer wg.Done()
			if err := f.registry.DeleteDeviceToken(ctx, token); err != nil {
				f.logger.WithError(err).WithField("token", token).Error("prune unregistered token")
			}
		}(r.Token)
	}
	wg.Wait()
	return nil
}
