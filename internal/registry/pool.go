package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cloudbox/cloudbox/internal/config"
	"github.com/cloudbox/cloudbox/internal/sandbox"
)

// Pool keeps a small number of pre-started sandboxes per allowed image so
// Acquire can skip the build/start round trip on cold start. Adapted from
// the teacher's warm-pool, simplified to hold only in-memory instance ids —
// pooled sandboxes are not registered to any user yet, so there is nothing
// durable about them worth persisting (per the Non-goal against state
// beyond the sandbox volume itself).
type Pool struct {
	driver sandbox.Driver
	logger *slog.Logger
	target map[string]int // image -> target idle count

	mu   sync.Mutex
	idle map[string][]string // image -> idle instance ids

	nextPoolUser atomic.Int64
}

// NewPool returns nil if pooling is disabled or no images are configured.
func NewPool(cfg *config.Config, driver sandbox.Driver, logger *slog.Logger) *Pool {
	if !cfg.Pool.Enabled || len(cfg.Pool.Images) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(cfg.AllowedImages))
	for _, a := range cfg.AllowedImages {
		allowed[a] = true
	}
	target := make(map[string]int)
	for img, n := range cfg.Pool.Images {
		if n > 0 && (len(cfg.AllowedImages) == 0 || allowed[img]) {
			target[img] = n
		}
	}
	if len(target) == 0 {
		return nil
	}
	return &Pool{
		driver: driver,
		logger: logger,
		target: target,
		idle:   make(map[string][]string),
	}
}

// Take pops one idle instance for image, if any.
func (p *Pool) Take(image string) (string, bool) {
	if p.target[image] <= 0 {
		return "", false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := p.idle[image]
	if len(ids) == 0 {
		return "", false
	}
	id := ids[len(ids)-1]
	p.idle[image] = ids[:len(ids)-1]
	return id, true
}

// RefillAll pre-warms every configured image up to its target, run once at
// daemon startup in the background.
func (p *Pool) RefillAll(ctx context.Context) {
	for image, count := range p.target {
		p.refill(ctx, image, count)
	}
}

func (p *Pool) refill(ctx context.Context, image string, target int) {
	p.mu.Lock()
	need := target - len(p.idle[image])
	p.mu.Unlock()
	if need <= 0 {
		return
	}

	if err := p.driver.BuildImage(ctx, image); err != nil {
		if p.logger != nil {
			p.logger.Warn("pool refill: build image failed", "image", image, "error", err)
		}
		return
	}

	for i := 0; i < need; i++ {
		select {
		case <-ctx.Done():
			return
		default:
		}
		// Each pooled instance needs its own synthetic user id: Docker
		// container names must be unique, and a real user id is assigned
		// only once Take hands the instance to an actual Acquire call.
		poolUserID := fmt.Sprintf("pool-%d", p.nextPoolUser.Add(1))
		instanceID, err := p.driver.StartInstance(ctx, poolUserID, image, config.Defaults{
			CPULimit: 1.0, MemLimitMB: 512, PidsLimit: 256, NetworkMode: "none", ReadonlyRootfs: true,
		}, "")
		if err != nil {
			if p.logger != nil {
				p.logger.Warn("pool refill: start failed", "image", image, "error", err)
			}
			continue
		}
		p.mu.Lock()
		p.idle[image] = append(p.idle[image], instanceID)
		p.mu.Unlock()
	}
}
