package api

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"greenaudit/internal/config"
)

// hostThrottle spaces out audits of the same host with a minimum delay and
// an optional token bucket.
type hostThrottle struct {
	delay       time.Duration
	requests    int
	window      time.Duration
	rateEnabled bool
	// idle is how long a host must go unused before its state is
	// indistinguishable from a fresh one and can be dropped.
	idle time.Duration
	now  func() time.Time

	mu    sync.Mutex
	hosts map[string]*hostSlot
	swept time.Time
}

type hostSlot struct {
	// next is the earliest time the following audit may start.
	next    time.Time
	limiter *rate.Limiter
}

func newHostThrottle(cfg config.RateConfig) *hostThrottle {
	t := &hostThrottle{
		delay:    cfg.Delay.Duration,
		requests: cfg.Requests,
		window:   cfg.Window.Duration,
		now:      time.Now,
		hosts:    make(map[string]*hostSlot),
	}
	t.rateEnabled = t.requests > 0 && t.window > 0
	t.idle = max(t.delay, t.window)
	return t
}

// Wait blocks until host may be audited again.
func (t *hostThrottle) Wait(ctx context.Context, host string) error {
	if t == nil || host == "" {
		return nil
	}
	host = strings.ToLower(host)
	if t.delay <= 0 && !t.rateEnabled {
		return nil
	}

	var sleep time.Duration
	now := t.now()

	t.mu.Lock()
	t.sweepLocked(now)
	slot := t.slotLocked(host)
	if t.delay > 0 {
		if rest := slot.next.Sub(now); rest > 0 {
			sleep = rest
		}
	}
	// reserve the slot so concurrent callers queue behind this one
	slot.next = now.Add(sleep + t.delay)
	limiter := slot.limiter
	t.mu.Unlock()

	if sleep > 0 {
		timer := time.NewTimer(sleep)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if limiter != nil {
		return limiter.Wait(ctx)
	}
	return nil
}

func (t *hostThrottle) slotLocked(host string) *hostSlot {
	if slot, ok := t.hosts[host]; ok {
		return slot
	}
	slot := &hostSlot{}
	if t.rateEnabled {
		interval := t.window / time.Duration(t.requests)
		if interval <= 0 {
			interval = time.Millisecond
		}
		slot.limiter = rate.NewLimiter(rate.Every(interval), t.requests)
	}
	t.hosts[host] = slot
	return slot
}

// sweepLocked drops hosts idle for longer than the throttle horizon. By then
// their delay has passed and their bucket has refilled. Runs at most once per
// horizon.
func (t *hostThrottle) sweepLocked(now time.Time) {
	if now.Sub(t.swept) < t.idle {
		return
	}
	t.swept = now
	for host, slot := range t.hosts {
		if now.Sub(slot.next) > t.idle {
			delete(t.hosts, host)
		}
	}
}

func (t *hostThrottle) tracked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.hosts)
}
