package cloud

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"
)

// RateLimiterConfig bounds requests per client.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	Burst             int
	CleanupInterval   time.Duration
}

// DefaultRateLimiterConfig allows a 5 fps frame stream plus tool traffic.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 10,
		Burst:             20,
		CleanupInterval:   5 * time.Minute,
	}
}

type rateLimiterStore struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	config   RateLimiterConfig
	done     chan struct{}
	stopOnce sync.Once
}

func newRateLimiterStore(cfg RateLimiterConfig) *rateLimiterStore {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultRateLimiterConfig().CleanupInterval
	}
	store := &rateLimiterStore{
		limiters: make(map[string]*rate.Limiter),
		config:   cfg,
		done:     make(chan struct{}),
	}
	go store.cleanupLoop()
	return store
}

func (s *rateLimiterStore) getLimiter(key string) *rate.Limiter {
	s.mu.RLock()
	limiter, exists := s.limiters[key]
	s.mu.RUnlock()

	if exists {
		return limiter
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if limiter, exists = s.limiters[key]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rate.Limit(s.config.RequestsPerSecond), s.config.Burst)
	s.limiters[key] = limiter
	return limiter
}

func (s *rateLimiterStore) allow(key string) bool {
	return s.getLimiter(key).Allow()
}

func (s *rateLimiterStore) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.limiters)
}

func (s *rateLimiterStore) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *rateLimiterStore) cleanupLoop() {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			for key := range s.limiters {
				delete(s.limiters, key)
			}
			s.mu.Unlock()
		}
	}
}

// rateLimit rejects requests over the per-client budget with 429. The
// client key is the authenticated device, falling back to the remote IP.
func rateLimit(store *rateLimiterStore) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.IP()
		if dev, ok := c.Locals(localDevice).(string); ok && dev != "" {
			key = dev
		}
		if !store.allow(key) {
			return writeError(c, fiber.StatusTooManyRequests, statusRateLimited, "too many requests")
		}
		return c.Next()
	}
}
