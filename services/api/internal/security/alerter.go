// Package security counts failed authentication events per client and
// reports when a burst crosses its threshold.
package security

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces alert counters in Redis.
const DefaultPrefix = "profilehub:alerts"

var burstCounter = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// Rule is a threshold over a fixed window.
type Rule struct {
	Threshold int64
	Window    time.Duration
}

// Verdict is the outcome of observing one event.
type Verdict struct {
	Tripped bool
	Count   int64
	Rule    Rule
}

// Alerter keeps one Redis counter per event, outcome, client and window slot.
// A nil *Alerter observes nothing.
type Alerter struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewAlerter returns nil when client is nil so callers can skip alerting
// without branching.
func NewAlerter(client *redis.Client, prefix string) *Alerter {
	if client == nil {
		return nil
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Alerter{client: client, prefix: prefix, now: time.Now}
}

// Observe counts the event when a rule covers it.
func (a *Alerter) Observe(ctx context.Context, event, outcome, clientIP string) (Verdict, error) {
	if a == nil {
		return Verdict{}, nil
	}
	rule, ok := ruleFor(event, outcome)
	if !ok {
		return Verdict{}, nil
	}
	windowMs := rule.Window.Milliseconds()
	slot := a.now().UTC().UnixMilli() / windowMs
	key := fmt.Sprintf("%s:%s:%s:%s:%d", a.prefix, segment(event), segment(outcome), segment(clientIP), slot)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	n, err := burstCounter.Run(ctx, a.client, []string{key}, windowMs).Int64()
	if err != nil {
		return Verdict{}, fmt.Errorf("count security event: %w", err)
	}
	return Verdict{Tripped: n >= rule.Threshold, Count: n, Rule: rule}, nil
}

func ruleFor(event, outcome string) (Rule, bool) {
	switch strings.TrimSpace(outcome) {
	case "rate_limited":
		return Rule{Threshold: 20, Window: time.Minute}, true
	case "fail":
	default:
		return Rule{}, false
	}
	switch strings.TrimSpace(event) {
	case "auth.login", "auth.register":
		return Rule{Threshold: 10, Window: 5 * time.Minute}, true
	case "auth.refresh", "auth.logout", "auth.password.change", "auth.profile.update":
		return Rule{Threshold: 15, Window: 5 * time.Minute}, true
	case "auth.authorize", "document.file.delete":
		return Rule{Threshold: 25, Window: 5 * time.Minute}, true
	}
	return Rule{}, false
}

var segmentReplacer = strings.NewReplacer(":", "_", "|", "_", " ", "_")

func segment(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return segmentReplacer.Replace(s)
}
