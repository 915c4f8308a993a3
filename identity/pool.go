package identity

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/aluiziolira/go-acquire/config"
	"github.com/google/uuid"
)

const (
	defaultGenerateTries = 16
	defaultMaxRecycled   = 64
)

// Options tunes a Pool.
type Options struct {
	// Cooldown is how long a released identity rests before reuse.
	Cooldown time.Duration
	// Proxies are assigned round-robin to generated identities.
	Proxies []string
	// MaxRecycled bounds the number of identities kept for reuse.
	MaxRecycled int

	// IntN and Now are test seams.
	IntN func(n int) int
	Now  func() time.Time
}

type resting struct {
	identity   Identity
	readyAt    time.Time
	recyclable bool
}

// Pool hands out identities, never issuing one that is currently active.
// It is safe for concurrent use.
type Pool struct {
	profiles []config.IdentityProfile
	opts     Options

	mu           sync.Mutex
	active       map[string]Identity
	activePrints map[string]int
	resting      []resting
	nextProxy    int
}

// NewPool validates the catalog and builds a pool. Every user agent must
// report the platform its profile declares.
func NewPool(catalog []config.IdentityProfile, opts Options) (*Pool, error) {
	if len(catalog) == 0 {
		return nil, config.Errorf("identity catalog is empty")
	}
	for i, profile := range catalog {
		declared := Platform(profile.Platform)
		if len(profile.UserAgents) == 0 {
			return nil, config.Errorf("identity profile %d (%s) has no user agents", i, profile.Platform)
		}
		if len(profile.Viewports) == 0 || len(profile.Locales) == 0 || len(profile.Timezones) == 0 {
			return nil, config.Errorf("identity profile %d (%s) needs viewports, locales and timezones", i, profile.Platform)
		}
		for _, ua := range profile.UserAgents {
			if got := PlatformOf(ua); got != declared {
				return nil, config.Errorf("user agent %q reports platform %q, profile declares %q", ua, got, declared)
			}
		}
	}

	if opts.IntN == nil {
		opts.IntN = rand.IntN
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxRecycled <= 0 {
		opts.MaxRecycled = defaultMaxRecycled
	}

	return &Pool{
		profiles:     catalog,
		opts:         opts,
		active:       make(map[string]Identity),
		activePrints: make(map[string]int),
	}, nil
}

// Next returns a rested identity when one is ready, otherwise a freshly
// generated one.
func (p *Pool) Next() Identity {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.opts.Now()
	p.pruneLocked(now)

	for i, r := range p.resting {
		if r.readyAt.After(now) {
			break
		}
		if !r.recyclable || p.activePrints[r.identity.Fingerprint()] > 0 {
			continue
		}
		p.resting = append(p.resting[:i], p.resting[i+1:]...)
		p.activateLocked(r.identity)
		return r.identity
	}

	candidate := p.generateLocked()
	for try := 1; try < defaultGenerateTries && p.busyLocked(candidate.Fingerprint()); try++ {
		candidate = p.generateLocked()
	}
	if p.busyLocked(candidate.Fingerprint()) {
		if id, ok := p.scanLocked(p.busyLocked); ok {
			candidate = id
		} else if id, ok := p.scanLocked(p.activeLocked); ok {
			candidate = id
		}
	}
	candidate.ID = uuid.NewString()
	p.activateLocked(candidate)
	return candidate
}

// Release returns an identity for reuse after the cool-down.
func (p *Pool) Release(id Identity) {
	p.retire(id, true)
}

// Discard retires an identity for good. Its fingerprint is still avoided for
// one cool-down so it is not immediately regenerated.
func (p *Pool) Discard(id Identity) {
	p.retire(id, false)
}

// Active reports how many identities are checked out.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Resting reports how many identities are cooling down or awaiting reuse.
func (p *Pool) Resting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.resting)
}

func (p *Pool) retire(id Identity, recyclable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.active[id.ID]; !ok {
		return
	}
	delete(p.active, id.ID)
	fp := id.Fingerprint()
	if p.activePrints[fp] <= 1 {
		delete(p.activePrints, fp)
	} else {
		p.activePrints[fp]--
	}

	p.resting = append(p.resting, resting{
		identity:   id,
		readyAt:    p.opts.Now().Add(p.opts.Cooldown),
		recyclable: recyclable,
	})
	if len(p.resting) > p.opts.MaxRecycled {
		p.resting = p.resting[len(p.resting)-p.opts.MaxRecycled:]
	}
}

// pruneLocked drops discarded identities whose cool-down has passed.
func (p *Pool) pruneLocked(now time.Time) {
	kept := p.resting[:0]
	for _, r := range p.resting {
		if !r.recyclable && !r.readyAt.After(now) {
			continue
		}
		kept = append(kept, r)
	}
	p.resting = kept
}

func (p *Pool) busyLocked(fp string) bool {
	if p.activeLocked(fp) {
		return true
	}
	for _, r := range p.resting {
		if r.identity.Fingerprint() == fp {
			return true
		}
	}
	return false
}

func (p *Pool) activeLocked(fp string) bool {
	return p.activePrints[fp] > 0
}

// scanLocked walks every tuple of the catalog, starting at a random offset,
// and returns the first one for which taken reports false. Only every tuple
// being taken leaves the caller with a duplicate.
func (p *Pool) scanLocked(taken func(fp string) bool) (Identity, bool) {
	proxies := p.opts.Proxies
	if len(proxies) == 0 {
		proxies = []string{""}
	}

	total := 0
	for _, profile := range p.profiles {
		total += tupleCount(profile) * len(proxies)
	}
	start := p.opts.IntN(total)
	for i := 0; i < total; i++ {
		id := p.tupleLocked((start+i)%total, proxies)
		if !taken(id.Fingerprint()) {
			return id, true
		}
	}
	return Identity{}, false
}

func tupleCount(profile config.IdentityProfile) int {
	return len(profile.UserAgents) * len(profile.Viewports) * len(profile.Locales) * len(profile.Timezones)
}

// tupleLocked decodes index into one (profile, agent, viewport, locale,
// timezone, proxy) combination.
func (p *Pool) tupleLocked(index int, proxies []string) Identity {
	for _, profile := range p.profiles {
		n := tupleCount(profile) * len(proxies)
		if index >= n {
			index -= n
			continue
		}
		pick := func(size int) int {
			i := index % size
			index /= size
			return i
		}
		ua := profile.UserAgents[pick(len(profile.UserAgents))]
		return Identity{
			UserAgent:  ua,
			Platform:   PlatformOf(ua),
			Viewport:   profile.Viewports[pick(len(profile.Viewports))],
			Locale:     profile.Locales[pick(len(profile.Locales))],
			TimezoneID: profile.Timezones[pick(len(profile.Timezones))],
			Proxy:      proxies[pick(len(proxies))],
		}
	}
	return Identity{}
}

func (p *Pool) activateLocked(id Identity) {
	p.active[id.ID] = id
	p.activePrints[id.Fingerprint()]++
}

func (p *Pool) generateLocked() Identity {
	profile := p.profiles[p.opts.IntN(len(p.profiles))]
	ua := profile.UserAgents[p.opts.IntN(len(profile.UserAgents))]

	id := Identity{
		UserAgent:  ua,
		Platform:   PlatformOf(ua),
		Viewport:   profile.Viewports[p.opts.IntN(len(profile.Viewports))],
		Locale:     profile.Locales[p.opts.IntN(len(profile.Locales))],
		TimezoneID: profile.Timezones[p.opts.IntN(len(profile.Timezones))],
	}
	if len(p.opts.Proxies) > 0 {
		id.Proxy = p.opts.Proxies[p.nextProxy%len(p.opts.Proxies)]
		p.nextProxy++
	}
	return id
}
