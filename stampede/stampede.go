// Package stampede keeps a burst of concurrent misses on one key from turning
// into a burst of recomputations.
//
// The first caller to miss a key claims it by adding a sentinel entry
// "<key>.stampede" that expires after the SLA. That caller sees the miss and is
// expected to compute and store the value. Callers that find the sentinel taken
// poll for the value instead, up to Attempts times spread over the SLA, and
// report a miss only if it never shows up.
package stampede

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/unkn0wn-root/casstack"
)

// Suffix marks sentinel keys. Application keys must not end with it.
const Suffix = ".stampede"

const (
	defaultSLA      = time.Second
	defaultAttempts = 10
)

var ErrReservedKey = errors.New("stampede: key ends with reserved suffix " + Suffix)

type Options struct {
	// SLA is how long a caller gets to fill a key it claimed, and the total time
	// others wait for it. Default 1s. The sentinel lives for SLA rounded up to a
	// whole second.
	SLA time.Duration
	// Attempts is the number of polls spread over the SLA. Default 10.
	Attempts int

	Logger casstack.Logger
	Hooks  casstack.Hooks
}

type Protector struct {
	store    casstack.Store
	sla      time.Duration
	attempts int
	log      casstack.Logger
	hooks    casstack.Hooks
}

var _ casstack.Store = (*Protector)(nil)

func New(store casstack.Store, opts Options) (*Protector, error) {
	if store == nil {
		return nil, casstack.ErrNilStore
	}
	p := &Protector{
		store:    store,
		sla:      opts.SLA,
		attempts: opts.Attempts,
		log:      casstack.Coalesce[casstack.Logger](opts.Logger, casstack.NopLogger{}),
		hooks:    casstack.Coalesce[casstack.Hooks](opts.Hooks, casstack.NopHooks{}),
	}
	if p.sla <= 0 {
		p.sla = defaultSLA
	}
	if p.attempts <= 0 {
		p.attempts = defaultAttempts
	}
	return p, nil
}

func sentinel(key string) string { return key + Suffix }

func reserved(key string) error {
	if strings.HasSuffix(key, Suffix) {
		return ErrReservedKey
	}
	return nil
}

func (p *Protector) Get(ctx context.Context, key string) (casstack.Item, bool, error) {
	got, err := p.GetMulti(ctx, []string{key})
	if err != nil {
		return casstack.Item{}, false, err
	}
	it, ok := got[key]
	return it, ok, nil
}

// GetMulti reads keys together with their sentinels. Keys with a value are
// returned right away, whether or not a sentinel exists. Missing keys with no
// sentinel are claimed and reported missing; missing keys someone else claimed
// are polled for.
func (p *Protector) GetMulti(ctx context.Context, keys []string) (map[string]casstack.Item, error) {
	all := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		if err := reserved(k); err != nil {
			return nil, err
		}
		all = append(all, k, sentinel(k))
	}
	got, err := p.store.GetMulti(ctx, all)
	if err != nil {
		return nil, err
	}

	out := make(map[string]casstack.Item, len(keys))
	var protected []string
	for _, k := range keys {
		if it, ok := got[k]; ok {
			out[k] = it
			continue
		}
		if _, claimed := got[sentinel(k)]; claimed {
			protected = append(protected, k)
			continue
		}
		owner, err := p.claim(ctx, k)
		if err != nil {
			return nil, err
		}
		if !owner {
			protected = append(protected, k)
		}
	}
	if len(protected) == 0 {
		return out, nil
	}
	return out, p.wait(ctx, protected, out)
}

// claim adds the sentinel for key. false means another caller holds it.
func (p *Protector) claim(ctx context.Context, key string) (bool, error) {
	return p.store.Add(ctx, sentinel(key), []byte{'1'}, casstack.In(p.sla))
}

// wait polls for keys until they all appear or the attempt budget is spent.
func (p *Protector) wait(ctx context.Context, keys []string, out map[string]casstack.Item) error {
	interval := p.sla / time.Duration(p.attempts)
	pending := keys
	attempt := 0
	for attempt < p.attempts && len(pending) > 0 {
		if err := sleep(ctx, interval); err != nil {
			return err
		}
		attempt++
		got, err := p.store.GetMulti(ctx, pending)
		if err != nil {
			return err
		}
		rest := pending[:0:0]
		for _, k := range pending {
			if it, ok := got[k]; ok {
				out[k] = it
				p.hooks.StampedeWaited(k, attempt, true)
				continue
			}
			rest = append(rest, k)
		}
		pending = rest
	}
	for _, k := range pending {
		p.hooks.StampedeWaited(k, attempt, false)
		p.log.Debug("stampede: gave up waiting", casstack.Fields{"key": k, "attempts": attempt})
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *Protector) Set(ctx context.Context, key string, value []byte, expire casstack.Expire) (bool, error) {
	if err := reserved(key); err != nil {
		return false, err
	}
	return p.store.Set(ctx, key, value, expire)
}

func (p *Protector) SetMulti(ctx context.Context, items map[string][]byte, expire casstack.Expire) (map[string]bool, error) {
	for k := range items {
		if err := reserved(k); err != nil {
			return nil, err
		}
	}
	return p.store.SetMulti(ctx, items, expire)
}

func (p *Protector) Delete(ctx context.Context, key string) (bool, error) {
	if err := reserved(key); err != nil {
		return false, err
	}
	return p.store.Delete(ctx, key)
}

func (p *Protector) DeleteMulti(ctx context.Context, keys []string) (map[string]bool, error) {
	for _, k := range keys {
		if err := reserved(k); err != nil {
			return nil, err
		}
	}
	return p.store.DeleteMulti(ctx, keys)
}

func (p *Protector) Add(ctx context.Context, key string, value []byte, expire casstack.Expire) (bool, error) {
	if err := reserved(key); err != nil {
		return false, err
	}
	return p.store.Add(ctx, key, value, expire)
}

func (p *Protector) Replace(ctx context.Context, key string, value []byte, expire casstack.Expire) (bool, error) {
	if err := reserved(key); err != nil {
		return false, err
	}
	return p.store.Replace(ctx, key, value, expire)
}

func (p *Protector) CAS(ctx context.Context, token casstack.Token, key string, value []byte, expire casstack.Expire) (bool, error) {
	if err := reserved(key); err != nil {
		return false, err
	}
	return p.store.CAS(ctx, token, key, value, expire)
}

func (p *Protector) Increment(ctx context.Context, key string, offset, initial int64, expire casstack.Expire) (int64, bool, error) {
	if err := reserved(key); err != nil {
		return 0, false, err
	}
	return p.store.Increment(ctx, key, offset, initial, expire)
}

func (p *Protector) Decrement(ctx context.Context, key string, offset, initial int64, expire casstack.Expire) (int64, bool, error) {
	if err := reserved(key); err != nil {
		return 0, false, err
	}
	return p.store.Decrement(ctx, key, offset, initial, expire)
}

func (p *Protector) Touch(ctx context.Context, key string, expire casstack.Expire) (bool, error) {
	if err := reserved(key); err != nil {
		return false, err
	}
	return p.store.Touch(ctx, key, expire)
}

func (p *Protector) Flush(ctx context.Context) (bool, error) {
	return p.store.Flush(ctx)
}

func (p *Protector) Collection(name string) casstack.Store {
	return &Protector{
		store:    p.store.Collection(name),
		sla:      p.sla,
		attempts: p.attempts,
		log:      p.log,
		hooks:    p.hooks,
	}
}
