package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"toolgate/internal/domain"
	"toolgate/internal/infra/telemetry"
)

const reloadDebounce = 200 * time.Millisecond

// Update describes one catalog reload. Removed connectors must have
// their sessions drained and their cache entries purged by the
// subscriber.
type Update struct {
	Catalog domain.Catalog
	Added   []string
	Removed []string
	Changed []string
}

// Provider serves the current catalog and hot-reloads it when the
// config file changes. Runtime tunables are pinned at startup; only
// connector descriptors change on reload.
type Provider struct {
	logger *zap.Logger
	loader *Loader
	path   string

	state atomic.Value // domain.Catalog

	subsMu sync.Mutex
	subs   map[chan Update]struct{}

	reloadMu  sync.Mutex
	watchOnce sync.Once
	watchCtx  context.Context
}

func NewProvider(ctx context.Context, path string, logger *zap.Logger) (*Provider, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	loader := NewLoader(logger)
	catalog, err := loader.Load(ctx, path)
	if err != nil {
		return nil, err
	}

	provider := &Provider{
		logger:   logger.Named("catalog_provider"),
		loader:   loader,
		path:     path,
		subs:     make(map[chan Update]struct{}),
		watchCtx: ctx,
	}
	provider.state.Store(catalog)
	return provider, nil
}

// Snapshot returns the current catalog.
func (p *Provider) Snapshot() domain.Catalog {
	return p.state.Load().(domain.Catalog)
}

// Watch subscribes to catalog updates and starts the file watcher on
// first use. The subscription ends when ctx is canceled.
func (p *Provider) Watch(ctx context.Context) <-chan Update {
	if ctx == nil {
		ctx = context.Background()
	}
	ch := make(chan Update, 1)
	p.subsMu.Lock()
	p.subs[ch] = struct{}{}
	p.subsMu.Unlock()

	p.watchOnce.Do(func() {
		go p.runWatcher(p.watchCtx)
	})

	go func() {
		<-ctx.Done()
		p.subsMu.Lock()
		delete(p.subs, ch)
		p.subsMu.Unlock()
	}()

	return ch
}

// Reload re-reads the config file and broadcasts the diff. A runtime
// section change is rejected; it requires a restart to apply.
func (p *Provider) Reload(ctx context.Context) error {
	p.reloadMu.Lock()
	defer p.reloadMu.Unlock()

	previous := p.Snapshot()
	next, err := p.loader.Load(ctx, p.path)
	if err != nil {
		return err
	}

	if !reflect.DeepEqual(previous.Runtime, next.Runtime) {
		return errors.New("runtime config changed; restart required to apply")
	}

	update := diffConnectors(previous, next)
	if len(update.Added) == 0 && len(update.Removed) == 0 && len(update.Changed) == 0 {
		return nil
	}

	p.state.Store(next)
	p.logger.Info("catalog reloaded",
		telemetry.EventField(telemetry.EventConfigReload),
		zap.Strings("added", update.Added),
		zap.Strings("removed", update.Removed),
		zap.Strings("changed", update.Changed),
	)
	p.broadcast(update)
	return nil
}

func diffConnectors(previous, next domain.Catalog) Update {
	update := Update{Catalog: next}
	for id, desc := range next.Connectors {
		prev, existed := previous.Connectors[id]
		switch {
		case !existed:
			update.Added = append(update.Added, id)
		case !reflect.DeepEqual(prev, desc):
			update.Changed = append(update.Changed, id)
		}
	}
	for id := range previous.Connectors {
		if _, still := next.Connectors[id]; !still {
			update.Removed = append(update.Removed, id)
		}
	}
	sort.Strings(update.Added)
	sort.Strings(update.Removed)
	sort.Strings(update.Changed)
	return update
}

func (p *Provider) broadcast(update Update) {
	p.subsMu.Lock()
	subs := make([]chan Update, 0, len(p.subs))
	for ch := range p.subs {
		subs = append(subs, ch)
	}
	p.subsMu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- update:
		default:
		}
	}
}

func (p *Provider) runWatcher(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		p.logger.Warn("config watcher failed", zap.Error(err))
		return
	}
	defer watcher.Close()

	// Watch the directory: editors replace the file instead of writing
	// it in place, and a watch on the old inode would go stale.
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		p.logger.Warn("config watcher add failed", zap.String("path", p.path), zap.Error(err))
		return
	}

	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-watcher.Errors:
			if err != nil {
				p.logger.Warn("config watcher error", zap.Error(err))
			}
		case event := <-watcher.Events:
			if !p.relevantEvent(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(reloadDebounce)
		case <-timerChan(timer):
			timer = nil
			if err := p.Reload(ctx); err != nil {
				p.logger.Warn("config reload failed", zap.Error(err))
			}
		}
	}
}

func (p *Provider) relevantEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	return filepath.Base(event.Name) == filepath.Base(p.path) ||
		strings.HasPrefix(filepath.Base(event.Name), filepath.Base(p.path)+".")
}

func timerChan(timer *time.Timer) <-chan time.Time {
	if timer == nil {
		return nil
	}
	return timer.C
}
