package apteryx

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ConfigPrefix is the reserved subtree through which callbacks, sockets
// and synthetic statistics are managed. Writes beneath it register and
// deregister callback entries; reads expose runtime counters.
const ConfigPrefix = "/apteryx"

// kindSubtrees maps each callback kind to its registration subtree under
// ConfigPrefix.
var kindSubtrees = map[CallbackKind]string{
	KindWatch:     "watchers",
	KindValidate:  "validators",
	KindRefresh:   "refreshers",
	KindProvide:   "providers",
	KindIndex:     "indexers",
	KindProxy:     "proxies",
	KindWatchTree: "watchtrees",
}

// ConfigPathFor returns the configuration-subtree path a callback of kind
// is registered at: writing a pattern there creates the registration,
// writing an absent value removes it.
func ConfigPathFor(kind CallbackKind, guid string) string {
	return ConfigPrefix + Separator + kindSubtrees[kind] + Separator + guid
}

// SocketPathFor returns the configuration-subtree path an additional
// server listener binding is registered at: writing an endpoint URI there
// asks the transport layer to bind a new listener, an absent value
// releases it.
func SocketPathFor(guid string) string {
	return ConfigPrefix + "/sockets/" + guid
}

// DeliveryPathFor returns the configuration-subtree path a client's
// callback delivery endpoint is recorded at, keyed by the pid prefix
// shared by all of that client's callback GUIDs. The client binds this
// endpoint itself; the engine only dials it to invoke the client's
// callbacks.
func DeliveryPathFor(pid string) string {
	return ConfigPrefix + "/clients/" + pid
}

// SocketHandler is invoked whenever a value is written to or removed from
// /apteryx/sockets/<guid>. Binding or releasing the actual listener is the
// transport layer's job; the engine only reports the intent through this
// hook.
type SocketHandler func(guid, endpoint string, bind bool) error

// configSubsystem implements the Configuration Subtree: one in-process
// watcher per registration kind, a counters provider and indexer, and a
// once-per-second statistics rewrite.
type configSubsystem struct {
	engine *Engine

	mu        sync.Mutex
	endpoints map[string]string // pid prefix -> delivery socket endpoint
	debug     atomic.Bool

	counters struct {
		sets, gets, searches, validations, watches, refreshes atomic.Int64
	}

	socketHandler SocketHandler
	stopStats     chan struct{}
	closeOnce     sync.Once
}

func newConfigSubsystem(e *Engine) *configSubsystem {
	return &configSubsystem{
		engine:    e,
		endpoints: make(map[string]string),
		stopStats: make(chan struct{}),
	}
}

// init registers every built-in callback under ConfigPrefix and starts the
// statistics loop.
func (c *configSubsystem) init() {
	reg := c.engine.callbacks

	reg.RegisterLocal(KindWatch, "config-debug", ConfigPrefix+"/debug", c.handleDebug)
	reg.RegisterLocal(KindWatch, "config-sockets", ConfigPrefix+"/sockets/*", c.handleSocket)
	reg.RegisterLocal(KindWatch, "config-clients", ConfigPrefix+"/clients/*", c.handleClient)
	for kind, subtree := range kindSubtrees {
		reg.RegisterLocal(KindWatch, "config-"+subtree, ConfigPrefix+Separator+subtree+"/*", c.handleRegister(kind))
	}

	reg.RegisterLocal(KindProvide, "config-counters-get", ConfigPrefix+"/counters/*", c.handleCountersGet)
	reg.RegisterLocal(KindIndex, "config-counters-index", ConfigPrefix+"/counters/", c.handleCountersIndex)

	go c.runStatisticsLoop()
}

func (c *configSubsystem) closeAll() error {
	c.closeOnce.Do(func() { close(c.stopStats) })
	return nil
}

// runStatisticsLoop rewrites /apteryx/statistics once a second. The
// per-entry count,min,avg,max tuples are cheap to snapshot, and a
// wall-clock tick keeps the subtree fresh without wiring read-triggered
// refresh for paths nothing else writes to.
func (c *configSubsystem) runStatisticsLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopStats:
			return
		case <-ticker.C:
			c.refreshStatistics()
		}
	}
}

func (c *configSubsystem) refreshStatistics() {
	statsPath := ConfigPrefix + "/statistics"
	_, _ = c.engine.tree.Prune(statsPath)

	var leaves []Leaf
	c.engine.callbacks.ForEach(func(e *callbackEntry) {
		count, min, avg, max := e.stats.snapshot()
		if count == 0 {
			return
		}
		path := statsPath + Separator + e.kind.String() + Separator + e.guid
		value := strconv.FormatInt(count, 10) + "," +
			strconv.FormatInt(min, 10) + "," +
			strconv.FormatInt(avg, 10) + "," +
			strconv.FormatInt(max, 10)
		leaves = append(leaves, Leaf{Path: path, Value: []byte(value)})
	})
	if len(leaves) > 0 {
		c.engine.tree.Apply(leaves)
	}
}

func (c *configSubsystem) handleDebug(_ context.Context, req CallbackRequest) CallbackResult {
	c.debug.Store(string(req.Value) == "1")
	return CallbackResult{}
}

// handleSocket forwards a listener bind/release request to the transport
// layer via socketHandler, if one was installed.
func (c *configSubsystem) handleSocket(_ context.Context, req CallbackRequest) CallbackResult {
	if c.socketHandler == nil {
		return CallbackResult{}
	}
	guid := lastSegment(req.Path)
	if req.Value == nil {
		_ = c.socketHandler(guid, "", false)
		return CallbackResult{}
	}
	if err := c.socketHandler(guid, string(req.Value), true); err != nil {
		return CallbackResult{Status: StatusCode(ErrBusy)}
	}
	return CallbackResult{}
}

// handleClient records (or forgets) the delivery endpoint a client's
// callbacks are dialed at, keyed by the client's pid prefix.
func (c *configSubsystem) handleClient(_ context.Context, req CallbackRequest) CallbackResult {
	pid := lastSegment(req.Path)
	c.mu.Lock()
	defer c.mu.Unlock()
	if req.Value == nil {
		delete(c.endpoints, pid)
	} else {
		c.endpoints[pid] = string(req.Value)
	}
	return CallbackResult{}
}

// handleRegister returns a watcher that creates or replaces (by guid) a
// kind-tagged registration, resolving the registering client's delivery
// endpoint from /apteryx/clients/<pid> via the guid's pid prefix.
func (c *configSubsystem) handleRegister(kind CallbackKind) LocalCallback {
	return func(_ context.Context, req CallbackRequest) CallbackResult {
		guid := lastSegment(req.Path)
		if req.Value == nil {
			c.engine.callbacks.Remove(guid)
			return CallbackResult{}
		}

		if kind == KindProxy {
			endpoint, pattern := SplitEndpoint(string(req.Value))
			if pattern == "" {
				return CallbackResult{Status: StatusCode(ErrInvalid)}
			}
			if err := c.engine.callbacks.Upsert(KindProxy, guid, pattern, endpoint); err != nil {
				return CallbackResult{Status: StatusCode(err)}
			}
			return CallbackResult{}
		}

		c.mu.Lock()
		endpoint := c.endpoints[guidPID(guid)]
		c.mu.Unlock()

		if err := c.engine.callbacks.Upsert(kind, guid, string(req.Value), endpoint); err != nil {
			return CallbackResult{Status: StatusCode(err)}
		}
		return CallbackResult{}
	}
}

func (c *configSubsystem) handleCountersGet(_ context.Context, req CallbackRequest) CallbackResult {
	var v int64
	switch lastSegment(req.Path) {
	case "sets":
		v = c.counters.sets.Load()
	case "gets":
		v = c.counters.gets.Load()
	case "searches":
		v = c.counters.searches.Load()
	case "validations":
		v = c.counters.validations.Load()
	case "watches":
		v = c.counters.watches.Load()
	case "refreshes":
		v = c.counters.refreshes.Load()
	default:
		return CallbackResult{Status: StatusCode(ErrInvalid)}
	}
	return CallbackResult{Value: []byte(strconv.FormatInt(v, 10))}
}

func (c *configSubsystem) handleCountersIndex(_ context.Context, req CallbackRequest) CallbackResult {
	base := strings.TrimSuffix(req.Path, Separator)
	names := []string{"sets", "gets", "searches", "validations", "watches", "refreshes"}
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = base + Separator + n
	}
	return CallbackResult{Children: out}
}

// guidPID extracts the <pid> prefix from a callback GUID built by NewGUID
// ("<pid>-<addr>-<hash>").
func guidPID(guid string) string {
	if idx := strings.IndexByte(guid, '-'); idx >= 0 {
		return guid[:idx]
	}
	return guid
}
