// Package device owns the lifecycle of configured machines. Each loaded
// entry runs a polling coordinator, an optional websocket listener, and an
// MQTT entity bridge, set up and torn down as a unit.
package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"xtoolbridge/internal/config"
	"xtoolbridge/internal/coordinator"
	"xtoolbridge/internal/mqtt"
	"xtoolbridge/internal/xtool"
)

// probeTimeout bounds the best-effort identity probe during setup.
const probeTimeout = 10 * time.Second

// Job actions accepted by RunAction.
const (
	ActionPause  = "pause"
	ActionResume = "resume"
	ActionStop   = "stop"
)

// ActionResult reports one device's outcome for a job action.
type ActionResult struct {
	EntryID string `json:"entry_id"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// EntryStatus is the API-facing view of one loaded entry.
type EntryStatus struct {
	ID          string            `json:"id"`
	Host        string            `json:"host"`
	Name        string            `json:"name"`
	MAC         string            `json:"mac,omitempty"`
	Websocket   bool              `json:"websocket"`
	Available   bool              `json:"available"`
	LastSuccess time.Time         `json:"last_success"`
	LastError   string            `json:"last_error,omitempty"`
	Snapshot    *xtool.Snapshot   `json:"snapshot,omitempty"`
	Event       xtool.EventRecord `json:"event"`
}

// entry bundles one device's running pieces.
type entry struct {
	cfg      config.DeviceConfig
	client   xtool.Client
	coord    *coordinator.Coordinator
	listener *xtool.EventListener
	bridge   *mqtt.EntityBridge
	mac      string
}

// Registry is the table of loaded device entries. One per process; the API
// server and the signal loop both talk to it.
type Registry struct {
	pub    mqtt.Publisher
	logger *zap.Logger

	// newClient is swapped in tests to avoid real HTTP.
	newClient func(host string) xtool.Client

	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry creates an empty registry publishing through pub.
func NewRegistry(pub mqtt.Publisher, logger *zap.Logger) *Registry {
	return &Registry{
		pub:       pub,
		logger:    logger.Named("registry"),
		newClient: func(host string) xtool.Client { return xtool.NewClient(host) },
		entries:   make(map[string]*entry),
	}
}

// Setup loads one entry: identity probe, discovery publish, poll loop, and
// (when enabled) the event listener. The probe is best-effort; an unreachable
// device still loads and its entities come up once the device answers.
func (r *Registry) Setup(ctx context.Context, cfg config.DeviceConfig) error {
	r.mu.Lock()
	if _, ok := r.entries[cfg.ID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("entry %s already loaded", cfg.ID)
	}
	r.mu.Unlock()

	log := r.logger.With(zap.String("entry_id", cfg.ID), zap.String("host", cfg.Host))
	log.Info("Setting up device entry", zap.String("name", cfg.Name))

	e := &entry{cfg: cfg, client: r.newClient(cfg.Host)}

	device := mqtt.DeviceInfo{
		Identifiers:      []string{"xtoolbridge_" + cfg.ID},
		Name:             cfg.Name,
		Manufacturer:     "xTool",
		ConfigurationURL: xtool.BaseURL(cfg.Host),
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := e.client.Ping(probeCtx); err != nil {
		log.Warn("Device did not answer the identity probe", zap.Error(err))
	} else {
		if machineType, err := e.client.MachineType(probeCtx); err == nil {
			device.Model = machineType
		}
		if mac, err := e.client.MAC(probeCtx); err == nil {
			e.mac = mac
		}
	}

	e.bridge = mqtt.NewEntityBridge(r.pub, cfg.ID, device, func(action string) {
		if err := r.runJobAction(context.Background(), e, action); err != nil {
			log.Error("Button action failed", zap.String("action", action), zap.Error(err))
		}
	}, log)

	if err := e.bridge.Publish(); err != nil {
		// The broker may be flapping; the reconnect hook republishes.
		log.Warn("Discovery publish incomplete", zap.Error(err))
	}

	e.coord = coordinator.New(e.client, cfg.ScanIntervalDuration(), log)
	e.coord.Subscribe(e.bridge.HandleUpdate)
	if err := e.coord.Start(); err != nil {
		return fmt.Errorf("start coordinator for %s: %w", cfg.ID, err)
	}

	if cfg.WebsocketEnabled() {
		e.listener = xtool.NewEventListener(cfg.Host, log)
		e.listener.SetEventHandler(e.bridge.HandleEvent)
		e.listener.SetStatusHandler(e.bridge.HandleListenerStatus)
		if err := e.listener.Start(); err != nil {
			e.coord.Stop()
			return fmt.Errorf("start event listener for %s: %w", cfg.ID, err)
		}
	}

	r.mu.Lock()
	r.entries[cfg.ID] = e
	r.mu.Unlock()

	log.Info("Device entry ready", zap.Bool("websocket", cfg.WebsocketEnabled()))
	return nil
}

// Unload stops one entry and removes its entities from Home Assistant.
func (r *Registry) Unload(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown device entry %q", id)
	}
	delete(r.entries, id)
	r.mu.Unlock()

	r.logger.Info("Unloading device entry", zap.String("entry_id", id))
	if e.listener != nil {
		e.listener.Stop()
	}
	e.coord.Stop()
	return e.bridge.Unpublish()
}

// UnloadAll tears down every entry, aggregating errors.
func (r *Registry) UnloadAll() error {
	var errs error
	for _, id := range r.ids() {
		errs = multierr.Append(errs, r.Unload(id))
	}
	return errs
}

// Shutdown stops every entry's loops without removing the entities from Home
// Assistant: on daemon exit the bridge LWT marks them unavailable, and the
// retained discovery configs survive for the next start. Unload remains the
// path for removing an entry for good.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		if e.listener != nil {
			e.listener.Stop()
		}
		e.coord.Stop()
	}
	if len(entries) > 0 {
		r.logger.Info("All device entries stopped", zap.Int("count", len(entries)))
	}
}

// ReloadConfig diffs the loaded entries against a freshly read device list:
// removed entries are unloaded, new ones set up, changed ones restarted.
func (r *Registry) ReloadConfig(ctx context.Context, devices []config.DeviceConfig) error {
	want := make(map[string]config.DeviceConfig, len(devices))
	for _, d := range devices {
		want[d.ID] = d
	}

	r.mu.Lock()
	current := make(map[string]config.DeviceConfig, len(r.entries))
	for id, e := range r.entries {
		current[id] = e.cfg
	}
	r.mu.Unlock()

	var errs error
	for _, id := range sortedKeys(current) {
		cur := current[id]
		next, keep := want[id]
		if !keep {
			errs = multierr.Append(errs, r.Unload(id))
			continue
		}
		if !cur.Equal(&next) {
			r.logger.Info("Device entry changed, restarting", zap.String("entry_id", id))
			errs = multierr.Append(errs, r.Unload(id))
			errs = multierr.Append(errs, r.Setup(ctx, next))
		}
	}
	for _, d := range devices {
		if _, loaded := current[d.ID]; !loaded {
			errs = multierr.Append(errs, r.Setup(ctx, d))
		}
	}
	return errs
}

// RunAction runs a job action against one entry, or against every loaded
// entry when entryID is empty. The returned error covers bad requests;
// per-device communication failures land in the results.
func (r *Registry) RunAction(ctx context.Context, action, entryID string) ([]ActionResult, error) {
	if action != ActionPause && action != ActionResume && action != ActionStop {
		return nil, fmt.Errorf("unknown action %q", action)
	}

	r.mu.Lock()
	var targets []*entry
	if entryID != "" {
		e, ok := r.entries[entryID]
		if !ok {
			r.mu.Unlock()
			return nil, fmt.Errorf("unknown device entry %q", entryID)
		}
		targets = []*entry{e}
	} else {
		if len(r.entries) == 0 {
			r.mu.Unlock()
			return nil, fmt.Errorf("no devices configured")
		}
		for _, id := range sortedKeys(r.entries) {
			targets = append(targets, r.entries[id])
		}
	}
	r.mu.Unlock()

	results := make([]ActionResult, 0, len(targets))
	for _, e := range targets {
		res := ActionResult{EntryID: e.cfg.ID, OK: true}
		if err := r.runJobAction(ctx, e, action); err != nil {
			res.OK = false
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results, nil
}

func (r *Registry) runJobAction(ctx context.Context, e *entry, action string) error {
	var err error
	switch action {
	case ActionPause:
		err = e.client.Pause(ctx)
	case ActionResume:
		err = e.client.Resume(ctx)
	case ActionStop:
		err = e.client.Stop(ctx)
	default:
		return fmt.Errorf("unknown action %q", action)
	}
	if err != nil {
		return err
	}
	r.logger.Info("Job action sent",
		zap.String("entry_id", e.cfg.ID), zap.String("action", action))
	// Pull fresh state so the working_state sensor reflects the action
	// before the next scheduled tick.
	e.coord.RequestRefresh()
	return nil
}

// Entries returns the status of every loaded entry, sorted by ID.
func (r *Registry) Entries() []EntryStatus {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	out := make([]EntryStatus, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Entry returns one entry's status.
func (r *Registry) Entry(id string) (EntryStatus, bool) {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return EntryStatus{}, false
	}
	return e.status(), true
}

// Count returns the number of loaded entries.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// RefreshAll republishes discovery and availability for every entry, used
// after an MQTT reconnect where the broker may have lost retained state.
func (r *Registry) RefreshAll() {
	r.mu.Lock()
	bridges := make([]*mqtt.EntityBridge, 0, len(r.entries))
	for _, e := range r.entries {
		bridges = append(bridges, e.bridge)
	}
	r.mu.Unlock()

	for _, b := range bridges {
		b.Refresh()
	}
}

func (r *Registry) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.entries)
}

func (e *entry) status() EntryStatus {
	st := e.coord.State()
	s := EntryStatus{
		ID:          e.cfg.ID,
		Host:        e.cfg.Host,
		Name:        e.cfg.Name,
		MAC:         e.mac,
		Websocket:   e.cfg.WebsocketEnabled(),
		Available:   st.Available,
		LastSuccess: st.LastSuccess,
		LastError:   st.LastError,
		Snapshot:    st.Snapshot,
	}
	if e.listener != nil {
		s.Event = e.listener.Record()
	} else {
		s.Event = xtool.EventRecord{Status: xtool.StatusDisconnected}
	}
	return s
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
