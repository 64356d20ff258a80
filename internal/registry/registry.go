// Package registry is the hot-reloadable configuration source for the
// parts of the platform that change without a deploy: detector specs,
// action-type autonomy policy, routing tables, FAQ texts, branch
// metadata, and the static blocklist tier.
//
// Consumers never hold the snapshot; they call an accessor per use and
// always see the latest successfully loaded state. A broken file on
// disk keeps the previous snapshot in service.
package registry

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v2"

	"github.com/kisslabs/platform/internal/actions"
	"github.com/kisslabs/platform/internal/detector"
	"github.com/kisslabs/platform/internal/dispatch"
	"github.com/kisslabs/platform/internal/store"
	"github.com/kisslabs/platform/internal/telemetry"
)

// Branch is one business location.
type Branch struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// Snapshot is one immutable view of the registry.
type Snapshot struct {
	Detectors   []detector.Spec
	ActionTypes map[string]actions.TypeConfig
	Routing     dispatch.Policies
	FAQAnswers  map[string]string
	Greeting    string
	Fallback    string
	Blocklist   []string
	Branches    []Branch
	LoadedAt    time.Time
}

// wire types mirror the YAML file.

type fileRoot struct {
	Detectors []struct {
		ID              string             `yaml:"id"`
		Category        string             `yaml:"category"`
		Inputs          []string           `yaml:"inputs"`
		Schedule        string             `yaml:"schedule"`
		Thresholds      map[string]float64 `yaml:"thresholds"`
		Output          string             `yaml:"output"`
		CooldownHours   int                `yaml:"cooldown_hours"`
		MaxAlertsPerDay int                `yaml:"max_alerts_per_day"`
		Active          *bool              `yaml:"active"`
	} `yaml:"detectors"`

	ActionTypes map[string]struct {
		Autonomy    string `yaml:"autonomy"`
		Handler     string `yaml:"handler"`
		MaxPerHour  int64  `yaml:"max_per_hour"`
		MaxPerDay   int64  `yaml:"max_per_day"`
		ExpiresIn   string `yaml:"expires_in"`
		SelfApprove bool   `yaml:"self_approve"`
	} `yaml:"action_types"`

	Routing struct {
		CannedReplies        map[string]string `yaml:"canned_replies"`
		CancelReply          string            `yaml:"cancel_reply"`
		FAQKeys              map[string]string `yaml:"faq_keys"`
		FrustrationThreshold int               `yaml:"frustration_threshold"`
	} `yaml:"routing"`

	FAQAnswers map[string]string `yaml:"faq_answers"`
	Greeting   string            `yaml:"greeting"`
	Fallback   string            `yaml:"fallback"`
	Blocklist  []string          `yaml:"blocklist"`
	Branches   []Branch          `yaml:"branches"`
}

// Registry loads and serves snapshots.
type Registry struct {
	path     string
	tel      *telemetry.Telemetry
	snapshot atomic.Value // *Snapshot

	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
}

// New builds a registry over the YAML file at path. An empty path
// serves the baked-in defaults forever. The first load happens here;
// a missing or broken file logs and falls back to defaults.
func New(path string, tel *telemetry.Telemetry) *Registry {
	if tel == nil {
		tel = telemetry.Nop()
	}
	r := &Registry{
		path: path, tel: tel,
		stop: make(chan struct{}), done: make(chan struct{}),
	}
	r.snapshot.Store(defaults())
	if path != "" {
		if err := r.Reload(); err != nil {
			tel.Logger.Warn("registry initial load failed, serving defaults",
				"path", path, "error", err)
		}
	}
	return r
}

// Start begins watching the file and refreshing on an interval. The
// interval refresh backstops editors and mounts that do not produce
// fsnotify events.
func (r *Registry) Start(refreshEvery time.Duration) error {
	if r.path == "" {
		close(r.done)
		return nil
	}
	if refreshEvery <= 0 {
		refreshEvery = time.Minute
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("registry: watcher: %w", err)
	}
	if err := watcher.Add(r.path); err != nil {
		watcher.Close()
		return fmt.Errorf("registry: watch %s: %w", r.path, err)
	}
	r.watcher = watcher

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(refreshEvery)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.reloadLogged("interval")
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					r.reloadLogged("fsnotify")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.tel.Logger.Warn("registry watch error", "error", err)
			}
		}
	}()
	return nil
}

// Stop halts the refresh loop.
func (r *Registry) Stop() {
	close(r.stop)
	if r.watcher != nil {
		r.watcher.Close()
	}
	<-r.done
}

func (r *Registry) reloadLogged(trigger string) {
	if err := r.Reload(); err != nil {
		r.tel.Logger.Warn("registry reload failed, previous snapshot stays",
			"trigger", trigger, "error", err)
		return
	}
	r.tel.Logger.Info("registry reloaded", "trigger", trigger)
}

// Reload re-reads the file and swaps the snapshot on success.
func (r *Registry) Reload() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("registry: read: %w", err)
	}
	snap, err := parse(raw)
	if err != nil {
		return err
	}
	r.snapshot.Store(snap)
	return nil
}

// Current returns the latest snapshot. Never nil.
func (r *Registry) Current() *Snapshot {
	return r.snapshot.Load().(*Snapshot)
}

func parse(raw []byte) (*Snapshot, error) {
	var root fileRoot
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("registry: parse: %w", err)
	}

	snap := defaults()
	snap.LoadedAt = time.Now().UTC()

	for _, d := range root.Detectors {
		active := true
		if d.Active != nil {
			active = *d.Active
		}
		output := detector.OutputAlert
		if d.Output == string(detector.OutputCase) {
			output = detector.OutputCase
		}
		snap.Detectors = append(snap.Detectors, detector.Spec{
			ID:                d.ID,
			Category:          d.Category,
			InputDataProducts: d.Inputs,
			Schedule:          d.Schedule,
			Thresholds:        d.Thresholds,
			OutputType:        output,
			CooldownHours:     d.CooldownHours,
			MaxAlertsPerDay:   d.MaxAlertsPerDay,
			Active:            active,
		})
	}

	for name, t := range root.ActionTypes {
		cfg := actions.TypeConfig{
			Autonomy:    store.Autonomy(t.Autonomy),
			Handler:     t.Handler,
			MaxPerHour:  t.MaxPerHour,
			MaxPerDay:   t.MaxPerDay,
			SelfApprove: t.SelfApprove,
		}
		switch cfg.Autonomy {
		case store.AutonomyAuto, store.AutonomyDraft, store.AutonomyApproval, store.AutonomyCritical:
		default:
			return nil, fmt.Errorf("registry: action type %s: bad autonomy %q", name, t.Autonomy)
		}
		if t.ExpiresIn != "" {
			d, err := time.ParseDuration(t.ExpiresIn)
			if err != nil {
				return nil, fmt.Errorf("registry: action type %s: expires_in: %w", name, err)
			}
			cfg.ExpiresIn = d
		}
		snap.ActionTypes[name] = cfg
	}

	if root.Routing.CancelReply != "" {
		snap.Routing.CancelReply = root.Routing.CancelReply
	}
	if root.Routing.FrustrationThreshold > 0 {
		snap.Routing.FrustrationThreshold = root.Routing.FrustrationThreshold
	}
	for k, v := range root.Routing.CannedReplies {
		snap.Routing.CannedReplies[k] = v
	}
	for k, v := range root.Routing.FAQKeys {
		snap.Routing.FAQ[k] = v
	}
	for k, v := range root.FAQAnswers {
		snap.FAQAnswers[k] = v
	}
	if root.Greeting != "" {
		snap.Greeting = root.Greeting
	}
	if root.Fallback != "" {
		snap.Fallback = root.Fallback
	}
	snap.Blocklist = append(snap.Blocklist, root.Blocklist...)
	snap.Branches = append(snap.Branches, root.Branches...)
	return snap, nil
}

func defaults() *Snapshot {
	return &Snapshot{
		ActionTypes: map[string]actions.TypeConfig{},
		Routing:     dispatch.DefaultPolicies(),
		FAQAnswers: map[string]string{
			"hours":     "Abrimos todos los días de 9:00 a 21:00.",
			"locations": "Estamos en Roma Norte, Condesa y Polanco. ¿Cuál te queda mejor?",
			"delivery":  "Sí hacemos envíos a domicilio, sin costo en pedidos mayores a $200.",
			"billing":   "Para facturar, mándanos tu constancia fiscal y el número de pedido.",
		},
		Greeting: "¡Hola! ¿En qué te puedo ayudar hoy?",
		Fallback: "Déjame revisarlo y te respondo en un momento.",
	}
}

// ---- worker.PolicySource ----

// RoutingPolicies serves the dispatcher's tables from the snapshot.
func (r *Registry) RoutingPolicies(context.Context) dispatch.Policies {
	return r.Current().Routing
}

// FAQAnswer resolves an FAQ key to its localized answer.
func (r *Registry) FAQAnswer(key string) (string, bool) {
	answer, ok := r.Current().FAQAnswers[key]
	return answer, ok
}

// GreetingFor personalizes the configured greeting.
func (r *Registry) GreetingFor(name string) string {
	snap := r.Current()
	if name != "" {
		return fmt.Sprintf("¡Hola, %s! %s", name, snap.Greeting)
	}
	return snap.Greeting
}

// FallbackReply is the catch-all response text.
func (r *Registry) FallbackReply() string {
	return r.Current().Fallback
}
