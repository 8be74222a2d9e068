// Package entity keeps the sensor table exposed over the native API:
// descriptors for ListEntities, current values for state streaming.
//
// Sensors are registered lazily the first time a value arrives for a field;
// registration is idempotent by object id, so repeated data arrivals from
// concurrent pollers are safe.
package entity

import (
	"hash/fnv"
	"strings"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/bleproxy/internal/ringchan"
)

// StateClass mirrors the ESPHome sensor state class enum.
type StateClass int32

const (
	StateClassNone            StateClass = 0
	StateClassMeasurement     StateClass = 1
	StateClassTotalIncreasing StateClass = 2
)

// Sensor is an immutable entity descriptor. The current value lives in the
// registry, not here.
type Sensor struct {
	ObjectID         string
	Key              uint32
	Name             string
	Unit             string
	DeviceClass      string
	StateClass       StateClass
	Icon             string
	AccuracyDecimals int32
}

// Update is one state change, delivered to subscribers in arrival order.
type Update struct {
	Key   uint32
	State float32
}

// Options tune the registry.
type Options struct {
	// Fahrenheit switches temperature sensors to °F.
	Fahrenheit bool
}

// Registry is the concurrent sensor table.
type Registry struct {
	logger     *logrus.Logger
	fahrenheit bool

	sensors *hashmap.Map[string, *Sensor]

	mu     sync.RWMutex
	order  []*Sensor
	values map[uint32]float32

	subMu     sync.RWMutex
	subs      map[uint64]*ringchan.Ring[Update]
	nextSubID uint64
}

// New creates an empty registry.
func New(logger *logrus.Logger, opts *Options) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = &Options{}
	}
	return &Registry{
		logger:     logger,
		fahrenheit: opts.Fahrenheit,
		sensors:    hashmap.New[string, *Sensor](),
		values:     make(map[uint32]float32),
		subs:       make(map[uint64]*ringchan.Ring[Update]),
	}
}

// Apply records a value for the device field, registering the sensor on
// first sight. It returns the sensor the value landed on.
func (r *Registry) Apply(alias, field string, value float64) *Sensor {
	objectID := alias + "_" + field

	s, loaded := r.sensors.GetOrInsert(objectID, r.newSensor(objectID, alias, field))
	state := float32(value)

	r.mu.Lock()
	if !loaded {
		r.order = append(r.order, s)
	}
	r.values[s.Key] = state
	r.mu.Unlock()

	if !loaded {
		r.logger.WithFields(logrus.Fields{
			"object_id": objectID,
			"key":       s.Key,
			"unit":      s.Unit,
		}).Info("Sensor registered")
	}

	r.publish(Update{Key: s.Key, State: state})
	return s
}

// Sensors returns the descriptors in registration order.
func (r *Registry) Sensors() []*Sensor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Sensor, len(r.order))
	copy(out, r.order)
	return out
}

// Value returns the current state of a sensor by key.
func (r *Registry) Value(key uint32) (float32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.values[key]
	return v, ok
}

// Snapshot returns the current state of every sensor in registration order,
// for the initial dump after SubscribeStates.
func (r *Registry) Snapshot() []Update {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Update, 0, len(r.order))
	for _, s := range r.order {
		if v, ok := r.values[s.Key]; ok {
			out = append(out, Update{Key: s.Key, State: v})
		}
	}
	return out
}

// Len returns the number of registered sensors.
func (r *Registry) Len() int {
	return r.sensors.Len()
}

// Subscribe registers a consumer of state updates. The queue drops its
// oldest entry on overflow.
func (r *Registry) Subscribe(queueSize int) (uint64, *ringchan.Ring[Update]) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.nextSubID++
	q := ringchan.New[Update](queueSize)
	r.subs[r.nextSubID] = q
	return r.nextSubID, q
}

// Unsubscribe removes a state subscription and closes its channel.
func (r *Registry) Unsubscribe(id uint64) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if q, ok := r.subs[id]; ok {
		delete(r.subs, id)
		q.Close()
	}
}

func (r *Registry) publish(u Update) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	for _, q := range r.subs {
		q.Send(u)
	}
}

func (r *Registry) newSensor(objectID, alias, field string) *Sensor {
	attrs := guessAttributes(field, r.fahrenheit)
	return &Sensor{
		ObjectID:         objectID,
		Key:              SensorKey(objectID),
		Name:             alias + " " + titleWords(field),
		Unit:             attrs.unit,
		DeviceClass:      attrs.deviceClass,
		StateClass:       attrs.stateClass,
		Icon:             attrs.icon,
		AccuracyDecimals: attrs.accuracyDecimals,
	}
}

// SensorKey derives the stable 32-bit entity key from the object id. The
// same object id always yields the same key, across restarts too.
func SensorKey(objectID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(objectID))
	return h.Sum32()
}

type attributes struct {
	unit             string
	deviceClass      string
	stateClass       StateClass
	icon             string
	accuracyDecimals int32
}

// guessAttributes derives display attributes from the field name, so new
// register fields become presentable sensors without per-field tables.
func guessAttributes(field string, fahrenheit bool) attributes {
	lkey := strings.ToLower(field)
	attrs := attributes{
		stateClass:       StateClassMeasurement,
		accuracyDecimals: 2,
	}

	switch {
	case strings.Contains(lkey, "temperature"):
		attrs.unit = "°C"
		if fahrenheit {
			attrs.unit = "°F"
		}
		attrs.deviceClass = "temperature"
		attrs.accuracyDecimals = 1
		attrs.icon = "mdi:thermometer"

	case strings.HasSuffix(lkey, "voltage"):
		attrs.unit = "V"
		attrs.deviceClass = "voltage"
		attrs.accuracyDecimals = 1
		attrs.icon = "mdi:flash"

	case strings.HasSuffix(lkey, "current"):
		attrs.unit = "A"
		attrs.deviceClass = "current"
		attrs.icon = "mdi:current-dc"

	case strings.HasSuffix(lkey, "power"):
		attrs.unit = "W"
		attrs.deviceClass = "power"
		attrs.accuracyDecimals = 0
		attrs.icon = "mdi:lightning-bolt"

	case strings.HasSuffix(lkey, "percentage"), strings.Contains(lkey, "soc"),
		strings.HasSuffix(lkey, "level") && strings.Contains(lkey, "battery"):
		attrs.unit = "%"
		attrs.deviceClass = "battery"
		attrs.accuracyDecimals = 0
		attrs.icon = "mdi:battery"

	case strings.Contains(lkey, "amp_hour"), strings.HasSuffix(lkey, "_ah"):
		attrs.unit = "Ah"
		attrs.accuracyDecimals = 1
		attrs.icon = "mdi:battery-charging"

	case strings.Contains(lkey, "energy"):
		attrs.unit = "Wh"
		if strings.Contains(lkey, "kwh") {
			attrs.unit = "kWh"
		}
		attrs.deviceClass = "energy"
		attrs.stateClass = StateClassTotalIncreasing
		attrs.icon = "mdi:lightning-bolt-circle"

	case strings.HasSuffix(lkey, "frequency"):
		attrs.unit = "Hz"
		attrs.deviceClass = "frequency"
		attrs.icon = "mdi:sine-wave"

	case strings.Contains(lkey, "capacity"), strings.HasSuffix(lkey, "charge"):
		attrs.unit = "Ah"
		attrs.icon = "mdi:battery-high"
	}

	return attrs
}

func titleWords(field string) string {
	words := strings.Split(field, "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
