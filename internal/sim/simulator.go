// Simulator producing synthetic bioreactor telemetry for demo mode
package sim

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"bioreactor-monitor/internal/telemetry"
)

// Walk is a bounded random walk for one channel.
type Walk struct {
	Start float64
	Step  float64
	Min   float64
	Max   float64
}

// DefaultWalks returns the stock walk parameters per channel.
func DefaultWalks() map[telemetry.Channel]Walk {
	return map[telemetry.Channel]Walk{
		telemetry.ChannelTemp:  {Start: 37.0, Step: 0.2, Min: 35, Max: 40},
		telemetry.ChannelPH:    {Start: 7.2, Step: 0.02, Min: 6.5, Max: 7.5},
		telemetry.ChannelDO:    {Start: 85, Step: 1.2, Min: 50, Max: 100},
		telemetry.ChannelRPM:   {Start: 300, Step: 4, Min: 100, Max: 500},
		telemetry.ChannelLevel: {Start: 65, Step: 0.2, Min: 5, Max: 100},
	}
}

// excursion ranges let demo mode reach alarm territory.
var excursionRanges = map[telemetry.Channel][2]float64{
	telemetry.ChannelTemp:  {15, 50},
	telemetry.ChannelPH:    {4, 10},
	telemetry.ChannelDO:    {10, 130},
	telemetry.ChannelRPM:   {0, 2500},
	telemetry.ChannelLevel: {0, 100},
}

const (
	excursionStepFactor = 10
	heaterOnAboveTemp   = 36.5
	aerationOnBelowDO   = 80
)

type channelState struct {
	walk  Walk
	value float64
}

// Simulator emits a record every interval while running. It stops the moment
// Stop is called; a tick computed before that is discarded.
type Simulator struct {
	mu        sync.Mutex
	channels  map[telemetry.Channel]*channelState
	overrides map[string]bool
	excursion bool
	interval  time.Duration
	emit      func(telemetry.Record)
	rand      *rand.Rand
	now       func() time.Time
	running   bool
	gen       uint64
	cancel    context.CancelFunc
}

// NewSimulator builds a simulator using walks (DefaultWalks when nil). rnd and
// now may be nil to use a time-seeded source and time.Now.
func NewSimulator(walks map[telemetry.Channel]Walk, interval time.Duration, emit func(telemetry.Record), rnd *rand.Rand, now func() time.Time) *Simulator {
	if walks == nil {
		walks = DefaultWalks()
	}
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if now == nil {
		now = time.Now
	}
	if interval <= 0 {
		interval = time.Second
	}
	s := &Simulator{
		channels:  make(map[telemetry.Channel]*channelState, len(walks)),
		overrides: make(map[string]bool),
		interval:  interval,
		emit:      emit,
		rand:      rnd,
		now:       now,
	}
	for c, w := range walks {
		s.channels[c] = &channelState{walk: w, value: w.Start}
	}
	return s
}

// Interval returns the tick interval.
func (s *Simulator) Interval() time.Duration { return s.interval }

// Running reports whether the tick loop is active.
func (s *Simulator) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start begins emitting records. Calling Start while running is a no-op.
func (s *Simulator) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.gen++
	s.cancel = cancel
	go s.Run(runCtx, s.gen)
}

// Stop halts emission. Calling Stop while stopped is a no-op.
func (s *Simulator) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.cancel()
	s.cancel = nil
}

// SetExcursion widens the walk so readings can leave the safe ranges.
func (s *Simulator) SetExcursion(on bool) {
	s.mu.Lock()
	s.excursion = on
	s.mu.Unlock()
}

// Excursion reports whether excursion mode is on.
func (s *Simulator) Excursion() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.excursion
}

// ApplyCommand absorbs an operator command so demo mode reflects it.
func (s *Simulator) ApplyCommand(cmd telemetry.Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch cmd.Cmd {
	case telemetry.CmdEmergency:
		s.allOff()
	case telemetry.CmdSet:
		switch cmd.Target {
		case telemetry.TargetHeater, telemetry.TargetAeration, telemetry.TargetAgitator:
			if on, ok := cmd.Value.(bool); ok {
				s.overrides[cmd.Target] = on
			}
		case telemetry.TargetAll:
			if on, ok := cmd.Value.(bool); ok {
				s.overrides[telemetry.TargetHeater] = on
				s.overrides[telemetry.TargetAeration] = on
				s.overrides[telemetry.TargetAgitator] = on
			}
		case telemetry.TargetRun:
			if on, ok := cmd.Value.(bool); ok {
				if on {
					s.overrides = make(map[string]bool)
				} else {
					s.allOff()
				}
			}
		case telemetry.TargetParams:
			if p, ok := cmd.Value.(telemetry.Params); ok {
				s.moveTo(telemetry.ChannelTemp, p.Temp)
				s.moveTo(telemetry.ChannelPH, p.PH)
				s.moveTo(telemetry.ChannelDO, p.DO)
				s.moveTo(telemetry.ChannelRPM, p.RPM)
			}
		}
	}
}

func (s *Simulator) allOff() {
	s.overrides[telemetry.TargetHeater] = false
	s.overrides[telemetry.TargetAeration] = false
	s.overrides[telemetry.TargetAgitator] = false
}

func (s *Simulator) moveTo(c telemetry.Channel, v *float64) {
	cs, ok := s.channels[c]
	if !ok || v == nil {
		return
	}
	lo, hi := s.bounds(c, cs.walk)
	cs.value = clamp(*v, lo, hi)
}

// Tick advances every walk one step and returns the resulting record.
func (s *Simulator) Tick() telemetry.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step()
}

func (s *Simulator) step() telemetry.Record {
	for _, c := range telemetry.Channels {
		cs, ok := s.channels[c]
		if !ok {
			continue
		}
		lo, hi := s.bounds(c, cs.walk)
		step := cs.walk.Step
		if s.excursion {
			step *= excursionStepFactor
		}
		cs.value = clamp(cs.value+(s.rand.Float64()-0.5)*step, lo, hi)
	}

	r := telemetry.Record{Timestamp: s.now(), Source: telemetry.SourceSimulated}
	r.Temp = s.emitted(telemetry.ChannelTemp, 2)
	r.PH = s.emitted(telemetry.ChannelPH, 2)
	r.DO = s.emitted(telemetry.ChannelDO, 0)
	r.RPM = s.emitted(telemetry.ChannelRPM, 0)
	r.Level = s.emitted(telemetry.ChannelLevel, 0)

	heater := r.Temp != nil && *r.Temp > heaterOnAboveTemp
	aeration := r.DO != nil && *r.DO < aerationOnBelowDO
	agitator := true
	if v, ok := s.overrides[telemetry.TargetHeater]; ok {
		heater = v
	}
	if v, ok := s.overrides[telemetry.TargetAeration]; ok {
		aeration = v
	}
	if v, ok := s.overrides[telemetry.TargetAgitator]; ok {
		agitator = v
	}
	if !agitator && r.RPM != nil {
		r.RPM = telemetry.Float(0)
	}
	r.Heater = telemetry.Bool(heater)
	r.Aeration = telemetry.Bool(aeration)
	r.Agitator = telemetry.Bool(agitator)
	return r
}

func (s *Simulator) emitted(c telemetry.Channel, decimals int) *float64 {
	cs, ok := s.channels[c]
	if !ok {
		return nil
	}
	p := math.Pow(10, float64(decimals))
	return telemetry.Float(math.Round(cs.value*p) / p)
}

func (s *Simulator) bounds(c telemetry.Channel, w Walk) (float64, float64) {
	if s.excursion {
		if r, ok := excursionRanges[c]; ok {
			return r[0], r[1]
		}
	}
	return w.Min, w.Max
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
