// Package rrc models the radio resource control state of a device and the
// energy it spends for a packet timeline.
package rrc

import (
	"fmt"
	"strings"
	"time"

	"firestige.xyz/tracelens/internal/core"
)

// Family is the radio technology a profile describes.
type Family string

const (
	Family3G   Family = "3G"
	FamilyLTE  Family = "LTE"
	FamilyWiFi Family = "WIFI"
)

// State is a radio state. The set of states depends on the family.
type State string

const (
	StateIdle      State = "IDLE"
	StateIdleToDCH State = "IDLE_TO_DCH"
	StateDCH       State = "DCH"
	StateDCHTail   State = "DCH_TAIL"
	StateFACH      State = "FACH"
	StateFACHTail  State = "FACH_TAIL"
	StateFACHToDCH State = "FACH_TO_DCH"

	StateLTEIdle       State = "LTE_IDLE"
	StateLTEPromotion  State = "LTE_PROMOTION"
	StateLTEContinuous State = "LTE_CONTINUOUS"
	StateLTECRTail     State = "LTE_CR_TAIL"
	StateLTEDRXShort   State = "LTE_DRX_SHORT"
	StateLTEDRXLong    State = "LTE_DRX_LONG"

	StateWiFiActive State = "WIFI_ACTIVE"
	StateWiFiIdle   State = "WIFI_IDLE"
)

// UMTS holds the 3G timers, FACH buffer thresholds and powers.
type UMTS struct {
	IdleToDCH         time.Duration `mapstructure:"idle_to_dch" yaml:"idle_to_dch"`
	FACHToDCH         time.Duration `mapstructure:"fach_to_dch" yaml:"fach_to_dch"`
	DCHTail           time.Duration `mapstructure:"dch_tail" yaml:"dch_tail"`
	FACHTail          time.Duration `mapstructure:"fach_tail" yaml:"fach_tail"`
	UplinkThreshold   int           `mapstructure:"uplink_threshold" yaml:"uplink_threshold"`     // Bytes FACH carries uplink
	DownlinkThreshold int           `mapstructure:"downlink_threshold" yaml:"downlink_threshold"` // Bytes FACH carries downlink
	PowerIdle         float64       `mapstructure:"power_idle" yaml:"power_idle"`
	PowerIdleToDCH    float64       `mapstructure:"power_idle_to_dch" yaml:"power_idle_to_dch"`
	PowerFACHToDCH    float64       `mapstructure:"power_fach_to_dch" yaml:"power_fach_to_dch"`
	PowerDCH          float64       `mapstructure:"power_dch" yaml:"power_dch"`
	PowerFACH         float64       `mapstructure:"power_fach" yaml:"power_fach"`
}

// LTE holds the LTE timers and powers.
type LTE struct {
	Promotion       time.Duration `mapstructure:"promotion" yaml:"promotion"`
	Inactivity      time.Duration `mapstructure:"inactivity" yaml:"inactivity"` // Continuous reception tail
	ShortDRX        time.Duration `mapstructure:"short_drx" yaml:"short_drx"`
	LongDRX         time.Duration `mapstructure:"long_drx" yaml:"long_drx"`
	PowerIdle       float64       `mapstructure:"power_idle" yaml:"power_idle"`
	PowerPromotion  float64       `mapstructure:"power_promotion" yaml:"power_promotion"`
	PowerContinuous float64       `mapstructure:"power_continuous" yaml:"power_continuous"`
	PowerShortDRX   float64       `mapstructure:"power_short_drx" yaml:"power_short_drx"`
	PowerLongDRX    float64       `mapstructure:"power_long_drx" yaml:"power_long_drx"`
}

// WiFi holds the WiFi tail timer and powers.
type WiFi struct {
	Tail        time.Duration `mapstructure:"tail" yaml:"tail"`
	PowerActive float64       `mapstructure:"power_active" yaml:"power_active"`
	PowerIdle   float64       `mapstructure:"power_idle" yaml:"power_idle"`
}

// BurstParams tune burst analysis for a profile.
type BurstParams struct {
	Threshold       time.Duration `mapstructure:"threshold" yaml:"threshold"`
	UserInputWindow time.Duration `mapstructure:"user_input_window" yaml:"user_input_window"`
	MinSamples      int           `mapstructure:"min_samples" yaml:"min_samples"`
	MinCycle        time.Duration `mapstructure:"min_cycle" yaml:"min_cycle"`
	CycleTolerance  time.Duration `mapstructure:"cycle_tolerance" yaml:"cycle_tolerance"`
}

// Profile is the configuration of one radio model.
type Profile struct {
	Name   string      `mapstructure:"name" yaml:"name"`
	Family Family      `mapstructure:"family" yaml:"family"`
	UMTS   UMTS        `mapstructure:"umts" yaml:"umts,omitempty"`
	LTE    LTE         `mapstructure:"lte" yaml:"lte,omitempty"`
	WiFi   WiFi        `mapstructure:"wifi" yaml:"wifi,omitempty"`
	Burst  BurstParams `mapstructure:"burst" yaml:"burst"`
}

// Default3G is the built-in UMTS profile.
func Default3G() Profile {
	return Profile{
		Name:   "3G",
		Family: Family3G,
		UMTS: UMTS{
			IdleToDCH:         1300 * time.Millisecond,
			FACHToDCH:         850 * time.Millisecond,
			DCHTail:           5 * time.Second,
			FACHTail:          12 * time.Second,
			UplinkThreshold:   96,
			DownlinkThreshold: 464,
			PowerIdleToDCH:    0.53,
			PowerFACHToDCH:    0.55,
			PowerDCH:          0.7,
			PowerFACH:         0.35,
		},
		Burst: defaultBurst(1500 * time.Millisecond),
	}
}

func DefaultLTE() Profile {
	return Profile{
		Name:   "LTE",
		Family: FamilyLTE,
		LTE: LTE{
			Promotion:       260 * time.Millisecond,
			Inactivity:      100 * time.Millisecond,
			ShortDRX:        400 * time.Millisecond,
			LongDRX:         11100 * time.Millisecond,
			PowerIdle:       0.0248,
			PowerPromotion:  1.21,
			PowerContinuous: 1.06,
			PowerShortDRX:   0.359,
			PowerLongDRX:    0.157,
		},
		Burst: defaultBurst(time.Second),
	}
}

func DefaultWiFi() Profile {
	return Profile{
		Name:   "WIFI",
		Family: FamilyWiFi,
		WiFi: WiFi{
			Tail:        250 * time.Millisecond,
			PowerActive: 0.4,
		},
		Burst: defaultBurst(500 * time.Millisecond),
	}
}

func defaultBurst(threshold time.Duration) BurstParams {
	return BurstParams{
		Threshold:       threshold,
		UserInputWindow: time.Second,
		MinSamples:      3,
		MinCycle:        10 * time.Second,
		CycleTolerance:  time.Second,
	}
}

// Defaults returns the built-in profiles.
func Defaults() []Profile {
	return []Profile{Default3G(), DefaultLTE(), DefaultWiFi()}
}

// Builtin returns the built-in profile of a family name, case-insensitive.
func Builtin(name string) (Profile, bool) {
	switch Family(strings.ToUpper(name)) {
	case Family3G:
		return Default3G(), true
	case FamilyLTE:
		return DefaultLTE(), true
	case FamilyWiFi, "WI-FI":
		return DefaultWiFi(), true
	}
	return Profile{}, false
}

// Idle is the idle state of the profile's family.
func (p Profile) Idle() State {
	switch p.Family {
	case FamilyLTE:
		return StateLTEIdle
	case FamilyWiFi:
		return StateWiFiIdle
	}
	return StateIdle
}

// Power is the power draw in watts of a state.
func (p Profile) Power(s State) float64 {
	switch s {
	case StateIdle:
		return p.UMTS.PowerIdle
	case StateIdleToDCH:
		return p.UMTS.PowerIdleToDCH
	case StateFACHToDCH:
		return p.UMTS.PowerFACHToDCH
	case StateDCH, StateDCHTail:
		return p.UMTS.PowerDCH
	case StateFACH, StateFACHTail:
		return p.UMTS.PowerFACH
	case StateLTEIdle:
		return p.LTE.PowerIdle
	case StateLTEPromotion:
		return p.LTE.PowerPromotion
	case StateLTEContinuous, StateLTECRTail:
		return p.LTE.PowerContinuous
	case StateLTEDRXShort:
		return p.LTE.PowerShortDRX
	case StateLTEDRXLong:
		return p.LTE.PowerLongDRX
	case StateWiFiActive:
		return p.WiFi.PowerActive
	case StateWiFiIdle:
		return p.WiFi.PowerIdle
	}
	return 0
}

// Validate checks that the profile can drive a simulation.
func (p Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: profile without name", core.ErrConfigInvalid)
	}
	var timers []time.Duration
	switch p.Family {
	case Family3G:
		timers = []time.Duration{p.UMTS.IdleToDCH, p.UMTS.FACHToDCH, p.UMTS.DCHTail, p.UMTS.FACHTail}
	case FamilyLTE:
		timers = []time.Duration{p.LTE.Promotion, p.LTE.Inactivity, p.LTE.ShortDRX, p.LTE.LongDRX}
	case FamilyWiFi:
		timers = []time.Duration{p.WiFi.Tail}
	default:
		return fmt.Errorf("%w: profile %s: unknown family %q", core.ErrConfigInvalid, p.Name, p.Family)
	}
	for _, d := range timers {
		if d < 0 {
			return fmt.Errorf("%w: profile %s: negative timer %s", core.ErrConfigInvalid, p.Name, d)
		}
	}
	if p.Burst.Threshold <= 0 {
		return fmt.Errorf("%w: profile %s: burst threshold must be positive", core.ErrConfigInvalid, p.Name)
	}
	return nil
}

// Packet is the input of the state machine.
type Packet struct {
	Timestamp time.Time
	Size      int // Wire bytes
	Direction core.Direction
}

// Window is the analyzed time span.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) Duration() time.Duration { return w.End.Sub(w.Start) }
