package safety

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"bioreactor-monitor/internal/telemetry"
)

var durationRe = regexp.MustCompile(`^\d{2}:[0-5]\d$`)

// Limits bounds operator setpoints.
type Limits struct {
	Temp Bound `yaml:"temp"`
	PH   Bound `yaml:"ph"`
	RPM  Bound `yaml:"rpm"`
	DO   Bound `yaml:"do"`
}

// DefaultLimits returns the stock setpoint limits.
func DefaultLimits() Limits {
	return Limits{
		Temp: Bound{Min: 20, Max: 80},
		PH:   Bound{Min: 3, Max: 10},
		RPM:  Bound{Min: 0, Max: 2000},
		DO:   Bound{Min: 0, Max: 100},
	}
}

// ValidationError lists every violated operator input constraint.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "invalid params: " + strings.Join(e.Violations, "; ")
}

// ValidateParams checks every supplied setpoint against l.
func ValidateParams(p telemetry.Params, l Limits) error {
	var v []string
	check := func(val *float64, b Bound, msg string) {
		if val == nil {
			return
		}
		if math.IsNaN(*val) || math.IsInf(*val, 0) || *val < b.Min || *val > b.Max {
			v = append(v, msg)
		}
	}
	check(p.Temp, l.Temp, fmt.Sprintf("temperature must be %s-%s °C", num(l.Temp.Min, 0), num(l.Temp.Max, 0)))
	check(p.PH, l.PH, fmt.Sprintf("pH must be %s-%s", num(l.PH.Min, 1), num(l.PH.Max, 1)))
	check(p.RPM, l.RPM, fmt.Sprintf("RPM must be %s-%s", num(l.RPM.Min, 0), num(l.RPM.Max, 0)))
	check(p.DO, l.DO, fmt.Sprintf("DO must be %s-%s%%", num(l.DO.Min, 0), num(l.DO.Max, 0)))
	if p.Duration != "" && !durationRe.MatchString(p.Duration) {
		v = append(v, "duration must be in HH:MM format")
	}
	if p.Temp == nil && p.PH == nil && p.RPM == nil && p.DO == nil && p.Duration == "" {
		v = append(v, "at least one setpoint is required")
	}
	if len(v) > 0 {
		return &ValidationError{Violations: v}
	}
	return nil
}

// ParseParams reads "temp=37,ph=7.1,duration=01:30" style operator input.
func ParseParams(s string) (telemetry.Params, error) {
	var p telemetry.Params
	var v []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' }) {
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			v = append(v, fmt.Sprintf("expected key=value, got %q", part))
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		val = strings.TrimSpace(val)
		if key == "duration" {
			p.Duration = val
			continue
		}
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			v = append(v, fmt.Sprintf("%s must be a number", key))
			continue
		}
		switch key {
		case "temp":
			p.Temp = &f
		case "ph":
			p.PH = &f
		case "rpm":
			p.RPM = &f
		case "do":
			p.DO = &f
		default:
			v = append(v, fmt.Sprintf("unknown setpoint %q", key))
		}
	}
	if len(v) > 0 {
		return p, &ValidationError{Violations: v}
	}
	return p, nil
}

func num(f float64, prec int) string {
	if prec == 0 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return strconv.FormatFloat(f, 'f', prec, 64)
}
