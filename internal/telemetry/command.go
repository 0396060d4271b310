package telemetry

import (
	"encoding/json"
	"fmt"
)

// Command kinds.
const (
	CmdSet       = "set"
	CmdEmergency = "emergency"
	CmdAlarm     = "alarm"
	CmdNet       = "net"
	CmdGet       = "get"
)

// Command targets.
const (
	TargetHeater   = "heater"
	TargetAeration = "aeration"
	TargetAgitator = "agitator"
	TargetAll      = "all"
	TargetRun      = "run"
	TargetParams   = "params"
	TargetStatus   = "status"
)

// Command is an outbound control message. Value holds a bool, Params or a
// list of alarm messages depending on Cmd and Target.
type Command struct {
	Cmd    string `json:"cmd"`
	Target string `json:"target,omitempty"`
	Value  any    `json:"value,omitempty"`
	Action string `json:"action,omitempty"`
	SSID   string `json:"ssid,omitempty"`
	Pwd    string `json:"pwd,omitempty"`
}

// Params carries operator setpoints. Nil fields are not sent.
type Params struct {
	Temp     *float64 `json:"temp,omitempty"`
	PH       *float64 `json:"ph,omitempty"`
	RPM      *float64 `json:"rpm,omitempty"`
	DO       *float64 `json:"do,omitempty"`
	Duration string   `json:"duration,omitempty"`
}

// IsActuator reports whether target names a switchable actuator.
func IsActuator(target string) bool {
	switch target {
	case TargetHeater, TargetAeration, TargetAgitator, TargetAll:
		return true
	}
	return false
}

// SetActuator switches one actuator, or all of them for TargetAll.
func SetActuator(target string, on bool) Command {
	return Command{Cmd: CmdSet, Target: target, Value: on}
}

// SetRun starts or stops the run.
func SetRun(on bool) Command {
	return Command{Cmd: CmdSet, Target: TargetRun, Value: on}
}

// SetParams sends operator setpoints.
func SetParams(p Params) Command {
	return Command{Cmd: CmdSet, Target: TargetParams, Value: p}
}

// EmergencyStop halts every actuator.
func EmergencyStop() Command {
	return Command{Cmd: CmdEmergency, Action: "stop"}
}

// Alarm notifies the device about active alarm messages.
func Alarm(messages []string) Command {
	return Command{Cmd: CmdAlarm, Value: messages}
}

// NetConnect asks the device to join a Wi-Fi network.
func NetConnect(ssid, pwd string) Command {
	return Command{Cmd: CmdNet, Action: "connect", SSID: ssid, Pwd: pwd}
}

// GetStatus asks the device to report its status.
func GetStatus() Command {
	return Command{Cmd: CmdGet, Target: TargetStatus}
}

// Encode returns the JSON wire form.
func (c Command) Encode() ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode command %s: %w", c.Cmd, err)
	}
	return b, nil
}

// String returns the wire form for logs. Passwords are masked.
func (c Command) String() string {
	if c.Pwd != "" {
		c.Pwd = "***"
	}
	b, err := json.Marshal(c)
	if err != nil {
		return c.Cmd
	}
	return string(b)
}
