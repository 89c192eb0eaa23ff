package sample

import "fmt"

// Unit is the physical unit attached to a sample. The set is closed.
type Unit string

// Known units.
const (
	UnitNone         Unit = ""
	UnitPercent      Unit = "%"
	UnitKelvin       Unit = "K"
	UnitCelsius      Unit = "°C"
	UnitAcceleration Unit = "m/s²"
	UnitTesla        Unit = "T"
	UnitPascal       Unit = "Pa"
	UnitDecibel      Unit = "dB"
	UnitHertz        Unit = "Hz"
)

var knownUnits = map[Unit]struct{}{
	UnitNone:         {},
	UnitPercent:      {},
	UnitKelvin:       {},
	UnitCelsius:      {},
	UnitAcceleration: {},
	UnitTesla:        {},
	UnitPascal:       {},
	UnitDecibel:      {},
	UnitHertz:        {},
}

// Valid reports whether u is one of the known units.
func (u Unit) Valid() bool {
	_, ok := knownUnits[u]
	return ok
}

// ParseUnit validates s as a Unit. "C" and "degC" are accepted for Celsius.
func ParseUnit(s string) (Unit, error) {
	switch s {
	case "C", "degC":
		return UnitCelsius, nil
	case "m/s2":
		return UnitAcceleration, nil
	}
	u := Unit(s)
	if !u.Valid() {
		return "", fmt.Errorf("unknown unit %q", s)
	}
	return u, nil
}
