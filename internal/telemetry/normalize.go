// Package telemetry reshapes upstream vehicle payloads into the bridge's
// canonical telemetry record. It has no state and performs no I/O.
package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const kmPerMile = 1.609344

// Record is the canonical output. Optional fields are omitted when the
// upstream did not provide them or they could not be determined.
type Record struct {
	TimestampUnix  int64    `json:"utc"`
	ChargePercent  float64  `json:"soc"`
	Latitude       *float64 `json:"lat,omitempty"`
	Longitude      *float64 `json:"lon,omitempty"`
	IsCharging     *bool    `json:"is_charging,omitempty"`
	IsParked       *bool    `json:"is_parked,omitempty"`
	Odometer       *float64 `json:"odometer,omitempty"`
	EstimatedRange *float64 `json:"est_battery_range,omitempty"`
	SchemaVersion  string   `json:"version"`
}

// Input holds the raw upstream payloads. Status is required; Location and
// Telemetry may be nil.
type Input struct {
	Status    []byte
	Location  []byte
	Telemetry []byte
}

// ParseError reports a payload the normalizer could not use.
type ParseError struct {
	Payload string
	Field   string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("parse %s payload: %s: %v", e.Payload, e.Field, e.Err)
	}
	return fmt.Sprintf("parse %s payload: %v", e.Payload, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

var errMissing = errors.New("missing")

type statusPayload struct {
	Payload struct {
		VehicleInfo struct {
			ChargeInfo struct {
				ChargeRemainingAmount *float64 `json:"chargeRemainingAmount"`
				ChargingStatus        *string  `json:"chargingStatus"`
				EVRange               *float64 `json:"evRange"`
			} `json:"chargeInfo"`
			LastUpdateTimestamp string `json:"lastUpdateTimestamp"`
		} `json:"vehicleInfo"`
	} `json:"payload"`
}

type locationPayload struct {
	Payload struct {
		VehicleInfo struct {
			Location *struct {
				Lat *float64 `json:"lat"`
				Lon *float64 `json:"lon"`
			} `json:"location"`
		} `json:"vehicleInfo"`
	} `json:"payload"`
}

type telemetryPayload struct {
	Payload struct {
		VehicleInfo struct {
			Odometer *struct {
				Value *float64 `json:"value"`
				Unit  string   `json:"unit"`
			} `json:"odometer"`
		} `json:"vehicleInfo"`
	} `json:"payload"`
}

// Normalize builds a Record from the upstream payloads.
func Normalize(in Input, schemaVersion string) (Record, error) {
	if len(in.Status) == 0 {
		return Record{}, &ParseError{Payload: "status", Err: errMissing}
	}
	var status statusPayload
	if err := json.Unmarshal(in.Status, &status); err != nil {
		return Record{}, &ParseError{Payload: "status", Err: err}
	}
	info := status.Payload.VehicleInfo

	ts, err := ParseTimestamp(info.LastUpdateTimestamp)
	if err != nil {
		return Record{}, &ParseError{Payload: "status", Field: "lastUpdateTimestamp", Err: err}
	}

	rec := Record{TimestampUnix: ts, SchemaVersion: schemaVersion}
	if v := info.ChargeInfo.ChargeRemainingAmount; v != nil {
		rec.ChargePercent = *v
	}
	if s := info.ChargeInfo.ChargingStatus; s != nil {
		if charging, known := ChargingState(*s); known {
			rec.IsCharging = &charging
		}
	}
	rec.EstimatedRange = info.ChargeInfo.EVRange

	if len(in.Location) > 0 {
		var loc locationPayload
		if json.Unmarshal(in.Location, &loc) == nil && loc.Payload.VehicleInfo.Location != nil {
			l := loc.Payload.VehicleInfo.Location
			if l.Lat != nil && l.Lon != nil {
				rec.Latitude, rec.Longitude = l.Lat, l.Lon
			}
		}
	}

	if len(in.Telemetry) > 0 {
		var tel telemetryPayload
		if json.Unmarshal(in.Telemetry, &tel) == nil {
			if odo := tel.Payload.VehicleInfo.Odometer; odo != nil && odo.Value != nil {
				km := *odo.Value
				if isMiles(odo.Unit) {
					km *= kmPerMile
				}
				rec.Odometer = &km
			}
		}
	}
	return rec, nil
}

func isMiles(unit string) bool {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "mi", "mile", "miles":
		return true
	}
	return false
}

// ParseTimestamp converts an RFC 3339 timestamp to Unix seconds.
func ParseTimestamp(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errMissing
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return 0, err
	}
	return t.Unix(), nil
}
