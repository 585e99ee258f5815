// Package protocol defines the JSON wire messages exchanged with gate
// terminals and dashboards.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message kinds carried in the "type" field.
const (
	TypeWelcome      = "welcome"
	TypeHeartbeat    = "heartbeat"
	TypeHeartbeatAck = "heartbeat_ack"
	TypeVehicleEntry = "vehicle_entry"
	TypeVehicleExit  = "vehicle_exit"
)

// Outbound is a server-to-client message. Variants are immutable value types;
// they are serialized at send time, never stored.
type Outbound interface {
	MessageType() string
}

// Welcome greets a newly accepted connection. Unicast only.
type Welcome struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (Welcome) MessageType() string { return TypeWelcome }

// Heartbeat is the periodic liveness probe broadcast to all clients.
type Heartbeat struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (Heartbeat) MessageType() string { return TypeHeartbeat }

// HeartbeatAck answers a client heartbeat. Unicast only.
type HeartbeatAck struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (HeartbeatAck) MessageType() string { return TypeHeartbeatAck }

// VehicleEntryEvent announces a persisted entry to all clients.
type VehicleEntryEvent struct {
	Type        string    `json:"type"`
	PlateNumber string    `json:"plate_number"`
	VehicleType string    `json:"vehicle_type"`
	EntryTime   time.Time `json:"entry_time"`
}

func (VehicleEntryEvent) MessageType() string { return TypeVehicleEntry }

// VehicleExitEvent announces a persisted exit to all clients.
type VehicleExitEvent struct {
	Type        string    `json:"type"`
	PlateNumber string    `json:"plate_number"`
	ExitTime    time.Time `json:"exit_time"`
}

func (VehicleExitEvent) MessageType() string { return TypeVehicleExit }

func NewWelcome(message string, at time.Time) Welcome {
	return Welcome{Type: TypeWelcome, Message: message, Timestamp: at.UTC()}
}

func NewHeartbeat(at time.Time) Heartbeat {
	return Heartbeat{Type: TypeHeartbeat, Timestamp: at.UTC()}
}

func NewHeartbeatAck(at time.Time) HeartbeatAck {
	return HeartbeatAck{Type: TypeHeartbeatAck, Timestamp: at.UTC()}
}

func NewVehicleEntryEvent(plate, vehicleType string, at time.Time) VehicleEntryEvent {
	return VehicleEntryEvent{
		Type:        TypeVehicleEntry,
		PlateNumber: plate,
		VehicleType: vehicleType,
		EntryTime:   at.UTC(),
	}
}

func NewVehicleExitEvent(plate string, at time.Time) VehicleExitEvent {
	return VehicleExitEvent{Type: TypeVehicleExit, PlateNumber: plate, ExitTime: at.UTC()}
}

// Encode serializes an outbound message to its wire form.
func Encode(msg Outbound) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", msg.MessageType(), err)
	}
	return data, nil
}

// Inbound is a parsed client frame.
type Inbound interface {
	messageKind() string
}

// HeartbeatRequest is a client keepalive; answered with HeartbeatAck.
type HeartbeatRequest struct{}

func (HeartbeatRequest) messageKind() string { return TypeHeartbeat }

// VehicleEntryRequest reports a vehicle arriving at a gate. Missing fields
// decode to empty strings; validation is the router's concern.
type VehicleEntryRequest struct {
	PlateNumber string `json:"plate_number"`
	VehicleType string `json:"vehicle_type"`
}

func (VehicleEntryRequest) messageKind() string { return TypeVehicleEntry }

// VehicleExitRequest reports a vehicle leaving.
type VehicleExitRequest struct {
	PlateNumber string `json:"plate_number"`
}

func (VehicleExitRequest) messageKind() string { return TypeVehicleExit }

// Unknown carries the discriminator of a frame the server does not recognize.
// Unknown kinds are not an error; newer clients may speak a newer dialect.
type Unknown struct {
	Kind string
}

func (Unknown) messageKind() string { return "" }

// Decode reads the "type" discriminator first, then unmarshals the concrete
// variant. A frame that is not valid JSON, or has no usable type field, is a
// parse error; a well-formed frame with an unrecognized type decodes to
// Unknown.
func Decode(data []byte) (Inbound, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: decode frame: %w", err)
	}

	switch env.Type {
	case TypeHeartbeat:
		return HeartbeatRequest{}, nil
	case TypeVehicleEntry:
		var msg VehicleEntryRequest
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("protocol: decode %s: %w", env.Type, err)
		}
		return msg, nil
	case TypeVehicleExit:
		var msg VehicleExitRequest
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("protocol: decode %s: %w", env.Type, err)
		}
		return msg, nil
	default:
		return Unknown{Kind: env.Type}, nil
	}
}
