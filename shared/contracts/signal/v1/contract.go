// Package v1 defines the rollcall signaling protocol v1 contract.
//
// It is shared between the server and clients (including tools/signal-smoke)
// and depends only on the standard library.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated on the WebSocket handshake.
const Subprotocol = "rollcall.signal.v1"

// Type constants (wire-stable).
const (
	// TypeRegister binds the connection to a participant identity (client -> server).
	TypeRegister = "register"
	// TypeRegistered acknowledges a register (server -> client).
	TypeRegistered = "registered"

	// TypeCallUser invites one participant to a call (client -> server).
	TypeCallUser = "callUser"
	// TypeIncomingCall delivers an invite to every connection of the callee (server -> client).
	TypeIncomingCall = "incomingCall"

	// TypeAnswerCall answers an invite (client -> server).
	TypeAnswerCall = "answerCall"
	// TypeCallAccepted delivers an answer to the caller (server -> client).
	TypeCallAccepted = "callAccepted"

	// TypeStartClassCall announces a class-wide call (client -> server).
	TypeStartClassCall = "startClassCall"
	// TypeClassCallStarted is the broadcast of a class-wide call (server -> client).
	TypeClassCallStarted = "classCallStarted"

	// TypeError reports a rejected client envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeRegister,
		TypeRegistered,
		TypeCallUser,
		TypeIncomingCall,
		TypeAnswerCall,
		TypeCallAccepted,
		TypeStartClassCall,
		TypeClassCallStarted,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// Inbound reports whether clients may send t.
func Inbound(t string) bool {
	switch t {
	case TypeRegister, TypeCallUser, TypeAnswerCall, TypeStartClassCall:
		return true
	default:
		return false
	}
}
