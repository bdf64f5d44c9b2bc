// Package relay implements the gateway's message fan-out: targeted
// routing by target_device_id, broadcast otherwise, and the pairing
// conduit that forwards pairing frames between a waiting device and the
// household desktop.
package relay

import (
	"encoding/json"

	"github.com/michelhabib/phbgateway/internal/protocol"
	"github.com/michelhabib/phbgateway/internal/session"
	"go.uber.org/zap"
)

// Engine relays frames between authenticated sessions via a Registry.
type Engine struct {
	Registry session.Registry
	Log      *zap.Logger
	Metrics  *Metrics
}

// NewEngine builds an Engine with fresh, unregistered Metrics. log may be
// nil in tests, in which case logging is a no-op; an Engine whose Metrics
// field is nil simply records nothing.
func NewEngine(reg session.Registry, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{Registry: reg, Log: log, Metrics: NewMetrics()}
}

// HandleFrame parses one frame received from sender and routes it.
// Malformed input is dropped and logged — the sender's socket is never
// closed over a single bad frame.
func (e *Engine) HandleFrame(sender *session.Session, raw []byte) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		e.Log.Debug("dropping non-JSON-object frame", zap.String("from", sender.DeviceID), zap.Error(err))
		e.Metrics.observe(outcomeMalformed)
		return
	}

	var typ string
	if rawType, ok := generic["type"]; ok {
		_ = json.Unmarshal(rawType, &typ)
	}

	switch typ {
	case protocol.MsgTypePairingRequest:
		e.handlePairingRequest(sender, raw)
		return
	case protocol.MsgTypePairingResponse:
		e.handlePairingResponse(sender, raw)
		return
	}

	var env protocol.InboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		e.Log.Debug("dropping malformed envelope", zap.String("from", sender.DeviceID), zap.Error(err))
		e.Metrics.observe(outcomeMalformed)
		return
	}

	out := protocol.OutboundEnvelope{
		SenderDeviceID: sender.DeviceID,
		Payload:        env.Payload,
	}
	data, err := json.Marshal(out)
	if err != nil {
		e.Log.Warn("failed to marshal outbound envelope", zap.Error(err))
		return
	}

	if env.TargetDeviceID != "" {
		e.unicast(sender.DeviceID, env.TargetDeviceID, data)
		return
	}
	e.broadcast(sender, data)
}

func (e *Engine) unicast(from, target string, data []byte) {
	targetSess, ok := e.Registry.Lookup(target)
	if !ok {
		e.Log.Info("target device not connected, dropping frame", zap.String("from", from), zap.String("target", target))
		e.Metrics.observe(outcomeUnicastMiss)
		return
	}
	targetSess.Send(data)
	e.Metrics.observe(outcomeUnicastHit)
}

func (e *Engine) broadcast(sender *session.Session, data []byte) {
	targets := e.Registry.BroadcastTargets(sender.ID)
	for _, t := range targets {
		t.Send(data)
	}
	e.Metrics.observe(outcomeBroadcast)
}

// handlePairingRequest forwards a pairing_request with all of its fields
// unchanged (plus a gateway-assigned sender_device_id) to the single
// connected desktop session. If none is connected, the gateway itself
// answers with a rejection — the only case where the gateway originates a
// payload instead of relaying one.
func (e *Engine) handlePairingRequest(sender *session.Session, raw []byte) {
	var req protocol.PairingRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		e.Log.Debug("dropping malformed pairing_request", zap.Error(err))
		e.Metrics.observe(outcomeMalformed)
		return
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		e.Log.Debug("dropping malformed pairing_request", zap.Error(err))
		e.Metrics.observe(outcomeMalformed)
		return
	}
	fields["sender_device_id"], _ = json.Marshal(sender.DeviceID)

	desktop, ok := session.FindDesktop(e.Registry)
	if !ok {
		resp := protocol.PairingResponse{
			Type:   protocol.MsgTypePairingResponse,
			Status: protocol.PairingStatusRejected,
			Reason: protocol.ReasonDesktopOffline,
		}
		data, err := json.Marshal(resp)
		if err == nil {
			sender.Send(data)
		}
		e.Metrics.observe(outcomePairingNoDesktop)
		return
	}

	data, err := json.Marshal(fields)
	if err != nil {
		e.Log.Warn("failed to marshal pairing_request", zap.Error(err))
		return
	}
	desktop.Send(data)
	e.Metrics.observe(outcomePairingForwarded)
}

// handlePairingResponse routes the desktop's pairing_response back to the
// waiting device. It is never broadcast, even if target_device_id is
// missing — that would leak a freshly issued attestation's metadata to
// every connected device.
func (e *Engine) handlePairingResponse(sender *session.Session, raw []byte) {
	var resp protocol.PairingResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		e.Log.Debug("dropping malformed pairing_response", zap.Error(err))
		e.Metrics.observe(outcomeMalformed)
		return
	}
	if resp.TargetDeviceID == "" {
		e.Log.Info("pairing_response missing target_device_id, dropping", zap.String("from", sender.DeviceID))
		e.Metrics.observe(outcomeMalformed)
		return
	}
	resp.SenderDeviceID = sender.DeviceID

	target, ok := e.Registry.Lookup(resp.TargetDeviceID)
	if !ok {
		e.Log.Info("pairing target device not connected, dropping", zap.String("target", resp.TargetDeviceID))
		e.Metrics.observe(outcomeUnicastMiss)
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		e.Log.Warn("failed to marshal pairing_response", zap.Error(err))
		return
	}
	target.Send(data)
	e.Metrics.observe(outcomePairingForwarded)
}
