// Package model holds the wire types shared across every component: the
// only way two components may exchange state is by passing one of these
// values over the bus.
package model

import (
	"github.com/google/uuid"
)

// ModuleId names one of the seven pipeline components or the orchestrator.
// It is stable across releases — persisted in health/metrics records.
type ModuleId string

const (
	ModuleBus           ModuleId = "bus"
	ModuleOrchestrator  ModuleId = "orchestrator"
	ModuleStorage       ModuleId = "storage"
	ModuleCapture       ModuleId = "capture"
	ModuleAnalysis      ModuleId = "analysis"
	ModulePolicy        ModuleId = "policy"
	ModuleAnimationAdap ModuleId = "adapter.animation"
	ModuleTextAdapter   ModuleId = "adapter.text"
)

// SessionId is minted once at process startup and stamped on every event.
type SessionId = uuid.UUID

// NewSessionId mints a fresh session identifier.
func NewSessionId() SessionId {
	return uuid.New()
}

// MessageId identifies one bus message for ack/retry/dead-letter bookkeeping.
type MessageId = uuid.UUID

// NewMessageId mints a fresh message identifier.
func NewMessageId() MessageId {
	return uuid.New()
}
