package state

import (
	"context"

	"github.com/killer4nano/sync-claude-agents/pkg/protocol"
)

// UpdateSelfStatus replaces this agent's status and current task and
// refreshes lastSeen. The peer's entry is never touched.
func (s *Store) UpdateSelfStatus(ctx context.Context, status protocol.AgentStatus, currentTask string) error {
	return s.update(ctx, func(doc *protocol.Document) error {
		s.setSelf(doc, status, currentTask)
		return nil
	})
}

// Heartbeat refreshes this agent's lastSeen, creating an idle entry if
// the document has none.
func (s *Store) Heartbeat(ctx context.Context) error {
	return s.update(ctx, func(doc *protocol.Document) error {
		self, ok := doc.Agents[s.agentID]
		if !ok {
			self = protocol.AgentState{Status: protocol.AgentIdle}
		}
		self.LastSeen = s.now()
		doc.Agents[s.agentID] = self
		return nil
	})
}

// setSelf writes this agent's entry in doc, keeping unknown fields.
func (s *Store) setSelf(doc *protocol.Document, status protocol.AgentStatus, currentTask string) {
	self := doc.Agents[s.agentID]
	self.Status = status
	self.CurrentTask = currentTask
	self.LastSeen = s.now()
	doc.Agents[s.agentID] = self
}

// Self returns this agent's entry and whether the document has one.
func (s *Store) Self(ctx context.Context) (protocol.AgentState, bool, error) {
	return s.agent(ctx, s.agentID)
}

// Peer returns the peer's entry and whether the document has one.
func (s *Store) Peer(ctx context.Context) (protocol.AgentState, bool, error) {
	return s.agent(ctx, s.peerID)
}

func (s *Store) agent(ctx context.Context, id string) (protocol.AgentState, bool, error) {
	doc, err := s.Read(ctx)
	if err != nil {
		return protocol.AgentState{}, false, err
	}
	a, ok := doc.Agents[id]
	return a, ok, nil
}

// IsPeerActive reports whether the peer was seen within protocol.ActiveWithin.
func (s *Store) IsPeerActive(ctx context.Context) (bool, error) {
	peer, ok, err := s.Peer(ctx)
	if err != nil || !ok {
		return false, err
	}
	return peer.ActiveAt(s.now()), nil
}
