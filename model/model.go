package model

import "sort"

// PresenceRecord is the small record every participant publishes on the relay
// presence registry while its connection is alive. JoinedAt is preserved
// across reconnects so join order survives a dropped connection.
type PresenceRecord struct {
	ParticipantID string `json:"participantId"`
	Nickname      string `json:"nickname"`
	GameType      string `json:"gameType"`
	JoinedAt      int64  `json:"joinedAt"`
	IsHost        bool   `json:"isHost"` // advisory, recomputed by readers
}

// Membership is the derived room view: present participants ordered by
// JoinedAt ascending. The first entry is the canonical host for display.
type Membership []PresenceRecord

// BuildMembership collapses a relay presence table (one key per connection,
// possibly multiplexed records per key) into an ordered membership view,
// keeping one record per participant.
func BuildMembership(table map[string][]PresenceRecord) Membership {
	seen := make(map[string]PresenceRecord)
	for _, recs := range table {
		for _, rec := range recs {
			if rec.ParticipantID == "" {
				continue
			}
			if prev, ok := seen[rec.ParticipantID]; !ok || rec.JoinedAt < prev.JoinedAt {
				seen[rec.ParticipantID] = rec
			}
		}
	}

	members := make(Membership, 0, len(seen))
	for _, rec := range seen {
		members = append(members, rec)
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt != members[j].JoinedAt {
			return members[i].JoinedAt < members[j].JoinedAt
		}
		return members[i].ParticipantID < members[j].ParticipantID
	})
	for i := range members {
		members[i].IsHost = i == 0
	}
	return members
}

// Host returns the earliest-joined member.
func (m Membership) Host() (PresenceRecord, bool) {
	if len(m) == 0 {
		return PresenceRecord{}, false
	}
	return m[0], true
}

// Find returns the record for the given participant.
func (m Membership) Find(participantID string) (PresenceRecord, bool) {
	for _, rec := range m {
		if rec.ParticipantID == participantID {
			return rec, true
		}
	}
	return PresenceRecord{}, false
}

// Contains reports whether the participant is present.
func (m Membership) Contains(participantID string) bool {
	_, ok := m.Find(participantID)
	return ok
}

// Without returns the membership with one participant removed.
func (m Membership) Without(participantID string) Membership {
	out := make(Membership, 0, len(m))
	for _, rec := range m {
		if rec.ParticipantID == participantID {
			continue
		}
		out = append(out, rec)
	}
	for i := range out {
		out[i].IsHost = i == 0
	}
	return out
}

// ActingHost computes the acting-host designation: the present member with
// the smallest JoinedAt, optionally excluding one participant. The exclusion
// is used while handling a reconnect request, because the requester has
// already republished presence with its original early JoinedAt and would
// otherwise appear to be its own host.
func ActingHost(m Membership, excludeID string) (PresenceRecord, bool) {
	for _, rec := range m {
		if rec.ParticipantID == excludeID {
			continue
		}
		return rec, true
	}
	return PresenceRecord{}, false
}
