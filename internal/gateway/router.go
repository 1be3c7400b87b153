// internal/gateway/router.go
package gateway

import (
	"github.com/parlor-games/parlor/internal/protocol"
)

// Resolve maps an audience descriptor to the concrete set of connection ids
// that should receive the derived client message. Unknown or stale
// identifiers resolve to nothing; a user who vanished between event
// production and delivery is silently dropped at the edge, never an error.
func (ix *Index) Resolve(aud protocol.Audience) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	switch aud.Type {
	case protocol.AudienceUser, protocol.AudienceUsers:
		var out []string
		for _, raw := range aud.UserIDs {
			userID, ok := protocol.ParseUserID(raw)
			if !ok {
				continue
			}
			for socketID := range ix.userConns[userID] {
				out = append(out, socketID)
			}
		}
		return out

	case protocol.AudiencePlayers:
		return collect(ix.roomPlayers[aud.RoomID])

	case protocol.AudienceSpectators:
		return collect(ix.roomSpectators[aud.RoomID])

	case protocol.AudienceRoom:
		out := collect(ix.roomPlayers[aud.RoomID])
		return append(out, collect(ix.roomSpectators[aud.RoomID])...)

	case protocol.AudienceBroadcast:
		out := make([]string, 0, len(ix.connUser))
		for socketID := range ix.connUser {
			out = append(out, socketID)
		}
		return out
	}
	return nil
}

func collect(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for socketID := range set {
		out = append(out, socketID)
	}
	return out
}
