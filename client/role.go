package client

import "github.com/mkarlsso/pomosync/internal/protocol"

// DeriveRole determines the local participant's role from a roster snapshot.
// There is no dedicated "you are now host" message in the protocol: the host
// is simply the roster entry with IsHost set, and the local client is that
// host when the nicknames match. The roster broadcast is the single source of
// truth, so clients never infer host status from anything else.
func DeriveRole(roster []protocol.Participant, localNickname string) Role {
	for _, p := range roster {
		if p.IsHost && p.Nickname == localNickname {
			return RoleHost
		}
	}
	return RoleGuest
}
