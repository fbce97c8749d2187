package reconciler

import (
	"sort"

	"github.com/npezzotti/go-meetup/internal/types"
)

// Invited lists members who were invited but have not accepted.
func Invited(members map[string]types.Member) []types.Member {
	return filter(members, func(m types.Member) bool { return m.Invited && !m.Accepted })
}

func Accepted(members map[string]types.Member) []types.Member {
	return filter(members, func(m types.Member) bool { return m.Accepted })
}

func InCall(members map[string]types.Member) []types.Member {
	return filter(members, func(m types.Member) bool { return m.InCall })
}

// Absent lists members who are not currently present in the room.
func Absent(members map[string]types.Member) []types.Member {
	return filter(members, func(m types.Member) bool { return !m.Accepted })
}

func Project(roomId string, members map[string]types.Member) types.MemberSnapshot {
	return types.MemberSnapshot{
		RoomId:   roomId,
		Invited:  Invited(members),
		Accepted: Accepted(members),
		InCall:   InCall(members),
		Absent:   Absent(members),
	}
}

func filter(members map[string]types.Member, keep func(types.Member) bool) []types.Member {
	out := make([]types.Member, 0, len(members))
	for _, m := range members {
		if keep(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserId < out[j].UserId })
	return out
}
