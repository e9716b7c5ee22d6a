// Package ranking turns registered servers and their vote totals into standings.
// Everything here is pure: no I/O, and the same input always yields the same output.
package ranking

import (
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/l2hub/internal/registry"
)

// Standing is a server's derived position at a point in time.
// Rank is 1-based for ranked servers and 0 for premium servers, which are never ranked.
type Standing struct {
	Server    registry.Server
	Rank      int
	VoteTotal int64
}

// Premium reports whether the standing belongs to a premium server.
func (s Standing) Premium() bool {
	return s.Server.IsPremium
}

// Ranked reports whether the standing carries a numeric rank.
func (s Standing) Ranked() bool {
	return s.Rank > 0
}

// ComputeStandings ranks non-premium servers by vote total, highest first, breaking ties by
// case-insensitive name. Premium servers follow unranked, in their input order.
// totals holds the vote total per server id; missing servers count as zero.
func ComputeStandings(servers []registry.Server, totals map[string]int64) []Standing {
	if len(servers) == 0 {
		return []Standing{}
	}

	ranked := make([]Standing, 0, len(servers))
	premium := make([]Standing, 0)
	for _, server := range servers {
		standing := Standing{Server: server, VoteTotal: totals[server.ServerID]}
		if server.IsPremium {
			premium = append(premium, standing)
			continue
		}
		ranked = append(ranked, standing)
	}

	sort.Slice(ranked, func(i, j int) bool {
		return less(ranked[i], ranked[j])
	})
	for index := range ranked {
		ranked[index].Rank = index + 1
	}

	return append(ranked, premium...)
}

func less(left, right Standing) bool {
	if left.VoteTotal != right.VoteTotal {
		return left.VoteTotal > right.VoteTotal
	}
	leftName := strings.ToLower(left.Server.Name)
	rightName := strings.ToLower(right.Server.Name)
	if leftName != rightName {
		return leftName < rightName
	}
	return left.Server.ServerID < right.Server.ServerID
}

// DisplayOrder returns the leaderboard posting order: ranked servers with the fewest votes
// first, so the leader is posted last and sits at the bottom of the channel, then premium
// servers. Rank values are left untouched.
func DisplayOrder(standings []Standing) []Standing {
	ranked := make([]Standing, 0, len(standings))
	premium := make([]Standing, 0)
	for _, standing := range standings {
		if standing.Ranked() {
			ranked = append(ranked, standing)
			continue
		}
		premium = append(premium, standing)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Rank > ranked[j].Rank
	})
	return append(ranked, premium...)
}

// Totals extracts the vote totals keyed by server id.
func Totals(standings []Standing) map[string]int64 {
	totals := make(map[string]int64, len(standings))
	for _, standing := range standings {
		totals[standing.Server.ServerID] = standing.VoteTotal
	}
	return totals
}
