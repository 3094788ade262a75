// Package dispatch partitions recipients across a group's sending
// profiles. All strategies are queue-aware: capacity checks count
// pending (waiting) queue items per profile on top of historical sent
// counters, so many small requests consume capacity exactly like one
// large request.
package dispatch

import (
	"math/rand"
	"sort"

	"github.com/outflow/pacer/internal/domain"
)

// Candidate is a snapshot of one active profile at distribution time.
type Candidate struct {
	Profile *domain.Profile
	Stats   *domain.ProfileStats // nil when no stats row exists yet
	Pending int                  // waiting queue items for this profile
}

func (c *Candidate) sentToday() int {
	if c.Stats == nil {
		return 0
	}
	return c.Stats.SentToday
}

func (c *Candidate) sentHour() int {
	if c.Stats == nil {
		return 0
	}
	return c.Stats.SentHour
}

func (c *Candidate) sent3Hours() int {
	if c.Stats == nil {
		return 0
	}
	return c.Stats.Sent3Hours
}

func (c *Candidate) successRate() float64 {
	if c.Stats == nil {
		return 100.0
	}
	return c.Stats.SuccessRate24h
}

// load is the profile's effective current load: messages already sent
// today plus items still waiting in the queue.
func (c *Candidate) load() int {
	return c.sentToday() + c.Pending
}

// Result is the outcome of one distribution call. Unassigned holds
// recipients that could not be placed because every profile was at
// capacity; the engine never drops them silently.
type Result struct {
	Assignments map[string][]string
	Unassigned  []string
}

// Total returns the number of recipients that were assigned.
func (r *Result) Total() int {
	n := 0
	for _, recs := range r.Assignments {
		n += len(recs)
	}
	return n
}

// Distribute partitions recipients across the given candidates using
// the group's strategy. It is a pure function of its inputs: no
// persisted state is read or written. Candidates must already be
// filtered to active profiles.
func Distribute(group *domain.Group, candidates []Candidate, recipients []string) (*Result, error) {
	if len(candidates) == 0 {
		return nil, ErrNoEligibleProfiles
	}
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	switch group.Strategy {
	case domain.StrategyRandom:
		return randomStrategy(group, candidates, recipients), nil
	case domain.StrategyWeighted:
		return weightedStrategy(group, candidates, recipients), nil
	case domain.StrategySmart:
		return smartStrategy(group, candidates, recipients), nil
	default:
		return rotateStrategy(group, candidates, recipients), nil
	}
}

// hasDailyRoom reports whether the candidate can take one more
// recipient on top of what this call has already assigned to it.
func hasDailyRoom(c *Candidate, group *domain.Group, assigned int) bool {
	return c.load()+assigned < c.Profile.EffectiveDailyLimit(group)
}

// rotateStrategy distributes round-robin, starting at an offset derived
// from the group's total load. With the offset at
// (sum of sent+pending) mod profile_count, four sequential
// single-recipient requests land on profiles A,B,A,B instead of all
// piling onto A.
func rotateStrategy(group *domain.Group, candidates []Candidate, recipients []string) *Result {
	res := &Result{Assignments: make(map[string][]string)}
	n := len(candidates)

	totalLoad := 0
	for i := range candidates {
		totalLoad += candidates[i].load()
	}
	startOffset := totalLoad % n

	for i, recipient := range recipients {
		idx := (startOffset + i) % n
		c := &candidates[idx]
		id := c.Profile.ID

		if hasDailyRoom(c, group, len(res.Assignments[id])) {
			res.Assignments[id] = append(res.Assignments[id], recipient)
			continue
		}

		// At capacity: advance to the next profile with room.
		placed := false
		for j := 1; j <= n; j++ {
			alt := &candidates[(idx+j)%n]
			altID := alt.Profile.ID
			if hasDailyRoom(alt, group, len(res.Assignments[altID])) {
				res.Assignments[altID] = append(res.Assignments[altID], recipient)
				placed = true
				break
			}
		}
		if !placed {
			res.Unassigned = append(res.Unassigned, recipient)
		}
	}

	prune(res)
	return res
}

// randomStrategy shuffles the candidate order per recipient and assigns
// to the first profile under capacity. When every profile is full the
// recipient goes to the least-loaded one rather than being dropped.
func randomStrategy(group *domain.Group, candidates []Candidate, recipients []string) *Result {
	res := &Result{Assignments: make(map[string][]string)}

	order := make([]*Candidate, len(candidates))
	for i := range candidates {
		order[i] = &candidates[i]
	}

	for _, recipient := range recipients {
		rand.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})

		assigned := false
		for _, c := range order {
			id := c.Profile.ID
			if hasDailyRoom(c, group, len(res.Assignments[id])) {
				res.Assignments[id] = append(res.Assignments[id], recipient)
				assigned = true
				break
			}
		}
		if !assigned {
			// Every profile full: pick the least loaded.
			min := order[0]
			minLoad := min.load() + len(res.Assignments[min.Profile.ID])
			for _, c := range order[1:] {
				l := c.load() + len(res.Assignments[c.Profile.ID])
				if l < minLoad {
					min, minLoad = c, l
				}
			}
			res.Assignments[min.Profile.ID] = append(res.Assignments[min.Profile.ID], recipient)
		}
	}

	prune(res)
	return res
}

// weightedStrategy gives each profile a share of the recipients
// proportional to its weight score (minimum share 1), capped by its
// remaining daily capacity, then tops up leftovers round-robin.
func weightedStrategy(group *domain.Group, candidates []Candidate, recipients []string) *Result {
	totalWeight := 0.0
	for i := range candidates {
		w := candidates[i].Profile.WeightScore
		if w < 1 {
			w = 1
		}
		totalWeight += w
	}
	if totalWeight == 0 {
		return rotateStrategy(group, candidates, recipients)
	}

	res := &Result{Assignments: make(map[string][]string)}

	idx := 0
	for i := range candidates {
		if idx >= len(recipients) {
			break
		}
		c := &candidates[i]
		id := c.Profile.ID

		w := c.Profile.WeightScore
		if w < 1 {
			w = 1
		}
		share := int(float64(len(recipients)) * (w / totalWeight))
		if share < 1 {
			share = 1
		}
		if rest := len(recipients) - idx; share > rest {
			share = rest
		}
		if room := c.Profile.EffectiveDailyLimit(group) - c.load(); share > room {
			share = room
		}
		if share < 0 {
			share = 0
		}

		res.Assignments[id] = append(res.Assignments[id], recipients[idx:idx+share]...)
		idx += share
	}

	idx = topUp(group, candidates, recipients, idx, res)
	if idx < len(recipients) {
		res.Unassigned = append(res.Unassigned, recipients[idx:]...)
	}

	prune(res)
	return res
}

// smartStrategy scores each profile on weight, health, remaining
// capacity, and recent success rate, penalizes risky profiles, and
// allocates proportionally to the normalized scores. Capacity here is
// the tightest of the three rolling windows, not just the daily cap.
func smartStrategy(group *domain.Group, candidates []Candidate, recipients []string) *Result {
	type scored struct {
		c        *Candidate
		score    float64
		capacity int
	}

	ranked := make([]scored, 0, len(candidates))
	totalScore := 0.0

	for i := range candidates {
		c := &candidates[i]
		daily := c.Profile.EffectiveDailyLimit(group)
		hourly := c.Profile.EffectiveHourlyLimit(group)
		threeHour := c.Profile.Effective3HourLimit(group)

		dailyRem := max(0, daily-c.sentToday()-c.Pending)
		hourlyRem := max(0, hourly-c.sentHour()-c.Pending)
		threeHourRem := max(0, threeHour-c.sent3Hours()-c.Pending)
		capacity := min(dailyRem, min(hourlyRem, threeHourRem))

		w := c.Profile.WeightScore
		if w < 1 {
			w = 1
		}
		if daily < 1 {
			daily = 1
		}
		score := w *
			(float64(c.Profile.HealthScore) / 100) *
			(float64(capacity) / float64(daily)) *
			(c.successRate() / 100)

		switch {
		case c.Profile.RiskScore > 50:
			score *= 0.5
		case c.Profile.RiskScore > 20:
			score *= 0.8
		}

		ranked = append(ranked, scored{c: c, score: score, capacity: capacity})
		totalScore += score
	}

	if totalScore == 0 {
		return rotateStrategy(group, candidates, recipients)
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	res := &Result{Assignments: make(map[string][]string)}
	idx := 0
	for _, s := range ranked {
		if idx >= len(recipients) {
			break
		}
		share := int(float64(len(recipients)) * (s.score / totalScore))
		if share < 1 {
			share = 1
		}
		count := min(share, min(s.capacity, len(recipients)-idx))
		if count < 0 {
			count = 0
		}
		id := s.c.Profile.ID
		res.Assignments[id] = append(res.Assignments[id], recipients[idx:idx+count]...)
		idx += count
	}

	// Top up leftovers to any profile still under its window capacity.
	for idx < len(recipients) {
		assigned := false
		for _, s := range ranked {
			id := s.c.Profile.ID
			if len(res.Assignments[id]) < s.capacity {
				res.Assignments[id] = append(res.Assignments[id], recipients[idx])
				idx++
				assigned = true
				break
			}
		}
		if !assigned {
			break
		}
	}
	if idx < len(recipients) {
		res.Unassigned = append(res.Unassigned, recipients[idx:]...)
	}

	prune(res)
	return res
}

// topUp assigns recipients[idx:] round-robin to profiles with remaining
// daily room. Returns the index of the first recipient it could not
// place.
func topUp(group *domain.Group, candidates []Candidate, recipients []string, idx int, res *Result) int {
	for idx < len(recipients) {
		placed := false
		for i := range candidates {
			if idx >= len(recipients) {
				break
			}
			c := &candidates[i]
			id := c.Profile.ID
			if hasDailyRoom(c, group, len(res.Assignments[id])) {
				res.Assignments[id] = append(res.Assignments[id], recipients[idx])
				idx++
				placed = true
			}
		}
		if !placed {
			break
		}
	}
	return idx
}

// prune removes profiles that received no recipients.
func prune(res *Result) {
	for id, recs := range res.Assignments {
		if len(recs) == 0 {
			delete(res.Assignments, id)
		}
	}
}
