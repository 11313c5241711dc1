package pipeline

import (
	"sort"
	"strings"
	"time"

	"github.com/xela07ax/smartmail-orchestrator/internal/domain"
)

const DefaultMaxProposalSlots = 3

// buildProposal — локальная стадия GENERATE_MEETING_PROPOSAL:
// первые maxSlots свободных окон по времени начала + участники без дублей.
func buildProposal(email domain.Email, analysis domain.Analysis, available []domain.TimeSlot, maxSlots int) domain.MeetingProposal {
	if maxSlots <= 0 {
		maxSlots = DefaultMaxProposalSlots
	}

	slots := make([]domain.TimeSlot, 0, len(available))
	for _, s := range available {
		if s.End.After(s.Start) {
			slots = append(slots, s)
		}
	}
	sort.SliceStable(slots, func(i, j int) bool { return slots[i].Start.Before(slots[j].Start) })
	if len(slots) > maxSlots {
		slots = slots[:maxSlots]
	}

	return domain.MeetingProposal{
		Slots:        slots,
		Participants: participants(email.From, analysis.AdditionalAttendees),
		Context:      analysis.MeetingContext,
	}
}

// participants: отправитель первым, адреса сравниваются без учёта регистра
func participants(sender string, attendees []string) []string {
	seen := make(map[string]struct{}, len(attendees)+1)
	out := make([]string, 0, len(attendees)+1)

	for _, addr := range append([]string{sender}, attendees...) {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		key := strings.ToLower(addr)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, addr)
	}
	return out
}

// availabilityWindow — диапазон для CHECK_AVAILABILITY. Если анализ его не предложил,
// берём [now+1h, now+window].
func availabilityWindow(analysis domain.Analysis, now time.Time, window time.Duration) (time.Time, time.Time) {
	if r := analysis.SuggestedTimeRange; r != nil && r.End.After(r.Start) {
		return r.Start, r.End
	}
	start := now.Add(time.Hour).Truncate(time.Hour)
	return start, start.Add(window)
}
