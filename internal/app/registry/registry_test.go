package registry

import (
	"testing"

	"github.com/Kashmala488/Learning-Sync-sub000/internal/domain"
	"github.com/stretchr/testify/require"
)

func participant(id, addr string) domain.Participant {
	return domain.Participant{ID: domain.ParticipantID(id), DisplayName: id, Address: domain.ChannelAddress(addr)}
}

func ids(ps []domain.Participant) []domain.ParticipantID {
	out := make([]domain.ParticipantID, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.ID)
	}
	return out
}

func TestRegistry_Upsert_Keeps_Join_Order(t *testing.T) {
	req := require.New(t)
	r := New()
	var changes []Change
	r.OnChange(func(c Change) { changes = append(changes, c) })

	// Given three participants joined in order
	r.Upsert(participant("a", "s1"))
	r.Upsert(participant("b", "s2"))
	r.Upsert(participant("c", "s3"))

	// When the first one changes address
	r.Upsert(participant("a", "s9"))

	// Then it keeps its position and the change is an update
	req.Equal([]domain.ParticipantID{"a", "b", "c"}, ids(r.All()))
	req.Len(changes, 4)
	req.Equal([]domain.ParticipantID{"a"}, changes[3].Updated)

	p, ok := r.ByAddress("s9")
	req.True(ok)
	req.Equal(domain.ParticipantID("a"), p.ID)
	_, ok = r.ByAddress("s1")
	req.False(ok)
}

func TestRegistry_Upsert_Same_Value_Does_Not_Notify(t *testing.T) {
	req := require.New(t)
	r := New()
	calls := 0
	r.OnChange(func(Change) { calls++ })

	r.Upsert(participant("a", "s1"))
	r.Upsert(participant("a", "s1"))

	req.Equal(1, calls)
}

func TestRegistry_Replace_Reports_Diff(t *testing.T) {
	req := require.New(t)
	r := New()
	r.Replace([]domain.Participant{participant("a", "s1"), participant("b", "s2")})

	// When the relay sends a new authoritative list
	bMuted := participant("b", "s2")
	bMuted.Mic = true
	ch := r.Replace([]domain.Participant{bMuted, participant("c", "s3"), participant("c", "dup")})

	// Then the diff names every id once and order follows the list
	req.Equal([]domain.ParticipantID{"c"}, ch.Added)
	req.Equal([]domain.ParticipantID{"a"}, ch.Removed)
	req.Equal([]domain.ParticipantID{"b"}, ch.Updated)
	req.Equal([]domain.ParticipantID{"b", "c"}, ids(r.All()))

	c, ok := r.Get("c")
	req.True(ok)
	req.Equal(domain.ChannelAddress("s3"), c.Address)
}

func TestRegistry_Remove_And_Update(t *testing.T) {
	req := require.New(t)
	r := New()
	r.Upsert(participant("a", "s1"))
	r.Upsert(participant("b", "s2"))

	req.True(r.Update("b", func(p *domain.Participant) { p.ScreenShare = true }))
	req.False(r.Update("zz", func(p *domain.Participant) {}))
	b, _ := r.Get("b")
	req.True(b.ScreenShare)

	req.True(r.Remove("a"))
	req.False(r.Remove("a"))
	req.Equal(1, r.Len())

	r.Clear()
	req.Equal(0, r.Len())
	req.Empty(r.All())
}
