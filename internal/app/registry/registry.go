// Package registry holds the local view of who is in the room. It is
// written only by handlers fed from the signaling channel and read by
// everything else; all access happens on the session loop.
package registry

import (
	"github.com/Kashmala488/Learning-Sync-sub000/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// Change describes one mutation of the registry.
type Change struct {
	Added   []domain.ParticipantID
	Removed []domain.ParticipantID
	Updated []domain.ParticipantID
}

func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Updated) == 0
}

type Registry struct {
	order     []domain.ParticipantID
	byID      map[domain.ParticipantID]domain.Participant
	listeners []func(Change)
}

func New() *Registry {
	return &Registry{
		byID: make(map[domain.ParticipantID]domain.Participant),
	}
}

// OnChange subscribes fn to every non-empty change.
func (r *Registry) OnChange(fn func(Change)) {
	r.listeners = append(r.listeners, fn)
}

// Upsert adds p at the end of the join order, or updates it in place.
func (r *Registry) Upsert(p domain.Participant) {
	var ch Change
	if old, ok := r.byID[p.ID]; ok {
		if old == p {
			return
		}
		ch.Updated = []domain.ParticipantID{p.ID}
	} else {
		r.order = append(r.order, p.ID)
		ch.Added = []domain.ParticipantID{p.ID}
	}
	r.byID[p.ID] = p
	log.Debug().Str("module", "app.registry").Str("participant_id", string(p.ID)).Str("address", string(p.Address)).Msg("upserted participant")
	r.notify(ch)
}

// Update applies fn to the stored participant, if present.
func (r *Registry) Update(id domain.ParticipantID, fn func(*domain.Participant)) bool {
	p, ok := r.byID[id]
	if !ok {
		return false
	}
	fn(&p)
	p.ID = id
	r.Upsert(p)
	return true
}

func (r *Registry) Remove(id domain.ParticipantID) bool {
	if _, ok := r.byID[id]; !ok {
		return false
	}
	delete(r.byID, id)
	r.order = lo.Without(r.order, id)
	log.Debug().Str("module", "app.registry").Str("participant_id", string(id)).Msg("removed participant")
	r.notify(Change{Removed: []domain.ParticipantID{id}})
	return true
}

// Replace makes list the authoritative membership, in list order.
// Duplicate ids keep their first occurrence.
func (r *Registry) Replace(list []domain.Participant) Change {
	list = lo.UniqBy(list, func(p domain.Participant) domain.ParticipantID { return p.ID })
	next := lo.SliceToMap(list, func(p domain.Participant) (domain.ParticipantID, domain.Participant) {
		return p.ID, p
	})

	var ch Change
	for _, id := range r.order {
		if _, ok := next[id]; !ok {
			ch.Removed = append(ch.Removed, id)
		}
	}
	for _, p := range list {
		old, ok := r.byID[p.ID]
		switch {
		case !ok:
			ch.Added = append(ch.Added, p.ID)
		case old != p:
			ch.Updated = append(ch.Updated, p.ID)
		}
	}

	r.order = lo.Map(list, func(p domain.Participant, _ int) domain.ParticipantID { return p.ID })
	r.byID = next
	log.Debug().Str("module", "app.registry").
		Int("added", len(ch.Added)).Int("removed", len(ch.Removed)).Int("updated", len(ch.Updated)).
		Msg("replaced participant list")
	r.notify(ch)
	return ch
}

func (r *Registry) Get(id domain.ParticipantID) (domain.Participant, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// ByAddress resolves the participant currently reachable at addr.
func (r *Registry) ByAddress(addr domain.ChannelAddress) (domain.Participant, bool) {
	if addr == "" {
		return domain.Participant{}, false
	}
	for _, id := range r.order {
		if p := r.byID[id]; p.Address == addr {
			return p, true
		}
	}
	return domain.Participant{}, false
}

// All returns the participants in join order.
func (r *Registry) All() []domain.Participant {
	return lo.Map(r.order, func(id domain.ParticipantID, _ int) domain.Participant { return r.byID[id] })
}

func (r *Registry) Len() int { return len(r.order) }

// Clear empties the registry without notifying listeners.
func (r *Registry) Clear() {
	r.order = nil
	r.byID = make(map[domain.ParticipantID]domain.Participant)
}

func (r *Registry) notify(ch Change) {
	if ch.Empty() {
		return
	}
	for _, fn := range r.listeners {
		fn(ch)
	}
}
