package relay

import (
	"sync"

	"github.com/Kashmala488/Learning-Sync-sub000/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

type member struct {
	info domain.Participant
	conn *Conn
}

// PublishResult reports one fan-out.
type PublishResult struct {
	SendTo  int
	Dropped []*Conn
}

// room is a threadsafe in-memory room keeping members in join order.
// It never closes connections; the hub does.
type room struct {
	id    domain.RoomID
	group domain.GroupID

	mu      sync.RWMutex
	creator domain.ParticipantID
	order   []domain.ParticipantID
	byUser  map[domain.ParticipantID]*member
	bySID   map[domain.ChannelAddress]domain.ParticipantID
}

func newRoom(id domain.RoomID, group domain.GroupID) *room {
	return &room{
		id:     id,
		group:  group,
		byUser: make(map[domain.ParticipantID]*member),
		bySID:  make(map[domain.ChannelAddress]domain.ParticipantID),
	}
}

// add places p at the end of the join order. A user joining again from a
// new connection replaces the old one, which is returned as stale.
func (r *room) add(p domain.Participant, conn *Conn) (stale *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byUser[p.ID]; ok {
		delete(r.bySID, prev.info.Address)
		r.order = lo.Without(r.order, p.ID)
		if prev.conn != conn {
			stale = prev.conn
		}
	}
	r.byUser[p.ID] = &member{info: p, conn: conn}
	r.bySID[p.Address] = p.ID
	r.order = append(r.order, p.ID)
	log.Info().Str("module", "relay.room").Str("room_id", string(r.id)).Str("sid", string(p.Address)).Str("user", string(p.ID)).Msg("member added")
	return stale
}

// remove drops the member bound to addr. It is a no-op when the user has
// already moved to a newer connection.
func (r *room) remove(addr domain.ChannelAddress) (domain.ParticipantID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.bySID[addr]
	if !ok {
		return "", false
	}
	delete(r.bySID, addr)
	delete(r.byUser, id)
	r.order = lo.Without(r.order, id)
	log.Info().Str("module", "relay.room").Str("room_id", string(r.id)).Str("sid", string(addr)).Msg("member removed")
	return id, true
}

func (r *room) get(id domain.ParticipantID) (domain.Participant, *Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byUser[id]
	if !ok {
		return domain.Participant{}, nil, false
	}
	return m.info, m.conn, true
}

func (r *room) at(addr domain.ChannelAddress) (domain.Participant, *Conn, bool) {
	r.mu.RLock()
	id, ok := r.bySID[addr]
	r.mu.RUnlock()
	if !ok {
		return domain.Participant{}, nil, false
	}
	return r.get(id)
}

// update applies fn to the record of id.
func (r *room) update(id domain.ParticipantID, fn func(*domain.Participant)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byUser[id]
	if !ok {
		return false
	}
	fn(&m.info)
	return true
}

// claim records the first joiner as creator and returns the creator.
func (r *room) claim(id domain.ParticipantID) domain.ParticipantID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.creator == "" {
		r.creator = id
	}
	return r.creator
}

func (r *room) empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order) == 0
}

// participants lists members in join order.
func (r *room) participants() []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Map(r.order, func(id domain.ParticipantID, _ int) domain.Participant {
		return r.byUser[id].info
	})
}

func (r *room) conns() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Map(r.order, func(id domain.ParticipantID, _ int) *Conn {
		return r.byUser[id].conn
	})
}

// broadcast sends data to every member except from; an empty from
// reaches everybody.
func (r *room) broadcast(from domain.ChannelAddress, data []byte) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for _, id := range r.order {
		m := r.byUser[id]
		if m.info.Address == from {
			continue
		}
		if err := m.conn.TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, m.conn)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "relay.room").Str("room_id", string(r.id)).Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}
