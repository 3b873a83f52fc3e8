package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Client side.
var (
	ActivePeerLinks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meshcall_active_peer_links",
		Help: "Number of peer links currently held by the session",
	})

	PeerLinksCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshcall_peer_links_created_total",
		Help: "Total number of peer links created",
	}, []string{"role"}) // "initiator" | "responder"

	NegotiationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshcall_negotiation_failures_total",
		Help: "Total number of peer link negotiation failures",
	}, []string{"stage"})

	RemoteTracksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshcall_remote_tracks_total",
		Help: "Total number of remote media tracks received",
	}, []string{"kind"})

	SignalingReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshcall_signaling_reconnects_total",
		Help: "Total number of signaling channel reconnects",
	})

	SignalingMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshcall_signaling_messages_total",
		Help: "Total number of signaling messages",
	}, []string{"event", "direction"}) // "in" | "out"

	ProtocolViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshcall_protocol_violations_total",
		Help: "Total number of inbound messages dropped as protocol violations",
	}, []string{"event"})

	SessionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshcall_session_transitions_total",
		Help: "Total number of session state transitions",
	}, []string{"state"})

	ChatMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshcall_chat_messages_total",
		Help: "Total number of chat messages",
	}, []string{"scope", "direction"})
)

// Relay side.
var (
	RelayActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meshcall_relay_active_connections",
		Help: "Number of active relay websocket connections",
	})

	RelayActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meshcall_relay_active_rooms",
		Help: "Number of rooms with at least one member",
	})

	RelayMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshcall_relay_messages_total",
		Help: "Total number of messages handled by the relay",
	}, []string{"event"})

	RelayDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshcall_relay_dropped_total",
		Help: "Total number of frames dropped on full send queues",
	})

	RelayAuthFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshcall_relay_auth_failures_total",
		Help: "Total number of rejected websocket handshakes",
	})

	CallRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshcall_call_records_total",
		Help: "Total number of call record operations",
	}, []string{"op"}) // "create" | "end"
)
