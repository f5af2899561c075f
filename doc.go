// Package nightbeam implements the streaming core of a remote
// desktop/game-streaming host: it turns captured video and audio into
// loss-resilient network packets under a real-time deadline, and drives the
// control state machine that negotiates, starts, reconfigures, and tears
// down streaming sessions.
//
// # Architecture
//
//	Capture: VideoSource/AudioSource -> VideoEncoder/AudioEncoder
//	Protect: EncodedFrame -> Packetizer (Reed-Solomon FEC) -> ShardPacket
//	Deliver: ShardPacket -> TransportSession (unordered media channel)
//	Control: ControlConn (ordered, reliable) <-> StateMachine
//
// One Orchestrator per session drives the pipeline at capture cadence and
// enforces backpressure by shedding frames, never by blocking capture.
// The StateMachine is the sole authority for session lifecycle:
//
//	Idle -> Negotiating -> Streaming <-> Reconfiguring
//	                        |  ^
//	                        v  |
//	                        Paused        (Terminated from any state)
//
// # Loss resilience
//
// Every encoded access unit is split into k data shards and m parity shards
// of a systematic Reed-Solomon code; a receiver holding any k of the k+m
// shards reconstructs the frame byte-for-byte. k follows payload size, m
// follows a smoothed estimate of recent network loss fed by client loss
// reports. There are no retransmissions: the round trip does not fit the
// latency budget.
//
// # Transport
//
// TransportSession owns two channels per client: an ordered reliable
// control channel and a best-effort unordered media channel. The WebRTC
// implementation maps these onto DTLS-secured data channels; an in-memory
// pipe implementation backs the tests.
package nightbeam
