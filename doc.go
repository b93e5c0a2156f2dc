// # Speaker aware voice conversation client
//
// Package convai talks to a conversational voice agent over a JSON websocket:
// it dials the agent, decodes the events it sends (audio, interruptions, tool
// calls, transcripts, pings) and encodes the ones the client sends back. The
// session types here also carry the speaker state used to tell the agent who
// is talking.
//
// The playback, recognition and agents packages build on it: playback plays
// the agent's audio gaplessly, recognition streams microphone audio to a
// speaker recognition service, and agents ties both sockets together.
package convai
