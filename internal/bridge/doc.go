// Package bridge serves paired companion nodes over a line-delimited JSON
// TCP transport.
//
// A node opens with a hello line, is authenticated with the same resolver as
// WebSocket clients, and then exchanges request, response, and event frames
// with the gateway. Nodes do not receive the global broadcast; they receive
// chat and agent events only for the sessions they subscribed to with
// chat.subscribe, plus keepalive ticks.
//
// Frames, one JSON object per line:
//
//	-> {"type":"hello","nodeId":"phone","displayName":"Phone","token":"..."}
//	<- {"type":"hello-ok","serverName":"switchboard"}
//	-> {"type":"req","id":"1","method":"chat.subscribe","params":{"sessionKey":"main"}}
//	<- {"type":"res","id":"1","ok":true,"payload":{"ok":true}}
//	<- {"type":"event","event":"chat","payload":{...}}
//	-> {"type":"event","event":"voice.transcript","payload":{"text":"hi"}}
//	-> {"type":"ping","id":"7"}
//	<- {"type":"pong","id":"7"}
//
// Handshake failures are answered with {"type":"error","code","message"}
// before the connection is closed.
package bridge
