// Package ws implements the live violations feed over WebSocket.
//
// Hub.ServeHTTP upgrades a connection and immediately sends the recent
// violation backlog. After that every violation passed to Hub.Publish is
// pushed as it happens, and Hub.Run adds a heartbeat every interval.
//
// Message format sent to clients:
//
//	{
//	  "event": "backlog" | "violation" | "heartbeat",
//	  "data":  [violations] | violation | {"clients", "recent_violations", "timestamp"}
//	}
//
// A client that cannot keep up (full send buffer) is disconnected. The
// upgrader accepts all origins. The endpoint is mounted at /ws/stream.
package ws
