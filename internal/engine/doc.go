// Package engine is a non-blocking multi-transfer engine.
//
// A Multi drives any number of Easy handles. Each added handle runs its network
// I/O on a private goroutine, but nothing reaches the caller until Perform:
// Perform hands received chunks to each handle's write callback and queues a
// completion Message once a transfer ends. The completion is queued again on
// every Perform until the handle is removed, so a caller that only samples
// messages now and then still sees it. InfoRead pops those messages and
// Poll blocks until some handle has data or a completion ready, the timeout
// passes, or Wakeup is called.
//
// A Multi and its handles must be driven from a single goroutine. Wakeup is the
// only method safe to call from any goroutine.
//
// Supported URL schemes:
//
//	http, https  GET via net/http
//	ws, wss      every websocket message until a normal close
//	quic         "GET <path>\r\n" on one stream, then the stream body until EOF
package engine
