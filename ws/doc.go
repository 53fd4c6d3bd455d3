// Package ws implements the server side of the WebSocket protocol (RFC 6455) used to push camera
// images to browsers: the upgrade handshake, frame encoding and decoding, fragmentation reassembly,
// and a broadcast hub that fans one message out to every open session.
//
// There are no extensions and no sub-protocols. Server frames are never masked.
//
//	hub := ws.NewHub(log, ws.BroadcastOnly{}, ws.HubConfig{})
//	go hub.Run(ctx)
//
//	srv := ws.NewServer(log, hub, ws.NewNegotiator(), ws.ServerConfig{})
//	go srv.Serve(ctx, ln)
//
//	hub.BroadcastBinary(jpeg)
package ws

/*
   0                   1                   2                   3
   0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
  +-+-+-+-+-------+-+-------------+-------------------------------+
  |F|R|R|R| opcode|M| Payload len |    Extended payload length    |
  |I|S|S|S|  (4)  |A|     (7)     |             (16/64)           |
  |N|V|V|V|       |S|             |   (if payload len==126/127)   |
  | |1|2|3|       |K|             |                               |
  +-+-+-+-+-------+-+-------------+ - - - - - - - - - - - - - - - +
  |     Extended payload length continued, if payload len == 127  |
  + - - - - - - - - - - - - - - - +-------------------------------+
  |                               | Masking-key, if MASK set to 1 |
  +-------------------------------+-------------------------------+
  | Masking-key (continued)       |          Payload Data         |
  +-------------------------------- - - - - - - - - - - - - - - - +
*/
