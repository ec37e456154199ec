package api

import (
    "encoding/json"
    "log"
    "net/http"
    "sync"
    "time"

    "github.com/gorilla/websocket"
)

// WebSocket event feed. Protocol is a small subset of the graphql-transport-ws
// framing: connection_init/connection_ack, subscribe, next, complete, ping.
// Payloads carry the same events the SSE stream does.

var wsUpgrader = websocket.Upgrader{
    ReadBufferSize:  1024,
    WriteBufferSize: 1024,
    CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsMessage struct {
    Type    string          `json:"type"`
    ID      string          `json:"id,omitempty"`
    Payload json.RawMessage `json:"payload,omitempty"`
}

type wsSubscribePayload struct {
    Topic string `json:"topic,omitempty"`
}

// EventsWSHandler handles GET /v1/ws.
func (s *Server) EventsWSHandler(w http.ResponseWriter, r *http.Request) {
    p := s.getPrincipal(r)
    conn, err := wsUpgrader.Upgrade(w, r, nil)
    if err != nil {
        return
    }
    defer conn.Close()

    var writeMu sync.Mutex
    send := func(m wsMessage) error {
        writeMu.Lock()
        defer writeMu.Unlock()
        conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
        return conn.WriteJSON(m)
    }

    conn.SetReadDeadline(time.Now().Add(60 * time.Second))
    conn.SetPongHandler(func(string) error {
        conn.SetReadDeadline(time.Now().Add(60 * time.Second))
        return nil
    })

    type sub struct {
        ch   chan SSEEvent
        stop chan struct{}
    }
    subs := map[string]*sub{}
    var subsMu sync.Mutex
    defer func() {
        subsMu.Lock()
        for id, sb := range subs {
            close(sb.stop)
            s.Broker.Unsubscribe(p.Tenant, sb.ch)
            delete(subs, id)
        }
        subsMu.Unlock()
    }()

    // keepalive pings
    done := make(chan struct{})
    defer close(done)
    go func() {
        t := time.NewTicker(20 * time.Second)
        defer t.Stop()
        for {
            select {
            case <-done:
                return
            case <-t.C:
                writeMu.Lock()
                conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
                err := conn.WriteMessage(websocket.PingMessage, nil)
                writeMu.Unlock()
                if err != nil { return }
            }
        }
    }()

    for {
        var msg wsMessage
        if err := conn.ReadJSON(&msg); err != nil {
            return
        }
        conn.SetReadDeadline(time.Now().Add(60 * time.Second))
        switch msg.Type {
        case "connection_init":
            if err := send(wsMessage{Type: "connection_ack"}); err != nil { return }
        case "ping":
            if err := send(wsMessage{Type: "pong"}); err != nil { return }
        case "subscribe":
            var pl wsSubscribePayload
            if len(msg.Payload) > 0 { _ = json.Unmarshal(msg.Payload, &pl) }
            // subscribers only see their own tenant's events
            topic := p.Tenant
            if pl.Topic != "" && pl.Topic != p.Tenant {
                b, _ := json.Marshal(map[string]string{"message": "forbidden topic"})
                _ = send(wsMessage{Type: "error", ID: msg.ID, Payload: b})
                continue
            }
            ch := s.Broker.Subscribe(topic)
            sb := &sub{ch: ch, stop: make(chan struct{})}
            subsMu.Lock()
            subs[msg.ID] = sb
            subsMu.Unlock()
            go func(id string, sb *sub) {
                for {
                    select {
                    case <-sb.stop:
                        return
                    case evt, ok := <-sb.ch:
                        if !ok { return }
                        b, err := json.Marshal(map[string]any{"type": evt.Type, "data": evt.Data})
                        if err != nil {
                            log.Printf("ws marshal: %v", err)
                            continue
                        }
                        if err := send(wsMessage{Type: "next", ID: id, Payload: b}); err != nil {
                            return
                        }
                    }
                }
            }(msg.ID, sb)
        case "complete":
            subsMu.Lock()
            if sb, ok := subs[msg.ID]; ok {
                close(sb.stop)
                s.Broker.Unsubscribe(p.Tenant, sb.ch)
                delete(subs, msg.ID)
            }
            subsMu.Unlock()
        }
    }
}
