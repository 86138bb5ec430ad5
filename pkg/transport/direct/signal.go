package direct

import (
    "context"
    "sync"

    "github.com/gorilla/websocket"
    "go.uber.org/zap"
)

// envelope is the signaling wire format. The service relays envelopes by the
// To field; it never inspects the SDP.
type envelope struct {
    Type string `json:"type"` // register | offer | answer
    From string `json:"from"`
    To   string `json:"to,omitempty"`
    Name string `json:"name,omitempty"`
    SDP  string `json:"sdp,omitempty"`
}

// signalClient is a thin websocket client for the signaling service. Writes
// are serialized; reads run in a single loop feeding the handler.
type signalClient struct {
    ws      *websocket.Conn
    handler func(envelope)

    wmu    sync.Mutex
    once   sync.Once
    closed chan struct{}
}

func dialSignal(ctx context.Context, url, localID string, handler func(envelope)) (*signalClient, error) {
    ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
    if err != nil {
        return nil, err
    }
    s := &signalClient{ws: ws, handler: handler, closed: make(chan struct{})}
    if err := s.send(envelope{Type: "register", From: localID}); err != nil {
        _ = ws.Close()
        return nil, err
    }
    go s.readLoop()
    return s, nil
}

func (s *signalClient) send(env envelope) error {
    s.wmu.Lock()
    defer s.wmu.Unlock()
    return s.ws.WriteJSON(env)
}

func (s *signalClient) readLoop() {
    for {
        var env envelope
        if err := s.ws.ReadJSON(&env); err != nil {
            select {
            case <-s.closed:
            default:
                zap.L().Warn("signaling connection lost", zap.Error(err))
            }
            return
        }
        s.handler(env)
    }
}

func (s *signalClient) close() {
    s.once.Do(func() {
        close(s.closed)
        _ = s.ws.Close()
    })
}
