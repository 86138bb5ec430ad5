// Package protocol defines the logical message exchanged between peers and
// the delivery-layer error taxonomy.
package protocol

import (
    "fmt"
    "time"

    "meshalert/pkg/identity"
)

// Kind enumerates the fixed set of logical message kinds. New kinds are a
// compile-time addition; dispatch is by exhaustive switch, never by string.
type Kind uint8

const (
    KindUnknown Kind = iota
    KindHandshake
    KindChat
    KindEmergency
    KindFile
    KindFileNotice
    KindPing
)

var kindNames = map[Kind]string{
    KindHandshake:  "handshake",
    KindChat:       "chat",
    KindEmergency:  "emergency",
    KindFile:       "file",
    KindFileNotice: "file-notification",
    KindPing:       "ping",
}

func (k Kind) String() string {
    if s, ok := kindNames[k]; ok { return s }
    return "unknown"
}

// MarshalText serializes the kind as its wire name.
func (k Kind) MarshalText() ([]byte, error) {
    s, ok := kindNames[k]
    if !ok { return nil, fmt.Errorf("unknown message kind %d", uint8(k)) }
    return []byte(s), nil
}

// UnmarshalText parses a wire kind name. Unknown names decode to KindUnknown
// rather than failing so that a newer peer does not break older receivers.
func (k *Kind) UnmarshalText(b []byte) error {
    s := string(b)
    for kk, name := range kindNames {
        if name == s { *k = kk; return nil }
    }
    *k = KindUnknown
    return nil
}

// Location is a best-effort position embedded in emergency messages.
// All fields are null when geolocation is denied or unavailable.
type Location struct {
    Latitude  *float64 `json:"latitude"`
    Longitude *float64 `json:"longitude"`
    Accuracy  *float64 `json:"accuracy"`
}

// Handshake carries identity/capability metadata sent on transport open.
type Handshake struct {
    Identity     string   `json:"identity"`
    DisplayName  string   `json:"display_name"`
    Capabilities []string `json:"capabilities,omitempty"`
}

// Chat is a short text message.
type Chat struct {
    Text string `json:"text"`
}

// Emergency is an alert with optional position.
type Emergency struct {
    Text     string   `json:"text"`
    Location Location `json:"location"`
}

// File carries a small file inline (base64 over the JSON wire).
type File struct {
    Name string `json:"name"`
    MIME string `json:"mime,omitempty"`
    Data []byte `json:"data"`
}

// FileNotice announces a file without its content, for transports too
// constrained to carry the payload.
type FileNotice struct {
    Name string `json:"name"`
    Size int64  `json:"size"`
}

// Message is the application-level unit of communication. Immutable once
// constructed; exactly one payload field matching Kind is set (ping and
// handshake-only fields aside).
type Message struct {
    Kind   Kind   `json:"kind"`
    ID     string `json:"id"`
    Sender string `json:"sender,omitempty"`
    SentAt int64  `json:"ts_unix_ms"`

    Handshake  *Handshake  `json:"handshake,omitempty"`
    Chat       *Chat       `json:"chat,omitempty"`
    Emergency  *Emergency  `json:"emergency,omitempty"`
    File       *File       `json:"file,omitempty"`
    FileNotice *FileNotice `json:"file_notification,omitempty"`
}

func newMessage(kind Kind, sender string) Message {
    return Message{Kind: kind, ID: identity.NewMessageID(), Sender: sender, SentAt: time.Now().UnixMilli()}
}

// NewHandshake builds the identity exchange sent immediately after a
// transport-level open.
func NewHandshake(sender, localID string, capabilities []string) Message {
    m := newMessage(KindHandshake, sender)
    m.Handshake = &Handshake{Identity: localID, DisplayName: sender, Capabilities: capabilities}
    return m
}

// NewChat builds a chat message.
func NewChat(sender, text string) Message {
    m := newMessage(KindChat, sender)
    m.Chat = &Chat{Text: text}
    return m
}

// NewEmergency builds an emergency alert. loc may be all-null.
func NewEmergency(sender, text string, loc Location) Message {
    m := newMessage(KindEmergency, sender)
    m.Emergency = &Emergency{Text: text, Location: loc}
    return m
}

// NewFile builds an inline file message.
func NewFile(sender, name, mime string, data []byte) Message {
    m := newMessage(KindFile, sender)
    m.File = &File{Name: name, MIME: mime, Data: data}
    return m
}

// NewFileNotice builds a file announcement without content.
func NewFileNotice(sender, name string, size int64) Message {
    m := newMessage(KindFileNotice, sender)
    m.FileNotice = &FileNotice{Name: name, Size: size}
    return m
}

// NewPing builds the lightweight connection-quality probe.
func NewPing(sender string) Message {
    return newMessage(KindPing, sender)
}

// Validate checks that the payload matches the kind. Exhaustive over Kind.
func (m Message) Validate() error {
    switch m.Kind {
    case KindHandshake:
        if m.Handshake == nil { return fmt.Errorf("handshake message %s without payload", m.ID) }
    case KindChat:
        if m.Chat == nil { return fmt.Errorf("chat message %s without payload", m.ID) }
    case KindEmergency:
        if m.Emergency == nil { return fmt.Errorf("emergency message %s without payload", m.ID) }
    case KindFile:
        if m.File == nil { return fmt.Errorf("file message %s without payload", m.ID) }
    case KindFileNotice:
        if m.FileNotice == nil { return fmt.Errorf("file-notification message %s without payload", m.ID) }
    case KindPing:
        // no payload
    default:
        return fmt.Errorf("message %s has unknown kind", m.ID)
    }
    return nil
}

// DisplayName returns the sender name, defaulting to "Unknown Device" when
// the remote omitted one.
func (m Message) DisplayName() string {
    if m.Sender == "" { return "Unknown Device" }
    return m.Sender
}
