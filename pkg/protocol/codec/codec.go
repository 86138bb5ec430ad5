// Package codec provides the serialization codecs used on the wire.
// LogicalMessages travel as UTF-8 JSON; CBOR and Protobuf remain
// selectable by content type for other payloads.
package codec

// Codec marshals typed values deterministically for cross-device exchange.
type Codec interface {
    ContentType() string
    Marshal(v any) ([]byte, error)
    Unmarshal(data []byte, v any) error
}

// Registry maps content types to codecs.
type Registry struct{ byType map[string]Codec }

// NewRegistry returns a registry preloaded with the built-in JSON, CBOR and
// Protobuf codecs. Messages default to JSON; CBOR is selectable per config.
func NewRegistry() *Registry {
    r := &Registry{byType: make(map[string]Codec)}
    r.Register(JSON())
    r.Register(Proto())
    if c, err := CBOR(); err == nil {
        r.Register(c)
    }
    return r
}

// Register adds or replaces a codec.
func (r *Registry) Register(c Codec) { r.byType[c.ContentType()] = c }

// Get returns the codec for a content type, or nil.
func (r *Registry) Get(contentType string) Codec { return r.byType[contentType] }

// Message returns the codec used for LogicalMessage payloads (JSON).
func (r *Registry) Message() Codec { return r.byType["application/json"] }
