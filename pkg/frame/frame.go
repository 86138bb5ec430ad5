// Package frame segments encoded payloads into MTU-bounded frames for the
// constrained transport and reassembles them on receipt.
//
// Payloads that fit in one MTU travel as a single raw frame with no header,
// the compatibility fast path. Larger payloads carry a two-byte header per
// frame: 1-byte sequence, 1-byte total-count. A raw JSON payload always
// starts with '{' while a fresh segmented run always starts with sequence 0,
// so the two paths never collide on the wire.
package frame

import (
    "context"
    "errors"
    "fmt"
    "time"

    "github.com/benbjohnson/clock"
)

const (
    // MTU is the constrained transport's maximum payload per transmission.
    MTU = 20
    // HeaderSize is the segmentation header length.
    HeaderSize = 2
    // SegPayload is the payload capacity of one segmented frame.
    SegPayload = MTU - HeaderSize
    // InterFrameDelay paces consecutive frames to respect the constrained
    // transport's throughput.
    InterFrameDelay = 50 * time.Millisecond
)

// ErrTooLarge is returned when a payload cannot be expressed in the 1-byte
// total-count header. Callers fall back to a file-notification message.
var ErrTooLarge = errors.New("payload exceeds constrained-transport capacity")

// Split returns the wire frames for an encoded payload.
func Split(payload []byte) ([][]byte, error) {
    if len(payload) <= MTU {
        return [][]byte{payload}, nil
    }
    total := (len(payload) + SegPayload - 1) / SegPayload
    if total > 255 {
        return nil, ErrTooLarge
    }
    frames := make([][]byte, 0, total)
    for i := 0; i < total; i++ {
        lo := i * SegPayload
        hi := lo + SegPayload
        if hi > len(payload) { hi = len(payload) }
        f := make([]byte, 0, HeaderSize+hi-lo)
        f = append(f, byte(i), byte(total))
        f = append(f, payload[lo:hi]...)
        frames = append(frames, f)
    }
    return frames, nil
}

// SendPaced sends frames in order with at least delay between consecutive
// frames. The first frame goes out immediately.
func SendPaced(ctx context.Context, clk clock.Clock, delay time.Duration, frames [][]byte, send func([]byte) error) error {
    for i, f := range frames {
        if i > 0 {
            t := clk.Timer(delay)
            select {
            case <-ctx.Done():
                t.Stop()
                return ctx.Err()
            case <-t.C:
            }
        }
        if err := send(f); err != nil { return err }
    }
    return nil
}

// Assembler is a per-connection reassembly buffer. Frames must arrive in
// order and without loss; the constrained transport guarantees ordering and
// a broken run is discarded as malformed, not recovered.
type Assembler struct {
    total int
    next  int
    buf   []byte
}

// NewAssembler returns an empty reassembly buffer.
func NewAssembler() *Assembler { return &Assembler{} }

// Push consumes one inbound frame. It returns a complete payload and true
// when a whole message is available, or (nil, false) while accumulating.
// A malformed frame resets the buffer and returns an error.
func (a *Assembler) Push(f []byte) ([]byte, bool, error) {
    if a.total == 0 {
        // Idle: a fresh segmented run starts with seq 0 and total >= 2,
        // anything else is a complete single-frame payload.
        if len(f) >= HeaderSize && f[0] == 0 && f[1] >= 2 {
            a.total = int(f[1])
            a.next = 1
            a.buf = append(a.buf[:0], f[HeaderSize:]...)
            return nil, false, nil
        }
        out := make([]byte, len(f))
        copy(out, f)
        return out, true, nil
    }

    if len(f) < HeaderSize || int(f[1]) != a.total || int(f[0]) != a.next {
        wantNext, wantTotal := a.next, a.total
        a.Reset()
        return nil, false, fmt.Errorf("segmentation sequence broken: expected %d/%d, got %d/%d",
            wantNext, wantTotal, headerByte(f, 0), headerByte(f, 1))
    }
    a.buf = append(a.buf, f[HeaderSize:]...)
    a.next++
    if a.next < a.total {
        return nil, false, nil
    }
    out := make([]byte, len(a.buf))
    copy(out, a.buf)
    a.Reset()
    return out, true, nil
}

// Reset discards any partial reassembly state.
func (a *Assembler) Reset() {
    a.total = 0
    a.next = 0
    a.buf = a.buf[:0]
}

func headerByte(f []byte, i int) int {
    if i < len(f) { return int(f[i]) }
    return -1
}
