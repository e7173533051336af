// Package modbusclient wraps github.com/goburrow/modbus with the
// connect/read/reconnect behavior this system needs: read every group in
// a registermap.Map in one cycle, reconnecting once on a dropped
// connection, failing the whole cycle if any group read fails.
package modbusclient

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/goburrow/modbus"

	"invertertelemetry/internal/edge/registermap"
)

const initialBackoff = 1 * time.Second

// Client polls a single inverter's input registers over Modbus/TCP. It
// tracks its own reconnect backoff so a cycle that arrives while the
// client is still cooling down fails fast instead of blocking the
// caller for the full backoff delay.
type Client struct {
	addr            string
	slaveID         byte
	timeout         time.Duration
	interGroupDelay time.Duration
	backoffMax      time.Duration

	handler *modbus.TCPClientHandler
	client  modbus.Client

	backoffDelay time.Duration
	nextAttempt  time.Time
}

// New returns a Client that has not yet connected. interGroupDelay is
// waited between successive group reads within one cycle; backoffMax
// caps the reconnect backoff (doubling from 1s, reset to 1s on every
// successful cycle).
func New(addr string, slaveID byte, timeout, interGroupDelay, backoffMax time.Duration) *Client {
	return &Client{
		addr:            addr,
		slaveID:         slaveID,
		timeout:         timeout,
		interGroupDelay: interGroupDelay,
		backoffMax:      backoffMax,
		backoffDelay:    initialBackoff,
	}
}

// Connect opens the TCP connection to the inverter.
func (c *Client) Connect() error {
	handler := modbus.NewTCPClientHandler(c.addr)
	handler.SlaveId = c.slaveID
	handler.Timeout = c.timeout
	if err := handler.Connect(); err != nil {
		return fmt.Errorf("modbusclient: connect %s: %w", c.addr, err)
	}
	c.handler = handler
	c.client = modbus.NewClient(handler)
	return nil
}

// Close closes the underlying TCP connection, if open.
func (c *Client) Close() error {
	if c.handler == nil {
		return nil
	}
	err := c.handler.Close()
	c.handler = nil
	c.client = nil
	return err
}

// connected reports whether Connect has succeeded and Close has not
// since been called.
func (c *Client) connected() bool {
	return c.client != nil
}

// ReadGroup reads one register group's raw words, reconnecting once if
// the connection has dropped.
func (c *Client) ReadGroup(g registermap.Group) ([]byte, error) {
	if !c.connected() {
		if err := c.Connect(); err != nil {
			return nil, err
		}
	}
	data, err := c.client.ReadInputRegisters(g.StartAddress, g.WordCount)
	if err != nil {
		_ = c.Close()
		if cerr := c.Connect(); cerr != nil {
			return nil, fmt.Errorf("modbusclient: read group %q: %w (reconnect failed: %v)", g.Name, err, cerr)
		}
		data, err = c.client.ReadInputRegisters(g.StartAddress, g.WordCount)
		if err != nil {
			return nil, fmt.Errorf("modbusclient: read group %q after reconnect: %w", g.Name, err)
		}
	}
	if len(data) != int(g.WordCount)*2 {
		return nil, fmt.Errorf("modbusclient: group %q expected %d bytes, got %d", g.Name, g.WordCount*2, len(data))
	}
	return data, nil
}

// Poll reads every group in m in order, returning each group's raw
// bytes keyed by group name. The whole cycle fails if any group fails,
// with no partial result returned. If the client is still cooling down
// from a previous connection failure, Poll fails immediately without
// attempting I/O, so it never blocks the caller for the backoff delay
// itself — only for its own per-request timeouts and inter-group
// delays.
func (c *Client) Poll(m registermap.Map) (map[string][]byte, error) {
	if !c.nextAttempt.IsZero() && time.Now().Before(c.nextAttempt) {
		return nil, fmt.Errorf("modbusclient: backing off until %s", c.nextAttempt.Format(time.RFC3339))
	}

	out := make(map[string][]byte, len(m.Groups))
	for i, g := range m.Groups {
		data, err := c.ReadGroup(g)
		if err != nil {
			c.recordFailure()
			return nil, err
		}
		out[g.Name] = data
		if i < len(m.Groups)-1 && c.interGroupDelay > 0 {
			time.Sleep(c.interGroupDelay)
		}
	}
	c.recordSuccess()
	return out, nil
}

// recordFailure doubles the reconnect backoff (capped at backoffMax)
// and schedules the next attempt.
func (c *Client) recordFailure() {
	c.nextAttempt = time.Now().Add(c.backoffDelay)
	c.backoffDelay *= 2
	if c.backoffMax > 0 && c.backoffDelay > c.backoffMax {
		c.backoffDelay = c.backoffMax
	}
}

// recordSuccess resets the reconnect backoff to its initial value.
func (c *Client) recordSuccess() {
	c.backoffDelay = initialBackoff
	c.nextAttempt = time.Time{}
}

// DecodeU16 reads a big-endian uint16 at word offset off within data.
func DecodeU16(data []byte, off int) uint16 {
	return binary.BigEndian.Uint16(data[off*2 : off*2+2])
}

// DecodeS16 reads a big-endian two's-complement int16 at word offset off.
func DecodeS16(data []byte, off int) int16 {
	return int16(DecodeU16(data, off))
}

// DecodeU32 reads a big-endian uint32 (high word first) at word offset off.
func DecodeU32(data []byte, off int) uint32 {
	return binary.BigEndian.Uint32(data[off*2 : off*2+4])
}

// DecodeS32 reads a big-endian two's-complement int32 (high word first)
// at word offset off.
func DecodeS32(data []byte, off int) int32 {
	return int32(DecodeU32(data, off))
}
