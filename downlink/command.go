// Package downlink implements the delivery subsystem for display
// commands: an idempotent, coalescing, durable FIFO queue in the shared
// KV store, per-gateway and per-tenant token-bucket rate limiting, a
// delayed-retry scheduler, and the worker loop that drains the queue
// into the external sender.
package downlink

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Shared KV key schema. Kept stable for compatibility with other
// platform services reading the same store.
const (
	keyPending = "dl:pending"
	keyRetry   = "dl:retry"
	keyDead    = "dl:dead"

	cmdKeyPrefix      = "dl:cmd:"
	lastHashKeyPrefix = "dl:last_hash:"
	coalesceKeyPrefix = "dl:coalesce:"
	metricsKeyPrefix  = "dl:metrics:"
	gatewayLimitKey   = "dl:limit:gw:"
	tenantLimitKey    = "dl:limit:tenant:"

	cmdTTL      = time.Hour
	lastHashTTL = time.Hour
	coalesceTTL = 5 * time.Minute
	limitTTL    = 2 * time.Minute

	latencySampleCap = 100
)

func cmdKey(id string) string       { return cmdKeyPrefix + id }
func lastHashKey(eui string) string { return lastHashKeyPrefix + eui }
func coalesceKey(eui string) string { return coalesceKeyPrefix + eui }
func metricsKey(name string) string { return metricsKeyPrefix + name }

// Command is a downlink command queued for delivery to a device.
type Command struct {
	ID         string
	DeviceEUI  string
	TenantID   string
	GatewayID  string
	Payload    string // hex-encoded bytes
	FPort      int
	Confirmed  bool

	ContentHash string
	CreatedAt   time.Time

	Attempts      int
	LastError     string
	LastAttemptAt time.Time

	SpaceID       string
	TriggerSource string
}

// ContentHash derives the idempotency key for a (device, payload, fport)
// combination. Payload hex is normalized to lower case so byte-identical
// commands hash identically regardless of caller formatting.
func ContentHash(deviceEUI, payload string, fPort int) string {
	h := sha256.Sum256([]byte(strings.ToLower(deviceEUI) + "|" + strings.ToLower(payload) + "|" + strconv.Itoa(fPort)))
	return hex.EncodeToString(h[:])
}

// PayloadBytes decodes the hex payload.
func (c *Command) PayloadBytes() ([]byte, error) {
	b, err := hex.DecodeString(c.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload for %s: %w", c.DeviceEUI, err)
	}
	return b, nil
}

// toFields serializes the command into KV hash fields.
func (c *Command) toFields() map[string]string {
	fields := map[string]string{
		"id":           c.ID,
		"device_eui":   c.DeviceEUI,
		"tenant_id":    c.TenantID,
		"payload":      c.Payload,
		"fport":        strconv.Itoa(c.FPort),
		"confirmed":    strconv.FormatBool(c.Confirmed),
		"content_hash": c.ContentHash,
		"created_at":   c.CreatedAt.UTC().Format(time.RFC3339Nano),
		"attempts":     strconv.Itoa(c.Attempts),
	}
	if c.GatewayID != "" {
		fields["gateway_id"] = c.GatewayID
	}
	if c.LastError != "" {
		fields["last_error"] = c.LastError
	}
	if !c.LastAttemptAt.IsZero() {
		fields["last_attempt_at"] = c.LastAttemptAt.UTC().Format(time.RFC3339Nano)
	}
	if c.SpaceID != "" {
		fields["space_id"] = c.SpaceID
	}
	if c.TriggerSource != "" {
		fields["trigger_source"] = c.TriggerSource
	}
	return fields
}

// commandFromFields deserializes a command from KV hash fields.
func commandFromFields(fields map[string]string) (*Command, error) {
	if len(fields) == 0 || fields["id"] == "" {
		return nil, fmt.Errorf("empty command record")
	}

	c := &Command{
		ID:            fields["id"],
		DeviceEUI:     fields["device_eui"],
		TenantID:      fields["tenant_id"],
		GatewayID:     fields["gateway_id"],
		Payload:       fields["payload"],
		ContentHash:   fields["content_hash"],
		LastError:     fields["last_error"],
		SpaceID:       fields["space_id"],
		TriggerSource: fields["trigger_source"],
	}

	var err error
	if c.FPort, err = strconv.Atoi(fields["fport"]); err != nil {
		return nil, fmt.Errorf("command %s: bad fport %q", c.ID, fields["fport"])
	}
	c.Confirmed = fields["confirmed"] == "true"
	if c.CreatedAt, err = time.Parse(time.RFC3339Nano, fields["created_at"]); err != nil {
		return nil, fmt.Errorf("command %s: bad created_at %q", c.ID, fields["created_at"])
	}
	if v := fields["attempts"]; v != "" {
		if c.Attempts, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("command %s: bad attempts %q", c.ID, v)
		}
	}
	if v := fields["last_attempt_at"]; v != "" {
		if c.LastAttemptAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return nil, fmt.Errorf("command %s: bad last_attempt_at %q", c.ID, v)
		}
	}
	return c, nil
}

// Sender is the external write path to a real device. Implementations
// may return transient errors, which trigger retry with backoff.
type Sender interface {
	Send(ctx context.Context, deviceEUI string, payload []byte, fPort int, confirmed bool) (string, error)
}
