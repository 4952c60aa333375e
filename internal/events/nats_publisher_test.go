package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-license/internal/license"
)

type fakeConn struct {
	mu      sync.Mutex
	failFor int
	calls   int
	msgs    map[string][][]byte
}

func (c *fakeConn) Publish(subj string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= c.failFor {
		return errors.New("nats: connection closed")
	}
	if c.msgs == nil {
		c.msgs = map[string][][]byte{}
	}
	c.msgs[subj] = append(c.msgs[subj], data)
	return nil
}

func (c *fakeConn) count(subj string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs[subj])
}

func TestPublish_SubjectAndPayload(t *testing.T) {
	conn := &fakeConn{}
	p := NewNATSPublisher(conn, "", 0)

	evt := license.Event{Type: license.EventDeviceActivated, LicenseKey: "GTMS-AAAA", HardwareID: "H1", OccurredAt: time.Unix(0, 0).UTC()}
	require.NoError(t, p.Publish(evt))

	msgs := conn.msgs["license.events.device.activated"]
	require.Len(t, msgs, 1)

	var got license.Event
	require.NoError(t, json.Unmarshal(msgs[0], &got))
	assert.Equal(t, evt.HardwareID, got.HardwareID)
	assert.Equal(t, evt.Type, got.Type)
}

func TestPublish_Retries(t *testing.T) {
	conn := &fakeConn{failFor: 2}
	p := NewNATSPublisher(conn, "test", 2)
	p.backoff = time.Millisecond

	require.NoError(t, p.Publish(license.Event{Type: license.EventLicenseIssued}))
	assert.Equal(t, 3, conn.calls)
}

func TestPublish_GivesUp(t *testing.T) {
	conn := &fakeConn{failFor: 10}
	p := NewNATSPublisher(conn, "test", 1)
	p.backoff = time.Millisecond

	err := p.Publish(license.Event{Type: license.EventLicenseIssued})
	assert.ErrorContains(t, err, "publish failed after 1 retries")
}

func TestRecord_RunPublishes(t *testing.T) {
	conn := &fakeConn{}
	p := NewNATSPublisher(conn, "", 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Record(ctx, license.Event{Type: license.EventLicenseRevoked, LicenseKey: "GTMS-AAAA"})

	assert.Eventually(t, func() bool {
		return conn.count("license.events.license.revoked") == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRecord_DropsWhenFull(t *testing.T) {
	p := NewNATSPublisher(&fakeConn{}, "", 0)
	for i := 0; i < cap(p.queue)+3; i++ {
		p.Record(context.Background(), license.Event{Type: license.EventDeviceRevalidated})
	}
	assert.Equal(t, int64(3), p.Dropped())
}
