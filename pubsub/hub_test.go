package pubsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvPub(t *testing.T, mailbox chan Publication) Publication {
	t.Helper()
	select {
	case p := <-mailbox:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for publication")
		return Publication{}
	}
}

func assertNoPub(t *testing.T, mailbox chan Publication, wait time.Duration) {
	t.Helper()
	select {
	case p := <-mailbox:
		t.Fatalf("unexpected publication seq=%d topic=%s", p.Seq, p.Topic)
	case <-time.After(wait):
	}
}

func TestFanOutOrder(t *testing.T) {
	h := NewHub(HubConfig{})
	defer h.Close()

	a := make(chan Publication, 8)
	b := make(chan Publication, 8)
	h.Subscribe("client-a", "count", a)
	h.Subscribe("client-b", "count", b)

	for _, payload := range []string{"1", "2", "3"} {
		h.Publish("publisher", "count", []byte(payload))
	}

	for _, mailbox := range []chan Publication{a, b} {
		var got []string
		var seqs []SeqID
		for i := 0; i < 3; i++ {
			p := recvPub(t, mailbox)
			got = append(got, string(p.Payload))
			seqs = append(seqs, p.Seq)
		}
		assert.Equal(t, []string{"1", "2", "3"}, got)
		assert.Less(t, uint64(seqs[0]), uint64(seqs[1]))
		assert.Less(t, uint64(seqs[1]), uint64(seqs[2]))
	}
}

func TestTopicsAreIndependent(t *testing.T) {
	h := NewHub(HubConfig{})
	defer h.Close()

	a := make(chan Publication, 8)
	h.Subscribe("client-a", "alpha", a)

	h.Publish("publisher", "beta", []byte("other topic"))
	h.Publish("publisher", "alpha", []byte("mine"))

	p := recvPub(t, a)
	assert.Equal(t, "alpha", p.Topic)
	assert.Equal(t, "mine", string(p.Payload))
	assertNoPub(t, a, 50*time.Millisecond)
}

func TestResubscribeReplaces(t *testing.T) {
	h := NewHub(HubConfig{})
	defer h.Close()

	first := make(chan Publication, 8)
	second := make(chan Publication, 8)
	h.Subscribe("client-a", "count", first)
	h.Subscribe("client-a", "count", second)

	h.Publish("publisher", "count", []byte("x"))

	p := recvPub(t, second)
	assert.Equal(t, "x", string(p.Payload))
	assertNoPub(t, first, 50*time.Millisecond)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := NewHub(HubConfig{})
	defer h.Close()

	a := make(chan Publication, 8)
	h.Subscribe("client-a", "count", a)
	h.Unsubscribe("client-a", "count")

	h.Publish("publisher", "count", []byte("x"))
	assertNoPub(t, a, 50*time.Millisecond)
}

func TestDisconnectPurges(t *testing.T) {
	h := NewHub(HubConfig{AckMode: AckManual, RetryInterval: 20 * time.Millisecond, MaxRetries: 2})
	defer h.Close()

	a := make(chan Publication, 8)
	h.Subscribe("client-a", "count", a)
	h.Publish("publisher", "count", []byte("x"))
	recvPub(t, a)

	// The disconnect clears the pending ack; no retries should arrive.
	h.Disconnect("client-a")
	assertNoPub(t, a, 100*time.Millisecond)
}

func TestManualAckRetriesUntilAcked(t *testing.T) {
	h := NewHub(HubConfig{AckMode: AckManual, RetryInterval: 20 * time.Millisecond, MaxRetries: 10})
	defer h.Close()

	a := make(chan Publication, 8)
	h.Subscribe("client-a", "count", a)
	h.Publish("publisher", "count", []byte("x"))

	first := recvPub(t, a)
	retry := recvPub(t, a)
	assert.Equal(t, first.Seq, retry.Seq, "retry carries the same seq id")
	assert.Equal(t, first.Payload, retry.Payload)

	h.Ack("client-a", first.Seq)
	// Give in-flight timers a chance to fire, then expect silence.
	time.Sleep(50 * time.Millisecond)
	drained := 0
	for {
		select {
		case p := <-a:
			require.Equal(t, first.Seq, p.Seq)
			drained++
			continue
		default:
		}
		break
	}
	assertNoPub(t, a, 100*time.Millisecond)
}

func TestManualAckRetiresAfterMaxRetries(t *testing.T) {
	h := NewHub(HubConfig{AckMode: AckManual, RetryInterval: 10 * time.Millisecond, MaxRetries: 2})
	defer h.Close()

	a := make(chan Publication, 8)
	h.Subscribe("client-a", "count", a)
	h.Publish("publisher", "count", []byte("x"))

	// Initial delivery plus at most MaxRetries retransmissions.
	deliveries := 0
	deadline := time.After(300 * time.Millisecond)
	for {
		select {
		case <-a:
			deliveries++
		case <-deadline:
			assert.Equal(t, 3, deliveries)
			return
		}
	}
}

func TestAckForUnknownSeqIsIgnored(t *testing.T) {
	h := NewHub(HubConfig{AckMode: AckManual})
	defer h.Close()

	// Must not panic or disturb later publishes.
	h.Ack("client-a", 12345)

	a := make(chan Publication, 8)
	h.Subscribe("client-a", "count", a)
	h.Publish("publisher", "count", []byte("still works"))
	p := recvPub(t, a)
	assert.Equal(t, "still works", string(p.Payload))
}

func TestBestEffortDropOldest(t *testing.T) {
	h := NewHub(HubConfig{})
	defer h.Close()

	a := make(chan Publication, 1)
	h.Subscribe("client-a", "count", a)

	h.Publish("publisher", "count", []byte("old"))
	h.Publish("publisher", "count", []byte("new"))

	// Hub processes publishes in order; wait for both to be handled by
	// observing the later one land.
	require.Eventually(t, func() bool {
		select {
		case p := <-a:
			return string(p.Payload) == "new"
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSharedPayloadAcrossSubscribers(t *testing.T) {
	h := NewHub(HubConfig{})
	defer h.Close()

	a := make(chan Publication, 1)
	b := make(chan Publication, 1)
	h.Subscribe("client-a", "count", a)
	h.Subscribe("client-b", "count", b)

	payload := []byte("shared")
	h.Publish("publisher", "count", payload)

	pa := recvPub(t, a)
	pb := recvPub(t, b)
	assert.Same(t, &pa.Payload[0], &pb.Payload[0], "payload is fanned out by reference, not copied")
}
