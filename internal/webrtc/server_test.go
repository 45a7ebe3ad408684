package webrtc

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/home-monitor/internal/metrics"
	"github.com/dj-oyu/home-monitor/internal/monitor"
)

// newOfferer returns a browser-like peer with an "updates" data channel and its gathered offer.
func newOfferer(t *testing.T) (*webrtc.PeerConnection, *webrtc.DataChannel, []byte) {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	dc, err := pc.CreateDataChannel("updates", nil)
	require.NoError(t, err)

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(pc)
	require.NoError(t, pc.SetLocalDescription(offer))
	<-gathered

	data, err := json.Marshal(pc.LocalDescription())
	require.NoError(t, err)
	return pc, dc, data
}

func TestHandleOfferRejectsInvalidInput(t *testing.T) {
	s := NewServer(nil, 2, nil)
	defer s.Close()

	_, err := s.HandleOffer([]byte("not json"))
	assert.Error(t, err)

	_, err = s.HandleOffer([]byte(`{"type":"answer","sdp":"v=0"}`))
	assert.Error(t, err)
	assert.Zero(t, s.GetClientCount())
}

func TestHandleOfferReturnsAnswerAndCloseRemovesClients(t *testing.T) {
	m := metrics.New()
	s := NewServer(nil, 2, m)

	_, _, offer := newOfferer(t)
	answerJSON, err := s.HandleOffer(offer)
	require.NoError(t, err)

	var answer webrtc.SessionDescription
	require.NoError(t, json.Unmarshal(answerJSON, &answer))
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	assert.Contains(t, answer.SDP, "webrtc-datachannel")
	assert.Equal(t, 1, s.GetClientCount())
	assert.Equal(t, int64(1), m.WebRTCClients.Load())

	stats := s.GetClientStats()
	require.Len(t, stats, 1)
	for _, st := range stats {
		assert.Equal(t, map[string]uint64{"messages_sent": 0, "messages_dropped": 0}, st)
	}

	done := make(chan struct{})
	go func() {
		_ = s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.Zero(t, s.GetClientCount())
	assert.Equal(t, int64(0), m.WebRTCClients.Load())
}

func TestHandleOfferEnforcesClientLimit(t *testing.T) {
	s := NewServer(nil, 1, nil)
	defer s.Close()

	_, _, first := newOfferer(t)
	_, err := s.HandleOffer(first)
	require.NoError(t, err)

	_, _, second := newOfferer(t)
	_, err = s.HandleOffer(second)
	assert.ErrorIs(t, err, ErrTooManyClients)
}

func TestOnlyFirstChannelSends(t *testing.T) {
	c := &Client{}
	assert.True(t, c.claimSender())
	assert.False(t, c.claimSender(), "a second channel shares the first sender")
}

func TestBroadcastWithoutClients(t *testing.T) {
	s := NewServer(nil, 1, nil)
	assert.NoError(t, s.Broadcast("log_update", monitor.LogUpdate{LogEntry: "x"}))
	assert.Error(t, s.Broadcast("bad", func() {}))
}

func TestPublishWindowReachesDataChannel(t *testing.T) {
	if testing.Short() {
		t.Skip("needs ICE connectivity")
	}
	s := NewServer(nil, 2, nil)
	defer s.Close()

	pc, dc, offer := newOfferer(t)
	opened := make(chan struct{})
	received := make(chan Message, 4)
	dc.OnOpen(func() { close(opened) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		var m Message
		if json.Unmarshal(msg.Data, &m) == nil {
			received <- m
		}
	})

	answerJSON, err := s.HandleOffer(offer)
	require.NoError(t, err)
	var answer webrtc.SessionDescription
	require.NoError(t, json.Unmarshal(answerJSON, &answer))
	require.NoError(t, pc.SetRemoteDescription(answer))

	select {
	case <-opened:
	case <-time.After(10 * time.Second):
		t.Skip("no ICE connectivity in this environment")
	}

	ts := time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC)
	s.PublishWindow(monitor.WindowReport{
		Event:           monitor.NewEvent("id", ts, []string{"person"}),
		WindowCounts:    map[string]int{"person": 2},
		Totals:          map[string]int{"person": 5},
		IntervalSeconds: 60,
	})

	var got []Message
	for len(got) < 2 {
		select {
		case m := <-received:
			got = append(got, m)
		case <-time.After(10 * time.Second):
			t.Fatalf("received %d of 2 messages", len(got))
		}
	}
	assert.Equal(t, "log_update", got[0].Event)
	assert.JSONEq(t, `{"log_entry":"Objects detected between 2024-05-01 14:00:00 and 60 seconds prior: person"}`, string(got[0].Data))
	assert.Equal(t, "update", got[1].Event)

	var update monitor.Update
	require.NoError(t, json.Unmarshal(got[1].Data, &update))
	assert.Equal(t, map[string]int{"person": 5}, update.TotalObjectCounts)
}
