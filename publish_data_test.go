package trgecl

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/pebbe/zmq4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWordResult() *EventResult {
	res := &EventResult{Event: 77}
	res.Windows = []WindowResult{
		{Window: DecisionWindow{Index: 31, Timing: -0.25}, Word: 0x4a5},
		{Window: DecisionWindow{Index: 40, Timing: 1000.5}, Word: 0x400},
	}
	res.Windows[0].Clusters.ICN = [NumRegions]int{1, 2, 0}
	res.Windows[0].Clusters.Clusters = []Cluster{{}, {}}
	res.Windows[0].Discriminants.Etot = 3.5
	res.Windows[0].Discriminants.BhabhaStar = true
	return res
}

func TestWordMessages(t *testing.T) {
	msgs := WordMessages(testWordResult())
	require.Len(t, msgs, 2)
	assert.Equal(t, WordMessage{Event: 77, Window: 31, Timing: -0.25, Word: 0x4a5, ICN: 3, Etot: 3.5, Bhabha: true, Clusters: 2}, msgs[0])
	assert.Equal(t, 40, msgs[1].Window)
	assert.Empty(t, WordMessages(&EventResult{}))
}

func TestPackWordMessage(t *testing.T) {
	m := WordMessages(testWordResult())[0]
	header, body, err := packWordMessage(m)
	require.NoError(t, err)
	assert.Len(t, header, wordHeaderLen)

	event, window, word, timing, err := unpackWordHeader(header)
	require.NoError(t, err)
	assert.Equal(t, 77, event)
	assert.Equal(t, 31, window)
	assert.Equal(t, TriggerWord(0x4a5), word)
	assert.Equal(t, -0.25, timing)

	var decoded WordMessage
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, m, decoded)

	_, _, _, _, err = unpackWordHeader(header[:10])
	assert.Error(t, err)
}

func TestPublishWords(t *testing.T) {
	const port = 35791
	wordsToPub := make(chan []WordMessage)
	abort := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- PublishWords(wordsToPub, abort, port)
	}()

	sub, err := zmq4.NewSocket(zmq4.SUB)
	require.NoError(t, err)
	defer sub.Close()
	require.NoError(t, sub.SetSubscribe(""))
	require.NoError(t, sub.SetRcvtimeo(50*time.Millisecond))
	require.NoError(t, sub.Connect(fmt.Sprintf("tcp://localhost:%d", port)))

	// A new subscriber misses messages sent before it joins, so keep sending.
	msgs := WordMessages(testWordResult())
	var parts [][]byte
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case wordsToPub <- msgs[:1]:
		case err := <-done:
			t.Fatalf("PublishWords returned early: %v", err)
		}
		if parts, err = sub.RecvMessageBytes(0); err == nil {
			break
		}
	}
	require.NoError(t, err)
	require.Len(t, parts, 2)
	event, window, word, _, err := unpackWordHeader(parts[0])
	require.NoError(t, err)
	assert.Equal(t, 77, event)
	assert.Equal(t, 31, window)
	assert.Equal(t, TriggerWord(0x4a5), word)

	close(abort)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Error("PublishWords did not return after abort")
	}
}
