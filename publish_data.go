package trgecl

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/pebbe/zmq4"
)

// WordMessage is what the publisher sends for each decision window.
type WordMessage struct {
	Event    int         `json:"event"`
	Window   int         `json:"window"`
	Timing   float64     `json:"timing"`
	Word     TriggerWord `json:"word"`
	ICN      int         `json:"icn"`
	Etot     float64     `json:"etot"`
	Bhabha   bool        `json:"bhabha_star"`
	Veto     bool        `json:"veto"`
	Clusters int         `json:"nclusters"`
}

// WordMessages flattens an event result into one message per window.
func WordMessages(res *EventResult) []WordMessage {
	msgs := make([]WordMessage, len(res.Windows))
	for i, w := range res.Windows {
		msgs[i] = WordMessage{
			Event:    res.Event,
			Window:   w.Window.Index,
			Timing:   w.Window.Timing,
			Word:     w.Word,
			ICN:      w.Clusters.TotalICN(),
			Etot:     w.Discriminants.Etot,
			Bhabha:   w.Discriminants.BhabhaStar,
			Veto:     w.Discriminants.BackgroundVeto,
			Clusters: len(w.Clusters.Clusters),
		}
	}
	return msgs
}

// wordHeaderLen is the size of the binary header frame.
const wordHeaderLen = 16

// packWordMessage makes the two frames of one message: a little-endian
// binary header (event uint32, window uint16, word uint16, timing float64)
// that subscribers can filter on, and a JSON body.
func packWordMessage(m WordMessage) ([]byte, []byte, error) {
	header := make([]byte, wordHeaderLen)
	binary.LittleEndian.PutUint32(header[0:], uint32(m.Event))
	binary.LittleEndian.PutUint16(header[4:], uint16(m.Window))
	binary.LittleEndian.PutUint16(header[6:], uint16(m.Word))
	binary.LittleEndian.PutUint64(header[8:], math.Float64bits(m.Timing))
	body, err := json.Marshal(m)
	if err != nil {
		return nil, nil, err
	}
	return header, body, nil
}

// unpackWordHeader decodes the binary header frame.
func unpackWordHeader(header []byte) (event, window int, word TriggerWord, timing float64, err error) {
	if len(header) != wordHeaderLen {
		err = fmt.Errorf("word header has %d bytes, want %d", len(header), wordHeaderLen)
		return
	}
	event = int(binary.LittleEndian.Uint32(header[0:]))
	window = int(binary.LittleEndian.Uint16(header[4:]))
	word = TriggerWord(binary.LittleEndian.Uint16(header[6:]))
	timing = math.Float64frombits(binary.LittleEndian.Uint64(header[8:]))
	return
}

// PublishWords publishes one message per WordMessage received on its input to
// a ZMQ PUB socket. It terminates when the abort channel is closed or the
// input channel is closed.
func PublishWords(wordsToPub <-chan []WordMessage, abort <-chan struct{}, portnum int) error {
	pubSocket, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return err
	}
	defer pubSocket.Close()
	pubSocket.SetSndhwm(1000)
	hostname := fmt.Sprintf("tcp://*:%d", portnum)
	if err := pubSocket.Bind(hostname); err != nil {
		return fmt.Errorf("could not bind PUB socket to %s: %w", hostname, err)
	}

	for {
		select {
		case <-abort:
			return nil
		case msgs, ok := <-wordsToPub:
			if !ok {
				return nil
			}
			for _, m := range msgs {
				header, body, err := packWordMessage(m)
				if err != nil {
					ProblemLogger.Printf("could not pack trigger word of event %d: %v", m.Event, err)
					continue
				}
				if _, err := pubSocket.SendMessage(header, body); err != nil {
					ProblemLogger.Printf("zmq send error: %v", err)
				}
			}
		}
	}
}
