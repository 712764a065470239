package scopedaq

// The client updater publishes JSON-encoded status messages so GUIs and
// scripts can follow the server state without polling the RPC port.

import (
	"encoding/json"
	"fmt"

	zmq "github.com/pebbe/zmq4"

	"github.com/scopedaq/scopedaq/internal/unbounded"
)

// ClientUpdate carries one message for the status port: a topic tag and any
// JSON-encodable state object.
type ClientUpdate struct {
	Tag   string
	State interface{}
}

// RunClientUpdater starts the ZMQ PUB socket on the given port and returns
// the channel on which to send updates. The channel is backed by an
// unbounded queue, so senders on the acquisition or RPC path never block on
// slow or absent subscribers. Close abort to shut the publisher down.
func RunClientUpdater(port int, abort <-chan struct{}) chan<- ClientUpdate {
	queue := unbounded.New[ClientUpdate]()
	go publishUpdates(queue.Out(), port, abort)
	return queue.In()
}

func publishUpdates(messages <-chan ClientUpdate, port int, abort <-chan struct{}) {
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		ProblemLogger.Printf("could not create status publisher socket: %v", err)
		return
	}
	defer pubSocket.Close()
	if err := pubSocket.Bind(fmt.Sprintf("tcp://*:%d", port)); err != nil {
		ProblemLogger.Printf("could not bind status publisher to port %d: %v", port, err)
		return
	}

	for {
		select {
		case <-abort:
			return
		case update, ok := <-messages:
			if !ok {
				return
			}
			body, err := json.Marshal(update.State)
			if err != nil {
				ProblemLogger.Printf("could not encode %q update: %v", update.Tag, err)
				continue
			}
			UpdateLogger.Printf("%s %s", update.Tag, body)
			// Two-frame message: tag for subscription filtering, then body.
			if _, err := pubSocket.SendMessage(update.Tag, body); err != nil {
				ProblemLogger.Printf("could not publish %q update: %v", update.Tag, err)
			}
		}
	}
}
