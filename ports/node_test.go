// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ports

import (
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/bureau-foundation/servicebus/lib/codec"
)

// testNetwork routes events between in-memory nodes. Every event is
// encoded and decoded on the way, the same as on a real channel.
type testNetwork struct {
	t *testing.T

	mu            sync.Mutex
	nodes         map[NodeName]*Node
	down          map[NodeName]bool
	pending       []routedEvent
	statusChanges map[PortName]int
}

type routedEvent struct {
	to    NodeName
	event *Event
}

type testDelegate struct {
	network *testNetwork
	self    NodeName
}

func (d testDelegate) ForwardEvent(node NodeName, event *Event) {
	d.network.enqueue(node, event)
}

func (d testDelegate) BroadcastEvent(event *Event) {
	d.network.mu.Lock()
	var names []NodeName
	for name := range d.network.nodes {
		if name != d.self {
			names = append(names, name)
		}
	}
	d.network.mu.Unlock()
	for _, name := range names {
		copied := *event
		d.network.enqueue(name, &copied)
	}
}

func (d testDelegate) PortStatusChanged(ref PortRef) {
	d.network.mu.Lock()
	defer d.network.mu.Unlock()
	d.network.statusChanges[ref.Name()]++
}

func newTestNetwork(t *testing.T, count int) (*testNetwork, []*Node) {
	t.Helper()
	network := &testNetwork{
		t:             t,
		nodes:         make(map[NodeName]*Node),
		down:          make(map[NodeName]bool),
		statusChanges: make(map[PortName]int),
	}
	nodes := make([]*Node, count)
	for i := range nodes {
		name := RandomNodeName()
		nodes[i] = NewNode(name, testDelegate{network: network, self: name})
		network.nodes[nodes[i].Name()] = nodes[i]
	}
	return network, nodes
}

func (tn *testNetwork) enqueue(to NodeName, event *Event) {
	data, err := codec.Marshal(event)
	if err != nil {
		tn.t.Errorf("encoding %s event: %v", event.Type, err)
		return
	}
	var decoded Event
	if err := codec.Unmarshal(data, &decoded); err != nil {
		tn.t.Errorf("decoding %s event: %v", event.Type, err)
		return
	}
	decoded.Message = event.Message

	tn.mu.Lock()
	defer tn.mu.Unlock()
	tn.pending = append(tn.pending, routedEvent{to: to, event: &decoded})
}

// pump delivers events until the network is quiet.
func (tn *testNetwork) pump() {
	for {
		tn.mu.Lock()
		if len(tn.pending) == 0 {
			tn.mu.Unlock()
			return
		}
		next := tn.pending[0]
		tn.pending = tn.pending[1:]
		node := tn.nodes[next.to]
		dropped := tn.down[next.to]
		tn.mu.Unlock()

		if node == nil || dropped {
			next.event.Message.Close()
			continue
		}
		// Events for ports that are already gone are expected while
		// proxies unwind.
		node.AcceptEvent(next.event)
	}
}

func (tn *testNetwork) setDown(node NodeName) {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	tn.down[node] = true
}

func (tn *testNetwork) statusChangeCount(name PortName) int {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	return tn.statusChanges[name]
}

// crossPair connects a fresh port on a with a fresh port on b.
func crossPair(t *testing.T, a, b *Node) (PortRef, PortRef) {
	t.Helper()
	x, err := a.CreateUninitializedPort()
	if err != nil {
		t.Fatalf("CreateUninitializedPort: %v", err)
	}
	y, err := b.CreateUninitializedPort()
	if err != nil {
		t.Fatalf("CreateUninitializedPort: %v", err)
	}
	if err := a.InitializePort(x, b.Name(), y.Name()); err != nil {
		t.Fatalf("InitializePort: %v", err)
	}
	if err := b.InitializePort(y, a.Name(), x.Name()); err != nil {
		t.Fatalf("InitializePort: %v", err)
	}
	return x, y
}

func portPair(t *testing.T, node *Node) (PortRef, PortRef) {
	t.Helper()
	a, b, err := node.CreatePortPair()
	if err != nil {
		t.Fatalf("CreatePortPair: %v", err)
	}
	return a, b
}

func sendText(t *testing.T, node *Node, ref PortRef, text string, attached ...PortRef) {
	t.Helper()
	names := make([]PortName, len(attached))
	for i, port := range attached {
		names[i] = port.Name()
	}
	event := NewUserEvent(&Message{Payload: []byte(text)}, names)
	if err := node.SendMessage(ref, event); err != nil {
		t.Fatalf("SendMessage(%q): %v", text, err)
	}
}

func readText(t *testing.T, node *Node, ref PortRef) (string, []PortName) {
	t.Helper()
	event, err := node.GetMessage(ref, nil)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if event == nil {
		t.Fatal("GetMessage: no message ready")
	}
	return string(event.Message.Payload), event.Ports
}

func TestPortPairSendReceive(t *testing.T) {
	network, nodes := newTestNetwork(t, 1)
	node := nodes[0]
	a, b := portPair(t, node)

	sendText(t, node, a, "hello")
	sendText(t, node, a, "world")
	network.pump()

	status, err := node.Status(b)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.HasMessages || !status.ReceivingMessages || status.PeerClosed {
		t.Fatalf("Status = %+v, want readable and open", status)
	}
	if network.statusChangeCount(b.Name()) == 0 {
		t.Error("no status change reported for the receiving port")
	}

	for _, want := range []string{"hello", "world"} {
		if got, _ := readText(t, node, b); got != want {
			t.Errorf("read %q, want %q", got, want)
		}
	}
	event, err := node.GetMessage(b, nil)
	if err != nil || event != nil {
		t.Fatalf("GetMessage on empty port = (%v, %v), want (nil, nil)", event, err)
	}
}

func TestGetMessageSelector(t *testing.T) {
	network, nodes := newTestNetwork(t, 1)
	node := nodes[0]
	a, b := portPair(t, node)
	sendText(t, node, a, "big message")
	network.pump()

	event, err := node.GetMessage(b, func(e *Event) bool { return len(e.Message.Payload) < 4 })
	if err != nil || event != nil {
		t.Fatalf("rejecting selector returned (%v, %v)", event, err)
	}
	if got, _ := readText(t, node, b); got != "big message" {
		t.Errorf("read %q after rejected selector", got)
	}
}

func TestClosePortDeliversQueuedMessagesFirst(t *testing.T) {
	network, nodes := newTestNetwork(t, 1)
	node := nodes[0]
	a, b := portPair(t, node)

	for _, text := range []string{"one", "two", "three"} {
		sendText(t, node, a, text)
	}
	if err := node.ClosePort(a); err != nil {
		t.Fatalf("ClosePort: %v", err)
	}
	network.pump()

	status, err := node.Status(b)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.PeerClosed || !status.ReceivingMessages {
		t.Fatalf("Status = %+v, want peer closed with messages left", status)
	}
	for _, want := range []string{"one", "two", "three"} {
		if got, _ := readText(t, node, b); got != want {
			t.Errorf("read %q, want %q", got, want)
		}
	}
	if _, err := node.GetMessage(b, nil); !errors.Is(err, ErrPeerClosed) {
		t.Fatalf("GetMessage after last message: err = %v, want ErrPeerClosed", err)
	}
	status, _ = node.Status(b)
	if status.ReceivingMessages {
		t.Error("ReceivingMessages still true after draining a closed peer")
	}

	if err := node.SendMessage(b, NewUserEvent(&Message{}, nil)); !errors.Is(err, ErrPeerClosed) {
		t.Errorf("SendMessage to closed peer: err = %v, want ErrPeerClosed", err)
	}
}

func TestSendMessageRejectsInvalidAttachments(t *testing.T) {
	network, nodes := newTestNetwork(t, 1)
	node := nodes[0]
	a, b := portPair(t, node)
	c, _ := portPair(t, node)

	tests := []struct {
		name     string
		attached []PortName
		want     error
	}{
		{"self", []PortName{a.Name()}, ErrCannotSendSelf},
		{"peer", []PortName{b.Name()}, ErrCannotSendPeer},
		{"duplicate", []PortName{c.Name(), c.Name()}, ErrDuplicatePort},
		{"unknown", []PortName{RandomPortName()}, ErrPortUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := node.SendMessage(a, NewUserEvent(&Message{}, tt.attached))
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}

	// Failed sends must not consume sequence numbers.
	sendText(t, node, a, "after failures")
	network.pump()
	if got, _ := readText(t, node, b); got != "after failures" {
		t.Errorf("read %q", got)
	}
}

func TestSendOnTransferredPortFails(t *testing.T) {
	network, nodes := newTestNetwork(t, 1)
	node := nodes[0]
	a, _ := portPair(t, node)
	c, d := portPair(t, node)

	sendText(t, node, a, "carrier", c)
	if err := node.SendMessage(c, NewUserEvent(&Message{}, nil)); !errors.Is(err, ErrPortStateUnexpected) {
		t.Fatalf("SendMessage on sent port: err = %v, want ErrPortStateUnexpected", err)
	}
	if err := node.ClosePort(c); !errors.Is(err, ErrPortStateUnexpected) {
		t.Fatalf("ClosePort on sent port: err = %v, want ErrPortStateUnexpected", err)
	}
	network.pump()
	if _, err := node.Status(d); err != nil {
		t.Fatalf("Status of untouched peer: %v", err)
	}
}

func TestTransferAcrossNodesPreservesOrder(t *testing.T) {
	network, nodes := newTestNetwork(t, 2)
	n0, n1 := nodes[0], nodes[1]
	x, y := crossPair(t, n0, n1)
	a, b := portPair(t, n0)

	sendText(t, n0, a, "1")
	sendText(t, n0, a, "2")
	sendText(t, n0, x, "carrier", b)
	// Sent while b is still buffering on n0.
	sendText(t, n0, a, "3")
	network.pump()

	_, carried := readText(t, n1, y)
	if len(carried) != 1 {
		t.Fatalf("carrier brought %d ports, want 1", len(carried))
	}
	moved, err := n1.GetPort(carried[0])
	if err != nil {
		t.Fatalf("GetPort(adopted): %v", err)
	}
	for _, want := range []string{"1", "2", "3"} {
		if got, _ := readText(t, n1, moved); got != want {
			t.Errorf("read %q, want %q", got, want)
		}
	}

	// The proxy left behind on n0 is gone and a talks to moved directly.
	if got := n0.PortCount(); got != 2 {
		t.Errorf("n0 holds %d ports, want 2", got)
	}
	peerNode, peerPort, err := n0.Peer(a)
	if err != nil {
		t.Fatalf("Peer: %v", err)
	}
	if peerNode != n1.Name() || peerPort != moved.Name() {
		t.Errorf("a's peer = %s/%s, want %s/%s", peerNode, peerPort, n1.Name(), moved.Name())
	}

	sendText(t, n1, moved, "reply")
	network.pump()
	if got, _ := readText(t, n0, a); got != "reply" {
		t.Errorf("read %q, want reply", got)
	}
}

func TestClosureFollowsTransferredPort(t *testing.T) {
	network, nodes := newTestNetwork(t, 2)
	n0, n1 := nodes[0], nodes[1]
	x, y := crossPair(t, n0, n1)
	a, b := portPair(t, n0)

	sendText(t, n0, a, "last words")
	sendText(t, n0, x, "carrier", b)
	if err := n0.ClosePort(a); err != nil {
		t.Fatalf("ClosePort: %v", err)
	}
	network.pump()

	_, carried := readText(t, n1, y)
	moved, err := n1.GetPort(carried[0])
	if err != nil {
		t.Fatalf("GetPort: %v", err)
	}
	if got, _ := readText(t, n1, moved); got != "last words" {
		t.Errorf("read %q", got)
	}
	if _, err := n1.GetMessage(moved, nil); !errors.Is(err, ErrPeerClosed) {
		t.Fatalf("err = %v, want ErrPeerClosed", err)
	}
	if got := n0.PortCount(); got != 1 {
		t.Errorf("n0 holds %d ports after closure, want 1", got)
	}
}

func TestTransferPortWhosePeerAlreadyClosed(t *testing.T) {
	network, nodes := newTestNetwork(t, 2)
	n0, n1 := nodes[0], nodes[1]
	x, y := crossPair(t, n0, n1)
	a, b := portPair(t, n0)

	sendText(t, n0, a, "queued")
	n0.ClosePort(a)
	network.pump()

	sendText(t, n0, x, "carrier", b)
	network.pump()

	_, carried := readText(t, n1, y)
	moved, err := n1.GetPort(carried[0])
	if err != nil {
		t.Fatalf("GetPort: %v", err)
	}
	if got, _ := readText(t, n1, moved); got != "queued" {
		t.Errorf("read %q", got)
	}
	if _, err := n1.GetMessage(moved, nil); !errors.Is(err, ErrPeerClosed) {
		t.Fatalf("err = %v, want ErrPeerClosed", err)
	}
}

func TestLostConnectionToNode(t *testing.T) {
	network, nodes := newTestNetwork(t, 2)
	n0, n1 := nodes[0], nodes[1]
	x, y := crossPair(t, n0, n1)

	sendText(t, n1, y, "before the crash")
	sendText(t, n1, y, "also before")
	network.pump()
	network.setDown(n1.Name())
	n0.LostConnectionToNode(n1.Name())

	status, err := n0.Status(x)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.PeerClosed {
		t.Fatal("peer not reported closed after losing its node")
	}
	for _, want := range []string{"before the crash", "also before"} {
		if got, _ := readText(t, n0, x); got != want {
			t.Errorf("read %q, want %q", got, want)
		}
	}
	if _, err := n0.GetMessage(x, nil); !errors.Is(err, ErrPeerClosed) {
		t.Fatalf("err = %v, want ErrPeerClosed", err)
	}
	if network.statusChangeCount(x.Name()) < 2 {
		t.Error("loss of the peer node was not signalled")
	}
}

func TestLostConnectionReachesPortsBehindProxy(t *testing.T) {
	network, nodes := newTestNetwork(t, 3)
	n0, n1, n2 := nodes[0], nodes[1], nodes[2]
	x, y := crossPair(t, n0, n1)
	c, _ := crossPair(t, n1, n2)

	// y leaves for n2, leaving a proxy on n1 that x still points at.
	carrier := NewUserEvent(&Message{Payload: []byte("carrier")}, []PortName{y.Name()})
	if err := n1.SendMessage(c, carrier); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	network.setDown(n2.Name())
	n1.LostConnectionToNode(n2.Name())
	network.pump()

	if status, _ := n0.Status(x); !status.PeerClosed {
		t.Fatal("x not peer-closed after the node behind its peer's proxy was lost")
	}
	if got := n1.PortCount(); got != 1 {
		t.Errorf("n1 holds %d ports, want only the carrier port", got)
	}
}

func TestLostAllRemoteConnectionsKeepsLocalPairs(t *testing.T) {
	network, nodes := newTestNetwork(t, 2)
	n0, n1 := nodes[0], nodes[1]
	x, _ := crossPair(t, n0, n1)
	a, b := portPair(t, n0)

	n0.LostAllRemoteConnections()
	network.pump()

	if status, _ := n0.Status(x); !status.PeerClosed {
		t.Error("remote peer not closed")
	}
	sendText(t, n0, a, "still local")
	network.pump()
	if got, _ := readText(t, n0, b); got != "still local" {
		t.Errorf("read %q", got)
	}
}

func TestMergePorts(t *testing.T) {
	network, nodes := newTestNetwork(t, 2)
	n0, n1 := nodes[0], nodes[1]
	a, b := portPair(t, n0)
	c, d := portPair(t, n1)

	sendText(t, n0, a, "early")
	if err := n0.MergePorts(b, n1.Name(), d.Name()); err != nil {
		t.Fatalf("MergePorts: %v", err)
	}
	network.pump()

	if got, _ := readText(t, n1, c); got != "early" {
		t.Errorf("read %q, want early", got)
	}
	sendText(t, n1, c, "across")
	network.pump()
	if got, _ := readText(t, n0, a); got != "across" {
		t.Errorf("read %q, want across", got)
	}
	if got := n0.PortCount(); got != 1 {
		t.Errorf("n0 holds %d ports after merge, want 1", got)
	}
	if got := n1.PortCount(); got != 1 {
		t.Errorf("n1 holds %d ports after merge, want 1", got)
	}
}

func TestClosingUnreadMessageClosesCarriedPorts(t *testing.T) {
	network, nodes := newTestNetwork(t, 1)
	node := nodes[0]
	a, b := portPair(t, node)
	c, d := portPair(t, node)

	reader, writer, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer writer.Close()

	event := NewUserEvent(&Message{Payload: []byte("x"), Files: []*os.File{reader}}, []PortName{c.Name()})
	if err := node.SendMessage(a, event); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	network.pump()

	if err := node.ClosePort(b); err != nil {
		t.Fatalf("ClosePort: %v", err)
	}
	network.pump()

	if _, err := node.GetMessage(d, nil); !errors.Is(err, ErrPeerClosed) {
		t.Errorf("carried port's peer: err = %v, want ErrPeerClosed", err)
	}
	if _, err := reader.Stat(); !errors.Is(err, os.ErrClosed) {
		t.Errorf("carried file still open: Stat err = %v", err)
	}
}

func TestAcceptEventRejectsMalformed(t *testing.T) {
	_, nodes := newTestNetwork(t, 1)
	tests := []struct {
		name  string
		event *Event
	}{
		{"unknown type", &Event{Type: 99}},
		{"user without sequence", &Event{Type: EventUser}},
		{"user descriptor mismatch", &Event{Type: EventUser, SequenceNum: 1, Ports: []PortName{RandomPortName()}}},
		{"proxy without info", &Event{Type: EventObserveProxy}},
		{"merge without info", &Event{Type: EventMergePort}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := nodes[0].AcceptEvent(tt.event); !errors.Is(err, ErrMalformedEvent) {
				t.Fatalf("err = %v, want ErrMalformedEvent", err)
			}
		})
	}
}

func TestMessageQueueOrdersOutOfOrderArrivals(t *testing.T) {
	queue := newMessageQueue(initialSequenceNum)
	if queue.accept(&Event{SequenceNum: 3}) {
		t.Error("message 3 reported ready before 1")
	}
	if queue.accept(&Event{SequenceNum: 2}) {
		t.Error("message 2 reported ready before 1")
	}
	if !queue.accept(&Event{SequenceNum: 1}) {
		t.Error("message 1 not reported ready")
	}
	for want := uint64(1); want <= 3; want++ {
		event := queue.next(nil)
		if event == nil || event.SequenceNum != want {
			t.Fatalf("next = %v, want sequence %d", event, want)
		}
	}
	if queue.next(nil) != nil {
		t.Error("queue not empty")
	}
}

func TestNameTextRoundTrip(t *testing.T) {
	name := RandomPortName()
	text, err := name.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	var decoded PortName
	if err := decoded.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if decoded != name || decoded.String() != string(text) {
		t.Errorf("decoded %s, want %s", decoded, name)
	}
	if !(PortName{}).IsZero() || name.IsZero() {
		t.Error("IsZero wrong")
	}
}
