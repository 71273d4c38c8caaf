package signaling

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/peerlink/internal/protocol"
)

func heartbeatMsg() protocol.Outbound { return protocol.Heartbeat() }

func TestTransitionPaths(t *testing.T) {
	testCases := []struct {
		name string
		role Role
		path []State
	}{
		{"initiator", Initiator, []State{OfferSent, AnswerReceived, Connected, Closed}},
		{"initiator via connecting", Initiator, []State{OfferSent, AnswerReceived, TransportConnecting, Connected}},
		{"responder", Responder, []State{OfferReceived, AnswerSent, Connected}},
		{"responder fails early", Responder, []State{OfferReceived, Failed}},
		{"closed from idle", Initiator, []State{Closed}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := newSession("bob", tc.role, time.Now())
			for _, next := range tc.path {
				if err := s.transition(next, time.Now()); err != nil {
					t.Fatalf("transition to %s: %v", next, err)
				}
			}
			if got := s.State(); got != tc.path[len(tc.path)-1] {
				t.Errorf("State() = %s", got)
			}
		})
	}
}

func TestIllegalTransitionsRejected(t *testing.T) {
	testCases := []struct {
		name  string
		role  Role
		setup []State
		next  State
	}{
		{"initiator skips offer", Initiator, nil, AnswerReceived},
		{"initiator takes responder path", Initiator, nil, OfferReceived},
		{"responder sends offer", Responder, nil, OfferSent},
		{"responder skips answer", Responder, []State{OfferReceived}, Connected},
		{"leave closed", Initiator, []State{Closed}, OfferSent},
		{"leave failed", Responder, []State{Failed}, Closed},
		{"back to idle", Initiator, []State{OfferSent}, Idle},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := newSession("bob", tc.role, time.Now())
			for _, st := range tc.setup {
				if err := s.transition(st, time.Now()); err != nil {
					t.Fatalf("setup %s: %v", st, err)
				}
			}
			before := s.State()

			err := s.transition(tc.next, time.Now())
			if !errors.Is(err, ErrProtocol) {
				t.Fatalf("transition error = %v, want ErrProtocol", err)
			}
			if s.State() != before {
				t.Errorf("state changed to %s on rejected transition", s.State())
			}
		})
	}
}

func TestSessionTrailAndActivity(t *testing.T) {
	t0 := time.Unix(100, 0)
	s := newSession("bob", Responder, t0)
	s.transition(OfferReceived, t0.Add(time.Second))
	s.transition(AnswerSent, t0.Add(2*time.Second))

	info := s.Info()
	if !info.CreatedAt.Equal(t0) || !info.LastActivityAt.Equal(t0.Add(2*time.Second)) {
		t.Errorf("info times = %v / %v", info.CreatedAt, info.LastActivityAt)
	}
	if got := s.Trail(); len(got) != 3 || got[0] != Idle || got[2] != AnswerSent {
		t.Errorf("Trail() = %v", got)
	}
}

func TestAddCandidateBuffersWithoutRemote(t *testing.T) {
	h := &fakeHandle{}
	s := newSession("bob", Responder, time.Now())
	s.handle = h

	buffered, err := s.addCandidate(protocol.Candidate{Candidate: "c1"}, time.Now())
	if err != nil || !buffered {
		t.Fatalf("addCandidate = %v, %v; want buffered", buffered, err)
	}

	if _, err := s.acceptOffer(protocol.SessionDescription{Type: "offer", SDP: "v=0"}, time.Now()); err != nil {
		t.Fatalf("acceptOffer: %v", err)
	}
	if h.candidateCount() != 1 {
		t.Fatalf("buffered candidates applied = %d, want 1", h.candidateCount())
	}

	buffered, err = s.addCandidate(protocol.Candidate{Candidate: "c2"}, time.Now())
	if err != nil || buffered {
		t.Fatalf("addCandidate after remote = %v, %v", buffered, err)
	}
	if h.candidateCount() != 2 {
		t.Errorf("candidates = %d, want 2", h.candidateCount())
	}
}

func TestAcceptAnswerRequiresOfferSent(t *testing.T) {
	s := newSession("bob", Initiator, time.Now())
	s.handle = &fakeHandle{}

	err := s.acceptAnswer(protocol.SessionDescription{Type: "answer"}, time.Now())
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("acceptAnswer in idle = %v, want ErrProtocol", err)
	}
}

func TestTableKeepsOneEntryPerPeer(t *testing.T) {
	tbl := NewTable()
	a := newSession("bob", Initiator, time.Now())
	b := newSession("bob", Responder, time.Now())

	if old := tbl.Put(a); old != nil {
		t.Fatalf("Put on empty table displaced %v", old)
	}
	if old := tbl.Put(b); old != a {
		t.Fatal("Put did not return the displaced session")
	}
	if tbl.Len() != 1 {
		t.Fatalf("Len() = %d", tbl.Len())
	}
	if tbl.Remove(a) {
		t.Error("removing a replaced session evicted its successor")
	}
	if cur, _ := tbl.Get("bob"); cur != b {
		t.Error("successor missing")
	}

	b.transition(Failed, time.Now())
	if _, ok := tbl.Live("bob"); ok {
		t.Error("Live returned a terminal session")
	}
	if !tbl.Remove(b) || tbl.Len() != 0 {
		t.Error("Remove failed")
	}
}

func TestPendingResolvesAllWaitersOfKind(t *testing.T) {
	p := newPendingTable()
	r1 := p.add(protocol.TypePeerList)
	r2 := p.add(protocol.TypePeerList)
	other := p.add("other")

	if r1.id == r2.id {
		t.Fatal("requests share an id")
	}
	for _, r := range []*pendingRequest{r1, r2, other} {
		if _, err := uuid.Parse(r.id); err != nil {
			t.Errorf("id %q is not a uuid: %v", r.id, err)
		}
	}

	if n := p.resolve(protocol.PeerList{}); n != 2 {
		t.Fatalf("resolve() = %d, want 2", n)
	}
	for _, r := range []*pendingRequest{r1, r2} {
		select {
		case <-r.reply:
		default:
			t.Error("waiter not satisfied")
		}
	}
	if p.len() != 1 {
		t.Errorf("len() = %d, want 1", p.len())
	}
	p.remove(other)
	if p.len() != 0 {
		t.Error("remove failed")
	}
}

func TestStatusBusDropsForSlowSubscriber(t *testing.T) {
	b := newStatusBus()
	ch, cancel := b.subscribe()

	for i := 0; i < subscriberBuffer+10; i++ {
		b.emit("bob", StatusOnline)
	}
	if len(ch) != subscriberBuffer {
		t.Fatalf("buffered %d, want %d", len(ch), subscriberBuffer)
	}

	cancel()
	cancel()
	b.close()
	b.close()
}
