package session_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/meeting-signaling/internal/hub"
	"github.com/mossy-p/meeting-signaling/internal/media"
	"github.com/mossy-p/meeting-signaling/internal/models"
	"github.com/mossy-p/meeting-signaling/internal/peerlink"
	"github.com/mossy-p/meeting-signaling/internal/peerlink/peerlinktest"
	"github.com/mossy-p/meeting-signaling/internal/session"
	"github.com/mossy-p/meeting-signaling/internal/signaling"
)

const meetingID = "ABC123"

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

type eventLog struct {
	mu     sync.Mutex
	events []session.Event
	closed bool
}

func (l *eventLog) collect(events <-chan session.Event) {
	for e := range events {
		l.mu.Lock()
		l.events = append(l.events, e)
		l.mu.Unlock()
	}
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

func (l *eventLog) has(match func(session.Event) bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if match(e) {
			return true
		}
	}
	return false
}

func (l *eventLog) count(typ session.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (l *eventLog) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// recordingCapturer remembers every track set it hands out.
type recordingCapturer struct {
	inner media.SyntheticCapturer

	mu    sync.Mutex
	calls int
	sets  []*media.TrackSet
}

func (c *recordingCapturer) Acquire(ctx context.Context, wantAudio, wantVideo bool) (*media.TrackSet, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	set, err := c.inner.Acquire(ctx, wantAudio, wantVideo)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.sets = append(c.sets, set)
	c.mu.Unlock()
	return set, nil
}

func (c *recordingCapturer) allReleased() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sets {
		if !s.Released() {
			return false
		}
	}
	return true
}

type participant struct {
	id       string
	conn     *signaling.LocalConn
	mgr      *session.Manager
	capturer *recordingCapturer
	events   *eventLog
	done     chan error
}

func newParticipant(t *testing.T, h *hub.Hub, net *peerlinktest.Network, id string) *participant {
	t.Helper()
	p := &participant{
		id:       id,
		conn:     signaling.NewLocalConn(h, id, 0),
		capturer: &recordingCapturer{},
		events:   &eventLog{},
		done:     make(chan error, 1),
	}
	p.mgr = session.New(session.Config{
		Conn:         p.conn,
		Capturer:     p.capturer,
		NewTransport: net.Factory(id),
		WantAudio:    true,
		WantVideo:    true,
		NewMeetingID: func() string { return meetingID },
		RelayBackoff: 50 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() { p.done <- p.mgr.Run(ctx) }()
	go p.events.collect(p.mgr.Events())
	t.Cleanup(func() {
		cancel()
		<-p.done
		_ = p.conn.Close()
	})
	return p
}

func (p *participant) join(t *testing.T) {
	t.Helper()
	if err := p.mgr.JoinMeeting(context.Background(), meetingID); err != nil {
		t.Fatalf("%s JoinMeeting: %v", p.id, err)
	}
	waitFor(t, p.id+" in meeting", func() bool {
		return p.mgr.Snapshot().Phase == session.PhaseInMeeting
	})
}

// connectedTo reports whether p has exactly the given peers, all connected.
func (p *participant) connectedTo(peers ...string) bool {
	links := p.mgr.Links()
	if len(links) != len(peers) {
		return false
	}
	for i, l := range links {
		if l.ParticipantID != peers[i] || l.State != peerlink.StateConnected {
			return false
		}
	}
	return true
}

func (p *participant) linkState(peer string) peerlink.State {
	for _, l := range p.mgr.Links() {
		if l.ParticipantID == peer {
			return l.State
		}
	}
	return peerlink.StateClosed
}

// transportTo finds the open transport of from whose remote description was
// created by one of to's transports.
func transportTo(net *peerlinktest.Network, from, to string) *peerlinktest.Transport {
	for _, tr := range transportsOf(net, from) {
		remote := tr.RemoteDescription()
		if tr.Closed() || remote == nil {
			continue
		}
		if fields := strings.Fields(remote.SDP); len(fields) > 1 && strings.HasPrefix(fields[1], to+"-") {
			return tr
		}
	}
	return nil
}

func transportsOf(net *peerlinktest.Network, id string) []*peerlinktest.Transport {
	var out []*peerlinktest.Transport
	for _, tr := range net.Transports() {
		if strings.HasPrefix(tr.Name, id+"-") {
			out = append(out, tr)
		}
	}
	return out
}

func TestCreatorAndGuestConnect(t *testing.T) {
	h := hub.New(hub.Config{})
	net := peerlinktest.NewNetwork(true)
	x := newParticipant(t, h, net, "x")
	y := newParticipant(t, h, net, "y")

	id, err := x.mgr.StartMeeting(context.Background())
	if err != nil {
		t.Fatalf("StartMeeting: %v", err)
	}
	if id != meetingID {
		t.Fatalf("meeting id = %q", id)
	}
	waitFor(t, "x in meeting", func() bool { return x.mgr.Snapshot().Phase == session.PhaseInMeeting })
	if snap := x.mgr.Snapshot(); snap.Role != models.RoleCreator || snap.LocalID != "x" {
		t.Fatalf("x snapshot = %+v", snap)
	}
	if x.events.count(session.EventParticipantJoined) != 0 {
		t.Fatalf("creator saw a participant before anyone joined")
	}

	y.join(t)
	if snap := y.mgr.Snapshot(); snap.Role != models.RoleGuest {
		t.Fatalf("y role = %q", snap.Role)
	}

	waitFor(t, "x-y connected", func() bool {
		return x.connectedTo("y") && y.connectedTo("x")
	})

	// The joiner offers; the creator only answers.
	if offers := len(transportsOf(net, "y")[0].Offers()); offers != 1 {
		t.Fatalf("y created %d offers, want 1", offers)
	}
	if offers := len(transportsOf(net, "x")[0].Offers()); offers != 0 {
		t.Fatalf("x created %d offers, want 0", offers)
	}

	waitFor(t, "remote tracks", func() bool {
		return x.events.has(func(e session.Event) bool {
			return e.Type == session.EventRemoteTrack && e.ParticipantID == "y"
		}) && y.events.has(func(e session.Event) bool {
			return e.Type == session.EventRemoteTrack && e.ParticipantID == "x"
		})
	})
}

func TestThreeParticipantsFullMesh(t *testing.T) {
	h := hub.New(hub.Config{})
	net := peerlinktest.NewNetwork(true)
	x := newParticipant(t, h, net, "x")
	y := newParticipant(t, h, net, "y")
	z := newParticipant(t, h, net, "z")

	x.join(t)
	y.join(t)
	z.join(t)

	waitFor(t, "full mesh", func() bool {
		return x.connectedTo("y", "z") && y.connectedTo("x", "z") && z.connectedTo("x", "y")
	})

	// One transport per side of each pair, no duplicates.
	if n := len(net.Transports()); n != 6 {
		t.Fatalf("created %d transports, want 6", n)
	}
	if n := net.Open(); n != 6 {
		t.Fatalf("%d transports open, want 6", n)
	}
}

func TestAbruptDisconnectClosesOnlyThatPeer(t *testing.T) {
	h := hub.New(hub.Config{})
	net := peerlinktest.NewNetwork(true)
	x := newParticipant(t, h, net, "x")
	y := newParticipant(t, h, net, "y")
	z := newParticipant(t, h, net, "z")
	x.join(t)
	y.join(t)
	z.join(t)
	waitFor(t, "full mesh", func() bool {
		return x.connectedTo("y", "z") && y.connectedTo("x", "z") && z.connectedTo("x", "y")
	})

	_ = y.conn.Close()

	waitFor(t, "y removed", func() bool {
		return x.connectedTo("z") && z.connectedTo("x")
	})
	for _, p := range []*participant{x, z} {
		if !p.events.has(func(e session.Event) bool {
			return e.Type == session.EventLinkState && e.ParticipantID == "y" && e.State == peerlink.StateClosed
		}) {
			t.Fatalf("%s did not report its link to y closed", p.id)
		}
		if !p.events.has(func(e session.Event) bool {
			return e.Type == session.EventParticipantLeft && e.ParticipantID == "y"
		}) {
			t.Fatalf("%s did not report y leaving", p.id)
		}
	}

	select {
	case err := <-y.done:
		if !errors.Is(err, session.ErrHubUnreachable) {
			t.Fatalf("y Run returned %v", err)
		}
		y.done <- err
	case <-time.After(5 * time.Second):
		t.Fatalf("y Run did not stop")
	}
	waitFor(t, "only x-z transports open", func() bool { return net.Open() == 2 })
	if !y.capturer.allReleased() {
		t.Fatalf("y media not released")
	}
	if !y.events.has(func(e session.Event) bool { return e.Type == session.EventHubUnreachable }) {
		t.Fatalf("y did not report hub unreachable")
	}
	waitFor(t, "y events closed", y.events.isClosed)
}

func TestLeaveMeetingReleasesEverything(t *testing.T) {
	h := hub.New(hub.Config{})
	net := peerlinktest.NewNetwork(true)
	x := newParticipant(t, h, net, "x")
	y := newParticipant(t, h, net, "y")
	x.join(t)
	y.join(t)
	waitFor(t, "connected", func() bool { return x.connectedTo("y") && y.connectedTo("x") })

	if err := y.mgr.LeaveMeeting(context.Background()); err != nil {
		t.Fatalf("LeaveMeeting: %v", err)
	}
	if snap := y.mgr.Snapshot(); snap.Phase != session.PhaseIdle || len(snap.Links) != 0 || snap.MeetingID != "" {
		t.Fatalf("y snapshot after leave = %+v", snap)
	}
	if !y.capturer.allReleased() {
		t.Fatalf("media not released")
	}
	waitFor(t, "x sees y leave", func() bool { return len(x.mgr.Links()) == 0 })
	if n := net.Open(); n != 0 {
		t.Fatalf("%d transports still open", n)
	}
	if err := y.mgr.LeaveMeeting(context.Background()); !errors.Is(err, session.ErrNotInMeeting) {
		t.Fatalf("second leave err = %v", err)
	}

	info, ok := h.Meeting(meetingID)
	if !ok || len(info.Participants) != 1 || info.Participants[0].ID != "x" {
		t.Fatalf("hub meeting = %+v, %v", info, ok)
	}

	// A participant may come back after leaving.
	y.join(t)
	waitFor(t, "reconnected", func() bool { return x.connectedTo("y") && y.connectedTo("x") })
}

func TestJoinMeetingRequiresID(t *testing.T) {
	h := hub.New(hub.Config{})
	x := newParticipant(t, h, peerlinktest.NewNetwork(true), "x")

	if err := x.mgr.JoinMeeting(context.Background(), "  "); !errors.Is(err, session.ErrInvalidMeetingID) {
		t.Fatalf("err = %v, want ErrInvalidMeetingID", err)
	}
	if x.capturer.calls != 0 {
		t.Fatalf("media acquired for an invalid meeting id")
	}
	if x.mgr.Snapshot().Phase != session.PhaseIdle {
		t.Fatalf("phase changed")
	}
}

func TestMediaFailureStopsBeforeSignaling(t *testing.T) {
	for name, capturer := range map[string]media.SyntheticCapturer{
		"denied":    {Denied: true},
		"no-camera": {NoVideoDevice: true},
	} {
		t.Run(name, func(t *testing.T) {
			h := hub.New(hub.Config{})
			x := newParticipant(t, h, peerlinktest.NewNetwork(true), "x")
			x.capturer.inner = capturer

			err := x.mgr.JoinMeeting(context.Background(), meetingID)
			if !errors.Is(err, media.ErrPermissionDenied) && !errors.Is(err, media.ErrDeviceUnavailable) {
				t.Fatalf("err = %v", err)
			}
			if _, ok := h.Meeting(meetingID); ok {
				t.Fatalf("hub saw a join despite media failure")
			}
			if x.mgr.Snapshot().Phase != session.PhaseIdle {
				t.Fatalf("phase = %s", x.mgr.Snapshot().Phase)
			}
		})
	}
}

func TestAlreadyInMeeting(t *testing.T) {
	h := hub.New(hub.Config{})
	x := newParticipant(t, h, peerlinktest.NewNetwork(true), "x")
	x.join(t)
	if _, err := x.mgr.StartMeeting(context.Background()); !errors.Is(err, session.ErrAlreadyInMeeting) {
		t.Fatalf("err = %v", err)
	}
}

func TestMeetingFullRejectsJoin(t *testing.T) {
	h := hub.New(hub.Config{MaxParticipants: 1})
	net := peerlinktest.NewNetwork(true)
	x := newParticipant(t, h, net, "x")
	y := newParticipant(t, h, net, "y")
	x.join(t)

	err := y.mgr.JoinMeeting(context.Background(), meetingID)
	if !errors.Is(err, hub.ErrMeetingFull) {
		t.Fatalf("err = %v, want ErrMeetingFull", err)
	}
	if y.mgr.Snapshot().Phase != session.PhaseIdle {
		t.Fatalf("y phase = %s", y.mgr.Snapshot().Phase)
	}
	if !y.capturer.allReleased() {
		t.Fatalf("y media not released")
	}
}

func TestMediaStateReachesOthers(t *testing.T) {
	h := hub.New(hub.Config{})
	net := peerlinktest.NewNetwork(true)
	x := newParticipant(t, h, net, "x")
	y := newParticipant(t, h, net, "y")

	if err := x.mgr.SetAudioEnabled(context.Background(), false); !errors.Is(err, session.ErrNotInMeeting) {
		t.Fatalf("idle SetAudioEnabled err = %v", err)
	}

	x.join(t)
	y.join(t)
	if err := x.mgr.SetAudioEnabled(context.Background(), false); err != nil {
		t.Fatalf("SetAudioEnabled: %v", err)
	}
	if snap := x.mgr.Snapshot(); snap.Media.Audio || !snap.Media.Video {
		t.Fatalf("x media = %+v", snap.Media)
	}
	waitFor(t, "y sees x muted", func() bool {
		return y.events.has(func(e session.Event) bool {
			return e.Type == session.EventRemoteMedia && e.ParticipantID == "x" && e.Media != nil && !e.Media.Audio && e.Media.Video
		})
	})

	if err := x.mgr.SetVideoEnabled(context.Background(), false); err != nil {
		t.Fatalf("SetVideoEnabled: %v", err)
	}
	waitFor(t, "y sees x camera off", func() bool {
		return y.events.has(func(e session.Event) bool {
			return e.Type == session.EventRemoteMedia && e.ParticipantID == "x" && e.Media != nil && !e.Media.Video
		})
	})
}

func TestMeetingEndedTearsDown(t *testing.T) {
	h := hub.New(hub.Config{})
	net := peerlinktest.NewNetwork(true)
	x := newParticipant(t, h, net, "x")
	y := newParticipant(t, h, net, "y")
	x.join(t)
	y.join(t)
	waitFor(t, "connected", func() bool { return x.connectedTo("y") && y.connectedTo("x") })

	if err := h.End(context.Background(), meetingID); err != nil {
		t.Fatalf("End: %v", err)
	}
	for _, p := range []*participant{x, y} {
		waitFor(t, p.id+" idle", func() bool {
			return p.mgr.Snapshot().Phase == session.PhaseIdle &&
				p.events.count(session.EventMeetingEnded) == 1
		})
		if !p.capturer.allReleased() {
			t.Fatalf("%s media not released", p.id)
		}
	}
	if n := net.Open(); n != 0 {
		t.Fatalf("%d transports still open", n)
	}
}

// scriptedConn lets a test play the hub by hand.
type scriptedConn struct {
	mu       sync.Mutex
	sent     []models.SignalMessage
	messages chan models.SignalMessage
	once     sync.Once
}

func newScriptedConn() *scriptedConn {
	return &scriptedConn{messages: make(chan models.SignalMessage, 64)}
}

func (c *scriptedConn) Send(_ context.Context, msg models.SignalMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *scriptedConn) Messages() <-chan models.SignalMessage { return c.messages }

func (c *scriptedConn) Close() error {
	c.once.Do(func() { close(c.messages) })
	return nil
}

func (c *scriptedConn) sentOfType(typ models.SignalType) []models.SignalMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.SignalMessage
	for _, m := range c.sent {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func startScripted(t *testing.T) (*session.Manager, *scriptedConn, *peerlinktest.Network, *eventLog) {
	t.Helper()
	conn := newScriptedConn()
	net := peerlinktest.NewNetwork(false)
	mgr := session.New(session.Config{
		Conn:         conn,
		Capturer:     &media.SyntheticCapturer{},
		NewTransport: net.Factory("x"),
		WantAudio:    true,
		RelayRetries: 2,
		RelayBackoff: 10 * time.Millisecond,
	})
	events := &eventLog{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mgr.Run(ctx) }()
	go events.collect(mgr.Events())
	t.Cleanup(func() {
		cancel()
		<-done
	})

	if err := mgr.JoinMeeting(context.Background(), meetingID); err != nil {
		t.Fatalf("JoinMeeting: %v", err)
	}
	if got := conn.sentOfType(models.SignalTypeJoinOrCreate); len(got) != 1 || got[0].MeetingID != meetingID {
		t.Fatalf("join messages = %+v", got)
	}
	conn.messages <- models.SignalMessage{Type: models.SignalTypeMeetingJoined, MeetingID: meetingID, ParticipantID: "x", Role: models.RoleGuest}
	waitFor(t, "joined", func() bool { return mgr.Snapshot().Phase == session.PhaseInMeeting })
	return mgr, conn, net, events
}

func TestRosterMemberIsOfferedTo(t *testing.T) {
	mgr, conn, _, _ := startScripted(t)
	conn.messages <- models.SignalMessage{Type: models.SignalTypeUserJoined, MeetingID: meetingID, ParticipantID: "w", Existing: true}

	waitFor(t, "offer to w", func() bool { return len(conn.sentOfType(models.SignalTypeOffer)) == 1 })
	offer := conn.sentOfType(models.SignalTypeOffer)[0]
	if offer.To != "w" || offer.From != "x" || offer.MeetingID != meetingID {
		t.Fatalf("offer envelope = %+v", offer)
	}
	links := mgr.Links()
	if len(links) != 1 || links[0].State != peerlink.StateLocalOfferPending {
		t.Fatalf("links = %+v", links)
	}

	// A duplicate roster entry must not create a second link or offer.
	conn.messages <- models.SignalMessage{Type: models.SignalTypeUserJoined, MeetingID: meetingID, ParticipantID: "w", Existing: true}
	conn.messages <- models.SignalMessage{Type: models.SignalTypeMediaState, MeetingID: meetingID, From: "w", Media: &models.MediaState{Audio: true}}
	waitFor(t, "messages processed", func() bool { return len(mgr.Links()) == 1 })
	time.Sleep(20 * time.Millisecond)
	if n := len(conn.sentOfType(models.SignalTypeOffer)); n != 1 {
		t.Fatalf("sent %d offers", n)
	}
}

func TestNewcomerWaitsForOffer(t *testing.T) {
	mgr, conn, net, _ := startScripted(t)
	conn.messages <- models.SignalMessage{Type: models.SignalTypeUserJoined, MeetingID: meetingID, ParticipantID: "v"}

	waitFor(t, "idle link", func() bool {
		links := mgr.Links()
		return len(links) == 1 && links[0].State == peerlink.StateIdle
	})
	if n := len(conn.sentOfType(models.SignalTypeOffer)); n != 0 {
		t.Fatalf("sent %d offers to a newcomer", n)
	}

	conn.messages <- models.SignalMessage{
		Type: models.SignalTypeCandidate, MeetingID: meetingID, From: "v", To: "x",
		Candidate: &models.ICECandidate{Candidate: "early"},
	}
	conn.messages <- models.SignalMessage{
		Type: models.SignalTypeOffer, MeetingID: meetingID, From: "v", To: "x",
		SDP: &models.SessionDescription{Type: models.SDPTypeOffer, SDP: "fake v-1 offer 1"},
	}
	waitFor(t, "answer", func() bool { return len(conn.sentOfType(models.SignalTypeAnswer)) == 1 })
	if added := net.Transports()[0].Added(); len(added) != 1 || added[0].Candidate != "early" {
		t.Fatalf("early candidate not applied: %+v", added)
	}
}

func TestRecipientUnavailableRebuildsLink(t *testing.T) {
	mgr, conn, net, events := startScripted(t)
	conn.messages <- models.SignalMessage{Type: models.SignalTypeUserJoined, MeetingID: meetingID, ParticipantID: "w", Existing: true}
	waitFor(t, "offer", func() bool { return len(conn.sentOfType(models.SignalTypeOffer)) == 1 })
	if conn.sentOfType(models.SignalTypeOffer)[0].Reset {
		t.Fatalf("first offer marked as reset")
	}

	undelivered := models.SignalMessage{Type: models.SignalTypeRecipientUnavailable, MeetingID: meetingID, To: "x", ParticipantID: "w"}
	for want := 2; want <= 3; want++ {
		conn.messages <- undelivered
		waitFor(t, "offer from rebuilt link", func() bool { return len(conn.sentOfType(models.SignalTypeOffer)) == want })
		offers := conn.sentOfType(models.SignalTypeOffer)
		if last := offers[len(offers)-1]; !last.Reset || last.To != "w" {
			t.Fatalf("rebuilt link offer = %+v", last)
		}
		links := mgr.Links()
		if len(links) != 1 || links[0].ParticipantID != "w" || links[0].State != peerlink.StateLocalOfferPending {
			t.Fatalf("links after retry = %+v", links)
		}
		if open := net.Open(); open != 1 {
			t.Fatalf("%d transports open, want only the rebuilt one", open)
		}
	}

	// Retries are spent; the next report drops the link.
	conn.messages <- undelivered
	waitFor(t, "link closed", func() bool { return len(mgr.Links()) == 0 })
	if open := net.Open(); open != 0 {
		t.Fatalf("%d transports left open", open)
	}
	waitFor(t, "events", func() bool { return events.count(session.EventRecipientUnavailable) == 3 })
}

func TestLeaveStopsLinkRebuild(t *testing.T) {
	mgr, conn, net, events := startScripted(t)
	conn.messages <- models.SignalMessage{Type: models.SignalTypeUserJoined, MeetingID: meetingID, ParticipantID: "w", Existing: true}
	waitFor(t, "offer", func() bool { return len(conn.sentOfType(models.SignalTypeOffer)) == 1 })

	conn.messages <- models.SignalMessage{Type: models.SignalTypeRecipientUnavailable, MeetingID: meetingID, To: "x", ParticipantID: "w"}
	conn.messages <- models.SignalMessage{Type: models.SignalTypeLeave, MeetingID: meetingID, ParticipantID: "w"}
	waitFor(t, "participant left", func() bool {
		return events.has(func(e session.Event) bool {
			return e.Type == session.EventParticipantLeft && e.ParticipantID == "w"
		})
	})

	time.Sleep(50 * time.Millisecond)
	if links := mgr.Links(); len(links) != 0 {
		t.Fatalf("links after leave = %+v", links)
	}
	if open := net.Open(); open != 0 {
		t.Fatalf("%d transports left open", open)
	}
}

func TestResetOfferReplacesAnsweredLink(t *testing.T) {
	mgr, conn, net, _ := startScripted(t)
	conn.messages <- models.SignalMessage{Type: models.SignalTypeUserJoined, MeetingID: meetingID, ParticipantID: "v"}
	conn.messages <- models.SignalMessage{
		Type: models.SignalTypeOffer, MeetingID: meetingID, From: "v", To: "x",
		SDP: &models.SessionDescription{Type: models.SDPTypeOffer, SDP: "fake v-1 offer 1"},
	}
	waitFor(t, "answer", func() bool { return len(conn.sentOfType(models.SignalTypeAnswer)) == 1 })

	conn.messages <- models.SignalMessage{
		Type: models.SignalTypeOffer, MeetingID: meetingID, From: "v", To: "x", Reset: true,
		SDP: &models.SessionDescription{Type: models.SDPTypeOffer, SDP: "fake v-2 offer 1"},
	}
	waitFor(t, "second answer", func() bool { return len(conn.sentOfType(models.SignalTypeAnswer)) == 2 })

	trs := net.Transports()
	if len(trs) != 2 || !trs[0].Closed() || trs[1].Closed() {
		t.Fatalf("reset offer should be answered on a fresh transport")
	}
	if remote := trs[1].RemoteDescription(); remote == nil || remote.SDP != "fake v-2 offer 1" {
		t.Fatalf("fresh transport remote = %+v", remote)
	}
	links := mgr.Links()
	if len(links) != 1 || links[0].State != peerlink.StateStable {
		t.Fatalf("links = %+v", links)
	}
}

func TestResetOfferOverridesPendingOffer(t *testing.T) {
	mgr, conn, net, _ := startScripted(t)
	// x is impolite toward w, so an ordinary colliding offer would be ignored.
	conn.messages <- models.SignalMessage{Type: models.SignalTypeUserJoined, MeetingID: meetingID, ParticipantID: "w", Existing: true}
	waitFor(t, "offer", func() bool { return len(conn.sentOfType(models.SignalTypeOffer)) == 1 })

	conn.messages <- models.SignalMessage{
		Type: models.SignalTypeOffer, MeetingID: meetingID, From: "w", To: "x", Reset: true,
		SDP: &models.SessionDescription{Type: models.SDPTypeOffer, SDP: "fake w-1 offer 1"},
	}
	waitFor(t, "answer", func() bool { return len(conn.sentOfType(models.SignalTypeAnswer)) == 1 })
	if open := net.Open(); open != 1 {
		t.Fatalf("%d transports open, want 1", open)
	}
	if links := mgr.Links(); len(links) != 1 || links[0].State != peerlink.StateStable {
		t.Fatalf("links = %+v", links)
	}
}

func TestUndeliveredOfferIsRetried(t *testing.T) {
	h := hub.New(hub.Config{})
	net := peerlinktest.NewNetwork(true)

	// w's inbox holds two messages and is not read until later, so the
	// first offer addressed to it overflows.
	wConn := signaling.NewLocalConn(h, "w", 2)
	w := session.New(session.Config{
		Conn:         wConn,
		Capturer:     &media.SyntheticCapturer{},
		NewTransport: net.Factory("w"),
		WantAudio:    true,
	})
	if err := w.JoinMeeting(context.Background(), meetingID); err != nil {
		t.Fatalf("w JoinMeeting: %v", err)
	}

	y := newParticipant(t, h, net, "y")
	y.join(t)
	waitFor(t, "offer to w undelivered", func() bool {
		return y.events.has(func(e session.Event) bool {
			return e.Type == session.EventRecipientUnavailable && e.ParticipantID == "w"
		})
	})
	if info, ok := h.Meeting(meetingID); !ok || len(info.Participants) != 2 {
		t.Fatalf("hub membership = %+v", info)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = wConn.Close()
	})

	waitFor(t, "w and y connected", func() bool {
		links := w.Links()
		return y.connectedTo("w") && len(links) == 1 && links[0].State == peerlink.StateConnected
	})
	if trs := transportsOf(net, "y"); len(trs) < 2 || !trs[0].Closed() {
		t.Fatalf("y should have replaced its first transport")
	}
}

func TestIceRestartFailureLeavesOtherLinksUp(t *testing.T) {
	h := hub.New(hub.Config{})
	net := peerlinktest.NewNetwork(true)
	x := newParticipant(t, h, net, "x")
	y := newParticipant(t, h, net, "y")
	z := newParticipant(t, h, net, "z")
	x.join(t)
	y.join(t)
	z.join(t)
	waitFor(t, "full mesh", func() bool {
		return x.connectedTo("y", "z") && y.connectedTo("x", "z") && z.connectedTo("x", "y")
	})

	toY := transportTo(net, "x", "y")
	if toY == nil {
		t.Fatalf("no transport from x to y")
	}
	toY.EmitState(peerlink.ConnectionStateFailed)
	waitFor(t, "ice restart answered", func() bool {
		offers := toY.Offers()
		return len(offers) == 1 && offers[0] && x.linkState("y") == peerlink.StateStable
	})

	toY.EmitState(peerlink.ConnectionStateFailed)
	waitFor(t, "x to y failed", func() bool { return x.linkState("y") == peerlink.StateFailed })
	waitFor(t, "failure event", func() bool {
		return x.events.has(func(e session.Event) bool {
			return e.Type == session.EventLinkState && e.ParticipantID == "y" &&
				e.State == peerlink.StateFailed && errors.Is(e.Err, peerlink.ErrIceRestartFailed)
		})
	})

	if got := x.linkState("z"); got != peerlink.StateConnected {
		t.Fatalf("x to z = %s, want connected", got)
	}
	if !y.connectedTo("x", "z") || !z.connectedTo("x", "y") {
		t.Fatalf("other links changed: y=%+v z=%+v", y.mgr.Links(), z.mgr.Links())
	}
	if phase := x.mgr.Snapshot().Phase; phase != session.PhaseInMeeting {
		t.Fatalf("x phase = %v, want in meeting", phase)
	}
	if !toY.Closed() {
		t.Fatalf("failed link kept its transport")
	}
}

func TestJoinErrorFromHub(t *testing.T) {
	conn := newScriptedConn()
	capturer := &recordingCapturer{}
	mgr := session.New(session.Config{Conn: conn, Capturer: capturer, NewTransport: peerlinktest.NewNetwork(false).Factory("x"), WantAudio: true})
	events := &eventLog{}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = mgr.Run(ctx) }()
	go events.collect(mgr.Events())

	if err := mgr.JoinMeeting(context.Background(), meetingID); err != nil {
		t.Fatalf("JoinMeeting: %v", err)
	}
	conn.messages <- models.SignalMessage{Type: models.SignalTypeError, MeetingID: meetingID, Error: "meeting is full"}

	waitFor(t, "join failure", func() bool {
		return events.has(func(e session.Event) bool {
			return e.Type == session.EventError && e.Err != nil && strings.Contains(e.Err.Error(), "meeting is full")
		})
	})
	if mgr.Snapshot().Phase != session.PhaseIdle {
		t.Fatalf("phase = %s", mgr.Snapshot().Phase)
	}
	if !capturer.allReleased() {
		t.Fatalf("media not released")
	}
}

func TestHubUnreachableDuringMeeting(t *testing.T) {
	conn := newScriptedConn()
	capturer := &recordingCapturer{}
	mgr := session.New(session.Config{Conn: conn, Capturer: capturer, NewTransport: peerlinktest.NewNetwork(false).Factory("x"), WantAudio: true})
	events := &eventLog{}
	done := make(chan error, 1)
	go func() { done <- mgr.Run(context.Background()) }()
	go events.collect(mgr.Events())

	if err := mgr.JoinMeeting(context.Background(), meetingID); err != nil {
		t.Fatalf("JoinMeeting: %v", err)
	}
	_ = conn.Close()

	select {
	case err := <-done:
		if !errors.Is(err, session.ErrHubUnreachable) {
			t.Fatalf("Run err = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return")
	}
	waitFor(t, "events closed", events.isClosed)
	if events.count(session.EventHubUnreachable) != 1 {
		t.Fatalf("expected one hub-unreachable event")
	}
	if !capturer.allReleased() {
		t.Fatalf("media not released")
	}
	if err := mgr.JoinMeeting(context.Background(), meetingID); !errors.Is(err, session.ErrHubUnreachable) {
		t.Fatalf("join after hub loss err = %v", err)
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLinkFailureLoggedOnce(t *testing.T) {
	logs := &lockedBuffer{}
	conn := newScriptedConn()
	net := peerlinktest.NewNetwork(false)
	mgr := session.New(session.Config{
		Conn:         conn,
		NewTransport: net.Factory("x"),
		Logger:       slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mgr.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	if err := mgr.JoinMeeting(context.Background(), meetingID); err != nil {
		t.Fatalf("JoinMeeting: %v", err)
	}
	conn.messages <- models.SignalMessage{Type: models.SignalTypeMeetingJoined, MeetingID: meetingID, ParticipantID: "x", Role: models.RoleGuest}
	conn.messages <- models.SignalMessage{Type: models.SignalTypeUserJoined, MeetingID: meetingID, ParticipantID: "w", Existing: true}
	waitFor(t, "offer", func() bool { return len(conn.sentOfType(models.SignalTypeOffer)) == 1 })
	conn.messages <- models.SignalMessage{
		Type: models.SignalTypeAnswer, MeetingID: meetingID, From: "w", To: "x",
		SDP: &models.SessionDescription{Type: models.SDPTypeAnswer, SDP: "fake w-1 answer 1"},
	}
	waitFor(t, "stable", func() bool {
		links := mgr.Links()
		return len(links) == 1 && links[0].State == peerlink.StateStable
	})

	tr := net.Transports()[0]
	tr.EmitState(peerlink.ConnectionStateFailed)
	tr.EmitState(peerlink.ConnectionStateFailed)
	waitFor(t, "failed", func() bool {
		links := mgr.Links()
		return len(links) == 1 && links[0].State == peerlink.StateFailed
	})

	if n := strings.Count(logs.String(), `msg="peer link failed"`); n != 1 {
		t.Fatalf("failure logged %d times:\n%s", n, logs.String())
	}
}
